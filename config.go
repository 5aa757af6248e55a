package atemnet

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

// Config holds the tunables of the connection's timing and framing
// behavior (§4.3, §4.4, AMBIENT STACK). Construct with DefaultConfig and
// override individual fields, or populate entirely from the environment
// with LoadConfig.
type Config struct {
	// AckInterval is how often the timer duty checks for an owed ack and
	// flushes it if one is pending (§4.3 "Ack emission").
	AckInterval time.Duration `env:"ATEMNET_ACK_INTERVAL,default=50ms"`

	// RetransmitInterval is how long an unacked outbound packet waits
	// before being resent (§4.3 "Ack and retransmit").
	RetransmitInterval time.Duration `env:"ATEMNET_RETRANSMIT_INTERVAL,default=200ms"`

	// TimeoutInterval is how long the connection tolerates silence from
	// the peer before it's considered dead (§4.3 "Liveness").
	TimeoutInterval time.Duration `env:"ATEMNET_TIMEOUT_INTERVAL,default=5s"`

	// MTUBudget bounds how many payload bytes the outbound scheduler
	// packs into a single datagram (§4.4 "MTU packing").
	MTUBudget int `env:"ATEMNET_MTU_BUDGET,default=1396"`

	// WindowSize bounds how many unacked packets may be in flight before
	// the retransmit table is considered full (§3 Retransmit table
	// invariant).
	WindowSize int `env:"ATEMNET_WINDOW_SIZE,default=256"`
}

// DefaultConfig returns a Config populated with the same defaults
// LoadConfig would apply with no environment overrides present.
func DefaultConfig() Config {
	return Config{
		AckInterval:        50 * time.Millisecond,
		RetransmitInterval: 200 * time.Millisecond,
		TimeoutInterval:    5 * time.Second,
		MTUBudget:          1396,
		WindowSize:         256,
	}
}

// LoadConfig populates a Config from the process environment via
// go-envconfig, starting from each field's documented default.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "atemnet: load config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the ordering invariant AckInterval < RetransmitInterval
// < TimeoutInterval (§4.3: an ack that hasn't gone out before a resend is
// due defeats the point of coalescing, and a retransmit interval as long
// as the timeout never gets a chance to fire).
func (c Config) Validate() error {
	if c.AckInterval <= 0 || c.RetransmitInterval <= 0 || c.TimeoutInterval <= 0 {
		return errors.New("atemnet: config: all intervals must be positive")
	}
	if !(c.AckInterval < c.RetransmitInterval && c.RetransmitInterval < c.TimeoutInterval) {
		return errors.Errorf("atemnet: config: intervals must satisfy AckInterval < RetransmitInterval < TimeoutInterval, got %s < %s < %s",
			c.AckInterval, c.RetransmitInterval, c.TimeoutInterval)
	}
	if c.MTUBudget <= 0 {
		return errors.New("atemnet: config: MTUBudget must be positive")
	}
	if c.WindowSize <= 0 {
		return errors.New("atemnet: config: WindowSize must be positive")
	}
	return nil
}
