package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atemkit/atemnet/internal/proto"
)

type echoCommand struct {
	name [4]byte
	body []byte
}

func (c *echoCommand) QueueKey() string { return string(c.name[:]) }

type echoCodec struct {
	allowsTrailing bool
}

func (echoCodec) New() Command { return &echoCommand{} }

func (c echoCodec) Deserialize(cmd Command, body []byte) (int, error) {
	e := cmd.(*echoCommand)
	e.body = body
	if c.allowsTrailing && len(body) > 2 {
		return 2, nil
	}
	return len(body), nil
}

func (c echoCodec) AllowsTrailingBytes() bool { return c.allowsTrailing }

func mustRegistry() *Registry {
	r := NewRegistry()
	r.Register(0, [4]byte{'P', 'r', 'I', 'n'}, echoCodec{})
	return r
}

func TestDispatchDecodesAndDelivers(t *testing.T) {
	r := mustRegistry()
	d := New(r, nil, nil)

	var delivered []Command
	d.OnReceive(func(cmds []Command) { delivered = append(delivered, cmds...) })

	block := proto.SerializeBlock([4]byte{'P', 'r', 'I', 'n'}, []byte{1, 2, 3})
	d.Dispatch(context.Background(), proto.Header{}, nil, [][]byte{block})

	require.Len(t, delivered, 1)
	assert.Equal(t, []byte{1, 2, 3}, delivered[0].(*echoCommand).body)
}

func TestDispatchFoldsMultipleDeliverablesIntoOneBatch(t *testing.T) {
	r := mustRegistry()
	d := New(r, nil, nil)

	var batches [][]Command
	d.OnReceive(func(cmds []Command) { batches = append(batches, cmds) })

	block1 := proto.SerializeBlock([4]byte{'P', 'r', 'I', 'n'}, []byte{1})
	block2 := proto.SerializeBlock([4]byte{'P', 'r', 'I', 'n'}, []byte{2})
	d.Dispatch(context.Background(), proto.Header{}, nil, [][]byte{block1, block2})

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestDispatchSkipsUnknownCommand(t *testing.T) {
	r := NewRegistry()
	d := New(r, nil, nil)

	var delivered []Command
	d.OnReceive(func(cmds []Command) { delivered = append(delivered, cmds...) })

	block := proto.SerializeBlock([4]byte{'Z', 'Z', 'Z', 'Z'}, []byte{1})
	d.Dispatch(context.Background(), proto.Header{}, nil, [][]byte{block})

	assert.Empty(t, delivered)
}

func TestDecodeUnknownCommandCarriesBodyForHexDump(t *testing.T) {
	r := NewRegistry()
	d := New(r, nil, nil)

	block := proto.SerializeBlock([4]byte{'Z', 'Z', 'Z', 'Z'}, []byte{0xde, 0xad, 0xbe, 0xef})
	blocks, err := proto.ParseBlocks(block)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	_, err = d.decode(blocks[0])
	require.Error(t, err)

	var unknown *ErrUnknownCommand
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, unknown.Body)
	assert.Contains(t, err.Error(), "de ad be ef")
}

func TestDispatchAllowsTrailingBytesWhenCodecPermits(t *testing.T) {
	r := NewRegistry()
	r.Register(0, [4]byte{'T', 'r', 'a', 'l'}, echoCodec{allowsTrailing: true})
	d := New(r, nil, nil)

	var delivered []Command
	d.OnReceive(func(cmds []Command) { delivered = append(delivered, cmds...) })
	block := proto.SerializeBlock([4]byte{'T', 'r', 'a', 'l'}, []byte{1, 2, 3, 4})
	d.Dispatch(context.Background(), proto.Header{}, nil, [][]byte{block})
	require.Len(t, delivered, 1)
}

func TestDispatchRejectsTrailingBytesWhenNotAllowed(t *testing.T) {
	r := NewRegistry()
	r.Register(0, [4]byte{'T', 'r', 'a', 'l'}, echoCodec{allowsTrailing: false})
	d := New(r, nil, nil)

	var delivered []Command
	d.OnReceive(func(cmds []Command) { delivered = append(delivered, cmds...) })
	// allowsTrailing=false forces Deserialize to report full consumption in
	// this fake codec, so simulate under-consumption directly via the
	// registry's decode path by registering a codec that always leaves a
	// byte unconsumed.
	r.Register(0, [4]byte{'T', 'r', 'a', 'l'}, underConsumingCodec{})
	block := proto.SerializeBlock([4]byte{'T', 'r', 'a', 'l'}, []byte{1, 2, 3, 4})
	d.Dispatch(context.Background(), proto.Header{}, nil, [][]byte{block})
	assert.Empty(t, delivered)
}

type underConsumingCodec struct{}

func (underConsumingCodec) New() Command { return &echoCommand{} }
func (underConsumingCodec) Deserialize(cmd Command, body []byte) (int, error) {
	cmd.(*echoCommand).body = body
	return len(body) - 1, nil
}

type claimingCollaborator struct {
	claimed []Command
}

func (c *claimingCollaborator) Handle(cmd Command) bool {
	c.claimed = append(c.claimed, cmd)
	return true
}
func (c *claimingCollaborator) Reset()  {}
func (c *claimingCollaborator) Dispose() {}

func TestDispatchCollaboratorClaimsCommand(t *testing.T) {
	r := mustRegistry()
	collab := &claimingCollaborator{}
	d := New(r, collab, nil)

	var delivered []Command
	d.OnReceive(func(cmds []Command) { delivered = append(delivered, cmds...) })

	block := proto.SerializeBlock([4]byte{'P', 'r', 'I', 'n'}, []byte{9})
	d.Dispatch(context.Background(), proto.Header{}, nil, [][]byte{block})

	assert.Empty(t, delivered)
	require.Len(t, collab.claimed, 1)
}

func TestDispatchInvokesRawObserver(t *testing.T) {
	r := mustRegistry()
	d := New(r, nil, nil)

	var gotHeader proto.Header
	var gotRaw []byte
	d.OnReceivePacket(func(h proto.Header, raw []byte) {
		gotHeader = h
		gotRaw = raw
	})

	raw := []byte{0xAA, 0xBB}
	d.Dispatch(context.Background(), proto.Header{PktID: 7}, raw, nil)

	assert.Equal(t, uint16(7), gotHeader.PktID)
	assert.Equal(t, raw, gotRaw)
}
