package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// commandBlockHeaderLen is the length, reserved and name bytes preceding a
// command block's body: 2 (length) + 2 (reserved) + 4 (name).
const commandBlockHeaderLen = 8

// ErrTruncatedCommand is returned when a command block claims a length that
// exceeds the remaining payload (§4.2: parsing is strict).
var ErrTruncatedCommand = errors.New("proto: command block length exceeds remaining payload")

// Block is one length-prefixed command block from a datagram's payload.
type Block struct {
	Name [4]byte
	Body []byte
}

func (b Block) String() string {
	return fmt.Sprintf("%s[%d]", b.Name, len(b.Body))
}

// ParseBlocks decodes payload into a sequence of command blocks. Any block
// whose declared length exceeds the remaining payload aborts parsing of the
// whole datagram (§4.2); blocks already decoded are still returned, since
// the caller may want to process what could be salvaged, but err is
// non-nil so callers that want strict semantics can detect it.
func ParseBlocks(payload []byte) ([]Block, error) {
	var blocks []Block
	for len(payload) > 0 {
		if len(payload) < commandBlockHeaderLen {
			return blocks, ErrTruncatedCommand
		}
		length := binary.BigEndian.Uint16(payload[0:2])
		if int(length) < commandBlockHeaderLen || int(length) > len(payload) {
			return blocks, ErrTruncatedCommand
		}
		var name [4]byte
		copy(name[:], payload[4:8])
		body := payload[commandBlockHeaderLen:length]
		blocks = append(blocks, Block{Name: name, Body: body})
		payload = payload[length:]
	}
	return blocks, nil
}

// SerializeBlock renders a single command block: its 8-byte header (length,
// 2 reserved bytes, 4-byte name) followed by body.
func SerializeBlock(name [4]byte, body []byte) []byte {
	length := commandBlockHeaderLen + len(body)
	buf := make([]byte, length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(length))
	// bytes 2:4 are reserved, left zero
	copy(buf[4:8], name[:])
	copy(buf[8:], body)
	return buf
}

// PackBlocks concatenates pre-serialized command blocks (each already
// produced by SerializeBlock) into one payload, stopping and returning the
// blocks that didn't fit once adding the next one would exceed budget
// bytes. This is the packing step of §4.4: greedily fill one datagram's
// payload under the transport MTU budget.
func PackBlocks(blocks [][]byte, budget int) (packed []byte, remaining [][]byte) {
	used := 0
	i := 0
	for ; i < len(blocks); i++ {
		if used+len(blocks[i]) > budget {
			break
		}
		used += len(blocks[i])
	}
	packed = make([]byte, 0, used)
	for _, b := range blocks[:i] {
		packed = append(packed, b...)
	}
	return packed, blocks[i:]
}
