package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeDatagramBitExact(t *testing.T) {
	buf := HandshakeDatagram(0x1234)
	require.Len(t, buf, 20)
	assert.Equal(t, byte(0x10), buf[0])
	assert.Equal(t, byte(0x14), buf[1])

	dg, err := ParseDatagram(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), dg.Header.SessionID)
	assert.True(t, dg.Header.HasFlag(FlagNewSessionID))
	assert.Equal(t, uint16(0), dg.Header.AckedPktID)
	assert.Equal(t, uint16(handshakeUnknownB), dg.Header.UnknownB)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}, dg.Payload)
}

func TestAckOnlyDatagram(t *testing.T) {
	buf := AckOnlyDatagram(0x5678, 0x0001)
	require.Len(t, buf, HeaderLen)
	dg, err := ParseDatagram(buf)
	require.NoError(t, err)
	assert.True(t, dg.Header.HasFlag(FlagAck))
	assert.Equal(t, uint16(0x0001), dg.Header.AckedPktID)
	assert.Equal(t, uint16(0x5678), dg.Header.SessionID)
	assert.Empty(t, dg.Payload)
}
