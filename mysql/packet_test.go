package mysql

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuary/changestream/cdc"
)

func TestLenencUintForms(t *testing.T) {
	for _, tc := range []struct {
		encoded []byte
		value   uint64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0xFA}, 250},
		{[]byte{0xFC, 0xFB, 0x00}, 251},
		{[]byte{0xFC, 0xFF, 0xFF}, 65535},
		{[]byte{0xFD, 0x00, 0x00, 0x01}, 65536},
		{[]byte{0xFD, 0xFF, 0xFF, 0xFF}, 1<<24 - 1},
		{[]byte{0xFE, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}, 1 << 24},
	} {
		var r = payloadReader{buf: tc.encoded}
		assert.Equal(t, tc.value, r.lenencUint())
		require.NoError(t, r.err)
		assert.Zero(t, r.remaining())

		// And the writer side produces a form the reader accepts.
		var encoded = appendLenencUint(nil, tc.value)
		r = payloadReader{buf: encoded}
		assert.Equal(t, tc.value, r.lenencUint())
		require.NoError(t, r.err)
	}
}

func TestLenencUintInvalidPrefix(t *testing.T) {
	var r = payloadReader{buf: []byte{0xFF}}
	r.lenencUint()
	assert.Error(t, r.err)
}

func TestPayloadReaderTruncation(t *testing.T) {
	var r = payloadReader{buf: []byte{0x01}}
	r.uint32LE()
	assert.Error(t, r.err)

	r = payloadReader{buf: []byte{0x02, 'a'}}
	r.lenencString()
	assert.Error(t, r.err, "declared length exceeds payload")
}

func TestUintBE(t *testing.T) {
	var r = payloadReader{buf: []byte{0x01, 0x02, 0x03}}
	assert.Equal(t, uint64(0x010203), r.uintBE(3))
	require.NoError(t, r.err)
}

func testConn(input []byte) *Conn {
	var client, server = net.Pipe()
	go func() {
		server.Write(input)
		server.Close()
	}()
	return &Conn{
		conn:   client,
		reader: bufio.NewReader(client),
		writer: bufio.NewWriter(client),
		state:  stateIdle,
	}
}

func packetBytes(sequence byte, payload []byte) []byte {
	var b = appendUint24LE(nil, uint32(len(payload)))
	b = append(b, sequence)
	return append(b, payload...)
}

func TestReadPayloadSequenceGap(t *testing.T) {
	var input = packetBytes(0, []byte{0x01})
	input = append(input, packetBytes(2, []byte{0x02})...)
	var c = testConn(input)

	var payload, err = c.readPayload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, payload)

	_, err = c.readPayload()
	var protoErr *cdc.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Detail, "sequence gap")
}

func TestReadPayloadReassembly(t *testing.T) {
	// A payload of exactly 2^24-1 bytes continues into a following packet.
	var first = bytes.Repeat([]byte{'x'}, maxPacketLen)
	var input = packetBytes(0, first)
	input = append(input, packetBytes(1, []byte("tail"))...)
	var c = testConn(input)

	var payload, err = c.readPayload()
	require.NoError(t, err)
	assert.Len(t, payload, maxPacketLen+4)
	assert.Equal(t, []byte("tail"), payload[maxPacketLen:])
}

func TestParseServerError(t *testing.T) {
	var payload = []byte{0xFF, 0x48, 0x04, '#', 'H', 'Y', '0', '0', '0'}
	payload = append(payload, []byte("No tables used")...)
	var serverErr = parseServerError(payload)
	assert.Equal(t, uint16(1096), serverErr.Code)
	assert.Equal(t, "HY000", serverErr.SQLState)
	assert.Equal(t, "No tables used", serverErr.Message)
}

func TestParseServerOK(t *testing.T) {
	var ok, err = parseServerOK([]byte{0x00, 0x03, 0x01, 0x02, 0x00, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ok.AffectedRows)
	assert.Equal(t, uint64(1), ok.LastInsertID)
	assert.Equal(t, uint16(2), ok.StatusFlags)
	assert.Equal(t, uint16(1), ok.Warnings)
}
