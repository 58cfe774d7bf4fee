package postgres

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuary/changestream/cdc"
)

// fakeBackend scripts one server side of the v3 protocol over a loopback
// listener, enough to exercise startup, authentication, and the simple
// query protocol without a live database.
type fakeBackend struct {
	t        *testing.T
	listener net.Listener
	conn     net.Conn
	reader   *bufio.Reader
}

func newFakeBackend(t *testing.T) *fakeBackend {
	var listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	return &fakeBackend{t: t, listener: listener}
}

func (b *fakeBackend) config() Config {
	var addr = b.listener.Addr().(*net.TCPAddr)
	return Config{
		Host:     "127.0.0.1",
		Port:     uint16(addr.Port),
		User:     "streamer",
		Password: "secret",
		Database: "test",
		SSLMode:  SSLDisable,
		SlotName: "s1",

		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

func (b *fakeBackend) accept() {
	var conn, err = b.listener.Accept()
	require.NoError(b.t, err)
	b.conn = conn
	b.reader = bufio.NewReader(conn)
}

// readStartup consumes the untagged startup message and returns its
// parameter payload.
func (b *fakeBackend) readStartup() string {
	var header [4]byte
	_, err := io.ReadFull(b.reader, header[:])
	require.NoError(b.t, err)
	var length = binary.BigEndian.Uint32(header[:])
	var body = make([]byte, length-4)
	_, err = io.ReadFull(b.reader, body)
	require.NoError(b.t, err)
	require.Equal(b.t, uint32(protocolVersion), binary.BigEndian.Uint32(body[:4]))
	return string(body[4:])
}

func (b *fakeBackend) readMessage() (byte, []byte) {
	var tag, body, err = readMessage(b.reader)
	require.NoError(b.t, err)
	return tag, body
}

func (b *fakeBackend) send(tag byte, body ...[]byte) {
	var msg = newMessage(tag)
	for _, chunk := range body {
		msg = append(msg, chunk...)
	}
	_, err := b.conn.Write(finishMessage(msg))
	require.NoError(b.t, err)
}

func be32(v int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func (b *fakeBackend) sendReady() {
	b.send(msgReadyForQuery, []byte{'I'})
}

// completeStartup plays the post-auth tail: parameters, key data, ready.
func (b *fakeBackend) completeStartup() {
	b.send(msgAuthentication, be32(0))
	b.send(msgParameterStatus, []byte("server_version\x0014.2\x00"))
	b.send(msgParameterStatus, []byte("client_encoding\x00UTF8\x00"))
	b.send(msgBackendKeyData, be32(4242), be32(31337))
	b.sendReady()
}

func TestConnectCleartextAuth(t *testing.T) {
	var backend = newFakeBackend(t)
	go func() {
		backend.accept()
		var params = backend.readStartup()
		assert.Contains(t, params, "user\x00streamer\x00")
		assert.Contains(t, params, "replication\x00database\x00")

		backend.send(msgAuthentication, be32(3)) // cleartext
		var tag, body = backend.readMessage()
		assert.Equal(t, byte(msgPasswordMessage), tag)
		assert.Equal(t, "secret\x00", string(body))
		backend.completeStartup()
	}()

	var conn, err = Connect(context.Background(), backend.config())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "14.2", conn.Parameter("server_version"))
	assert.Equal(t, int32(4242), conn.pid)
	assert.Equal(t, int32(31337), conn.secretKey)
}

func TestConnectMD5Auth(t *testing.T) {
	var backend = newFakeBackend(t)
	go func() {
		backend.accept()
		backend.readStartup()
		backend.send(msgAuthentication, be32(5), []byte{0x01, 0x02, 0x03, 0x04})
		var tag, body = backend.readMessage()
		assert.Equal(t, byte(msgPasswordMessage), tag)
		var expect = md5Password("streamer", "secret", []byte{0x01, 0x02, 0x03, 0x04})
		assert.Equal(t, expect+"\x00", string(body))
		assert.True(t, strings.HasPrefix(expect, "md5"))
		backend.completeStartup()
	}()

	var conn, err = Connect(context.Background(), backend.config())
	require.NoError(t, err)
	conn.Close()
}

func TestConnectAuthFailure(t *testing.T) {
	var backend = newFakeBackend(t)
	go func() {
		backend.accept()
		backend.readStartup()
		backend.send(msgErrorResponse, []byte("SFATAL\x00C28P01\x00Mpassword authentication failed\x00\x00"))
		backend.conn.Close()
	}()

	var _, err = Connect(context.Background(), backend.config())
	require.ErrorIs(t, err, cdc.ErrAuthFailed)
}

func TestSimpleQuery(t *testing.T) {
	var backend = newFakeBackend(t)
	go func() {
		backend.accept()
		backend.readStartup()
		backend.send(msgAuthentication, be32(0))
		backend.completeStartupTail()

		var tag, body = backend.readMessage()
		assert.Equal(t, byte(msgQuery), tag)
		assert.Equal(t, "SELECT id, name FROM t\x00", string(body))

		// RowDescription: two text-format columns.
		var desc = []byte{0, 2}
		desc = append(desc, []byte("id\x00")...)
		desc = append(desc, be32(0)...)  // table oid
		desc = append(desc, 0, 0)        // attnum
		desc = append(desc, be32(23)...) // int4 oid
		desc = append(desc, 0, 4)        // typlen
		desc = append(desc, be32(-1)...) // typmod
		desc = append(desc, 0, 0)        // format
		desc = append(desc, []byte("name\x00")...)
		desc = append(desc, be32(0)...)
		desc = append(desc, 0, 0)
		desc = append(desc, be32(25)...) // text oid
		desc = append(desc, 0xFF, 0xFF)  // typlen -1
		desc = append(desc, be32(-1)...)
		desc = append(desc, 0, 0)
		backend.send(msgRowDescription, desc)

		var row = []byte{0, 2}
		row = append(row, be32(1)...)
		row = append(row, '1')
		row = append(row, be32(-1)...) // NULL
		backend.send(msgDataRow, row)

		backend.send(msgCommandComplete, []byte("SELECT 1\x00"))
		backend.sendReady()
	}()

	var conn, err = Connect(context.Background(), backend.config())
	require.NoError(t, err)
	defer conn.Close()

	rs, err := conn.Query(context.Background(), "SELECT id, name FROM t")
	require.NoError(t, err)
	require.Len(t, rs.Columns(), 2)
	assert.Equal(t, "id", rs.Columns()[0].Name)
	assert.Equal(t, int32(23), rs.Columns()[0].DataTypeOID)

	require.True(t, rs.Next())
	var row = rs.Row()
	require.Len(t, row, 2)
	require.NotNil(t, row[0])
	assert.Equal(t, "1", *row[0])
	assert.Nil(t, row[1])

	assert.False(t, rs.Next())
	require.NoError(t, rs.Close())
	assert.Equal(t, stateIdle, conn.state)
}

// completeStartupTail is completeStartup without the leading AuthenticationOk.
func (b *fakeBackend) completeStartupTail() {
	b.send(msgParameterStatus, []byte("server_version\x0014.2\x00"))
	b.send(msgBackendKeyData, be32(1), be32(2))
	b.sendReady()
}

func TestQueryServerError(t *testing.T) {
	var backend = newFakeBackend(t)
	go func() {
		backend.accept()
		backend.readStartup()
		backend.send(msgAuthentication, be32(0))
		backend.completeStartupTail()

		backend.readMessage() // the query
		backend.send(msgErrorResponse, []byte("SERROR\x00C42P01\x00Mrelation \"nope\" does not exist\x00\x00"))
		backend.sendReady()
	}()

	var conn, err = Connect(context.Background(), backend.config())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Query(context.Background(), "SELECT * FROM nope")
	var serverErr *cdc.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "42P01", serverErr.SQLState)
	assert.Contains(t, serverErr.Message, "does not exist")
	// The connection recovered to Idle and remains usable.
	assert.Equal(t, stateIdle, conn.state)
}

func TestFrameTooLarge(t *testing.T) {
	var backend = newFakeBackend(t)
	go func() {
		backend.accept()
		backend.readStartup()
		var msg = []byte{msgAuthentication, 0xFF, 0xFF, 0xFF, 0xFF}
		backend.conn.Write(msg)
	}()

	var _, err = Connect(context.Background(), backend.config())
	var protoErr *cdc.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Detail, "frame too large")
}
