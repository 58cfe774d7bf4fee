package mysql

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// Client/server capability flags.
// https://dev.mysql.com/doc/dev/mysql-server/latest/group__group__cs__capabilities__flags.html
const (
	clientLongPassword     = 0x00000001
	clientLongFlag         = 0x00000004
	clientConnectWithDB    = 0x00000008
	clientProtocol41       = 0x00000200
	clientTransactions     = 0x00002000
	clientSecureConnection = 0x00008000
	clientPluginAuth       = 0x00080000
	clientDeprecateEOF     = 0x01000000
)

// Commands used by this client.
const (
	comQuit          = 0x01
	comQuery         = 0x03
	comPing          = 0x0E
	comBinlogDump    = 0x12
	comRegisterSlave = 0x15
)

const utf8mb4Charset = 0xFF // utf8mb4_0900_ai_ci; the session is UTF-8 only

// connState tracks where a connection is in its lifecycle.
type connState int

const (
	stateStartup connState = iota
	stateIdle
	stateInQuery
	stateStreaming
	stateClosed
)

// Conn is a MySQL client connection. It exclusively owns its transport
// and buffers; all I/O is serialized by its owner.
type Conn struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  connState

	sequence     uint8
	capabilities uint32

	// Handshake metadata.
	serverVersion string
	connectionID  uint32
	authPlugin    string

	// Updated from each OK packet.
	statusFlags  uint16
	affectedRows uint64
	lastInsertID uint64
}

// Connect dials the configured server and performs the handshake and
// authentication exchange.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dialer = net.Dialer{Timeout: cfg.ConnectTimeout}
	var netConn, err = dialer.DialContext(ctx, "tcp", cfg.address())
	if err != nil {
		if isTimeout(err) {
			return nil, &cdc.TimeoutError{Phase: "connect"}
		}
		return nil, fmt.Errorf("dialing %s: %w", cfg.address(), cdc.ErrConnectFailed)
	}

	var c = &Conn{
		cfg:    cfg,
		conn:   netConn,
		reader: bufio.NewReader(netConn),
		writer: bufio.NewWriter(netConn),
	}
	if err := c.handshake(); err != nil {
		netConn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"addr":          cfg.address(),
		"serverVersion": c.serverVersion,
		"connectionID":  c.connectionID,
		"authPlugin":    c.authPlugin,
	}).Info("connected to mysql")
	return c, nil
}

// handshake consumes HandshakeV10, answers with HandshakeResponse41, and
// completes authentication.
func (c *Conn) handshake() error {
	var payload, err = c.readPayload()
	if err != nil {
		return err
	}
	if len(payload) > 0 && payload[0] == 0xFF {
		return parseServerError(payload)
	}

	var r = payloadReader{buf: payload}
	if version := r.byte(); version != 10 {
		return cdc.Protocolf("unsupported handshake protocol version %d", version)
	}
	c.serverVersion = r.nullTerminatedString()
	c.connectionID = r.uint32LE()
	var nonce = append([]byte(nil), r.bytes(8)...)
	r.skip(1) // filler
	var capLow = r.uint16LE()
	r.byte() // server default charset
	c.statusFlags = r.uint16LE()
	var capHigh = r.uint16LE()
	var serverCaps = uint32(capLow) | uint32(capHigh)<<16

	var scrambleLen = int(r.byte())
	r.skip(10) // reserved
	if serverCaps&clientSecureConnection != 0 {
		// The second scramble half is max(13, scramble_len - 8) bytes with a
		// trailing NUL we don't include in the nonce.
		var extra = scrambleLen - 8 - 1
		if extra < 12 {
			extra = 12
		}
		nonce = append(nonce, r.bytes(extra)...)
		r.skip(1)
	}
	if serverCaps&clientPluginAuth != 0 {
		c.authPlugin = r.nullTerminatedString()
	}
	if r.err != nil {
		return r.err
	}
	if c.authPlugin == "" {
		c.authPlugin = nativePasswordPlugin
	}
	if serverCaps&clientProtocol41 == 0 {
		return cdc.Protocolf("server does not support protocol 4.1")
	}

	var required uint32 = clientProtocol41 | clientSecureConnection | clientPluginAuth |
		clientDeprecateEOF | clientLongFlag | clientTransactions | clientLongPassword
	if c.cfg.Database != "" {
		required |= clientConnectWithDB
	}
	c.capabilities = serverCaps & required

	var token, err2 = scramblePassword(c.authPlugin, c.cfg.Password, nonce)
	if err2 != nil {
		return err2
	}
	if err := c.writeHandshakeResponse(token); err != nil {
		return err
	}
	return c.authenticate(nonce)
}

// writeHandshakeResponse sends HandshakeResponse41.
func (c *Conn) writeHandshakeResponse(token []byte) error {
	var b = make([]byte, 0, 128)
	b = appendUint32LE(b, c.capabilities)
	b = appendUint32LE(b, maxPacketLen)
	b = append(b, utf8mb4Charset)
	b = append(b, make([]byte, 23)...)
	b = appendNullTerminated(b, c.cfg.User)
	b = appendLenencUint(b, uint64(len(token)))
	b = append(b, token...)
	if c.cfg.Database != "" {
		b = appendNullTerminated(b, c.cfg.Database)
	}
	b = appendNullTerminated(b, c.authPlugin)
	return c.writePayload(b)
}

// authenticate consumes the server's verdict on the handshake response.
// An AuthSwitchRequest to a different plugin is honored once.
func (c *Conn) authenticate(nonce []byte) error {
	var payload, err = c.readPayload()
	if err != nil {
		return err
	}
	switch payload[0] {
	case 0x00:
		c.state = stateIdle
		return c.applyServerOK(payload)
	case 0xFF:
		var serverErr = parseServerError(payload)
		// 1045 is ER_ACCESS_DENIED_ERROR.
		if serverErr.Code == 1045 {
			return fmt.Errorf("%s: %w", serverErr.Message, cdc.ErrAuthFailed)
		}
		return serverErr
	case 0xFE:
		// AuthSwitchRequest: plugin name and fresh nonce.
		var r = payloadReader{buf: payload[1:]}
		var plugin = r.nullTerminatedString()
		var freshNonce = r.rest()
		if n := len(freshNonce); n > 0 && freshNonce[n-1] == 0 {
			freshNonce = freshNonce[:n-1]
		}
		token, err := scramblePassword(plugin, c.cfg.Password, freshNonce)
		if err != nil {
			return err
		}
		c.authPlugin = plugin
		if err := c.writePayload(token); err != nil {
			return err
		}
		return c.authenticate(freshNonce)
	default:
		return cdc.Protocolf("unexpected authentication response 0x%02X", payload[0])
	}
}

func (c *Conn) applyServerOK(payload []byte) error {
	var ok, err = parseServerOK(payload)
	if err != nil {
		return err
	}
	c.statusFlags = ok.StatusFlags
	c.affectedRows = ok.AffectedRows
	c.lastInsertID = ok.LastInsertID
	return nil
}

// writeCommand starts a new command-response cycle: the sequence counter
// resets to zero.
func (c *Conn) writeCommand(command byte, payload []byte) error {
	c.sequence = 0
	return c.writePayload(append([]byte{command}, payload...))
}

// writePayload frames and flushes one payload, splitting at the 16MB
// packet boundary as required.
func (c *Conn) writePayload(payload []byte) error {
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	for {
		var chunk = payload
		if len(chunk) > maxPacketLen {
			chunk = chunk[:maxPacketLen]
		}
		payload = payload[len(chunk):]

		var header = appendUint24LE(nil, uint32(len(chunk)))
		header = append(header, c.sequence)
		c.sequence++
		if _, err := c.writer.Write(header); err != nil {
			return c.writeError(err)
		}
		if _, err := c.writer.Write(chunk); err != nil {
			return c.writeError(err)
		}
		// An exactly-16MB chunk requires a trailing empty packet.
		if len(payload) == 0 && len(chunk) < maxPacketLen {
			break
		}
	}
	return c.writeError(c.writer.Flush())
}

// readPayload reads one packet, validates its sequence number, and
// reassembles multi-packet payloads.
func (c *Conn) readPayload() ([]byte, error) {
	if c.cfg.ReadTimeout > 0 && c.state != stateStreaming {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	var payload []byte
	for {
		var sequence, chunk, err = readPacket(c.reader)
		if err != nil {
			if isTimeout(err) {
				// Mid-stream timeouts are the engine's to classify; it still
				// owns a live connection for its COM_QUIT.
				if c.state != stateStreaming {
					c.fail()
				}
				return nil, &cdc.TimeoutError{Phase: "read"}
			}
			return nil, err
		}
		if sequence != c.sequence {
			c.fail()
			return nil, cdc.Protocolf("sequence gap: expected %d, got %d", c.sequence, sequence)
		}
		c.sequence++

		if payload == nil {
			payload = chunk
		} else {
			payload = append(payload, chunk...)
		}
		if len(payload) > maxFrameSize {
			c.fail()
			return nil, cdc.Protocolf("frame too large: %d bytes", len(payload))
		}
		if len(chunk) < maxPacketLen {
			return payload, nil
		}
	}
}

func (c *Conn) writeError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		c.fail()
		return &cdc.TimeoutError{Phase: "write"}
	}
	return err
}

// fail transitions the connection to Closed after a fatal timeout or
// protocol violation.
func (c *Conn) fail() {
	c.state = stateClosed
	c.conn.Close()
}

// ServerVersion reports the version string from the handshake.
func (c *Conn) ServerVersion() string { return c.serverVersion }

// Ping round-trips a COM_PING.
func (c *Conn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.writeCommand(comPing, nil); err != nil {
		return err
	}
	var payload, err = c.readPayload()
	if err != nil {
		return err
	}
	switch payload[0] {
	case 0x00:
		return c.applyServerOK(payload)
	case 0xFF:
		return parseServerError(payload)
	default:
		return cdc.Protocolf("unexpected COM_PING response 0x%02X", payload[0])
	}
}

// Close sends COM_QUIT and shuts down the transport.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	c.writeCommand(comQuit, nil) // best effort
	return c.conn.Close()
}

// SwitchToReplica discovers the primary's replicas, connects to the first
// reachable one, and closes this connection. The returned connection uses
// the same credentials against the replica's address.
func (c *Conn) SwitchToReplica(ctx context.Context) (*Conn, error) {
	var hosts, err = c.replicaHosts(ctx)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no replicas registered on %s", c.cfg.address())
	}

	var errs []error
	for _, host := range hosts {
		var cfg = c.cfg
		cfg.Host, cfg.Port = host.Host, host.Port
		replica, err := Connect(ctx, cfg)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"replica": cfg.address(),
				"err":     err,
			}).Warn("replica unreachable")
			errs = append(errs, err)
			continue
		}
		c.Close()
		return replica, nil
	}
	return nil, fmt.Errorf("no reachable replica: %w", errors.Join(errs...))
}

type replicaHost struct {
	Host string
	Port uint16
}

// replicaHosts runs SHOW REPLICAS (MySQL 8.0.22+), falling back to the
// older SHOW SLAVE HOSTS spelling.
func (c *Conn) replicaHosts(ctx context.Context) ([]replicaHost, error) {
	var result, err = c.QueryAll(ctx, "SHOW REPLICAS")
	if err != nil {
		var serverErr *cdc.ServerError
		if !errors.As(err, &serverErr) {
			return nil, err
		}
		if result, err = c.QueryAll(ctx, "SHOW SLAVE HOSTS"); err != nil {
			return nil, err
		}
	}

	var hostIdx, portIdx = -1, -1
	for i, col := range result.Columns {
		switch col.Name {
		case "Host":
			hostIdx = i
		case "Port":
			portIdx = i
		}
	}
	if hostIdx < 0 || portIdx < 0 {
		return nil, cdc.Protocolf("unexpected replica listing columns")
	}

	var hosts []replicaHost
	for _, row := range result.Rows {
		if row[hostIdx] == nil || row[portIdx] == nil || *row[hostIdx] == "" {
			continue
		}
		var port, err = strconv.ParseUint(*row[portIdx], 10, 16)
		if err != nil {
			continue
		}
		hosts = append(hosts, replicaHost{Host: *row[hostIdx], Port: uint16(port)})
	}
	return hosts, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var timeoutErr *cdc.TimeoutError
	return errors.As(err, &timeoutErr)
}
