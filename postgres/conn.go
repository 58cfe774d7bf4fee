package postgres

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgio"
	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// connState tracks where a connection is in its lifecycle. All I/O on a
// connection is serialized by its owner; the state exists to catch misuse
// (two live result sets, queries during streaming) rather than to
// synchronize.
type connState int

const (
	stateStartup connState = iota
	stateIdle
	stateInQuery
	stateStreaming
	stateClosed
)

// Conn is a PostgreSQL connection speaking the v3 wire protocol in
// replication mode. It exclusively owns its transport and buffers.
type Conn struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  connState

	// Captured during startup.
	pid        int32
	secretKey  int32
	parameters map[string]string
	tlsUsed    bool
}

// Connect dials the configured server and performs transport setup, TLS
// negotiation, the startup handshake, and authentication. The connection
// is opened with replication=database so that both simple queries and
// replication commands are available.
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
		cfg:        cfg,
		conn:       netConn,
		reader:     bufio.NewReader(netConn),
		writer:     bufio.NewWriter(netConn),
		parameters: make(map[string]string),
	}

	if cfg.SSLMode != SSLDisable {
		if err := c.negotiateTLS(); err != nil {
			netConn.Close()
			return nil, err
		}
	}
	if err := c.startup(); err != nil {
		netConn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"addr":          cfg.address(),
		"database":      cfg.Database,
		"serverVersion": c.parameters["server_version"],
		"tls":           c.tlsUsed,
	}).Info("connected to postgres")
	return c, nil
}

// negotiateTLS sends SSLRequest and upgrades the transport when the
// server accepts. A rejection is fatal only under sslmode=require.
func (c *Conn) negotiateTLS() error {
	var req = make([]byte, 0, 8)
	req = pgio.AppendInt32(req, 8)
	req = pgio.AppendInt32(req, sslRequestCode)
	if err := c.write(req); err != nil {
		return err
	}

	var resp, err = c.reader.ReadByte()
	if err != nil {
		return fmt.Errorf("reading SSL response: %w", err)
	}
	switch resp {
	case 'S':
		var tlsConn = tls.Client(c.conn, &tls.Config{
			ServerName:         c.cfg.Host,
			InsecureSkipVerify: c.cfg.SSLMode != SSLRequire,
		})
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("%v: %w", err, cdc.ErrTLSFailed)
		}
		c.conn = tlsConn
		c.reader = bufio.NewReader(tlsConn)
		c.writer = bufio.NewWriter(tlsConn)
		c.tlsUsed = true
		return nil
	case 'N':
		if c.cfg.SSLMode == SSLRequire {
			return fmt.Errorf("server refused SSL: %w", cdc.ErrTLSFailed)
		}
		logrus.Debug("server declined SSL, continuing in plaintext")
		return nil
	default:
		return cdc.Protocolf("unexpected SSL response %q", resp)
	}
}

// startup sends the StartupMessage and runs authentication, then consumes
// ParameterStatus and BackendKeyData until ReadyForQuery.
func (c *Conn) startup() error {
	var params = []string{
		"user", c.cfg.User,
		"database", c.cfg.Database,
		"application_name", c.cfg.ApplicationName,
		"replication", "database",
	}

	// The startup message has no tag byte: just a length and the protocol
	// version followed by null-terminated parameter pairs.
	var msg = make([]byte, 0, 128)
	msg = pgio.AppendInt32(msg, 0) // patched below
	msg = pgio.AppendInt32(msg, protocolVersion)
	for _, p := range params {
		msg = appendCString(msg, p)
	}
	msg = append(msg, 0)
	pgio.SetInt32(msg, int32(len(msg)))
	if err := c.write(msg); err != nil {
		return err
	}

	if err := c.authenticate(); err != nil {
		return err
	}

	for {
		var tag, body, err = c.readMessage()
		if err != nil {
			return err
		}
		var r = messageReader{buf: body}
		switch tag {
		case msgBackendKeyData:
			c.pid = r.int32()
			c.secretKey = r.int32()
		case msgParameterStatus:
			c.parameters[r.cstring()] = r.cstring()
		case msgNoticeResponse:
			logrus.WithField("notice", parseErrorResponse(body).Message).Debug("server notice")
		case msgReadyForQuery:
			c.state = stateIdle
			if cs := c.parameters["client_encoding"]; cs != "" && cs != "UTF8" {
				return cdc.Protocolf("unsupported client_encoding %q (UTF8 required)", cs)
			}
			return nil
		case msgErrorResponse:
			return parseErrorResponse(body)
		default:
			return cdc.Protocolf("unexpected message %q during startup", tag)
		}
	}
}

// authenticate dispatches on the Authentication* request variants. The
// supported set is a small closed one: Ok, cleartext, md5, and SASL
// SCRAM-SHA-256.
func (c *Conn) authenticate() error {
	for {
		var tag, body, err = c.readMessage()
		if err != nil {
			return err
		}
		if tag == msgErrorResponse {
			var serverErr = parseErrorResponse(body)
			// 28P01 is invalid_password; surface it as an auth failure.
			if serverErr.SQLState == "28P01" || serverErr.SQLState == "28000" {
				return fmt.Errorf("%s: %w", serverErr.Message, cdc.ErrAuthFailed)
			}
			return serverErr
		}
		if tag != msgAuthentication {
			return cdc.Protocolf("unexpected message %q during authentication", tag)
		}

		var r = messageReader{buf: body}
		switch code := r.int32(); code {
		case 0: // AuthenticationOk
			return nil

		case 3: // AuthenticationCleartextPassword
			if c.cfg.Password == "" {
				return fmt.Errorf("server requested cleartext password but none is configured: %w", cdc.ErrAuthFailed)
			}
			var msg = newMessage(msgPasswordMessage)
			msg = appendCString(msg, c.cfg.Password)
			if err := c.write(finishMessage(msg)); err != nil {
				return err
			}

		case 5: // AuthenticationMD5Password
			var salt = r.bytes(4)
			if r.err != nil {
				return r.err
			}
			var msg = newMessage(msgPasswordMessage)
			msg = appendCString(msg, md5Password(c.cfg.User, c.cfg.Password, salt))
			if err := c.write(finishMessage(msg)); err != nil {
				return err
			}

		case 10: // AuthenticationSASL
			if err := c.authenticateSASL(&r); err != nil {
				return err
			}

		case 2, 6, 7, 9:
			return fmt.Errorf("authentication code %d: %w", code, cdc.ErrAuthUnsupported)
		default:
			return cdc.Protocolf("unknown authentication code %d", code)
		}
	}
}

// authenticateSASL runs the SCRAM-SHA-256 exchange. The server-advertised
// mechanism list must include SCRAM-SHA-256; channel-binding variants are
// not attempted.
func (c *Conn) authenticateSASL(r *messageReader) error {
	var offered bool
	for {
		var mechanism = r.cstring()
		if mechanism == "" || r.err != nil {
			break
		}
		if mechanism == scramMechanism {
			offered = true
		}
	}
	if !offered {
		return fmt.Errorf("server offers no %s: %w", scramMechanism, cdc.ErrAuthUnsupported)
	}

	var client, err = newScramClient(c.cfg.Password)
	if err != nil {
		return err
	}

	// SASLInitialResponse: mechanism name plus the client-first message.
	var first = client.clientFirstMessage()
	var msg = newMessage(msgPasswordMessage)
	msg = appendCString(msg, scramMechanism)
	msg = pgio.AppendInt32(msg, int32(len(first)))
	msg = append(msg, first...)
	if err := c.write(finishMessage(msg)); err != nil {
		return err
	}

	serverFirst, err := c.readSASLChallenge(11)
	if err != nil {
		return err
	}
	clientFinal, err := client.handleServerFirst(serverFirst)
	if err != nil {
		return err
	}

	msg = newMessage(msgPasswordMessage)
	msg = append(msg, clientFinal...)
	if err := c.write(finishMessage(msg)); err != nil {
		return err
	}

	serverFinal, err := c.readSASLChallenge(12)
	if err != nil {
		return err
	}
	return client.verifyServerFinal(serverFinal)
}

// readSASLChallenge reads an AuthenticationSASLContinue (11) or
// AuthenticationSASLFinal (12) message and returns its SASL payload.
func (c *Conn) readSASLChallenge(expectCode int32) (string, error) {
	var tag, body, err = c.readMessage()
	if err != nil {
		return "", err
	}
	switch tag {
	case msgAuthentication:
		var r = messageReader{buf: body}
		if code := r.int32(); code != expectCode {
			return "", cdc.Protocolf("expected SASL code %d, got %d", expectCode, code)
		}
		return string(r.rest()), nil
	case msgErrorResponse:
		var serverErr = parseErrorResponse(body)
		return "", fmt.Errorf("%s: %w", serverErr.Message, cdc.ErrAuthFailed)
	default:
		return "", cdc.Protocolf("unexpected message %q during SASL exchange", tag)
	}
}

// md5Password computes the md5 password response:
// "md5" + hex(md5(hex(md5(password + user)) + salt)).
func md5Password(user, password string, salt []byte) string {
	var inner = md5.Sum([]byte(password + user))
	var outer = md5.New()
	fmt.Fprintf(outer, "%x", inner)
	outer.Write(salt)
	return fmt.Sprintf("md5%x", outer.Sum(nil))
}

// readMessage reads one backend message, applying the per-frame read
// deadline outside of streaming.
func (c *Conn) readMessage() (byte, []byte, error) {
	if c.cfg.ReadTimeout > 0 && c.state != stateStreaming {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	var tag, body, err = readMessage(c.reader)
	if err != nil && isTimeout(err) {
		c.fail()
		return 0, nil, &cdc.TimeoutError{Phase: "read"}
	}
	return tag, body, err
}

// write flushes a complete frame, applying the write deadline.
func (c *Conn) write(frame []byte) error {
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.writer.Write(frame); err != nil {
		return c.writeError(err)
	}
	return c.writeError(c.writer.Flush())
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

// fail transitions the connection to Closed after a fatal timeout.
func (c *Conn) fail() {
	c.state = stateClosed
	c.conn.Close()
}

// Parameter returns a server parameter reported during startup
// (server_version, TimeZone, ...), or "" when unreported.
func (c *Conn) Parameter(name string) string { return c.parameters[name] }

// Ping verifies connection liveness with a trivial query.
func (c *Conn) Ping(ctx context.Context) error {
	var rs, err = c.Query(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	return rs.Close()
}

// Cancel opens a side connection and issues a CancelRequest for the
// backend pid and secret key captured during startup. It is safe to call
// from any goroutine while the main connection is busy.
func (c *Conn) Cancel(ctx context.Context) error {
	if c.pid == 0 && c.secretKey == 0 {
		return fmt.Errorf("no backend key data: %w", cdc.ErrCancelled)
	}
	var dialer = net.Dialer{Timeout: c.cfg.ConnectTimeout}
	var side, err = dialer.DialContext(ctx, "tcp", c.cfg.address())
	if err != nil {
		return fmt.Errorf("dialing cancel connection: %w", err)
	}
	defer side.Close()

	var msg = make([]byte, 0, 16)
	msg = pgio.AppendInt32(msg, 16)
	msg = pgio.AppendInt32(msg, cancelRequestCode)
	msg = pgio.AppendInt32(msg, c.pid)
	msg = pgio.AppendInt32(msg, c.secretKey)
	if _, err := side.Write(msg); err != nil {
		return fmt.Errorf("writing cancel request: %w", err)
	}
	return nil
}

// Close sends Terminate and shuts down the transport.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	var msg = newMessage(msgTerminate)
	c.write(finishMessage(msg)) // best effort
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
