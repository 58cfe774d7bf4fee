package mysql

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// SchemaHint is a DDL statement observed in the binlog which may affect
// table schemas. Hints are a best-effort side channel: they are not row
// events and do not advance the cursor.
type SchemaHint struct {
	Database string
	Query    string
	Cursor   BinlogCursor
}

// BinlogCursorAt reports the server's current binlog write position
// (SHOW MASTER STATUS), used to bootstrap a stream with no configured
// start position.
func (c *Conn) BinlogCursorAt(ctx context.Context) (BinlogCursor, error) {
	var result, err = c.QueryAll(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return BinlogCursor{}, err
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) < 2 ||
		result.Rows[0][0] == nil || result.Rows[0][1] == nil {
		return BinlogCursor{}, fmt.Errorf("no binlog position reported (is binary logging enabled on %q?)", c.cfg.Host)
	}
	var cursor BinlogCursor
	cursor.File = *result.Rows[0][0]
	var pos uint64
	if _, err := fmt.Sscanf(*result.Rows[0][1], "%d", &pos); err != nil {
		return BinlogCursor{}, fmt.Errorf("parsing binlog position %q: %w", *result.Rows[0][1], err)
	}
	cursor.Pos = uint32(pos)
	return cursor, nil
}

// Stream is a live binlog session. It owns its connection for the
// duration of streaming and emits standardized row events on a
// backpressured channel.
type Stream struct {
	conn *Conn
	cfg  Config

	checksum checksumMode
	cache    *tableMapCache

	events chan cdc.RowEvent
	hints  chan SchemaHint

	// Current read position: file from the last rotate, pos advanced at
	// transaction boundaries.
	file string
	pos  uint32

	// Row events of the open transaction, held until XID/COMMIT so
	// consumers never observe a partial transaction.
	pending       []cdc.RowEvent
	inTransaction bool

	// flushed is the client-local durable marker. MySQL binlog dump is
	// push-only: there is no server-side acknowledgement to send.
	mu      sync.Mutex
	flushed BinlogCursor

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeWG   sync.WaitGroup
	err       error
}

var _ cdc.Stream = (*Stream)(nil)

// StartReplication negotiates checksums, validates the server's row
// metadata configuration, registers as a replica, and begins the binlog
// dump. The stream takes ownership of the connection.
func StartReplication(ctx context.Context, conn *Conn) (*Stream, error) {
	var cfg = conn.cfg

	// Opt in to whatever checksum algorithm the server uses; without this
	// the server refuses to stream to a client that might not understand
	// checksummed events.
	if _, err := conn.QueryAll(ctx, "SET @master_binlog_checksum = @@global.binlog_checksum"); err != nil {
		return nil, fmt.Errorf("negotiating binlog checksum: %w", err)
	}
	if cfg.HeartbeatPeriod > 0 {
		var sql = fmt.Sprintf("SET @master_heartbeat_period = %d", cfg.HeartbeatPeriod.Nanoseconds())
		if _, err := conn.QueryAll(ctx, sql); err != nil {
			return nil, fmt.Errorf("setting heartbeat period: %w", err)
		}
	}

	var row, err = conn.queryRow(ctx,
		"SELECT @@server_id, @@server_uuid, @@binlog_row_metadata, @@binlog_checksum")
	if err != nil {
		return nil, fmt.Errorf("reading server replication settings: %w", err)
	}
	if row == nil || len(row) < 4 {
		return nil, cdc.Protocolf("server replication settings query returned no row")
	}
	var deref = func(v *string) string {
		if v == nil {
			return ""
		}
		return *v
	}
	if metadata := deref(row[2]); !strings.EqualFold(metadata, "FULL") {
		return nil, fmt.Errorf("binlog_row_metadata is %q, need FULL for column names", metadata)
	}
	var mode checksumMode
	switch checksum := deref(row[3]); strings.ToUpper(checksum) {
	case "", "NONE":
		mode = checksumNone
	case "CRC32":
		mode = checksumCRC32
	default:
		return nil, fmt.Errorf("unsupported binlog_checksum %q", deref(row[3]))
	}
	logrus.WithFields(logrus.Fields{
		"serverID":   deref(row[0]),
		"serverUUID": deref(row[1]),
		"checksum":   deref(row[3]),
	}).Info("validated source configuration")

	var cursor = BinlogCursor{File: cfg.StartFile, Pos: cfg.StartPos}
	if cursor.File == "" {
		if cursor, err = conn.BinlogCursorAt(ctx); err != nil {
			return nil, err
		}
	}

	if err := conn.registerAsReplica(); err != nil {
		return nil, fmt.Errorf("registering as replica: %w", err)
	}
	if err := conn.dumpBinlog(cursor); err != nil {
		return nil, fmt.Errorf("requesting binlog dump: %w", err)
	}
	conn.state = stateStreaming

	logrus.WithFields(logrus.Fields{
		"serverID": cfg.ServerID,
		"cursor":   cursor,
	}).Info("starting binlog stream")

	var stream = &Stream{
		conn:     conn,
		cfg:      cfg,
		checksum: mode,
		cache:    newTableMapCache(),
		events:   make(chan cdc.RowEvent),
		hints:    make(chan SchemaHint, 16),
		file:     cursor.File,
		pos:      cursor.Pos,
		flushed:  cursor,
		done:     make(chan struct{}),
	}
	stream.closeWG.Add(1)
	go stream.run()
	return stream, nil
}

// registerAsReplica announces this client in the replication topology.
// Host, user, password, and port are deliberately blank: they exist so a
// replica can advertise how the operator may reach it, which does not
// apply to a capture client.
func (c *Conn) registerAsReplica() error {
	var b = make([]byte, 0, 32)
	b = appendUint32LE(b, c.cfg.ServerID)
	b = append(b, 0)         // hostname length
	b = append(b, 0)         // user length
	b = append(b, 0)         // password length
	b = appendUint16LE(b, 0) // port
	b = appendUint32LE(b, 0) // replication rank
	b = appendUint32LE(b, 0) // master id
	if err := c.writeCommand(comRegisterSlave, b); err != nil {
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
		return cdc.Protocolf("unexpected COM_REGISTER_SLAVE response 0x%02X", payload[0])
	}
}

// dumpBinlog issues COM_BINLOG_DUMP. The server responds with a
// continuous stream of binlog events on this connection.
func (c *Conn) dumpBinlog(cursor BinlogCursor) error {
	var b = make([]byte, 0, 16+len(cursor.File))
	b = appendUint32LE(b, cursor.Pos)
	b = appendUint16LE(b, 0) // flags: block at end of log
	b = appendUint32LE(b, c.cfg.ServerID)
	b = append(b, cursor.File...)
	return c.writeCommand(comBinlogDump, b)
}

// Events returns the ordered row-event channel. It closes when the
// session ends; consult Err for the terminal error.
func (s *Stream) Events() <-chan cdc.RowEvent { return s.events }

// Hints returns the DDL side channel. Hints are dropped, with a warning,
// when the consumer does not keep up.
func (s *Stream) Hints() <-chan SchemaHint { return s.hints }

// Err reports why the event channel closed, or nil after a clean Close.
func (s *Stream) Err() error {
	s.closeWG.Wait()
	return s.err
}

// Commit records cursor as durably processed. The engine does not
// acknowledge to the server; the marker seeds the next session's start
// position.
func (s *Stream) Commit(cursor cdc.Cursor) error {
	var pos, ok = cursor.(BinlogCursor)
	if !ok {
		return fmt.Errorf("expected mysql binlog cursor, got %T", cursor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushed.Compare(pos) < 0 {
		s.flushed = pos
	}
	return nil
}

// Flushed returns the durable marker recorded by Commit, for persisting
// across sessions.
func (s *Stream) Flushed() BinlogCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// Close abandons the current read, sends COM_QUIT, and closes the event
// channel. MySQL has no mid-stream cancellation; this is the only way
// out. The run goroutine owns all connection I/O; Close only signals it.
func (s *Stream) Close(ctx context.Context) error {
	s.closing.Store(true)
	s.closeOnce.Do(func() { close(s.done) })
	s.conn.conn.SetReadDeadline(time.Now())
	s.closeWG.Wait()
	logrus.WithField("flushed", s.Flushed()).Info("binlog stream closed")
	return nil
}

func (s *Stream) run() {
	defer s.closeWG.Done()
	defer close(s.events)
	defer close(s.hints)

	var err = s.loop()
	if s.closing.Load() {
		err = nil
	}
	if err != nil {
		logrus.WithField("err", err).Error("binlog stream failed")
	}
	s.err = err
	s.conn.Close()
}

func (s *Stream) loop() error {
	for {
		// Deadline before the closing check: a concurrent Close rewinds the
		// deadline after setting the flag, so one of the two unblocks us.
		s.conn.conn.SetReadDeadline(time.Now().Add(s.cfg.InactivityTimeout))
		if s.closing.Load() {
			return cdc.ErrCancelled
		}
		var payload, err = s.conn.readPayload()
		if err != nil {
			if s.closing.Load() {
				return cdc.ErrCancelled
			}
			if isTimeout(err) {
				return &cdc.TimeoutError{Phase: "inactivity"}
			}
			if err == io.EOF {
				return cdc.ErrClosed
			}
			return err
		}

		switch payload[0] {
		case 0x00:
			if err := s.handleEvent(payload[1:]); err != nil {
				return err
			}
		case 0xFF:
			return parseServerError(payload)
		case 0xFE:
			// EOF: the server finished a non-blocking dump.
			return nil
		default:
			return cdc.Protocolf("unexpected binlog stream packet 0x%02X", payload[0])
		}
	}
}

func (s *Stream) handleEvent(packet []byte) error {
	var header, payload, err = parseEventHeader(packet, s.checksum)
	if err != nil {
		return err
	}

	switch header.Type {
	case eventFormatDescription:
		var fde, err = parseFormatDescriptionEvent(payload)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"binlogVersion": fde.BinlogVersion,
			"serverVersion": fde.ServerVersion,
		}).Debug("format description")

	case eventRotate:
		var rotate, err = parseRotateEvent(payload)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"file": rotate.NextFile,
			"pos":  rotate.NextPos,
		}).Info("binlog rotate")
		s.file = rotate.NextFile
		s.pos = uint32(rotate.NextPos)
		s.cache.rotate()

	case eventHeartbeat:
		// Silently advances the inactivity timer; no cursor movement.

	case eventTableMap:
		var tableMap, err = parseTableMapEvent(payload)
		if err != nil {
			return err
		}
		s.cache.put(tableMap)

	case eventWriteRowsV0, eventWriteRowsV1, eventWriteRowsV2,
		eventUpdateRowsV0, eventUpdateRowsV1, eventUpdateRowsV2,
		eventDeleteRowsV0, eventDeleteRowsV1, eventDeleteRowsV2:
		return s.handleRowsEvent(header, payload)

	case eventXID:
		var xid, err = parseXIDEvent(payload)
		if err != nil {
			return err
		}
		return s.flushTransaction(header, xid.XID)

	case eventQuery:
		return s.handleQueryEvent(header, payload)

	case eventGTID, eventAnonymousGTID, eventPreviousGTIDs:
		// GTID bookkeeping; file/position cursors are authoritative here.

	case eventStop:
		logrus.Info("server stopped writing its binlog")

	default:
		logrus.WithField("eventType", fmt.Sprintf("0x%02X", header.Type)).Debug("ignoring binlog event")
	}
	return nil
}

func (s *Stream) handleRowsEvent(header *eventHeader, payload []byte) error {
	// The table id lives at the front of every rows event; resolve the
	// schema before decoding anything else.
	if len(payload) < 6 {
		return cdc.Protocolf("rows event too short")
	}
	var peek = payloadReader{buf: payload}
	var tableID = peek.uintLE(6)
	var table, err = s.cache.get(tableID)
	if err != nil {
		return err
	}

	rows, err := parseRowsEvent(header.Type, payload, table)
	if err != nil {
		return err
	}
	if rows.Flags&rowsFlagStmtEnd != 0 {
		s.cache.retire(tableID)
	}

	var op cdc.ChangeOp
	switch header.Type {
	case eventWriteRowsV0, eventWriteRowsV1, eventWriteRowsV2:
		op = cdc.InsertOp
	case eventUpdateRowsV0, eventUpdateRowsV1, eventUpdateRowsV2:
		op = cdc.UpdateOp
	default:
		op = cdc.DeleteOp
	}

	var schema = table.schema()
	var fingerprint = schema.Fingerprint()
	var count = len(rows.After)
	if op == cdc.DeleteOp {
		count = len(rows.Before)
	}
	for i := 0; i < count; i++ {
		var event = cdc.RowEvent{
			SourceID:          s.cfg.SourceID,
			Millis:            int64(header.Timestamp) * 1000,
			Database:          table.Database,
			Table:             table.Table,
			Op:                op,
			SchemaFingerprint: fingerprint,
		}
		if op != cdc.InsertOp {
			event.Before = &rows.Before[i]
		}
		if op != cdc.DeleteOp {
			event.After = &rows.After[i]
		}
		s.pending = append(s.pending, event)
	}
	return nil
}

// flushTransaction stamps the buffered events with the transaction id and
// the commit position and releases them downstream. The commit position
// is the cursor for every event: resuming there never replays a partial
// transaction.
func (s *Stream) flushTransaction(header *eventHeader, xid uint64) error {
	s.pos = header.LogPos
	var cursor = BinlogCursor{File: s.file, Pos: header.LogPos}
	for i := range s.pending {
		s.pending[i].TransactionID = xid
		s.pending[i].Cursor = cursor
		select {
		case s.events <- s.pending[i]:
		case <-s.done:
			return cdc.ErrCancelled
		}
	}
	s.pending = s.pending[:0]
	s.inTransaction = false
	return nil
}

// handleQueryEvent deals with the statements that appear under row-based
// replication: transaction control, TRUNCATE, and other DDL.
func (s *Stream) handleQueryEvent(header *eventHeader, payload []byte) error {
	var query, err = parseQueryEvent(payload)
	if err != nil {
		return err
	}
	var sql = strings.TrimSpace(query.Query)
	var upper = strings.ToUpper(sql)

	switch {
	case upper == "BEGIN":
		if s.inTransaction && len(s.pending) > 0 {
			return cdc.Protocolf("BEGIN while %d events are pending", len(s.pending))
		}
		s.inTransaction = true
		s.pending = s.pending[:0]
		return nil

	case upper == "COMMIT":
		// Commit of a transaction touching non-XA tables; no XID follows.
		return s.flushTransaction(header, 0)

	case strings.HasPrefix(upper, "TRUNCATE"):
		// TRUNCATE commits implicitly, so it flushes as its own unit.
		var database, table = truncateTarget(sql, query.Database)
		s.pos = header.LogPos
		var event = cdc.RowEvent{
			SourceID: s.cfg.SourceID,
			Cursor:   BinlogCursor{File: s.file, Pos: header.LogPos},
			Millis:   int64(header.Timestamp) * 1000,
			Database: database,
			Table:    table,
			Op:       cdc.TruncateOp,
		}
		select {
		case s.events <- event:
		case <-s.done:
			return cdc.ErrCancelled
		}
		return nil

	default:
		// Other DDL goes out the schema-hint side channel, never as a row
		// event.
		select {
		case s.hints <- SchemaHint{
			Database: query.Database,
			Query:    sql,
			Cursor:   BinlogCursor{File: s.file, Pos: header.LogPos},
		}:
		default:
			logrus.WithField("query", sql).Warn("schema hint dropped: channel full")
		}
		return nil
	}
}

// truncateTarget extracts the (database, table) a TRUNCATE statement
// names, defaulting to the statement's session database.
func truncateTarget(sql, defaultDatabase string) (string, string) {
	var fields = strings.Fields(sql)
	// TRUNCATE [TABLE] name
	var name string
	switch {
	case len(fields) >= 3 && strings.EqualFold(fields[1], "TABLE"):
		name = fields[2]
	case len(fields) >= 2:
		name = fields[1]
	default:
		return defaultDatabase, ""
	}
	name = strings.NewReplacer("`", "", ";", "").Replace(name)
	if db, table, ok := strings.Cut(name, "."); ok {
		return db, table
	}
	return defaultDatabase, name
}
