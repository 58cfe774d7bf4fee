package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgio"
	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// IdentifySystemResult holds the response to the IDENTIFY_SYSTEM
// replication command.
type IdentifySystemResult struct {
	SystemID string
	Timeline int32
	XLogPos  LSN
	Database string
}

// IdentifySystem reports the server's identity and current WAL position.
func (c *Conn) IdentifySystem(ctx context.Context) (*IdentifySystemResult, error) {
	var row, err = c.QueryRow(ctx, "IDENTIFY_SYSTEM")
	if err != nil {
		return nil, err
	}
	if len(row) < 4 {
		return nil, cdc.Protocolf("IDENTIFY_SYSTEM returned %d columns", len(row))
	}
	var result = &IdentifySystemResult{}
	if row[0] != nil {
		result.SystemID = *row[0]
	}
	if row[1] != nil {
		tl, err := strconv.ParseInt(*row[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing timeline: %w", err)
		}
		result.Timeline = int32(tl)
	}
	if row[2] != nil {
		if result.XLogPos, err = ParseLSN(*row[2]); err != nil {
			return nil, err
		}
	}
	if row[3] != nil {
		result.Database = *row[3]
	}
	return result, nil
}

// ReplicationSlot describes a logical replication slot as reported by
// CREATE_REPLICATION_SLOT.
type ReplicationSlot struct {
	Name            string
	ConsistentPoint LSN
	SnapshotName    string
	OutputPlugin    string
}

// CreateReplicationSlot creates a logical slot bound to the wal2json
// output plugin. With temporary set the slot is dropped when the session
// ends; exportSnapshot additionally exports a snapshot name usable for a
// consistent initial copy.
func (c *Conn) CreateReplicationSlot(ctx context.Context, name string, temporary, exportSnapshot bool) (*ReplicationSlot, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE_REPLICATION_SLOT %s", quoteIdentifier(name))
	if temporary {
		sb.WriteString(" TEMPORARY")
	}
	sb.WriteString(" LOGICAL wal2json")
	if exportSnapshot {
		sb.WriteString(" EXPORT_SNAPSHOT")
	}

	var row, err = c.QueryRow(ctx, sb.String())
	if err != nil {
		return nil, err
	}
	if len(row) < 4 || row[0] == nil || row[1] == nil {
		return nil, cdc.Protocolf("CREATE_REPLICATION_SLOT returned %d columns", len(row))
	}
	var slot = &ReplicationSlot{Name: *row[0]}
	if slot.ConsistentPoint, err = ParseLSN(*row[1]); err != nil {
		return nil, err
	}
	if row[2] != nil {
		slot.SnapshotName = *row[2]
	}
	if row[3] != nil {
		slot.OutputPlugin = *row[3]
	}
	logrus.WithFields(logrus.Fields{
		"slot":            slot.Name,
		"consistentPoint": slot.ConsistentPoint,
		"temporary":       temporary,
	}).Info("created replication slot")
	return slot, nil
}

// SlotExists reports whether a replication slot with the given name
// exists on the server.
func (c *Conn) SlotExists(ctx context.Context, name string) (bool, error) {
	var sql = fmt.Sprintf("SELECT 1 FROM pg_replication_slots WHERE slot_name = %s", quoteLiteral(name))
	var row, err = c.QueryRow(ctx, sql)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// DropReplicationSlot removes a replication slot. Dropping a slot that is
// actively used by another session is a server error, forwarded verbatim.
func (c *Conn) DropReplicationSlot(ctx context.Context, name string) error {
	var rs, err = c.Query(ctx, fmt.Sprintf("DROP_REPLICATION_SLOT %s", quoteIdentifier(name)))
	if err != nil {
		return err
	}
	return rs.Close()
}

// TimelineHistory fetches the timeline history file for a timeline ID.
func (c *Conn) TimelineHistory(ctx context.Context, timeline int32) (filename, content string, err error) {
	var row, qerr = c.QueryRow(ctx, fmt.Sprintf("TIMELINE_HISTORY %d", timeline))
	if qerr != nil {
		return "", "", qerr
	}
	if len(row) < 2 || row[0] == nil || row[1] == nil {
		return "", "", cdc.Protocolf("TIMELINE_HISTORY returned %d columns", len(row))
	}
	return *row[0], *row[1], nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// Stream is a live logical-replication session. It owns its connection
// for the duration of streaming and emits standardized row events on a
// backpressured channel.
type Stream struct {
	conn     *Conn
	cfg      Config
	timeline int32

	events chan cdc.RowEvent

	// receivedLSN is the highest end LSN observed from the server;
	// flushedLSN is the highest position the downstream has durably
	// committed via Commit. Both are read by status updates.
	receivedLSN atomic.Uint64
	flushedLSN  atomic.Uint64

	// Row events of the open transaction, held until its commit record so
	// consumers never observe a partial transaction.
	pending       []cdc.RowEvent
	inTransaction bool
	txid          uint64

	statusDeadline time.Time

	closing   atomic.Bool
	done      chan struct{} // closed by Close to unblock channel sends
	closeOnce sync.Once
	closeWG   sync.WaitGroup
	err       error
}

var _ cdc.Stream = (*Stream)(nil)

// StartReplication opens a replication session on the connection. When
// the configured slot is missing it is created first (unless disabled).
// The stream takes ownership of the connection; it must not be used for
// queries afterwards.
func StartReplication(ctx context.Context, conn *Conn) (*Stream, error) {
	var cfg = conn.cfg

	var ident, err = conn.IdentifySystem(ctx)
	if err != nil {
		return nil, fmt.Errorf("identifying system: %w", err)
	}

	exists, err := conn.SlotExists(ctx, cfg.SlotName)
	if err != nil {
		return nil, fmt.Errorf("checking replication slot: %w", err)
	}
	var startLSN, _ = ParseLSN(cfg.StartLSN)
	if !exists {
		if cfg.DisableSlotCreation {
			return nil, fmt.Errorf("replication slot %q does not exist", cfg.SlotName)
		}
		slot, err := conn.CreateReplicationSlot(ctx, cfg.SlotName, cfg.SlotTemporary, false)
		if err != nil {
			return nil, fmt.Errorf("creating replication slot: %w", err)
		}
		if startLSN == 0 {
			startLSN = slot.ConsistentPoint
		}
	}

	var options = []string{
		`"format-version" '2'`,
		`"include-transaction" 'true'`,
		`"include-lsn" 'true'`,
		`"include-timestamp" 'true'`,
		`"include-xids" 'true'`,
	}
	var command = fmt.Sprintf("START_REPLICATION SLOT %s LOGICAL %s (%s)",
		quoteIdentifier(cfg.SlotName), startLSN, strings.Join(options, ", "))

	logrus.WithFields(logrus.Fields{
		"slot":     cfg.SlotName,
		"startLSN": startLSN,
		"timeline": ident.Timeline,
	}).Info("starting replication")

	var msg = newMessage(msgQuery)
	msg = appendCString(msg, command)
	if err := conn.write(finishMessage(msg)); err != nil {
		return nil, err
	}

	// The server acknowledges with CopyBothResponse before multiplexing
	// XLogData and keepalive frames.
	tag, body, err := conn.readMessage()
	if err != nil {
		return nil, err
	}
	switch tag {
	case msgCopyBothResponse:
		// format (i8) and per-column formats; always zero for START_REPLICATION.
	case msgErrorResponse:
		return nil, parseErrorResponse(body)
	default:
		return nil, cdc.Protocolf("unexpected message %q starting replication", tag)
	}
	conn.state = stateStreaming

	var stream = &Stream{
		conn:     conn,
		cfg:      cfg,
		timeline: ident.Timeline,
		events:   make(chan cdc.RowEvent),
		done:     make(chan struct{}),
	}
	stream.receivedLSN.Store(uint64(startLSN))
	stream.flushedLSN.Store(uint64(startLSN))
	stream.statusDeadline = time.Now() // report once immediately

	stream.closeWG.Add(1)
	go stream.run()
	return stream, nil
}

// Events returns the ordered row-event channel. It closes when the
// session ends; consult Err for the terminal error.
func (s *Stream) Events() <-chan cdc.RowEvent { return s.events }

// Err reports why the event channel closed, or nil after a clean Close.
func (s *Stream) Err() error {
	s.closeWG.Wait()
	return s.err
}

// Commit records cursor as durably processed by the downstream. The
// position is reported to the primary in the next standby status update;
// failure to advance it is not an error, only backpressure.
func (s *Stream) Commit(cursor cdc.Cursor) error {
	var pos, ok = cursor.(Cursor)
	if !ok {
		return fmt.Errorf("expected postgres cursor, got %T", cursor)
	}
	// Guard against rewinds: commits are monotonic.
	for {
		var current = s.flushedLSN.Load()
		if uint64(pos.LSN) <= current {
			return nil
		}
		if s.flushedLSN.CompareAndSwap(current, uint64(pos.LSN)) {
			return nil
		}
	}
}

// Close performs a protocol-appropriate shutdown: the in-flight read is
// abandoned, Terminate is sent, and the event channel closes. The run
// goroutine owns all connection I/O; Close only signals it.
func (s *Stream) Close(ctx context.Context) error {
	s.closing.Store(true)
	s.closeOnce.Do(func() { close(s.done) })
	s.conn.conn.SetReadDeadline(time.Now())
	s.closeWG.Wait()
	return nil
}

// run is the streaming loop: read a frame, decode it, emit events, and
// keep status updates flowing. It is the only goroutine touching the
// connection once streaming begins.
func (s *Stream) run() {
	defer s.closeWG.Done()
	defer close(s.events)

	var err = s.loop()
	if s.closing.Load() {
		// A read error after Close is the expected way out of the loop.
		err = nil
	}
	if err != nil {
		logrus.WithField("err", err).Error("replication stream failed")
	}
	s.err = err
	s.conn.Close()
}

func (s *Stream) loop() error {
	var lastFrame = time.Now()
	for {
		var now = time.Now()
		if !now.Before(s.statusDeadline) {
			if err := s.sendStandbyStatusUpdate(); err != nil {
				return fmt.Errorf("sending status update: %w", err)
			}
			s.statusDeadline = now.Add(s.cfg.StatusInterval)
		}

		var inactivityDeadline = lastFrame.Add(s.cfg.InactivityTimeout)
		var deadline = s.statusDeadline
		if inactivityDeadline.Before(deadline) {
			deadline = inactivityDeadline
		}
		// Deadline before the closing check: a concurrent Close rewinds the
		// deadline after setting the flag, so one of the two unblocks us.
		s.conn.conn.SetReadDeadline(deadline)
		if s.closing.Load() {
			return cdc.ErrCancelled
		}

		var tag, body, err = readMessage(s.conn.reader)
		if err != nil {
			if s.closing.Load() {
				return cdc.ErrCancelled
			}
			if isTimeout(err) {
				if !time.Now().Before(inactivityDeadline) {
					return &cdc.TimeoutError{Phase: "inactivity"}
				}
				continue // status update is due
			}
			return err
		}
		lastFrame = time.Now()

		switch tag {
		case msgCopyData:
			if err := s.handleCopyData(body); err != nil {
				return err
			}
		case msgErrorResponse:
			// A server error during streaming is fatal to the stream. The
			// slot is deliberately left in place for the operator.
			return parseErrorResponse(body)
		case msgNoticeResponse:
			logrus.WithField("notice", parseErrorResponse(body).Message).Debug("server notice")
		case msgCopyDone, msgCommandComplete, msgReadyForQuery:
			// End of COPY mode (e.g. timeline switch); not supported.
			return cdc.Protocolf("server ended replication stream (%q)", tag)
		default:
			logrus.WithField("tag", string(tag)).Warn("unexpected message during streaming")
		}
	}
}

// XLogData and keepalive frames are nested inside CopyData.
func (s *Stream) handleCopyData(body []byte) error {
	var r = messageReader{buf: body}
	switch kind := r.byte(); kind {
	case 'w': // XLogData
		var start = LSN(r.int64())
		var end = LSN(r.int64())
		r.int64() // server send time
		var payload = r.rest()
		if r.err != nil {
			return r.err
		}
		if uint64(end) > s.receivedLSN.Load() {
			s.receivedLSN.Store(uint64(end))
		}
		return s.handleWALData(start, payload)

	case 'k': // PrimaryKeepaliveMessage
		var end = LSN(r.int64())
		r.int64() // server send time
		var replyRequested = r.byte()
		if r.err != nil {
			return r.err
		}
		if uint64(end) > s.receivedLSN.Load() {
			s.receivedLSN.Store(uint64(end))
		}
		if replyRequested == 1 {
			s.statusDeadline = time.Now()
		}
		return nil

	default:
		return cdc.Protocolf("unknown CopyData message %q", kind)
	}
}

// handleWALData maps one wal2json change onto the event model, batching
// row events until the enclosing transaction commits.
func (s *Stream) handleWALData(msgLSN LSN, payload []byte) error {
	var change, err = parseWALChange(payload)
	if err != nil {
		return err
	}

	var cursor = Cursor{LSN: msgLSN, Timeline: s.timeline}
	if change.HasLSN {
		cursor.LSN = change.LSN
	}

	switch change.Action {
	case "B":
		if s.inTransaction {
			return cdc.Protocolf("BEGIN while transaction %d is open", s.txid)
		}
		s.inTransaction = true
		s.txid = change.XID
		s.pending = s.pending[:0]
		return nil

	case "C":
		if !s.inTransaction {
			return cdc.Protocolf("COMMIT without an open transaction")
		}
		if change.XID != 0 {
			s.txid = change.XID
		}
		for i := range s.pending {
			s.pending[i].TransactionID = s.txid
			// The commit record's LSN is an upper bound for every event of
			// the transaction; individual change LSNs already precede it.
			// A blocked send here is the backpressure path: the socket is
			// not drained until the consumer catches up.
			select {
			case s.events <- s.pending[i]:
			case <-s.done:
				return cdc.ErrCancelled
			}
		}
		s.pending = s.pending[:0]
		s.inTransaction = false
		s.txid = 0
		return nil

	case "I", "U", "D", "T":
		if !s.inTransaction {
			return cdc.Protocolf("%s change without an open transaction", change.Action)
		}
		var event = cdc.RowEvent{
			SourceID: s.cfg.SourceID,
			Cursor:   cursor,
			Millis:   change.Millis,
			Database: change.Schema,
			Table:    change.Table,
		}
		switch change.Action {
		case "I":
			event.Op = cdc.InsertOp
			event.After = rowOf(change.Columns)
			event.SchemaFingerprint = change.schemaOf(change.Columns).Fingerprint()
		case "U":
			event.Op = cdc.UpdateOp
			event.Before = rowOf(change.Identity)
			event.After = rowOf(change.Columns)
			event.SchemaFingerprint = change.schemaOf(change.Columns).Fingerprint()
		case "D":
			event.Op = cdc.DeleteOp
			event.Before = rowOf(change.Identity)
			event.SchemaFingerprint = change.schemaOf(change.Identity).Fingerprint()
		case "T":
			event.Op = cdc.TruncateOp
		}
		s.pending = append(s.pending, event)
		return nil

	case "M":
		// Logical decoding messages: not row changes, skip.
		return nil

	default:
		logrus.WithField("action", change.Action).Warn("unhandled wal2json action")
		return nil
	}
}

// sendStandbyStatusUpdate reports (written, flushed, applied) positions.
// flushed and applied advance only via Commit, which is the backpressure
// signal the primary sees.
func (s *Stream) sendStandbyStatusUpdate() error {
	var received = s.receivedLSN.Load()
	var flushed = s.flushedLSN.Load()

	var msg = newMessage(msgCopyData)
	msg = append(msg, 'r')
	msg = pgio.AppendUint64(msg, received)
	msg = pgio.AppendUint64(msg, flushed)
	msg = pgio.AppendUint64(msg, flushed)
	msg = pgio.AppendInt64(msg, microsSincePostgresEpoch(time.Now()))
	msg = append(msg, 0) // no reply requested
	return s.conn.write(finishMessage(msg))
}

// PostgreSQL timestamps count microseconds from 2000-01-01 UTC.
var postgresEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func microsSincePostgresEpoch(t time.Time) int64 {
	return t.Sub(postgresEpoch).Microseconds()
}
