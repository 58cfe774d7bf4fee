package postgres

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// ColumnDescription is one field of a RowDescription message.
type ColumnDescription struct {
	Name         string
	TableOID     int32
	AttrNumber   int16
	DataTypeOID  int32
	DataTypeSize int16
	TypeModifier int32
	Format       int16
}

// ResultSet yields the rows of a simple-query response lazily. Only one
// ResultSet may be live per connection; it must be drained or closed
// before the connection is used again.
type ResultSet struct {
	conn    *Conn
	columns []ColumnDescription

	row       []*string
	commandOK bool
	done      bool
	err       error
}

// Query executes sql over the simple-query protocol and returns a lazy
// ResultSet. Statements which return no rows yield an exhausted set whose
// Err is nil.
func (c *Conn) Query(ctx context.Context, sql string) (*ResultSet, error) {
	if c.state == stateClosed {
		return nil, cdc.ErrClosed
	}
	if c.state != stateIdle {
		return nil, fmt.Errorf("connection is busy (state %d)", c.state)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logrus.WithField("query", sql).Debug("executing simple query")
	var msg = newMessage(msgQuery)
	msg = appendCString(msg, sql)
	if err := c.write(finishMessage(msg)); err != nil {
		return nil, err
	}
	c.state = stateInQuery

	var rs = &ResultSet{conn: c}
	// Read ahead to the row description (or an immediate completion /
	// error) so the caller sees schema and server errors eagerly.
	if err := rs.advance(true); err != nil {
		return nil, err
	}
	return rs, nil
}

// QueryRow executes sql and returns the first row, fully draining the
// result set. A query with no rows returns cdc.ErrClosed-free nil row.
func (c *Conn) QueryRow(ctx context.Context, sql string) ([]*string, error) {
	var rs, err = c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	var row []*string
	if rs.Next() {
		row = rs.Row()
	}
	if err := rs.Close(); err != nil {
		return nil, err
	}
	return row, nil
}

// Columns describes the fields of the result rows. Empty for statements
// which return no row data.
func (rs *ResultSet) Columns() []ColumnDescription { return rs.columns }

// Next advances to the next row, returning false at the end of the
// result set or on error.
func (rs *ResultSet) Next() bool {
	if rs.done || rs.err != nil {
		return false
	}
	if err := rs.advance(false); err != nil {
		rs.err = err
		return false
	}
	return rs.row != nil
}

// Row returns the current row. Values are nil for SQL NULL.
func (rs *ResultSet) Row() []*string { return rs.row }

// Err returns the first error encountered while iterating.
func (rs *ResultSet) Err() error { return rs.err }

// Close drains any remaining messages through ReadyForQuery, returning
// the deferred error if one occurred.
func (rs *ResultSet) Close() error {
	for !rs.done && rs.err == nil {
		rs.Next()
	}
	if rs.err != nil {
		return rs.err
	}
	return nil
}

// advance consumes backend messages until it has produced a row, finished
// the result set, or failed. With initial set it also stops upon learning
// the row description.
func (rs *ResultSet) advance(initial bool) error {
	rs.row = nil
	for {
		var tag, body, err = rs.conn.readMessage()
		if err != nil {
			rs.done = true
			return err
		}
		var r = messageReader{buf: body}
		switch tag {
		case msgRowDescription:
			var count = int(r.int16())
			rs.columns = make([]ColumnDescription, 0, count)
			for i := 0; i < count; i++ {
				rs.columns = append(rs.columns, ColumnDescription{
					Name:         r.cstring(),
					TableOID:     r.int32(),
					AttrNumber:   r.int16(),
					DataTypeOID:  r.int32(),
					DataTypeSize: r.int16(),
					TypeModifier: r.int32(),
					Format:       r.int16(),
				})
			}
			if r.err != nil {
				return r.err
			}
			if initial {
				return nil
			}

		case msgDataRow:
			var count = int(r.int16())
			var row = make([]*string, 0, count)
			for i := 0; i < count; i++ {
				var length = r.int32()
				if length < 0 {
					row = append(row, nil)
					continue
				}
				var value = string(r.bytes(int(length)))
				row = append(row, &value)
			}
			if r.err != nil {
				return r.err
			}
			rs.row = row
			return nil

		case msgCommandComplete, msgEmptyQueryResp:
			rs.commandOK = true

		case msgNoticeResponse:
			logrus.WithField("notice", parseErrorResponse(body).Message).Debug("server notice")

		case msgErrorResponse:
			// The backend still sends ReadyForQuery after an error; keep
			// consuming so the connection returns to Idle, then surface it.
			var serverErr = parseErrorResponse(body)
			for {
				tag, _, err = rs.conn.readMessage()
				if err != nil {
					break
				}
				if tag == msgReadyForQuery {
					rs.conn.state = stateIdle
					break
				}
			}
			rs.done = true
			return serverErr

		case msgReadyForQuery:
			rs.conn.state = stateIdle
			rs.done = true
			if initial {
				return nil
			}
			return nil

		default:
			rs.done = true
			return cdc.Protocolf("unexpected message %q in query response", tag)
		}
	}
}
