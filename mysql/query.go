package mysql

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// ColumnDefinition is a parsed ColumnDefinition41 packet.
type ColumnDefinition struct {
	Schema       string
	Table        string
	Name         string
	CharacterSet uint16
	ColumnLength uint32
	Type         byte
	Flags        uint16
	Decimals     byte
}

// ResultSet yields the rows of a COM_QUERY response lazily. Only one
// ResultSet may be live per connection; it must be drained or closed
// before the connection is used again.
type ResultSet struct {
	conn    *Conn
	columns []ColumnDefinition

	row  []*string
	done bool
	err  error
}

// QueryResult is a fully-materialized result set.
type QueryResult struct {
	Columns []ColumnDefinition
	Rows    [][]*string
}

// Query executes sql as COM_QUERY and returns a lazy ResultSet.
// Statements which return no rows yield an exhausted set.
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

	logrus.WithField("query", sql).Debug("executing query")
	if err := c.writeCommand(comQuery, []byte(sql)); err != nil {
		return nil, err
	}

	var payload, err = c.readPayload()
	if err != nil {
		return nil, err
	}
	switch payload[0] {
	case 0x00:
		if err := c.applyServerOK(payload); err != nil {
			return nil, err
		}
		return &ResultSet{conn: c, done: true}, nil
	case 0xFF:
		return nil, parseServerError(payload)
	case 0xFB:
		return nil, cdc.Protocolf("LOCAL INFILE is not supported")
	}

	var r = payloadReader{buf: payload}
	var columnCount = int(r.lenencUint())
	if r.err != nil {
		return nil, r.err
	}
	var rs = &ResultSet{conn: c}
	for i := 0; i < columnCount; i++ {
		payload, err := c.readPayload()
		if err != nil {
			return nil, err
		}
		column, err := parseColumnDefinition(payload)
		if err != nil {
			return nil, err
		}
		rs.columns = append(rs.columns, *column)
	}
	// Without CLIENT_DEPRECATE_EOF an EOF packet follows the columns.
	if c.capabilities&clientDeprecateEOF == 0 {
		if _, err := c.readPayload(); err != nil {
			return nil, err
		}
	}
	c.state = stateInQuery
	return rs, nil
}

// QueryAll executes sql and materializes every row.
func (c *Conn) QueryAll(ctx context.Context, sql string) (*QueryResult, error) {
	var rs, err = c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	var result = &QueryResult{Columns: rs.Columns()}
	for rs.Next() {
		var row = make([]*string, len(rs.Row()))
		copy(row, rs.Row())
		result.Rows = append(result.Rows, row)
	}
	if err := rs.Close(); err != nil {
		return nil, err
	}
	return result, nil
}

// queryRow executes sql and returns the first row, draining the rest.
func (c *Conn) queryRow(ctx context.Context, sql string) ([]*string, error) {
	var result, err = c.QueryAll(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}
	return result.Rows[0], nil
}

// Columns describes the result fields. Empty for row-less statements.
func (rs *ResultSet) Columns() []ColumnDefinition { return rs.columns }

// Next advances to the next row, returning false at the end or on error.
func (rs *ResultSet) Next() bool {
	if rs.done || rs.err != nil {
		return false
	}
	var payload, err = rs.conn.readPayload()
	if err != nil {
		rs.err = err
		rs.done = true
		return false
	}
	switch payload[0] {
	case 0xFF:
		rs.err = parseServerError(payload)
		rs.done = true
		rs.conn.state = stateIdle
		return false
	case 0xFE:
		// Terminator: an OK packet under CLIENT_DEPRECATE_EOF, otherwise a
		// short EOF packet. Either way the result set is complete.
		if len(payload) < 9 || rs.conn.capabilities&clientDeprecateEOF != 0 {
			rs.conn.applyServerOK(payload)
			rs.done = true
			rs.conn.state = stateIdle
			return false
		}
	}

	var r = payloadReader{buf: payload}
	var row = make([]*string, 0, len(rs.columns))
	for range rs.columns {
		if r.remaining() > 0 && r.buf[0] == 0xFB {
			r.byte()
			row = append(row, nil)
			continue
		}
		var value = r.lenencString()
		row = append(row, &value)
	}
	if r.err != nil {
		rs.err = r.err
		rs.done = true
		return false
	}
	rs.row = row
	return true
}

// Row returns the current row. Values are nil for SQL NULL.
func (rs *ResultSet) Row() []*string { return rs.row }

// Err returns the first error encountered while iterating.
func (rs *ResultSet) Err() error { return rs.err }

// Close drains the remainder of the result set.
func (rs *ResultSet) Close() error {
	for !rs.done && rs.err == nil {
		rs.Next()
	}
	return rs.err
}

func parseColumnDefinition(payload []byte) (*ColumnDefinition, error) {
	var r = payloadReader{buf: payload}
	if catalog := r.lenencString(); catalog != "def" {
		return nil, cdc.Protocolf("unexpected column catalog %q", catalog)
	}
	var column = &ColumnDefinition{}
	column.Schema = r.lenencString()
	column.Table = r.lenencString()
	r.lenencString() // org_table
	column.Name = r.lenencString()
	r.lenencString() // org_name
	if fixed := r.lenencUint(); fixed != 0x0C {
		return nil, cdc.Protocolf("unexpected column definition length %d", fixed)
	}
	column.CharacterSet = r.uint16LE()
	column.ColumnLength = r.uint32LE()
	column.Type = r.byte()
	column.Flags = r.uint16LE()
	column.Decimals = r.byte()
	return column, r.err
}
