package cdc

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions without structured detail. Wrap with
// fmt.Errorf("...: %w", ...) and test with errors.Is.
var (
	ErrConnectFailed   = errors.New("connect failed")
	ErrTLSFailed       = errors.New("tls negotiation failed")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrAuthUnsupported = errors.New("authentication mechanism not supported")
	ErrCancelled       = errors.New("operation cancelled")
	ErrClosed          = errors.New("connection closed")
)

// ProtocolError indicates a fatal wire-protocol violation: bad framing, a
// sequence gap, an oversized frame, or a checksum mismatch. The session
// cannot continue past one.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// Protocolf constructs a ProtocolError with a formatted detail string.
func Protocolf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Detail: fmt.Sprintf(format, args...)}
}

// ServerError carries a server-reported error verbatim for operator
// diagnosis. Code is the MySQL error code (zero for PG); SQLState is the
// five-character SQLSTATE when the server supplies one.
type ServerError struct {
	Code     uint16
	SQLState string
	Message  string
}

func (e *ServerError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Code, e.SQLState, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// SchemaMissingError indicates a row event referencing a table whose
// schema has not been observed: a MySQL RowsEvent whose table_id has no
// cached TableMapEvent, or a PG change for an unknown relation.
type SchemaMissingError struct {
	TableID  uint64
	Relation string
}

func (e *SchemaMissingError) Error() string {
	if e.Relation != "" {
		return fmt.Sprintf("no schema for relation %q", e.Relation)
	}
	return fmt.Sprintf("no schema for table id %d", e.TableID)
}

// TimeoutError reports which deadline expired: "connect", "read",
// "write", or "inactivity" during streaming.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout", e.Phase)
}

func (e *TimeoutError) Timeout() bool { return true }

// DecodeError describes a single-column decode failure. Neither engine
// returns it. Values an engine can carry but not fully decode stay in the
// row and mark it partial: MySQL text that is not valid UTF-8 as raw bytes
// (logged), PostgreSQL values of an unmapped type or with unparseable
// bytea or timestamp text in their textual form. Any other MySQL column
// decode failure, such as a truncated value or an unsupported column
// type, ends the session.
type DecodeError struct {
	Column string
	Reason string
	Raw    []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode column %q: %s", e.Column, e.Reason)
}
