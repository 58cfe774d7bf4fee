// Package cdc defines the standardized change-event model shared by the
// PostgreSQL and MySQL replication engines: row events, values, schemas,
// cursors, and the stream contract consumed by downstream sinks.
package cdc

// ChangeOp encodes a change operation type.
// It's compatible with Debezium's change event representation.
type ChangeOp string

const (
	// InsertOp is an INSERT operation.
	InsertOp ChangeOp = "c"
	// UpdateOp is an UPDATE operation.
	UpdateOp ChangeOp = "u"
	// DeleteOp is a DELETE operation.
	DeleteOp ChangeOp = "d"
	// TruncateOp is a TRUNCATE operation. It carries no row images.
	TruncateOp ChangeOp = "t"
)

// RowEvent is a single row-level change captured from a source database's
// replication log. Events from one engine are delivered in non-decreasing
// cursor order, and all events of a transaction are delivered contiguously
// with the same TransactionID.
type RowEvent struct {
	// SourceID is an opaque identifier of the capture which produced this
	// event. The library passes it through unmodified.
	SourceID string `json:"source_id,omitempty"`
	// Cursor is the resume position associated with this event. A consumer
	// which durably records the cursor of the last event it processed can
	// resume from it without replaying a partial transaction.
	Cursor Cursor `json:"cursor"`
	// Millis is the wall-clock timestamp (Unix millis) recorded by the
	// database for this change, or zero when the source doesn't provide one.
	Millis int64 `json:"ts_ms,omitempty"`
	// TransactionID identifies the transaction which produced this event
	// (PostgreSQL xid, MySQL XID). Zero when unknown.
	TransactionID uint64 `json:"txid,omitempty"`

	Database string   `json:"database"`
	Table    string   `json:"table"`
	Op       ChangeOp `json:"op"`

	// Before is the prior row image, present for updates and deletes when
	// the source supplies one. After is the new row image, present for
	// inserts and updates. Truncates carry neither.
	Before *Row `json:"before,omitempty"`
	After  *Row `json:"after,omitempty"`

	// SchemaFingerprint is a stable hash of the Schema used to decode this
	// event, so consumers can detect schema drift without diffing columns.
	SchemaFingerprint uint64 `json:"schema_fingerprint,omitempty"`
}

// Row is an ordered vector of values matching the event's schema, including
// explicit Null entries, so len(Values) always equals the column count.
type Row struct {
	Values []Value `json:"values"`
	// Partial is set when at least one value could not be fully decoded and
	// was degraded to raw bytes (MySQL DECIMAL/JSON/ENUM/SET in v1, or a
	// per-column decode failure).
	Partial bool `json:"partial,omitempty"`
}
