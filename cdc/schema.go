package cdc

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Column describes one column of a captured table. Name may be empty for
// MySQL sources when binlog_row_metadata is not FULL.
type Column struct {
	Name string `json:"name,omitempty"`
	// TypeName is the source-specific type identifier: the PostgreSQL type
	// name string for wal2json sources, or the textual MySQL column type.
	TypeName string `json:"type_name,omitempty"`
	// TypeCode is the source-specific numeric type code, when the wire
	// protocol carries one (MySQL binlog column type byte; zero for PG).
	TypeCode uint16 `json:"type_code,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
	// Kind is the standardized value kind this column decodes to.
	Kind ValueKind `json:"kind"`
}

// Schema is an immutable ordered column list for one (database, table)
// pair. Engines publish a fresh Schema snapshot whenever the source
// reports a change; existing snapshots are never mutated.
type Schema struct {
	Database string   `json:"database"`
	Table    string   `json:"table"`
	Columns  []Column `json:"columns"`
}

// Fingerprint returns a stable hash of the schema's identifying content.
// Two schemas with the same database, table, and column layout hash
// equal across processes and releases.
func (s *Schema) Fingerprint() uint64 {
	var h = xxhash.New()
	var scratch [4]byte

	var writeString = func(v string) {
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(v)))
		h.Write(scratch[:])
		h.WriteString(v)
	}

	writeString(s.Database)
	writeString(s.Table)
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(s.Columns)))
	h.Write(scratch[:])
	for _, col := range s.Columns {
		writeString(col.Name)
		writeString(col.TypeName)
		binary.LittleEndian.PutUint32(scratch[:], uint32(col.TypeCode))
		h.Write(scratch[:])
		var flags byte
		if col.Nullable {
			flags |= 1
		}
		h.Write([]byte{flags, byte(col.Kind)})
	}
	return h.Sum64()
}
