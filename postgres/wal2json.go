package postgres

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/estuary/changestream/cdc"
)

// wal2json v2 emits one JSON object per change:
//
//	{"action":"I","schema":"public","table":"t","lsn":"0/16B2D88",
//	 "timestamp":"2021-07-10 15:51:42.867359+00",
//	 "columns":[{"name":"id","type":"integer","value":1}, ...],
//	 "identity":[...]}
//
// Actions are B (begin), C (commit), I/U/D (row changes), T (truncate),
// and M (logical messages, which we skip).
type walChange struct {
	Action   string
	Schema   string
	Table    string
	XID      uint64
	LSN      LSN
	HasLSN   bool
	Millis   int64
	Columns  []walColumn
	Identity []walColumn
}

type walColumn struct {
	Name  string
	Type  string
	Value gjson.Result
}

// wal2json renders timestamps in this fixed format regardless of the
// server's DateStyle.
const walTimestampLayout = "2006-01-02 15:04:05.999999-07"

func parseWALChange(payload []byte) (*walChange, error) {
	if !gjson.ValidBytes(payload) {
		return nil, cdc.Protocolf("invalid wal2json payload: %.64q", payload)
	}
	var root = gjson.ParseBytes(payload)
	var change = &walChange{
		Action: root.Get("action").String(),
		Schema: root.Get("schema").String(),
		Table:  root.Get("table").String(),
		XID:    root.Get("xid").Uint(),
	}
	if change.Action == "" {
		return nil, cdc.Protocolf("wal2json payload without action: %.64q", payload)
	}
	if lsn := root.Get("lsn"); lsn.Exists() {
		var parsed, err = ParseLSN(lsn.String())
		if err != nil {
			return nil, err
		}
		change.LSN, change.HasLSN = parsed, true
	}
	if ts := root.Get("timestamp"); ts.Exists() {
		if parsed, err := time.Parse(walTimestampLayout, ts.String()); err == nil {
			change.Millis = parsed.UnixMilli()
		} else {
			logrus.WithField("timestamp", ts.String()).Warn("unparseable wal2json timestamp")
		}
	}
	change.Columns = parseWALColumns(root.Get("columns"))
	change.Identity = parseWALColumns(root.Get("identity"))
	return change, nil
}

func parseWALColumns(v gjson.Result) []walColumn {
	if !v.IsArray() {
		return nil
	}
	var cols []walColumn
	v.ForEach(func(_, col gjson.Result) bool {
		cols = append(cols, walColumn{
			Name:  col.Get("name").String(),
			Type:  col.Get("type").String(),
			Value: col.Get("value"),
		})
		return true
	})
	return cols
}

// schemaOf derives an immutable schema snapshot from the column list of a
// single change. wal2json carries full column typing on every change, so
// there is no relation cache to invalidate.
func (c *walChange) schemaOf(columns []walColumn) *cdc.Schema {
	var schema = &cdc.Schema{Database: c.Schema, Table: c.Table}
	for _, col := range columns {
		var kind, _ = pgTypeKind(col.Type)
		schema.Columns = append(schema.Columns, cdc.Column{
			Name:     col.Name,
			TypeName: col.Type,
			Nullable: col.Value.Type == gjson.Null,
			Kind:     kind,
		})
	}
	return schema
}

// rowOf converts a wal2json column list into a standardized row.
func rowOf(columns []walColumn) *cdc.Row {
	if columns == nil {
		return nil
	}
	var row = &cdc.Row{Values: make([]cdc.Value, 0, len(columns))}
	for _, col := range columns {
		var value, partial = convertWALValue(col)
		row.Values = append(row.Values, value)
		row.Partial = row.Partial || partial
	}
	return row
}

// pgTypeKind maps a PostgreSQL type name onto the standardized kind. The
// bool result is false for types outside the v1 mapping, which degrade to
// String with the row marked partial.
func pgTypeKind(typeName string) (cdc.ValueKind, bool) {
	// Strip type modifiers: "character varying(16)" -> "character varying".
	var name = typeName
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		var base = strings.TrimSpace(name[:idx])
		if end := strings.IndexByte(name, ')'); end >= 0 && end+1 < len(name) {
			// "time(3) with time zone" keeps its suffix.
			base += name[end+1:]
		}
		name = base
	}

	switch name {
	case "int2", "int4", "int8", "smallint", "integer", "bigint", "smallserial", "serial", "bigserial", "oid":
		return cdc.KindInt, true
	case "float4", "float8", "real", "double precision":
		return cdc.KindFloat, true
	case "numeric", "decimal":
		return cdc.KindDecimal, true
	case "bool", "boolean":
		return cdc.KindBool, true
	case "bytea":
		return cdc.KindBytes, true
	case "text", "varchar", "character varying", "char", "character", "bpchar", "name", "uuid":
		return cdc.KindString, true
	case "timestamp", "timestamptz", "timestamp without time zone", "timestamp with time zone":
		return cdc.KindDateTime, true
	case "date":
		return cdc.KindDate, true
	case "time", "timetz", "time without time zone", "time with time zone":
		return cdc.KindTime, true
	case "json", "jsonb":
		return cdc.KindJSON, true
	}
	return cdc.KindString, false
}

// Timestamp layouts wal2json may emit for timestamp/timestamptz columns.
var walDateTimeLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
}

// convertWALValue maps one wal2json column value onto the standardized
// variant set, reporting whether the value is a partial (degraded)
// rendering.
func convertWALValue(col walColumn) (cdc.Value, bool) {
	if col.Value.Type == gjson.Null {
		return cdc.NullValue(), false
	}
	var kind, known = pgTypeKind(col.Type)
	if !known {
		return cdc.StringValue(col.Value.String()), true
	}

	switch kind {
	case cdc.KindInt:
		return cdc.IntValue(col.Value.Int()), false
	case cdc.KindFloat:
		return cdc.FloatValue(col.Value.Float()), false
	case cdc.KindDecimal:
		// numeric values arrive as JSON numbers; preserve the exact
		// decimal text rather than routing through a float.
		return cdc.DecimalValue(col.Value.Raw), false
	case cdc.KindBool:
		return cdc.BoolValue(col.Value.Bool()), false
	case cdc.KindBytes:
		// bytea renders as hex with a "\x" prefix.
		var text = strings.TrimPrefix(col.Value.String(), `\x`)
		var raw, err = hex.DecodeString(text)
		if err != nil {
			return cdc.BytesValue([]byte(col.Value.String())), true
		}
		return cdc.BytesValue(raw), false
	case cdc.KindString:
		return cdc.StringValue(col.Value.String()), false
	case cdc.KindDateTime:
		for _, layout := range walDateTimeLayouts {
			if parsed, err := time.Parse(layout, col.Value.String()); err == nil {
				return cdc.DateTimeValue(parsed), false
			}
		}
		return cdc.StringValue(col.Value.String()), true
	case cdc.KindDate:
		return cdc.DateValue(col.Value.String()), false
	case cdc.KindTime:
		return cdc.TimeValue(col.Value.String()), false
	case cdc.KindJSON:
		return cdc.JSONValue([]byte(col.Value.Raw)), false
	}
	return cdc.StringValue(col.Value.String()), true
}
