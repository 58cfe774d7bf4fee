package mysql

import (
	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// Optional-metadata field types appended to TableMapEvent when the server
// runs with binlog_row_metadata=FULL.
// https://github.com/mysql/mysql-server/blob/trunk/libbinlogevents/include/rows_event.h
const (
	metaSignedness              = 1
	metaDefaultCharset          = 2
	metaColumnCharset           = 3
	metaColumnName              = 4
	metaSetStrValue             = 5
	metaEnumStrValue            = 6
	metaGeometryType            = 7
	metaSimplePrimaryKey        = 8
	metaPrimaryKeyWithPrefix    = 9
	metaEnumAndSetDefaultCS     = 10
	metaEnumAndSetColumnCharset = 11
	metaColumnVisibility        = 12
)

// tableMapEvent carries the schema for a table_id, consulted by the rows
// events which follow it in the same statement.
type tableMapEvent struct {
	TableID  uint64
	Flags    uint16
	Database string
	Table    string

	ColumnTypes []byte
	ColumnMeta  []uint16
	NullBitmap  []byte

	// From optional metadata (binlog_row_metadata=FULL).
	ColumnNames []string
	Signedness  []byte // bitmap over numeric columns, in column order
	PrimaryKey  []uint64
}

func parseTableMapEvent(payload []byte) (*tableMapEvent, error) {
	var r = payloadReader{buf: payload}
	var evt = &tableMapEvent{
		TableID: r.uintLE(6),
		Flags:   r.uint16LE(),
	}
	evt.Database = string(r.bytes(int(r.byte())))
	r.skip(1)
	evt.Table = string(r.bytes(int(r.byte())))
	r.skip(1)

	var columnCount = int(r.lenencUint())
	if r.err != nil {
		return nil, r.err
	}
	evt.ColumnTypes = r.bytes(columnCount)

	var metaBytes = r.lenencBytes()
	if r.err != nil {
		return nil, r.err
	}
	var err error
	if evt.ColumnMeta, err = parseColumnMeta(evt.ColumnTypes, metaBytes); err != nil {
		return nil, err
	}

	evt.NullBitmap = r.bytes((columnCount + 7) / 8)
	if r.err != nil {
		return nil, r.err
	}

	// Optional metadata TLVs fill the remainder of the event.
	for r.remaining() > 0 && r.err == nil {
		var fieldType = r.byte()
		var field = payloadReader{buf: r.lenencBytes()}
		if r.err != nil {
			return nil, r.err
		}
		switch fieldType {
		case metaSignedness:
			evt.Signedness = field.rest()
		case metaColumnName:
			for field.remaining() > 0 && field.err == nil {
				evt.ColumnNames = append(evt.ColumnNames, field.lenencString())
			}
		case metaSimplePrimaryKey:
			for field.remaining() > 0 && field.err == nil {
				evt.PrimaryKey = append(evt.PrimaryKey, field.lenencUint())
			}
		default:
			// Charsets, enum/set literals, visibility: not needed for the
			// v1 decoder (UTF-8 sessions only, enum/set emit raw bytes).
			logrus.WithField("fieldType", fieldType).Debug("skipping table map metadata field")
		}
		if field.err != nil {
			return nil, field.err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(evt.ColumnNames) != 0 && len(evt.ColumnNames) != columnCount {
		return nil, cdc.Protocolf("table map carries %d column names for %d columns",
			len(evt.ColumnNames), columnCount)
	}
	return evt, nil
}

// parseColumnMeta splits the packed per-column metadata. The width of
// each entry depends on the column type.
func parseColumnMeta(columnTypes, metaBytes []byte) ([]uint16, error) {
	var r = payloadReader{buf: metaBytes}
	var meta = make([]uint16, len(columnTypes))
	for i, columnType := range columnTypes {
		switch columnType {
		case typeFloat, typeDouble, typeBlob, typeGeometry, typeJSON,
			typeTimestamp2, typeDateTime2, typeTime2,
			typeTinyBlob, typeMediumBlob, typeLongBlob:
			meta[i] = uint16(r.byte())

		case typeVarchar, typeVarString, typeBit:
			meta[i] = r.uint16LE()

		case typeString, typeEnum, typeSet, typeNewDecimal:
			// Stored big-endian: a real-type byte then a length byte.
			meta[i] = uint16(r.byte())<<8 | uint16(r.byte())

		default:
			// Fixed-width types carry no metadata.
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, cdc.Protocolf("%d trailing bytes in table map column metadata", r.remaining())
	}
	return meta, nil
}

// nullable reports whether column i may contain NULL.
func (e *tableMapEvent) nullable(i int) bool {
	return e.NullBitmap[i/8]&(1<<(i%8)) != 0
}

// unsigned reports whether numeric column i is unsigned. The signedness
// bitmap covers numeric columns only, most-significant bit first, in
// column order.
func (e *tableMapEvent) unsigned(i int) bool {
	if e.Signedness == nil {
		return false
	}
	var numericIdx = -1
	for j := 0; j <= i && j < len(e.ColumnTypes); j++ {
		if isNumericType(e.ColumnTypes[j]) {
			numericIdx++
		}
	}
	if numericIdx < 0 || !isNumericType(e.ColumnTypes[i]) {
		return false
	}
	if numericIdx/8 >= len(e.Signedness) {
		return false
	}
	return e.Signedness[numericIdx/8]&(0x80>>(numericIdx%8)) != 0
}

func isNumericType(columnType byte) bool {
	switch columnType {
	case typeTiny, typeShort, typeInt24, typeLong, typeLongLong,
		typeFloat, typeDouble, typeDecimal, typeNewDecimal, typeYear:
		return true
	}
	return false
}

// columnName returns the i'th column name, or "" when the server did not
// send names (binlog_row_metadata below FULL).
func (e *tableMapEvent) columnName(i int) string {
	if i < len(e.ColumnNames) {
		return e.ColumnNames[i]
	}
	return ""
}

// schema derives an immutable schema snapshot for this table version.
func (e *tableMapEvent) schema() *cdc.Schema {
	var schema = &cdc.Schema{Database: e.Database, Table: e.Table}
	for i, columnType := range e.ColumnTypes {
		schema.Columns = append(schema.Columns, cdc.Column{
			Name:     e.columnName(i),
			TypeName: columnTypeName(columnType),
			TypeCode: uint16(columnType),
			Nullable: e.nullable(i),
			Kind:     columnKind(columnType, e.unsigned(i)),
		})
	}
	return schema
}

// columnKind maps a binlog column type onto the standardized value kind.
func columnKind(columnType byte, unsigned bool) cdc.ValueKind {
	switch columnType {
	case typeTiny, typeShort, typeInt24, typeLong, typeLongLong, typeYear:
		if unsigned {
			return cdc.KindUint
		}
		return cdc.KindInt
	case typeFloat, typeDouble:
		return cdc.KindFloat
	case typeBit:
		return cdc.KindBit
	case typeVarchar, typeVarString, typeString:
		return cdc.KindString
	case typeBlob, typeTinyBlob, typeMediumBlob, typeLongBlob, typeGeometry:
		return cdc.KindBytes
	case typeDate:
		return cdc.KindDate
	case typeTime, typeTime2:
		return cdc.KindTime
	case typeTimestamp, typeTimestamp2, typeDateTime, typeDateTime2:
		return cdc.KindDateTime
	case typeDecimal, typeNewDecimal:
		return cdc.KindDecimal
	case typeJSON:
		return cdc.KindJSON
	}
	return cdc.KindBytes
}

var columnTypeNames = map[byte]string{
	typeDecimal:    "decimal",
	typeTiny:       "tinyint",
	typeShort:      "smallint",
	typeLong:       "int",
	typeFloat:      "float",
	typeDouble:     "double",
	typeNull:       "null",
	typeTimestamp:  "timestamp",
	typeLongLong:   "bigint",
	typeInt24:      "mediumint",
	typeDate:       "date",
	typeTime:       "time",
	typeDateTime:   "datetime",
	typeYear:       "year",
	typeVarchar:    "varchar",
	typeBit:        "bit",
	typeTimestamp2: "timestamp",
	typeDateTime2:  "datetime",
	typeTime2:      "time",
	typeJSON:       "json",
	typeNewDecimal: "decimal",
	typeEnum:       "enum",
	typeSet:        "set",
	typeTinyBlob:   "tinyblob",
	typeMediumBlob: "mediumblob",
	typeLongBlob:   "longblob",
	typeBlob:       "blob",
	typeVarString:  "varchar",
	typeString:     "char",
	typeGeometry:   "geometry",
}

func columnTypeName(columnType byte) string {
	if name, ok := columnTypeNames[columnType]; ok {
		return name
	}
	return "unknown"
}

// tableMapCache maps table_id to the most recent TableMapEvent for it. A
// fresh event supersedes any cached entry for the same id; entries whose
// statement completed are invalidated on rotation.
type tableMapCache struct {
	entries map[uint64]*tableMapEvent
	// retired marks entries whose rows event carried the stmt-end flag;
	// those ids are fair game for invalidation at the next rotate.
	retired map[uint64]bool
}

func newTableMapCache() *tableMapCache {
	return &tableMapCache{
		entries: make(map[uint64]*tableMapEvent),
		retired: make(map[uint64]bool),
	}
}

func (c *tableMapCache) put(evt *tableMapEvent) {
	c.entries[evt.TableID] = evt
	delete(c.retired, evt.TableID)
}

func (c *tableMapCache) get(tableID uint64) (*tableMapEvent, error) {
	var evt, ok = c.entries[tableID]
	if !ok {
		return nil, &cdc.SchemaMissingError{TableID: tableID}
	}
	return evt, nil
}

func (c *tableMapCache) retire(tableID uint64) {
	c.retired[tableID] = true
}

// rotate drops entries whose statements have completed. Entries still in
// use by an open statement survive the file boundary.
func (c *tableMapCache) rotate() {
	for tableID := range c.retired {
		delete(c.entries, tableID)
		delete(c.retired, tableID)
	}
}

// reset clears everything.
func (c *tableMapCache) reset() {
	c.entries = make(map[uint64]*tableMapEvent)
	c.retired = make(map[uint64]bool)
}
