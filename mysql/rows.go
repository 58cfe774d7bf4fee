package mysql

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/estuary/changestream/cdc"
)

// rowsEvent is a decoded WRITE/UPDATE/DELETE_ROWS event. For updates each
// row carries a before and an after image; writes carry only after,
// deletes only before.
type rowsEvent struct {
	TableID uint64
	Flags   uint16

	Before []cdc.Row
	After  []cdc.Row
}

// rowsEventShape describes how to parse a particular rows-event type.
type rowsEventShape struct {
	hasExtraData bool // v2 events carry an extra-data block
	hasBefore    bool
	hasAfter     bool
}

var rowsEventShapes = map[byte]rowsEventShape{
	eventWriteRowsV0:  {hasAfter: true},
	eventWriteRowsV1:  {hasAfter: true},
	eventWriteRowsV2:  {hasExtraData: true, hasAfter: true},
	eventDeleteRowsV0: {hasBefore: true},
	eventDeleteRowsV1: {hasBefore: true},
	eventDeleteRowsV2: {hasExtraData: true, hasBefore: true},
	eventUpdateRowsV0: {hasBefore: true, hasAfter: true},
	eventUpdateRowsV1: {hasBefore: true, hasAfter: true},
	eventUpdateRowsV2: {hasExtraData: true, hasBefore: true, hasAfter: true},
}

// parseRowsEvent decodes a rows event against the table map cached for
// its table_id. Every decoded row has exactly one value per table column;
// columns excluded from the row image decode as Null.
func parseRowsEvent(eventType byte, payload []byte, table *tableMapEvent) (*rowsEvent, error) {
	var shape, ok = rowsEventShapes[eventType]
	if !ok {
		return nil, cdc.Protocolf("event type 0x%02X is not a rows event", eventType)
	}

	var r = payloadReader{buf: payload}
	var evt = &rowsEvent{
		TableID: r.uintLE(6),
		Flags:   r.uint16LE(),
	}
	if shape.hasExtraData {
		var extraLen = int(r.uint16LE())
		if extraLen < 2 {
			return nil, cdc.Protocolf("rows event extra-data length %d", extraLen)
		}
		r.skip(extraLen - 2)
	}

	var columnCount = int(r.lenencUint())
	if r.err != nil {
		return nil, r.err
	}
	if columnCount != len(table.ColumnTypes) {
		return nil, cdc.Protocolf("rows event has %d columns but table map %d has %d",
			columnCount, table.TableID, len(table.ColumnTypes))
	}

	var bitmapLen = (columnCount + 7) / 8
	var includedBefore, includedAfter []byte
	if shape.hasBefore {
		includedBefore = r.bytes(bitmapLen)
	}
	if shape.hasAfter {
		includedAfter = r.bytes(bitmapLen)
	}
	if r.err != nil {
		return nil, r.err
	}

	// Rows repeat until the payload is exhausted. An update interleaves
	// before and after images per row.
	for r.remaining() > 0 && r.err == nil {
		if shape.hasBefore {
			var row, err = decodeRowImage(&r, table, includedBefore)
			if err != nil {
				return nil, err
			}
			evt.Before = append(evt.Before, *row)
		}
		if shape.hasAfter {
			var row, err = decodeRowImage(&r, table, includedAfter)
			if err != nil {
				return nil, err
			}
			evt.After = append(evt.After, *row)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return evt, nil
}

// decodeRowImage decodes one row image: a null bitmap over the included
// columns followed by the non-null values in column order.
func decodeRowImage(r *payloadReader, table *tableMapEvent, included []byte) (*cdc.Row, error) {
	var includedCount = 0
	for i := range table.ColumnTypes {
		if bitSet(included, i) {
			includedCount++
		}
	}
	var nullBitmap = r.bytes((includedCount + 7) / 8)
	if r.err != nil {
		return nil, r.err
	}

	var row = &cdc.Row{Values: make([]cdc.Value, 0, len(table.ColumnTypes))}
	var imageIdx = 0
	for i, columnType := range table.ColumnTypes {
		if !bitSet(included, i) {
			row.Values = append(row.Values, cdc.NullValue())
			continue
		}
		var isNull = bitSet(nullBitmap, imageIdx)
		imageIdx++
		if isNull {
			row.Values = append(row.Values, cdc.NullValue())
			continue
		}
		var value, partial, err = decodeValue(r, columnType, table.ColumnMeta[i], table.unsigned(i))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", table.columnName(i), err)
		}
		row.Values = append(row.Values, value)
		row.Partial = row.Partial || partial
	}
	return row, nil
}

func bitSet(bitmap []byte, i int) bool {
	if i/8 >= len(bitmap) {
		return false
	}
	return bitmap[i/8]&(1<<(i%8)) != 0
}

// decodeValue decodes a single non-null column value. The bool result
// marks values degraded to raw bytes (DECIMAL, JSON, ENUM, SET and the
// pre-5.6 temporal encodings in v1).
func decodeValue(r *payloadReader, columnType byte, meta uint16, unsigned bool) (cdc.Value, bool, error) {
	// CHAR columns smuggle their real type and length through the
	// metadata bytes.
	var length int
	if columnType == typeString && meta >= 256 {
		var high, low = byte(meta >> 8), int(meta & 0xFF)
		if high&0x30 != 0x30 {
			length = low | int(((high&0x30)^0x30))<<4
			columnType = typeString
		} else {
			columnType = high
			length = low
		}
	} else if columnType == typeString {
		length = int(meta)
	}

	switch columnType {
	case typeTiny:
		var v = r.uintLE(1)
		if unsigned {
			return cdc.UintValue(v), false, r.err
		}
		return cdc.IntValue(int64(int8(v))), false, r.err
	case typeShort:
		var v = r.uintLE(2)
		if unsigned {
			return cdc.UintValue(v), false, r.err
		}
		return cdc.IntValue(int64(int16(v))), false, r.err
	case typeInt24:
		var v = r.uintLE(3)
		if unsigned {
			return cdc.UintValue(v), false, r.err
		}
		// Sign-extend from 24 bits.
		var signed = int32(v<<8) >> 8
		return cdc.IntValue(int64(signed)), false, r.err
	case typeLong:
		var v = r.uintLE(4)
		if unsigned {
			return cdc.UintValue(v), false, r.err
		}
		return cdc.IntValue(int64(int32(v))), false, r.err
	case typeLongLong:
		var v = r.uintLE(8)
		if unsigned {
			return cdc.UintValue(v), false, r.err
		}
		return cdc.IntValue(int64(v)), false, r.err
	case typeYear:
		var v = r.uintLE(1)
		if v != 0 {
			v += 1900
		}
		if unsigned {
			return cdc.UintValue(v), false, r.err
		}
		return cdc.IntValue(int64(v)), false, r.err

	case typeFloat:
		if meta != 0 && meta != 4 {
			return cdc.Value{}, false, cdc.Protocolf("float pack length %d", meta)
		}
		return cdc.FloatValue(float64(math.Float32frombits(uint32(r.uintLE(4))))), false, r.err
	case typeDouble:
		if meta != 0 && meta != 8 {
			return cdc.Value{}, false, cdc.Protocolf("double pack length %d", meta)
		}
		return cdc.FloatValue(math.Float64frombits(r.uintLE(8))), false, r.err

	case typeBit:
		var nbits = int(meta>>8)*8 + int(meta&0xFF)
		var raw = r.bytes((nbits + 7) / 8)
		return cdc.BitValue(append([]byte(nil), raw...), uint16(nbits)), false, r.err

	case typeVarchar, typeVarString:
		var prefixLen = 1
		if meta > 255 {
			prefixLen = 2
		}
		var n = int(r.uintLE(prefixLen))
		return decodeText(r.bytes(n), r)
	case typeString:
		var prefixLen = 1
		if length > 255 {
			prefixLen = 2
		}
		var n = int(r.uintLE(prefixLen))
		return decodeText(r.bytes(n), r)

	case typeBlob, typeTinyBlob, typeMediumBlob, typeLongBlob, typeGeometry:
		if meta < 1 || meta > 4 {
			return cdc.Value{}, false, cdc.Protocolf("blob pack length %d", meta)
		}
		var n = int(r.uintLE(int(meta)))
		var raw = r.bytes(n)
		return cdc.BytesValue(append([]byte(nil), raw...)), false, r.err

	case typeDate:
		var v = r.uintLE(3)
		var year, month, day = int(v >> 9), int(v >> 5 & 0x0F), int(v & 0x1F)
		return cdc.DateValue(fmt.Sprintf("%04d-%02d-%02d", year, month, day)), false, r.err

	case typeTimestamp2:
		var seconds = int64(r.uintBE(4))
		var micros, err = fractionalMicros(r, meta)
		if err != nil {
			return cdc.Value{}, false, err
		}
		return cdc.DateTimeValue(time.Unix(seconds, micros*1000).UTC()), false, r.err

	case typeDateTime2:
		return decodeDateTime2(r, meta)

	case typeTime2:
		return decodeTime2(r, meta)

	case typeNewDecimal:
		var precision, scale = int(meta >> 8), int(meta & 0xFF)
		var raw = r.bytes(decimalBinarySize(precision, scale))
		return cdc.BytesValue(append([]byte(nil), raw...)), true, r.err

	case typeJSON:
		var n = int(r.uintLE(int(meta)))
		var raw = r.bytes(n)
		return cdc.BytesValue(append([]byte(nil), raw...)), true, r.err

	case typeEnum, typeSet:
		// length carries the packed size from the CHAR metadata path.
		if length < 1 || length > 8 {
			length = 1
		}
		var raw = r.bytes(length)
		return cdc.BytesValue(append([]byte(nil), raw...)), true, r.err

	case typeTimestamp:
		var raw = r.bytes(4)
		return cdc.BytesValue(append([]byte(nil), raw...)), true, r.err
	case typeTime:
		var raw = r.bytes(3)
		return cdc.BytesValue(append([]byte(nil), raw...)), true, r.err
	case typeDateTime:
		var raw = r.bytes(8)
		return cdc.BytesValue(append([]byte(nil), raw...)), true, r.err

	default:
		return cdc.Value{}, false, cdc.Protocolf("unsupported column type 0x%02X", columnType)
	}
}

// decodeText validates a text payload as UTF-8. The session charset is
// pinned to UTF-8; anything else is a decode error degraded to bytes.
func decodeText(raw []byte, r *payloadReader) (cdc.Value, bool, error) {
	if r.err != nil {
		return cdc.Value{}, false, r.err
	}
	if !utf8.Valid(raw) {
		logrus.WithField("len", len(raw)).Warn("non-UTF-8 text value degraded to bytes")
		return cdc.BytesValue(append([]byte(nil), raw...)), true, nil
	}
	return cdc.StringValue(string(raw)), false, nil
}

// fractionalMicros reads the fractional-seconds suffix for a temporal
// column with the given precision (0..6), stored big-endian in
// (precision+1)/2 bytes.
func fractionalMicros(r *payloadReader, precision uint16) (int64, error) {
	if precision > 6 {
		return 0, cdc.Protocolf("temporal precision %d", precision)
	}
	var n = int(precision+1) / 2
	if n == 0 {
		return 0, nil
	}
	var v = int64(r.uintBE(n))
	// The stored value counts units of 10^(6-2n) microseconds.
	for i := n; i < 3; i++ {
		v *= 100
	}
	return v, nil
}

// decodeDateTime2 unpacks the 5-byte big-endian DATETIME2 encoding.
func decodeDateTime2(r *payloadReader, meta uint16) (cdc.Value, bool, error) {
	var packed = int64(r.uintBE(5)) - 0x8000000000
	var micros, err = fractionalMicros(r, meta)
	if err != nil {
		return cdc.Value{}, false, err
	}
	if r.err != nil {
		return cdc.Value{}, false, r.err
	}
	var yearMonth = int(packed >> 22 & 0x1FFFF)
	var t = time.Date(
		yearMonth/13, time.Month(yearMonth%13),
		int(packed>>17&0x1F),
		int(packed>>12&0x1F), int(packed>>6&0x3F), int(packed&0x3F),
		int(micros)*1000, time.UTC)
	return cdc.DateTimeValue(t), false, nil
}

// decodeTime2 unpacks the 3-byte big-endian TIME2 encoding.
func decodeTime2(r *payloadReader, meta uint16) (cdc.Value, bool, error) {
	var packed = int64(r.uintBE(3)) - 0x800000
	var micros, err = fractionalMicros(r, meta)
	if err != nil {
		return cdc.Value{}, false, err
	}
	if r.err != nil {
		return cdc.Value{}, false, r.err
	}
	var sign = ""
	if packed < 0 {
		sign = "-"
		packed = -packed
		if micros != 0 {
			// Negative times borrow from the integer part.
			packed--
			micros = 1000000 - micros
		}
	}
	var hours = packed >> 12 & 0x3FF
	var minutes = packed >> 6 & 0x3F
	var seconds = packed & 0x3F
	if micros != 0 {
		return cdc.TimeValue(fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, hours, minutes, seconds, micros)), false, nil
	}
	return cdc.TimeValue(fmt.Sprintf("%s%02d:%02d:%02d", sign, hours, minutes, seconds)), false, nil
}

// decimalBinarySize computes the packed size of a DECIMAL(precision,
// scale) value, needed to consume the raw bytes of the fallback encoding.
var decimalDigitBytes = [10]int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

func decimalBinarySize(precision, scale int) int {
	var integral = precision - scale
	var integralFull, fractionFull = integral / 9, scale / 9
	var integralRest, fractionRest = integral % 9, scale % 9
	return integralFull*4 + decimalDigitBytes[integralRest] +
		fractionFull*4 + decimalDigitBytes[fractionRest]
}
