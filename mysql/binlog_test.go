package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuary/changestream/cdc"
)

// Captured events from a 5.7 server running without binlog checksums.
var (
	legacyRotateEvent = []byte{
		0x00, 0x00, 0x00, 0x00, 0x04, 0x01, 0x00, 0x00, 0x00, 0x2D, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x20, 0x00, 0x96, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x73, 0x68, 0x6F, 0x70, 0x69, 0x66, 0x79, 0x2D, 0x62,
		0x69, 0x6E, 0x2E, 0x30, 0x30, 0x30, 0x30, 0x30, 0x35,
	}
	legacyTableMapEvent = []byte{
		0xFC, 0x5A, 0x5D, 0x5D, 0x13, 0x01, 0x00, 0x00, 0x00, 0x32, 0x00, 0x00,
		0x00, 0x49, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2D, 0x0A, 0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x04, 0x70, 0x65, 0x74, 0x73, 0x00, 0x04, 0x63, 0x61,
		0x74, 0x73, 0x00, 0x04, 0x03, 0x0F, 0x0F, 0x0A, 0x04, 0x58, 0x02, 0x58,
		0x02, 0x00,
	}
	legacyInsertEvent = []byte{
		0xFC, 0x5A, 0x5D, 0x5D, 0x1E, 0x01, 0x00, 0x00, 0x00, 0x37, 0x00, 0x00,
		0x00, 0x80, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2D, 0x0A, 0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x02, 0x00, 0x04, 0xFF, 0xF0, 0x04, 0x00, 0x00, 0x00,
		0x07, 0x00, 0x43, 0x68, 0x61, 0x72, 0x6C, 0x69, 0x65, 0x05, 0x00, 0x52,
		0x69, 0x76, 0x65, 0x72, 0xB5, 0xC0, 0x0F,
	}
)

func TestParseLegacyRotateEvent(t *testing.T) {
	var header, payload, err = parseEventHeader(legacyRotateEvent, checksumNone)
	require.NoError(t, err)
	assert.Equal(t, byte(eventRotate), header.Type)
	assert.Equal(t, uint32(45), header.EventSize)

	rotate, err := parseRotateEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rotate.NextPos)
	assert.Equal(t, "shopify-bin.000005", rotate.NextFile)
}

func TestParseLegacyTableMapEvent(t *testing.T) {
	var header, payload, err = parseEventHeader(legacyTableMapEvent, checksumNone)
	require.NoError(t, err)
	assert.Equal(t, byte(eventTableMap), header.Type)

	tableMap, err := parseTableMapEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(2605), tableMap.TableID)
	assert.Equal(t, uint16(1), tableMap.Flags)
	assert.Equal(t, "pets", tableMap.Database)
	assert.Equal(t, "cats", tableMap.Table)
	require.Equal(t, []byte{typeLong, typeVarchar, typeVarchar, typeDate}, tableMap.ColumnTypes)
	assert.Equal(t, []uint16{0, 600, 600, 0}, tableMap.ColumnMeta)
	// 5.7 without binlog_row_metadata=FULL carries no column names.
	assert.Empty(t, tableMap.ColumnNames)
}

func TestDecodeLegacyInsertEvent(t *testing.T) {
	var _, mapPayload, err = parseEventHeader(legacyTableMapEvent, checksumNone)
	require.NoError(t, err)
	tableMap, err := parseTableMapEvent(mapPayload)
	require.NoError(t, err)

	header, payload, err := parseEventHeader(legacyInsertEvent, checksumNone)
	require.NoError(t, err)
	rows, err := parseRowsEvent(header.Type, payload, tableMap)
	require.NoError(t, err)

	require.Len(t, rows.After, 1)
	assert.Empty(t, rows.Before)
	var row = rows.After[0]
	require.Len(t, row.Values, 4)
	assert.Equal(t, cdc.IntValue(4), row.Values[0])
	assert.Equal(t, cdc.StringValue("Charlie"), row.Values[1])
	assert.Equal(t, cdc.StringValue("River"), row.Values[2])
	assert.Equal(t, cdc.DateValue("2016-05-21"), row.Values[3])
	assert.False(t, row.Partial)
}

func TestParseFormatDescriptionEvent(t *testing.T) {
	var fde = []byte{
		0xF2, 0x43, 0x5D, 0x5D, 0x0F, 0x01, 0x00, 0x00, 0x00, 0x77, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x35, 0x2E, 0x37,
		0x2E, 0x31, 0x38, 0x2D, 0x31, 0x36, 0x2D, 0x6C, 0x6F, 0x67, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x13, 0x38, 0x0D, 0x00, 0x08, 0x00, 0x12, 0x00, 0x04,
		0x04, 0x04, 0x04, 0x12, 0x00, 0x00, 0x5F, 0x00, 0x04, 0x1A, 0x08, 0x00,
		0x00, 0x00, 0x08, 0x08, 0x08, 0x02, 0x00, 0x00, 0x00, 0x0A, 0x0A, 0x0A,
		0x2A, 0x2A, 0x00, 0x12, 0x34, 0x00, 0x00, 0xC2, 0x36, 0x0C, 0xDF,
	}
	var header, payload, err = parseEventHeader(fde, checksumNone)
	require.NoError(t, err)
	assert.Equal(t, byte(eventFormatDescription), header.Type)

	parsed, err := parseFormatDescriptionEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), parsed.BinlogVersion)
	assert.Equal(t, "5.7.18-16-log", parsed.ServerVersion)
	assert.Equal(t, uint32(0), parsed.CreateTimestamp)
	assert.Equal(t, byte(19), parsed.HeaderLength)
}

func TestChecksumVerification(t *testing.T) {
	// tableMapFixture carries a valid CRC32 trailer.
	var header, _, err = parseEventHeader(tableMapFixture, checksumCRC32)
	require.NoError(t, err)
	assert.Equal(t, byte(eventTableMap), header.Type)

	// Corrupting any byte must be rejected.
	var corrupt = append([]byte(nil), tableMapFixture...)
	corrupt[25] ^= 0x01
	_, _, err = parseEventHeader(corrupt, checksumCRC32)
	var protoErr *cdc.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Detail, "checksum mismatch")
}

func TestEventSizeMismatch(t *testing.T) {
	var truncated = legacyRotateEvent[:len(legacyRotateEvent)-1]
	var _, _, err = parseEventHeader(truncated, checksumNone)
	assert.Error(t, err)
}

func TestParseQueryEvent(t *testing.T) {
	var header, payload, err = parseEventHeader(queryBeginFixture, checksumCRC32)
	require.NoError(t, err)
	assert.Equal(t, byte(eventQuery), header.Type)

	query, err := parseQueryEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "pets", query.Database)
	assert.Equal(t, "BEGIN", query.Query)
}

func TestParseXIDEvent(t *testing.T) {
	var _, payload, err = parseEventHeader(xidFixture, checksumCRC32)
	require.NoError(t, err)
	xid, err := parseXIDEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(777), xid.XID)
}

func TestDecimalBinarySize(t *testing.T) {
	for _, tc := range []struct {
		precision, scale, size int
	}{
		{10, 2, 5},
		{10, 0, 5},
		{18, 9, 8},
		{9, 0, 4},
		{1, 0, 1},
		{65, 30, 30},
	} {
		assert.Equal(t, tc.size, decimalBinarySize(tc.precision, tc.scale),
			"DECIMAL(%d,%d)", tc.precision, tc.scale)
	}
}
