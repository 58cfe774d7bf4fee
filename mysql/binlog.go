package mysql

import (
	"hash/crc32"

	"github.com/estuary/changestream/cdc"
)

// Binlog event types.
// https://dev.mysql.com/doc/dev/mysql-server/latest/namespacemysql_1_1binlog_1_1event.html
const (
	eventQuery             = 0x02
	eventStop              = 0x03
	eventRotate            = 0x04
	eventFormatDescription = 0x0F
	eventXID               = 0x10
	eventTableMap          = 0x13
	eventWriteRowsV0       = 0x14
	eventUpdateRowsV0      = 0x15
	eventDeleteRowsV0      = 0x16
	eventWriteRowsV1       = 0x17
	eventUpdateRowsV1      = 0x18
	eventDeleteRowsV1      = 0x19
	eventHeartbeat         = 0x1B
	eventWriteRowsV2       = 0x1E
	eventUpdateRowsV2      = 0x1F
	eventDeleteRowsV2      = 0x20
	eventGTID              = 0x21
	eventAnonymousGTID     = 0x22
	eventPreviousGTIDs     = 0x23
)

// Column types as they appear in TableMapEvent.
const (
	typeDecimal    = 0x00
	typeTiny       = 0x01
	typeShort      = 0x02
	typeLong       = 0x03
	typeFloat      = 0x04
	typeDouble     = 0x05
	typeNull       = 0x06
	typeTimestamp  = 0x07
	typeLongLong   = 0x08
	typeInt24      = 0x09
	typeDate       = 0x0A
	typeTime       = 0x0B
	typeDateTime   = 0x0C
	typeYear       = 0x0D
	typeVarchar    = 0x0F
	typeBit        = 0x10
	typeTimestamp2 = 0x11
	typeDateTime2  = 0x12
	typeTime2      = 0x13
	typeJSON       = 0xF5
	typeNewDecimal = 0xF6
	typeEnum       = 0xF7
	typeSet        = 0xF8
	typeTinyBlob   = 0xF9
	typeMediumBlob = 0xFA
	typeLongBlob   = 0xFB
	typeBlob       = 0xFC
	typeVarString  = 0xFD
	typeString     = 0xFE
	typeGeometry   = 0xFF
)

// Binlog checksum algorithms negotiated via @@binlog_checksum.
type checksumMode int

const (
	checksumNone checksumMode = iota
	checksumCRC32
)

const eventHeaderLen = 19

// rows-event flags.
const rowsFlagStmtEnd = 0x0001

// eventHeader is the 19-byte header common to every binlog event.
type eventHeader struct {
	Timestamp uint32
	Type      byte
	ServerID  uint32
	EventSize uint32
	LogPos    uint32
	Flags     uint16
}

// parseEventHeader splits a binlog network packet (after its leading OK
// byte) into the common header and the event payload, stripping and
// verifying the CRC32 trailer when checksums are enabled. The checksum
// covers the header and payload but not itself.
func parseEventHeader(packet []byte, mode checksumMode) (*eventHeader, []byte, error) {
	if len(packet) < eventHeaderLen {
		return nil, nil, cdc.Protocolf("binlog event shorter than its header: %d bytes", len(packet))
	}
	var r = payloadReader{buf: packet}
	var header = &eventHeader{
		Timestamp: r.uint32LE(),
		Type:      r.byte(),
		ServerID:  r.uint32LE(),
		EventSize: r.uint32LE(),
		LogPos:    r.uint32LE(),
		Flags:     r.uint16LE(),
	}
	if header.EventSize != uint32(len(packet)) {
		return nil, nil, cdc.Protocolf("binlog event size %d does not match packet size %d",
			header.EventSize, len(packet))
	}
	var payload = r.rest()
	if mode == checksumCRC32 {
		if len(payload) < 4 {
			return nil, nil, cdc.Protocolf("binlog event too short for its checksum trailer")
		}
		var body = packet[:len(packet)-4]
		var trailer = payload[len(payload)-4:]
		var want = uint32(trailer[0]) | uint32(trailer[1])<<8 | uint32(trailer[2])<<16 | uint32(trailer[3])<<24
		if got := crc32.ChecksumIEEE(body); got != want {
			return nil, nil, cdc.Protocolf("checksum mismatch: computed %08x, event carries %08x", got, want)
		}
		payload = payload[:len(payload)-4]
	}
	return header, payload, nil
}

// rotateEvent announces the next binlog file, either because the current
// file filled up or as the synthetic first event of a dump.
type rotateEvent struct {
	NextPos  uint64
	NextFile string
}

func parseRotateEvent(payload []byte) (*rotateEvent, error) {
	var r = payloadReader{buf: payload}
	var evt = &rotateEvent{NextPos: r.uint64LE()}
	evt.NextFile = string(r.rest())
	if r.err != nil {
		return nil, r.err
	}
	return evt, nil
}

// formatDescriptionEvent is the first real event of every binlog file and
// fixes the layout of all subsequent events.
type formatDescriptionEvent struct {
	BinlogVersion   uint16
	ServerVersion   string
	CreateTimestamp uint32
	HeaderLength    byte
	// TypeHeaderLengths holds the post-header length per event type. When
	// the server writes checksummed binlogs the final byte is actually the
	// checksum algorithm; mode negotiation happens out of band via
	// @@binlog_checksum, so it is retained here verbatim.
	TypeHeaderLengths []byte
}

func parseFormatDescriptionEvent(payload []byte) (*formatDescriptionEvent, error) {
	var r = payloadReader{buf: payload}
	var evt = &formatDescriptionEvent{BinlogVersion: r.uint16LE()}
	var version = r.bytes(50)
	if r.err != nil {
		return nil, r.err
	}
	for i, b := range version {
		if b == 0 {
			version = version[:i]
			break
		}
	}
	evt.ServerVersion = string(version)
	evt.CreateTimestamp = r.uint32LE()
	evt.HeaderLength = r.byte()
	evt.TypeHeaderLengths = r.rest()
	if r.err != nil {
		return nil, r.err
	}
	if evt.BinlogVersion != 4 {
		return nil, cdc.Protocolf("unsupported binlog version %d", evt.BinlogVersion)
	}
	return evt, nil
}

// xidEvent marks the commit of a transaction affecting row-based tables.
type xidEvent struct {
	XID uint64
}

func parseXIDEvent(payload []byte) (*xidEvent, error) {
	var r = payloadReader{buf: payload}
	var evt = &xidEvent{XID: r.uint64LE()}
	return evt, r.err
}

// queryEvent carries a statement executed on the primary. Under row-based
// replication these are mostly transaction control and DDL.
type queryEvent struct {
	ThreadID  uint32
	ExecTime  uint32
	ErrorCode uint16
	Database  string
	Query     string
}

func parseQueryEvent(payload []byte) (*queryEvent, error) {
	var r = payloadReader{buf: payload}
	var evt = &queryEvent{
		ThreadID: r.uint32LE(),
		ExecTime: r.uint32LE(),
	}
	var dbLen = int(r.byte())
	evt.ErrorCode = r.uint16LE()
	var statusLen = int(r.uint16LE())
	r.skip(statusLen)
	evt.Database = string(r.bytes(dbLen))
	r.skip(1) // NUL after the database name
	evt.Query = string(r.rest())
	if r.err != nil {
		return nil, r.err
	}
	return evt, nil
}
