// Package mysql implements a MySQL binary-log client: handshake and
// authentication, COM_QUERY, COM_REGISTER_SLAVE / COM_BINLOG_DUMP, and a
// row-event decoder driven by cached TableMapEvents.
package mysql

import (
	"fmt"
	"strconv"
	"strings"
)

// BinlogCursor is the MySQL resume position: a binlog file name and a
// byte offset within it. It satisfies cdc.Cursor. Positions compare
// correctly because binlog file names share a prefix and carry a
// zero-padded sequence suffix.
type BinlogCursor struct {
	File string `json:"file"`
	Pos  uint32 `json:"pos"`
}

func (c BinlogCursor) String() string {
	return fmt.Sprintf("%s/%d", c.File, c.Pos)
}

// ParseBinlogCursor parses the "<file>/<pos>" textual form.
func ParseBinlogCursor(s string) (BinlogCursor, error) {
	var file, pos, ok = strings.Cut(s, "/")
	if !ok || file == "" {
		return BinlogCursor{}, fmt.Errorf("invalid binlog cursor %q: expected <file>/<position>", s)
	}
	var offset, err = strconv.ParseUint(pos, 10, 32)
	if err != nil {
		return BinlogCursor{}, fmt.Errorf("invalid binlog position %q: %w", pos, err)
	}
	return BinlogCursor{File: file, Pos: uint32(offset)}, nil
}

// Compare orders two cursors: file name first (lexicographic, which
// matches the numeric suffix ordering), then position.
func (c BinlogCursor) Compare(other BinlogCursor) int {
	if v := strings.Compare(c.File, other.File); v != 0 {
		return v
	}
	switch {
	case c.Pos < other.Pos:
		return -1
	case c.Pos > other.Pos:
		return 1
	}
	return 0
}
