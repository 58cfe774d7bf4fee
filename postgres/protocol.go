package postgres

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jackc/pgio"

	"github.com/estuary/changestream/cdc"
)

// Backend message tags of interest. The protocol is documented at
// https://www.postgresql.org/docs/current/protocol-message-formats.html
const (
	msgAuthentication    = 'R'
	msgBackendKeyData    = 'K'
	msgParameterStatus   = 'S'
	msgReadyForQuery     = 'Z'
	msgErrorResponse     = 'E'
	msgNoticeResponse    = 'N'
	msgCommandComplete   = 'C'
	msgRowDescription    = 'T'
	msgDataRow           = 'D'
	msgEmptyQueryResp    = 'I'
	msgCopyBothResponse  = 'W'
	msgCopyData          = 'd'
	msgCopyDone          = 'c'
	msgParameterDescribe = 't'
)

// Frontend message tags.
const (
	msgPasswordMessage = 'p'
	msgQuery           = 'Q'
	msgTerminate       = 'X'
)

const (
	protocolVersion   = 196608   // protocol 3.0
	sslRequestCode    = 80877103 // SSLRequest magic
	cancelRequestCode = 80877102 // CancelRequest magic

	// maxFrameSize caps backend frames. Anything larger is treated as a
	// protocol violation rather than an allocation request.
	maxFrameSize = 64 << 20
)

// readMessage returns the next backend message as (tag, body). The body
// excludes the tag byte and the length word.
func readMessage(r *bufio.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	var tag = header[0]
	var length = binary.BigEndian.Uint32(header[1:])
	if length < 4 {
		return 0, nil, cdc.Protocolf("message %q declares length %d", tag, length)
	}
	if length-4 > maxFrameSize {
		return 0, nil, cdc.Protocolf("frame too large: %d bytes", length-4)
	}
	var body = make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return tag, body, nil
}

// finishMessage back-patches the length word of a message started with
// [tag, 0,0,0,0] and returns the completed frame.
func finishMessage(buf []byte) []byte {
	pgio.SetInt32(buf[1:], int32(len(buf)-1))
	return buf
}

func newMessage(tag byte) []byte {
	return append(make([]byte, 0, 128), tag, 0, 0, 0, 0)
}

// appendCString appends a null-terminated string.
func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// messageReader provides cursor-style reads over a backend message body.
// Reads past the end return zero values and latch an error, so parsers can
// read a full fixed layout and check once.
type messageReader struct {
	buf []byte
	err error
}

func (r *messageReader) fail(what string) {
	if r.err == nil {
		r.err = cdc.Protocolf("truncated message: missing %s", what)
	}
}

func (r *messageReader) remaining() int { return len(r.buf) }

func (r *messageReader) byte() byte {
	if len(r.buf) < 1 {
		r.fail("byte")
		return 0
	}
	var v = r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *messageReader) int16() int16 {
	if len(r.buf) < 2 {
		r.fail("int16")
		return 0
	}
	var v = int16(binary.BigEndian.Uint16(r.buf))
	r.buf = r.buf[2:]
	return v
}

func (r *messageReader) int32() int32 {
	if len(r.buf) < 4 {
		r.fail("int32")
		return 0
	}
	var v = int32(binary.BigEndian.Uint32(r.buf))
	r.buf = r.buf[4:]
	return v
}

func (r *messageReader) int64() int64 {
	if len(r.buf) < 8 {
		r.fail("int64")
		return 0
	}
	var v = int64(binary.BigEndian.Uint64(r.buf))
	r.buf = r.buf[8:]
	return v
}

func (r *messageReader) bytes(n int) []byte {
	if n < 0 || len(r.buf) < n {
		r.fail(fmt.Sprintf("%d bytes", n))
		return nil
	}
	var v = r.buf[:n]
	r.buf = r.buf[n:]
	return v
}

func (r *messageReader) cstring() string {
	var idx = bytes.IndexByte(r.buf, 0)
	if idx < 0 {
		r.fail("string terminator")
		return ""
	}
	var v = string(r.buf[:idx])
	r.buf = r.buf[idx+1:]
	return v
}

func (r *messageReader) rest() []byte {
	var v = r.buf
	r.buf = nil
	return v
}

// parseErrorResponse decodes an ErrorResponse (or NoticeResponse) body
// into its keyed fields and returns a ServerError carrying the ones that
// matter for diagnosis. Messages are forwarded verbatim.
func parseErrorResponse(body []byte) *cdc.ServerError {
	var r = messageReader{buf: body}
	var serverErr = &cdc.ServerError{}
	var severity string
	for {
		var key = r.byte()
		if key == 0 || r.err != nil {
			break
		}
		var value = r.cstring()
		switch key {
		case 'S':
			severity = value
		case 'C':
			serverErr.SQLState = value
		case 'M':
			serverErr.Message = value
		case 'D':
			if serverErr.Message != "" {
				serverErr.Message += ": " + value
			} else {
				serverErr.Message = value
			}
		}
	}
	if severity != "" && serverErr.Message != "" {
		serverErr.Message = severity + ": " + serverErr.Message
	}
	return serverErr
}
