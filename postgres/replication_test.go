package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuary/changestream/cdc"
)

// sendQueryResult scripts a single-row simple-query response.
func (b *fakeBackend) sendQueryResult(columns []string, row []string) {
	var desc = []byte{byte(len(columns) >> 8), byte(len(columns))}
	for _, name := range columns {
		desc = append(desc, []byte(name+"\x00")...)
		desc = append(desc, be32(0)...)
		desc = append(desc, 0, 0)
		desc = append(desc, be32(25)...) // text
		desc = append(desc, 0xFF, 0xFF)
		desc = append(desc, be32(-1)...)
		desc = append(desc, 0, 0)
	}
	b.send(msgRowDescription, desc)

	if row != nil {
		var data = []byte{byte(len(row) >> 8), byte(len(row))}
		for _, value := range row {
			data = append(data, be32(int32(len(value)))...)
			data = append(data, value...)
		}
		b.send(msgDataRow, data)
	}
	b.send(msgCommandComplete, []byte("SELECT 1\x00"))
	b.sendReady()
}

func be64(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// sendXLogData wraps a wal2json payload in CopyData/XLogData framing.
func (b *fakeBackend) sendXLogData(lsn uint64, payload string) {
	var body = []byte{'w'}
	body = append(body, be64(lsn)...)
	body = append(body, be64(lsn+uint64(len(payload)))...)
	body = append(body, be64(0)...) // server clock
	body = append(body, payload...)
	b.send(msgCopyData, body)
}

func (b *fakeBackend) sendKeepalive(lsn uint64, replyRequested byte) {
	var body = []byte{'k'}
	body = append(body, be64(lsn)...)
	body = append(body, be64(0)...)
	body = append(body, replyRequested)
	b.send(msgCopyData, body)
}

func TestReplicationStreamEndToEnd(t *testing.T) {
	var backend = newFakeBackend(t)
	go func() {
		backend.accept()
		backend.readStartup()
		backend.send(msgAuthentication, be32(0))
		backend.completeStartupTail()

		// IDENTIFY_SYSTEM
		var tag, body = backend.readMessage()
		assert.Equal(t, byte(msgQuery), tag)
		assert.Contains(t, string(body), "IDENTIFY_SYSTEM")
		backend.sendQueryResult(
			[]string{"systemid", "timeline", "xlogpos", "dbname"},
			[]string{"7000000000000000001", "1", "0/16B2D88", "test"})

		// Slot existence check: the slot exists already.
		tag, body = backend.readMessage()
		assert.Equal(t, byte(msgQuery), tag)
		assert.Contains(t, string(body), "pg_replication_slots")
		backend.sendQueryResult([]string{"?column?"}, []string{"1"})

		// START_REPLICATION with wal2json v2 options.
		tag, body = backend.readMessage()
		assert.Equal(t, byte(msgQuery), tag)
		assert.Contains(t, string(body), `START_REPLICATION SLOT "s1" LOGICAL 0/1000`)
		assert.Contains(t, string(body), `"format-version" '2'`)
		backend.send(msgCopyBothResponse, []byte{0, 0, 0})

		// One committed transaction with two inserts.
		backend.sendKeepalive(0x1000, 0)
		backend.sendXLogData(0x1000, `{"action":"B","xid":563,"lsn":"0/1000"}`)
		backend.sendXLogData(0x1010, `{"action":"I","schema":"public","table":"t","lsn":"0/1010",
			"columns":[{"name":"id","type":"integer","value":1},{"name":"name","type":"text","value":"a"}]}`)
		backend.sendXLogData(0x1020, `{"action":"I","schema":"public","table":"t","lsn":"0/1020",
			"columns":[{"name":"id","type":"integer","value":2},{"name":"name","type":"text","value":"b"}]}`)
		backend.sendXLogData(0x1030, `{"action":"C","xid":563,"lsn":"0/1030"}`)

		// Keep consuming standby status updates until the client leaves.
		for {
			if _, _, err := readMessage(backend.reader); err != nil {
				return
			}
		}
	}()

	var cfg = backend.config()
	cfg.StartLSN = "0/1000"
	var conn, err = Connect(context.Background(), cfg)
	require.NoError(t, err)

	stream, err := StartReplication(context.Background(), conn)
	require.NoError(t, err)

	var events []cdc.RowEvent
	var deadline = time.After(5 * time.Second)
	for len(events) < 2 {
		select {
		case event, ok := <-stream.Events():
			// Err blocks until the session ends, so ask for it only once
			// the channel has closed.
			var cause error
			if !ok {
				cause = stream.Err()
			}
			require.True(t, ok, "stream ended early: %v", cause)
			events = append(events, event)
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}

	assert.Equal(t, cdc.InsertOp, events[0].Op)
	assert.Equal(t, []cdc.Value{cdc.IntValue(1), cdc.StringValue("a")}, events[0].After.Values)
	assert.Equal(t, []cdc.Value{cdc.IntValue(2), cdc.StringValue("b")}, events[1].After.Values)
	assert.Equal(t, uint64(563), events[0].TransactionID)
	assert.Equal(t, uint64(563), events[1].TransactionID)

	var first = events[0].Cursor.(Cursor)
	var second = events[1].Cursor.(Cursor)
	assert.Negative(t, first.Compare(second))
	assert.Equal(t, int32(1), first.Timeline)

	require.NoError(t, stream.Commit(second))
	require.NoError(t, stream.Close(context.Background()))
	require.NoError(t, stream.Err())
}

func TestStandbyStatusUpdateCarriesFlushedLSN(t *testing.T) {
	var s = newTestStream()
	s.receivedLSN.Store(0x5000)
	s.flushedLSN.Store(0x1000)

	require.NoError(t, s.Commit(Cursor{LSN: 0x2000, Timeline: 1}))
	assert.Equal(t, uint64(0x2000), s.flushedLSN.Load())

	// Commits never rewind.
	require.NoError(t, s.Commit(Cursor{LSN: 0x1500, Timeline: 1}))
	assert.Equal(t, uint64(0x2000), s.flushedLSN.Load())

	// Wrong cursor type is rejected.
	assert.Error(t, s.Commit(cdc.Cursor(nil)))
}

func TestKeepaliveReplyRequested(t *testing.T) {
	var s = newTestStream()
	s.statusDeadline = time.Now().Add(time.Hour)

	var body = []byte{'k'}
	body = append(body, be64(0x9000)...)
	body = append(body, be64(0)...)
	body = append(body, 1)
	require.NoError(t, s.handleCopyData(body))

	assert.Equal(t, uint64(0x9000), s.receivedLSN.Load())
	assert.False(t, s.statusDeadline.After(time.Now()), "reply request must force an immediate status update")
}
