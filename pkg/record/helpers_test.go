package record_test

import (
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"gihan9a/recordsync/pkg/record"
	"gihan9a/recordsync/pkg/recordproto"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []*recordproto.Message
}

func (c *fakeConn) Send(msg *recordproto.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeConn) last() *recordproto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) messages() []*recordproto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*recordproto.Message(nil), c.sent...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// loopback answers outbound messages by dispatching replies from inside Send.
type loopback struct {
	reg   *record.Registry
	reply func(*recordproto.Message) *recordproto.Message
	sent  []*recordproto.Message
}

func (l *loopback) Send(msg *recordproto.Message) {
	l.sent = append(l.sent, msg)
	if answer := l.reply(msg); answer != nil {
		l.reg.Dispatch(answer)
	}
}

func newTestRegistry(tb testing.TB) (*record.Registry, *fakeConn) {
	conn := &fakeConn{}
	return record.NewRegistry(conn, record.WithLogger(zaptest.NewLogger(tb))), conn
}

func snapshot(name string, version uint64, value string) *recordproto.Message {
	return recordproto.Read(name, version, []byte(value))
}

func patch(name string, version uint64, path, raw string) *recordproto.Message {
	var value json.RawMessage
	if raw != "" {
		value = json.RawMessage(raw)
	}
	return recordproto.Patch(name, version, recordproto.MustParsePath(path), value)
}

// recorder collects callback values.
type recorder struct {
	values []any
}

func (r *recorder) callback(v any) { r.values = append(r.values, v) }
