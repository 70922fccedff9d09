package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gihan9a/recordsync/pkg/recordproto"
)

func testSettings() *Settings {
	s := DefaultSettings()
	s.ReconnectTimeout = 10 * time.Millisecond
	s.BufferSize = 4
	return s
}

// peer accepts websocket connections and hands them to the test.
func peer(t *testing.T) (string, <-chan *websocket.Conn) {
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func accept(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
	return nil
}

func readMessages(t *testing.T, ws *websocket.Conn) []*recordproto.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	msgs, err := recordproto.Decode(frame)
	require.NoError(t, err)
	return msgs
}

func TestSendBeforeConnect(t *testing.T) {
	url, conns := peer(t)
	c := New(url, WithLogger(zaptest.NewLogger(t)), WithSettings(testSettings()))
	t.Cleanup(c.Close)

	c.Send(recordproto.CreateOrRead("a"))
	c.Send(recordproto.CreateOrRead("b"))
	require.Equal(t, StateDisconnected, c.State())

	c.Start(func(*recordproto.Message) {})
	ws := accept(t, conns)
	require.Equal(t, []*recordproto.Message{
		recordproto.CreateOrRead("a"),
		recordproto.CreateOrRead("b"),
	}, readMessages(t, ws))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
}

func TestReceive(t *testing.T) {
	url, conns := peer(t)
	c := New(url, WithLogger(zaptest.NewLogger(t)), WithSettings(testSettings()))
	t.Cleanup(c.Close)

	received := make(chan *recordproto.Message, 4)
	c.Start(func(msg *recordproto.Message) { received <- msg })
	ws := accept(t, conns)

	snap := recordproto.Read("a", 1, []byte(`{"x":1}`))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, recordproto.EncodeAll(snap, recordproto.DeleteAck("a", 1))))

	select {
	case msg := <-received:
		require.Equal(t, snap.Data, msg.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
	select {
	case msg := <-received:
		require.Equal(t, recordproto.ActionAck, msg.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
}

func TestReconnect(t *testing.T) {
	url, conns := peer(t)
	c := New(url, WithLogger(zaptest.NewLogger(t)), WithSettings(testSettings()))
	t.Cleanup(c.Close)

	var reconnects atomic.Int32
	c.OnReconnect(func() {
		reconnects.Add(1)
		c.Send(recordproto.CreateOrRead("a"))
	})
	c.Start(func(*recordproto.Message) {})

	first := accept(t, conns)
	require.Zero(t, reconnects.Load())
	require.NoError(t, first.Close())

	second := accept(t, conns)
	require.Equal(t, []*recordproto.Message{recordproto.CreateOrRead("a")}, readMessages(t, second))
	require.Equal(t, int32(1), reconnects.Load())
}

func TestBufferLimit(t *testing.T) {
	c := New("ws://127.0.0.1:1", WithLogger(zaptest.NewLogger(t)), WithSettings(testSettings()))
	for i := 0; i < 6; i++ {
		c.Send(recordproto.CreateOrRead("a"))
	}
	c.mu.Lock()
	require.Len(t, c.pending, 4)
	c.mu.Unlock()

	c.Close()
	c.Close()
	require.Equal(t, StateClosed, c.State())
	c.Send(recordproto.CreateOrRead("a"))
	c.mu.Lock()
	require.Len(t, c.pending, 4)
	c.mu.Unlock()
}
