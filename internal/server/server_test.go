package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gihan9a/recordsync/internal/config"
	"gihan9a/recordsync/internal/transport"
	"gihan9a/recordsync/pkg/record"
	"gihan9a/recordsync/pkg/recordproto"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.RootDir = dir
	if mutate != nil {
		mutate(cfg)
	}

	rs, err := NewRecordServer(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, rs.SetupWatchers())
	srv := httptest.NewServer(rs.SetupRoutes())
	t.Cleanup(srv.Close)
	t.Cleanup(rs.Close)
	return dir, srv.URL
}

func writeRecord(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name)+recordExt)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func wsURL(url string) string {
	return "ws" + strings.TrimPrefix(url, "http") + "/records"
}

func connect(t *testing.T, url string) *record.Registry {
	t.Helper()
	settings := transport.DefaultSettings()
	settings.ReconnectTimeout = 20 * time.Millisecond
	c := transport.New(wsURL(url), transport.WithLogger(zaptest.NewLogger(t)), transport.WithSettings(settings))
	reg := record.NewRegistry(c, record.WithLogger(zaptest.NewLogger(t)))
	c.OnReconnect(reg.Resync)
	c.Start(reg.Dispatch)
	t.Cleanup(c.Close)
	return reg
}

func ready(t *testing.T, reg *record.Registry, name string) *record.Handle {
	t.Helper()
	h, err := reg.Get(name)
	require.NoError(t, err)
	require.Eventually(t, h.IsReady, waitFor, tick)
	return h
}

func valueAt(h *record.Handle, path string) func() any {
	return func() any {
		v, _ := h.Get(path)
		return v
	}
}

func eventuallyEqual(t *testing.T, want any, got func() any) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assertEqual(want, got())
	}, waitFor, tick, "want %v", want)
}

func assertEqual(want, got any) bool {
	a, _ := json.Marshal(want)
	b, _ := json.Marshal(got)
	return string(a) == string(b)
}

func TestClientsStayInSync(t *testing.T) {
	dir, url := newTestServer(t, nil)
	writeRecord(t, dir, "user", `{"name":"x"}`)

	first := ready(t, connect(t, url), "user")
	second := ready(t, connect(t, url), "user")
	v, _ := first.Get("name")
	require.Equal(t, "x", v)
	require.Equal(t, uint64(1), first.Version())

	require.NoError(t, first.Set("name", "y"))
	eventuallyEqual(t, "y", valueAt(second, "name"))
	require.Equal(t, uint64(2), second.Version())

	require.NoError(t, second.Set("", map[string]any{"name": "z", "age": 3}))
	eventuallyEqual(t, map[string]any{"name": "z", "age": 3}, valueAt(first, ""))
	require.Equal(t, uint64(3), first.Version())
}

func TestCreateMissingRecord(t *testing.T) {
	_, url := newTestServer(t, nil)
	h := ready(t, connect(t, url), "team/new")
	v, _ := h.Get("")
	require.Equal(t, map[string]any{}, v)
	require.Zero(t, h.Version())

	require.NoError(t, h.Set("a", 1))
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/records/team/new")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.Header.Get("Version") == "1" && string(body) == `{"a":1}`
	}, waitFor, tick)
}

func TestFileChangesArePushed(t *testing.T) {
	dir, url := newTestServer(t, nil)
	writeRecord(t, dir, "user", `{"name":"x","age":1}`)
	h := ready(t, connect(t, url), "user")

	changes := make(chan any, 8)
	_, err := h.Subscribe("name", func(v any) { changes <- v })
	require.NoError(t, err)

	writeRecord(t, dir, "user", `{"name":"w","age":1}`)
	select {
	case v := <-changes:
		require.Equal(t, "w", v)
	case <-time.After(waitFor):
		t.Fatal("change not pushed")
	}

	writeRecord(t, dir, "user", `{"name":"v","age":2,"tags":["a"]}`)
	eventuallyEqual(t, []any{"a"}, valueAt(h, "tags"))
	v, _ := h.Get("age")
	require.Equal(t, float64(2), v)
}

func TestFileRemovalDeletesRecord(t *testing.T) {
	dir, url := newTestServer(t, nil)
	writeRecord(t, dir, "user", `{"name":"x"}`)
	reg := connect(t, url)
	h := ready(t, reg, "user")

	deleted := make(chan record.Deleted, 1)
	h.OnDeleted(func(e record.Deleted) { deleted <- e })

	require.NoError(t, os.Remove(filepath.Join(dir, "user"+recordExt)))
	select {
	case e := <-deleted:
		require.Equal(t, "user", e.Name)
	case <-time.After(waitFor):
		t.Fatal("record not deleted")
	}
	require.Equal(t, record.StateDestroyed, h.State())
	require.False(t, reg.Has("user"))
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(url), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgs ...*recordproto.Message) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, recordproto.EncodeAll(msgs...)))
}

func receive(t *testing.T, ws *websocket.Conn) *recordproto.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	msgs, err := recordproto.Decode(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestStaleWriteIsCorrected(t *testing.T) {
	dir, url := newTestServer(t, nil)
	writeRecord(t, dir, "user", `{"name":"x"}`)
	ws := dial(t, url)

	send(t, ws, recordproto.CreateOrRead("user"))
	require.Equal(t, recordproto.Read("user", 1, []byte(`{"name":"x"}`)), receive(t, ws))

	send(t, ws, recordproto.Patch("user", 1, recordproto.Path{"name"}, json.RawMessage(`"q"`)))
	errMsg := receive(t, ws)
	require.Equal(t, recordproto.ActionError, errMsg.Action)
	require.Equal(t, []string{codeVersionExists, "user", "1"}, errMsg.Data)
	require.Equal(t, recordproto.Read("user", 2, []byte(`{"name":"x"}`)), receive(t, ws))

	send(t, ws, recordproto.Patch("user", 3, recordproto.Path{"name"}, json.RawMessage(`"q"`)))
	send(t, ws, recordproto.CreateOrRead("user"))
	require.Equal(t, recordproto.Read("user", 3, []byte(`{"name":"q"}`)), receive(t, ws))
}

func TestInvalidMessages(t *testing.T) {
	_, url := newTestServer(t, nil)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.Equal(t, codeParse, receive(t, ws).Data[0])

	send(t, ws, &recordproto.Message{Topic: recordproto.TopicRecord, Action: "XX", Data: []string{"user"}})
	require.Equal(t, []string{codeUnknownAction, "user", "XX"}, receive(t, ws).Data)

	send(t, ws, &recordproto.Message{Topic: recordproto.TopicRecord, Action: recordproto.ActionPatch, Data: []string{"user", "x"}})
	require.Equal(t, codeInvalidData, receive(t, ws).Data[0])

	send(t, ws, recordproto.CreateOrRead("../escape"))
	require.Equal(t, codeStorage, receive(t, ws).Data[0])
}

func TestUnsubscribeStopsUpdates(t *testing.T) {
	dir, url := newTestServer(t, nil)
	writeRecord(t, dir, "user", `{"name":"x"}`)
	ws := dial(t, url)
	send(t, ws, recordproto.CreateOrRead("user"), recordproto.CreateOrRead("other"))
	require.Equal(t, recordproto.ActionRead, receive(t, ws).Action)
	require.Equal(t, recordproto.ActionRead, receive(t, ws).Action)

	send(t, ws, recordproto.Unsubscribe("user"), recordproto.CreateOrRead("other"))
	require.Equal(t, recordproto.Read("other", 0, []byte(`{}`)), receive(t, ws))

	writer := dial(t, url)
	send(t, writer,
		recordproto.Patch("user", 2, recordproto.Path{"name"}, json.RawMessage(`"y"`)),
		recordproto.Patch("other", 1, recordproto.Path{"a"}, json.RawMessage(`1`)),
	)
	require.Equal(t, recordproto.Patch("other", 1, recordproto.Path{"a"}, json.RawMessage(`1`)), receive(t, ws))
}

func TestPersistWrites(t *testing.T) {
	dir, url := newTestServer(t, func(cfg *config.Config) { cfg.Server.Persist = true })
	writeRecord(t, dir, "user", `{"name":"x"}`)
	h := ready(t, connect(t, url), "user")

	require.NoError(t, h.Set("name", "saved"))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "user"+recordExt))
		return err == nil && string(data) == `{"name":"saved"}`
	}, waitFor, tick)
	require.Never(t, func() bool { return h.Version() != 2 }, 200*time.Millisecond, tick)
}

func TestGetRecordHTTP(t *testing.T) {
	dir, url := newTestServer(t, func(cfg *config.Config) {
		cfg.CORS.Enabled = true
		cfg.Metrics.Enabled = true
	})
	writeRecord(t, dir, "user", `{"name":"x","tags":["a","b"]}`)

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(url + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, body := get("/records/user")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Version"))
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.JSONEq(t, `{"name":"x","tags":["a","b"]}`, body)

	_, body = get("/records/user?path=tags[1]")
	require.Equal(t, `"b"`, body)

	resp, _ = get("/records/user?path=missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get("/records/user?path=a*")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get("/records/nobody")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, url+"/records/user", nil)
	require.NoError(t, err)
	pre, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	pre.Body.Close()
	require.Equal(t, http.StatusNoContent, pre.StatusCode)
	require.Equal(t, "86400", pre.Header.Get("Access-Control-Max-Age"))

	resp, body = get("/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "recordsync_server_clients")
}

func TestChangeMessage(t *testing.T) {
	doc := func(version uint64, data string) document {
		return document{version: version, data: []byte(data)}
	}
	old := doc(1, `{"a":1,"b":{"c":true},"d.e":1}`)

	require.Equal(t,
		recordproto.Patch("r", 2, recordproto.Path{"a"}, json.RawMessage(`2`)),
		changeMessage("r", old, doc(2, `{"a":2,"b":{"c":true},"d.e":1}`)))
	require.Equal(t,
		recordproto.Patch("r", 2, recordproto.Path{"b", "c"}, nil),
		changeMessage("r", old, doc(2, `{"a":1,"b":{},"d.e":1}`)))

	full := doc(2, `{"a":3,"b":{"c":false},"d.e":1}`)
	require.Equal(t, recordproto.Read("r", 2, full.data), changeMessage("r", old, full))

	dotted := doc(2, `{"a":1,"b":{"c":true},"d.e":2}`)
	require.Equal(t, recordproto.Read("r", 2, dotted.data), changeMessage("r", old, dotted))
}

func TestStorePaths(t *testing.T) {
	s := newStore("/srv/records", false)

	path, err := s.pathFor("team/a")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/srv/records", "team", "a.json"), path)

	_, err = s.pathFor("../a")
	require.ErrorIs(t, err, errOutsideRoot)

	name, ok := s.nameFor(filepath.Join("/srv/records", "team", "a.json"))
	require.True(t, ok)
	require.Equal(t, "team/a", name)
	_, ok = s.nameFor(filepath.Join("/srv/records", "notes.txt"))
	require.False(t, ok)
}
