package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"gihan9a/recordsync/pkg/recordproto"
)

// Error codes sent to clients in E messages.
const (
	codeParse         = "MESSAGE_PARSE_ERROR"
	codeInvalidData   = "INVALID_MESSAGE_DATA"
	codeUnknownAction = "UNKNOWN_ACTION"
	codeVersionExists = "VERSION_EXISTS"
	codeStorage       = "STORAGE_ERROR"
)

// handleSocket serves one record protocol connection
func (s *RecordServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(ws, s.logger)
	if !s.addClient(c) {
		ws.Close()
		return
	}
	defer s.wg.Done()
	defer s.removeClient(c)
	defer c.close()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msgs, err := recordproto.Decode(frame)
		if err != nil {
			c.enqueue(recordproto.Error(codeParse, "", err.Error()))
			continue
		}
		for _, msg := range msgs {
			s.handleMessage(c, msg)
		}
	}
}

func (s *RecordServer) handleMessage(c *client, msg *recordproto.Message) {
	name, ok := recordproto.RecordName(msg)
	if msg.Topic != recordproto.TopicRecord || !ok || name == "" {
		c.enqueue(recordproto.Error(codeInvalidData, name, msg.String()))
		return
	}

	switch msg.Action {
	case recordproto.ActionCreateOrRead:
		s.handleCreateOrRead(c, name)
	case recordproto.ActionUpdate, recordproto.ActionPatch:
		s.handleWrite(c, name, msg)
	case recordproto.ActionUnsubscribe:
		s.unsubscribe(name, c)
	default:
		c.enqueue(recordproto.Error(codeUnknownAction, name, string(msg.Action)))
	}
}

// handleCreateOrRead subscribes c before reading so that no change between the
// two is lost; a patch that overtakes the snapshot is older than it.
func (s *RecordServer) handleCreateOrRead(c *client, name string) {
	s.subscribe(name, c)
	doc, _, err := s.store.get(name, true)
	if err != nil {
		s.unsubscribe(name, c)
		c.logger.Warn("failed to load record", zap.String("record", name), zap.Error(err))
		c.enqueue(recordproto.Error(codeStorage, name, err.Error()))
		return
	}
	c.enqueue(recordproto.Read(name, doc.version, doc.data))
}

// handleWrite applies a U or P message. Accepted writes are forwarded to the
// other subscribers; stale ones are answered with the current snapshot.
func (s *RecordServer) handleWrite(c *client, name string, msg *recordproto.Message) {
	version, change, err := decodeWrite(msg)
	if err != nil {
		c.enqueue(recordproto.Error(codeInvalidData, name, err.Error()))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, applied, err := s.store.apply(name, version, change)
	switch {
	case err != nil:
		writes.WithLabelValues("invalid").Inc()
		c.enqueue(recordproto.Error(codeInvalidData, name, err.Error()))
	case !applied:
		writes.WithLabelValues("stale").Inc()
		c.logger.Warn("stale write",
			zap.String("record", name),
			zap.Uint64("version", version),
			zap.Uint64("current", doc.version),
		)
		c.enqueue(recordproto.Error(codeVersionExists, name, strconv.FormatUint(version, 10)))
		s.broadcast(name, nil, recordproto.Read(name, doc.version, doc.data))
	default:
		writes.WithLabelValues("applied").Inc()
		s.broadcast(name, c, msg)
	}
}

func decodeWrite(msg *recordproto.Message) (uint64, func([]byte) ([]byte, error), error) {
	if msg.Action == recordproto.ActionUpdate {
		snap, err := recordproto.ParseSnapshot(msg)
		if err != nil {
			return 0, nil, err
		}
		return snap.Version, func([]byte) ([]byte, error) { return snap.Value, nil }, nil
	}

	patch, err := recordproto.ParsePatch(msg)
	if err != nil {
		return 0, nil, err
	}
	return patch.Version, func(cur []byte) ([]byte, error) {
		switch {
		case patch.Path.IsRoot():
			return patch.Value, nil
		case patch.Value == nil:
			return sjson.DeleteBytes(append([]byte(nil), cur...), patch.Path.Query())
		}
		return sjson.SetRawBytes(append([]byte(nil), cur...), patch.Path.Query(), patch.Value)
	}, nil
}

// handleGetRecord returns the current snapshot of a record, or the value at
// ?path= inside it
func (s *RecordServer) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	doc, ok, err := s.store.get(name, false)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading record: %v", err), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}

	body := doc.data
	if query := r.URL.Query().Get("path"); query != "" {
		path, err := recordproto.ParsePath(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !path.IsRoot() {
			res := gjson.GetBytes(doc.data, path.Query())
			if !res.Exists() {
				http.Error(w, "Path not found", http.StatusNotFound)
				return
			}
			body = []byte(res.Raw)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Version", strconv.FormatUint(doc.version, 10))
	w.Write(body)
}

// corsMiddleware adds CORS headers and answers preflight requests when enabled
func (s *RecordServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.CORS.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		cors := s.config.CORS
		w.Header().Set("Access-Control-Allow-Origin", cors.AllowOrigins)
		w.Header().Set("Access-Control-Allow-Methods", cors.AllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", cors.AllowHeaders)
		w.Header().Set("Access-Control-Expose-Headers", "Version")
		if cors.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cors.MaxAge))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
