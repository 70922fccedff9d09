package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"

	"gihan9a/recordsync/internal/config"
	"gihan9a/recordsync/pkg/recordproto"
)

// Option configures a RecordServer.
type Option func(*RecordServer)

func WithLogger(logger *zap.Logger) Option {
	return func(s *RecordServer) {
		s.logger = logger
	}
}

// RecordServer is the authority for records stored as JSON files. Clients
// talk the record protocol over a websocket; file edits are pushed to them.
type RecordServer struct {
	config   *config.Config
	logger   *zap.Logger
	store    *store
	watcher  *fsnotify.Watcher
	upgrader websocket.Upgrader

	// writeMu orders record changes so subscribers see versions in sequence.
	writeMu sync.Mutex

	mu            sync.RWMutex
	closed        bool
	clients       map[string]*client
	subscriptions map[string]map[string]*client

	wg          sync.WaitGroup
	watcherDone chan struct{}
}

// NewRecordServer creates a new RecordServer
func NewRecordServer(cfg *config.Config, opts ...Option) (*RecordServer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	s := &RecordServer{
		config:        cfg,
		logger:        zap.NewNop(),
		store:         newStore(cfg.Server.RootDir, cfg.Server.Persist),
		watcher:       watcher,
		clients:       make(map[string]*client),
		subscriptions: make(map[string]map[string]*client),
		watcherDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	go s.watchFiles()
	return s, nil
}

// Close disconnects every client and stops the file watcher
func (s *RecordServer) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()

	s.watcher.Close()
	<-s.watcherDone
}

// SetupWatchers recursively adds directories to the watcher
func (s *RecordServer) SetupWatchers() error {
	return filepath.Walk(s.config.Server.RootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

// SetupRoutes configures the HTTP routes for the server
func (s *RecordServer) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)
	router.HandleFunc("/records", s.handleSocket)
	router.HandleFunc("/records/{name:.+}", s.handleGetRecord).Methods(http.MethodGet, http.MethodOptions)
	if s.config.Metrics.Enabled {
		router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	return router
}

// watchFiles pushes record file changes to subscribers
func (s *RecordServer) watchFiles() {
	defer close(s.watcherDone)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.fileEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (s *RecordServer) fileEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.watcher.Add(event.Name); err != nil {
				s.logger.Warn("failed to watch directory", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}

	name, ok := s.store.nameFor(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		s.fileChanged(name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		s.fileRemoved(name)
	}
}

func (s *RecordServer) fileChanged(name string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old, cur, changed, err := s.store.reload(name)
	if err != nil {
		s.logger.Debug("record file not loaded", zap.String("record", name), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	s.logger.Info("record file changed", zap.String("record", name), zap.Uint64("version", cur.version))
	s.broadcast(name, nil, changeMessage(name, old, cur))
}

func (s *RecordServer) fileRemoved(name string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, ok := s.store.remove(name)
	if !ok {
		return
	}
	s.logger.Info("record file removed", zap.String("record", name))
	s.broadcast(name, nil, recordproto.DeleteAck(name, doc.version))

	s.mu.Lock()
	delete(s.subscriptions, name)
	s.mu.Unlock()
}

// changeMessage describes the change from old to cur as a single patch when
// the diff has exactly one operation on a non-root path, and as a full
// snapshot otherwise.
func changeMessage(name string, old, cur document) *recordproto.Message {
	full := recordproto.Read(name, cur.version, cur.data)

	patch, err := jsondiff.CompareJSON(old.data, cur.data)
	if err != nil || len(patch) != 1 {
		return full
	}
	op := patch[0]
	path := recordproto.ParsePointer(string(op.Path))
	if path.IsRoot() || !onWire(path) {
		return full
	}
	switch op.Type {
	case jsondiff.OperationRemove:
		return recordproto.Patch(name, cur.version, path, nil)
	case jsondiff.OperationAdd, jsondiff.OperationReplace:
		raw, err := json.Marshal(op.Value)
		if err != nil {
			return full
		}
		return recordproto.Patch(name, cur.version, path, raw)
	}
	return full
}

// onWire reports whether path survives the dotted wire form unchanged.
func onWire(path recordproto.Path) bool {
	parsed, err := recordproto.ParsePath(path.String())
	if err != nil || len(parsed) != len(path) {
		return false
	}
	for i := range path {
		if parsed[i] != path[i] {
			return false
		}
	}
	return true
}
