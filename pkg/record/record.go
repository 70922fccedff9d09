package record

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"

	"gihan9a/recordsync/internal/events"
	"gihan9a/recordsync/pkg/recordproto"
)

// State is the fetch state of a record.
type State int

const (
	// StateRequested means the record was requested and no snapshot arrived yet.
	StateRequested State = iota
	// StateReady means at least one snapshot was accepted.
	StateReady
	// StateDestroyed is terminal: the record was discarded locally or deleted remotely.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Callback receives the value at the subscribed path, or the whole record
// for general subscriptions. Values are decoded JSON: map[string]any,
// []any, string, float64, bool or nil.
type Callback func(value any)

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

// Deleted is published once when the authority removes a record.
type Deleted struct {
	Name    string
	Version uint64
}

// Failed is published for every error the authority reports about a record.
type Failed struct {
	Name string
	Code string
	Text string
}

type subscriber struct {
	id     SubscriptionID
	path   recordproto.Path
	fn     Callback
	active atomic.Bool
}

func (s *subscriber) general() bool { return s.path.IsRoot() }

type notification struct {
	sub   *subscriber
	value any
}

// Record is one named, versioned document kept in sync with the authority.
// Records are created and shared by a Registry; consumers hold them through a
// Handle.
type Record struct {
	name   string
	logger *zap.Logger
	out    *outbox
	bus    *events.Bus

	mu      sync.Mutex
	state   State
	version uint64
	data    []byte
	subs    []*subscriber
	nextID  SubscriptionID

	// refs is guarded by the owning Registry's mutex.
	refs int
}

func newRecord(name string, out *outbox, logger *zap.Logger) *Record {
	return &Record{
		name:   name,
		out:    out,
		logger: logger.With(zap.String("record", name)),
		bus:    events.New(),
	}
}

// Name returns the record name.
func (r *Record) Name() string { return r.name }

// State returns the current fetch state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsReady reports whether at least one snapshot has been accepted and the
// record was not destroyed since.
func (r *Record) IsReady() bool { return r.State() == StateReady }

// Version returns the last accepted version, 0 before the first snapshot.
func (r *Record) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Get returns the value at path, or the whole record for the empty path.
// The second result is false when the record is not ready or path is absent.
func (r *Record) Get(path string) (any, bool) {
	p, err := recordproto.ParsePath(path)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	data, state := r.data, r.state
	r.mu.Unlock()

	if state != StateReady {
		return nil, false
	}
	return resolve(data, p)
}

// Set writes value at path (the whole record for the empty path), sends the
// write upstream and notifies local subscribers before returning.
func (r *Record) Set(path string, value any) error {
	p, err := recordproto.ParsePath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("record: encode value for %q: %w", r.name, err)
	}
	if p.IsRoot() && !gjson.ParseBytes(raw).IsObject() {
		return ErrNotObject
	}

	r.mu.Lock()
	switch r.state {
	case StateRequested:
		r.mu.Unlock()
		return ErrNotReady
	case StateDestroyed:
		r.mu.Unlock()
		return ErrDestroyed
	}
	next := []byte(raw)
	if !p.IsRoot() {
		next, err = sjson.SetRawBytes(clone(r.data), p.Query(), raw)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("record: set %q in %q: %w", path, r.name, err)
		}
	}
	old := r.data
	r.data = next
	r.version++
	version := r.version
	pending := r.collect(old, next, false, p.IsRoot())

	var msg *recordproto.Message
	if p.IsRoot() {
		msg = recordproto.Update(r.name, version, next)
	} else {
		msg = recordproto.Patch(r.name, version, p, raw)
	}
	r.out.push(msg)
	r.mu.Unlock()

	r.out.flush()
	fire(pending)
	return nil
}

// Subscribe registers fn for changes at path; the empty path subscribes to
// every accepted update. Paths absent from the current value are allowed.
func (r *Record) Subscribe(path string, fn Callback) (SubscriptionID, error) {
	if fn == nil {
		return 0, ErrNilCallback
	}
	p, err := recordproto.ParsePath(path)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(p, fn), nil
}

func (r *Record) subscribeLocked(p recordproto.Path, fn Callback) SubscriptionID {
	r.nextID++
	s := &subscriber{id: r.nextID, path: p, fn: fn}
	s.active.Store(true)
	r.subs = append(r.subs, s)
	return s.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (r *Record) Unsubscribe(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			s.active.Store(false)
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// OnDeleted registers fn to run once if the authority deletes the record.
func (r *Record) OnDeleted(fn func(Deleted)) events.Token {
	return events.Subscribe(r.bus, fn, events.Once())
}

// OnError registers fn for errors the authority reports about the record.
func (r *Record) OnError(fn func(Failed)) events.Token {
	return events.Subscribe(r.bus, fn)
}

// Off removes a listener registered with OnDeleted or OnError.
func (r *Record) Off(token events.Token) bool {
	return r.bus.Unsubscribe(token)
}

// whenReady reports whether the record is ready. If it is still requested,
// fn is registered to run once on the first accepted snapshot and the id of
// that internal subscription is returned.
func (r *Record) whenReady(fn func()) (bool, SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateReady:
		return true, 0
	case StateDestroyed:
		return false, 0
	}
	var id SubscriptionID
	id = r.subscribeLocked(nil, func(any) {
		if r.Unsubscribe(id) {
			fn()
		}
	})
	return false, id
}

func (r *Record) applySnapshot(snap *recordproto.Snapshot) {
	r.mu.Lock()
	if reason, ok := r.rejectSnapshot(snap); !ok {
		r.mu.Unlock()
		droppedMessages.WithLabelValues(reason).Inc()
		r.logger.Debug("snapshot ignored",
			zap.String("reason", reason),
			zap.Uint64("version", snap.Version),
		)
		return
	}
	first := r.state == StateRequested
	old := r.data
	r.data = clone(snap.Value)
	r.version = snap.Version
	r.state = StateReady
	pending := r.collect(old, r.data, first, true)
	r.mu.Unlock()

	fire(pending)
}

func (r *Record) rejectSnapshot(snap *recordproto.Snapshot) (string, bool) {
	switch {
	case r.state == StateDestroyed:
		return "destroyed", false
	case r.state == StateReady && snap.Version <= r.version:
		return "stale", false
	case snap.Version < r.version:
		return "stale", false
	case !gjson.ParseBytes(snap.Value).IsObject():
		return "malformed", false
	}
	return "", true
}

func (r *Record) applyPatch(patch *recordproto.PatchData) {
	r.mu.Lock()
	next, reason, err := r.patched(patch)
	if reason != "" {
		r.mu.Unlock()
		droppedMessages.WithLabelValues(reason).Inc()
		r.logger.Debug("patch ignored",
			zap.String("reason", reason),
			zap.Uint64("version", patch.Version),
			zap.Stringer("path", patch.Path),
			zap.Error(err),
		)
		return
	}
	old := r.data
	r.data = next
	r.version = patch.Version
	pending := r.collect(old, next, false, false)
	r.mu.Unlock()

	fire(pending)
}

func (r *Record) patched(patch *recordproto.PatchData) ([]byte, string, error) {
	switch {
	case r.state != StateReady:
		return nil, r.state.String(), nil
	case patch.Version <= r.version:
		return nil, "stale", nil
	case patch.Path.IsRoot():
		if !gjson.ParseBytes(patch.Value).IsObject() {
			return nil, "malformed", ErrNotObject
		}
		return clone(patch.Value), "", nil
	case patch.Value == nil:
		next, err := sjson.DeleteBytes(clone(r.data), patch.Path.Query())
		if err != nil {
			return nil, "malformed", err
		}
		return next, "", nil
	}
	next, err := sjson.SetRawBytes(clone(r.data), patch.Path.Query(), patch.Value)
	if err != nil {
		return nil, "malformed", err
	}
	return next, "", nil
}

// remove marks the record destroyed after a remote deletion. It returns false
// if the record was already destroyed.
func (r *Record) remove(version uint64) bool {
	r.mu.Lock()
	if r.state == StateDestroyed {
		r.mu.Unlock()
		return false
	}
	r.state = StateDestroyed
	r.version = max(r.version, version)
	r.clearLocked()
	r.mu.Unlock()

	events.Publish(r.bus, Deleted{Name: r.name, Version: version})
	r.bus.Clear()
	return true
}

// discard destroys the record after its last handle was released. It returns
// false if the record was already destroyed.
func (r *Record) discard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDestroyed {
		return false
	}
	r.state = StateDestroyed
	r.clearLocked()
	r.bus.Clear()
	return true
}

func (r *Record) clearLocked() {
	for _, s := range r.subs {
		s.active.Store(false)
	}
	r.subs = nil
	r.data = nil
}

func (r *Record) fail(code, text string) {
	r.logger.Warn("authority reported error", zap.String("code", code), zap.String("text", text))
	events.Publish(r.bus, Failed{Name: r.name, Code: code, Text: text})
}

// collect resolves the notifications for a transition from old to next.
// General subscribers precede path subscribers for snapshots and follow them
// for patches; each group keeps registration order. Path subscribers are
// included when their value changed, or unconditionally on the first snapshot.
func (r *Record) collect(old, next []byte, first, generalFirst bool) []notification {
	changed := changedPaths(old, next)
	var general, paths []notification
	for _, s := range r.subs {
		if s.general() {
			value, _ := resolve(next, nil)
			general = append(general, notification{sub: s, value: value})
			continue
		}
		if first || changed(s.path) {
			value, _ := resolve(next, s.path)
			paths = append(paths, notification{sub: s, value: value})
		}
	}
	if generalFirst {
		return append(general, paths...)
	}
	return append(paths, general...)
}

func fire(pending []notification) {
	for _, n := range pending {
		if n.sub.active.Load() {
			n.sub.fn(n.value)
		}
	}
}

// changedPaths returns a predicate reporting whether the value at a path
// differs between old and next.
func changedPaths(old, next []byte) func(recordproto.Path) bool {
	all := func(recordproto.Path) bool { return true }
	if len(old) == 0 {
		return all
	}
	patch, err := jsondiff.CompareJSON(old, next)
	if err != nil {
		return all
	}
	ops := make([]recordproto.Path, 0, len(patch))
	for _, op := range patch {
		ops = append(ops, recordproto.ParsePointer(string(op.Path)))
	}
	return func(p recordproto.Path) bool {
		for _, op := range ops {
			if op.Overlaps(p) {
				return true
			}
		}
		return false
	}
}

func resolve(data []byte, p recordproto.Path) (any, bool) {
	if len(data) == 0 {
		return nil, false
	}
	if p.IsRoot() {
		return gjson.ParseBytes(data).Value(), true
	}
	res := gjson.GetBytes(data, p.Query())
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
