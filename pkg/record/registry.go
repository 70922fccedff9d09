package record

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"gihan9a/recordsync/pkg/recordproto"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and its records.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry creates, shares and retires records by name. At most one live
// Record exists per name; every Get is balanced by a Handle.Release.
type Registry struct {
	logger *zap.Logger
	out    *outbox

	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry creates a registry that sends its requests through conn.
func NewRegistry(conn Connection, opts ...Option) *Registry {
	r := &Registry{
		logger:  zap.NewNop(),
		out:     &outbox{conn: conn},
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle is one counted reference to a shared Record.
type Handle struct {
	*Record
	registry *Registry
	released atomic.Bool
}

// Release gives the reference back to the registry. The record is discarded
// when its last handle is released. Calling Release more than once is a no-op.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.registry.release(h.Record)
}

// Get returns a handle to the live record called name, creating and
// requesting it if there is none.
func (r *Registry) Get(name string) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	defer r.out.flush()
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		rec = newRecord(name, r.out, r.logger)
		r.records[name] = rec
		liveRecords.Inc()
		r.out.push(recordproto.CreateOrRead(name))
	}
	rec.refs++
	return &Handle{Record: rec, registry: r}, nil
}

// Has reports whether a live record called name exists.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[name]
	return ok
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Resync requests every live record again, e.g. after the connection was
// re-established.
func (r *Registry) Resync() {
	defer r.out.flush()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.records {
		r.out.push(recordproto.CreateOrRead(name))
	}
}

func (r *Registry) release(rec *Record) {
	defer r.out.flush()
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.refs--
	if rec.refs > 0 {
		return
	}
	r.forget(rec)
	if rec.discard() {
		r.out.push(recordproto.Unsubscribe(rec.name))
	}
}

// forget removes rec from the map if it is still the live record for its name.
func (r *Registry) forget(rec *Record) {
	if cur, ok := r.records[rec.name]; ok && cur == rec {
		delete(r.records, rec.name)
		liveRecords.Dec()
	}
}

func (r *Registry) lookup(name string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[name]
}

// Dispatch routes an inbound message to the record it names. Messages for
// names without a live record, stale versions and unknown actions are dropped.
func (r *Registry) Dispatch(msg *recordproto.Message) {
	if msg.Topic != recordproto.TopicRecord {
		r.drop(msg, "topic", nil)
		return
	}
	inboundMessages.WithLabelValues(string(msg.Action)).Inc()

	switch msg.Action {
	case recordproto.ActionRead, recordproto.ActionUpdate:
		snap, err := recordproto.ParseSnapshot(msg)
		if err != nil {
			r.drop(msg, "malformed", err)
			return
		}
		if rec := r.route(msg, snap.Name); rec != nil {
			rec.applySnapshot(snap)
		}
	case recordproto.ActionPatch:
		patch, err := recordproto.ParsePatch(msg)
		if err != nil {
			r.drop(msg, "malformed", err)
			return
		}
		if rec := r.route(msg, patch.Name); rec != nil {
			rec.applyPatch(patch)
		}
	case recordproto.ActionAck, recordproto.ActionDelete:
		deletion, ok, err := recordproto.ParseDeletion(msg)
		switch {
		case err != nil:
			r.drop(msg, "malformed", err)
		case !ok:
			r.logger.Debug("ack", zap.Stringer("msg", msg))
		default:
			r.delete(msg, deletion)
		}
	case recordproto.ActionError:
		if len(msg.Data) < 2 {
			r.drop(msg, "malformed", nil)
			return
		}
		if rec := r.route(msg, msg.Data[1]); rec != nil {
			text := ""
			if len(msg.Data) > 2 {
				text = msg.Data[2]
			}
			rec.fail(msg.Data[0], text)
		}
	default:
		r.drop(msg, "action", nil)
	}
}

func (r *Registry) route(msg *recordproto.Message, name string) *Record {
	rec := r.lookup(name)
	if rec == nil {
		r.drop(msg, "unknown", nil)
	}
	return rec
}

func (r *Registry) delete(msg *recordproto.Message, deletion *recordproto.Deletion) {
	r.mu.Lock()
	rec, ok := r.records[deletion.Name]
	if ok {
		r.forget(rec)
	}
	r.mu.Unlock()

	if !ok {
		r.drop(msg, "unknown", nil)
		return
	}
	rec.remove(deletion.Version)
}

func (r *Registry) drop(msg *recordproto.Message, reason string, err error) {
	droppedMessages.WithLabelValues(reason).Inc()
	r.logger.Debug("message dropped",
		zap.String("reason", reason),
		zap.Stringer("msg", msg),
		zap.Error(err),
	)
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, string([]byte{recordproto.UnitSeparator, recordproto.RecordSeparator})) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
