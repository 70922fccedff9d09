package record

import (
	"sync"

	"gihan9a/recordsync/pkg/recordproto"
)

// outbox orders outbound messages. Messages are pushed while the registry or
// record lock is held, so the queue order matches the order of state changes,
// and sent by flush after that lock is released. A Send that re-enters the
// Registry only queues; the flush already running delivers it next.
type outbox struct {
	conn Connection

	mu       sync.Mutex
	queue    []*recordproto.Message
	draining bool
}

func (o *outbox) push(msg *recordproto.Message) {
	outboundMessages.WithLabelValues(string(msg.Action)).Inc()
	o.mu.Lock()
	o.queue = append(o.queue, msg)
	o.mu.Unlock()
}

func (o *outbox) flush() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	for len(o.queue) > 0 {
		msg := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()
		o.conn.Send(msg)
		o.mu.Lock()
	}
	o.queue = nil
	o.draining = false
	o.mu.Unlock()
}
