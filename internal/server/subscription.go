package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gihan9a/recordsync/internal/utils"
	"gihan9a/recordsync/pkg/recordproto"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// client is one websocket connection. Frames are written by writePump only.
type client struct {
	id     string
	ws     *websocket.Conn
	logger *zap.Logger
	send   chan []byte

	once   sync.Once
	closed chan struct{}
}

func newClient(ws *websocket.Conn, logger *zap.Logger) *client {
	id := utils.NewClientID()
	return &client{
		id:     id,
		ws:     ws,
		logger: logger.With(zap.String("client", id)),
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// enqueue queues msgs as one frame. A client that cannot keep up is
// disconnected rather than blocking the server.
func (c *client) enqueue(msgs ...*recordproto.Message) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- recordproto.EncodeAll(msgs...):
	default:
		c.logger.Warn("client too slow, disconnecting")
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *client) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

// addClient registers c; it fails once the server is closing.
func (s *RecordServer) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	s.wg.Add(1)
	connectedClients.Inc()
	s.logger.Debug("client connected", zap.String("client", c.id))
	return true
}

// removeClient drops c and all of its subscriptions
func (s *RecordServer) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	for name, subs := range s.subscriptions {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(s.subscriptions, name)
		}
	}
	connectedClients.Dec()
	s.logger.Debug("client disconnected", zap.String("client", c.id))
}

// subscribe adds c to the subscribers of a record
func (s *RecordServer) subscribe(name string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[name]; !exists {
		s.subscriptions[name] = make(map[string]*client)
	}
	s.subscriptions[name][c.id] = c
	c.logger.Debug("subscribed", zap.String("record", name))
}

// unsubscribe removes c from the subscribers of a record
func (s *RecordServer) unsubscribe(name string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs, exists := s.subscriptions[name]; exists {
		delete(subs, c.id)
		c.logger.Debug("unsubscribed", zap.String("record", name))

		// Clean up empty subscription maps
		if len(subs) == 0 {
			delete(s.subscriptions, name)
		}
	}
}

// subscribers returns the number of clients subscribed to name
func (s *RecordServer) subscribers(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions[name])
}

// broadcast sends msg to every subscriber of name except origin
func (s *RecordServer) broadcast(name string, origin *client, msg *recordproto.Message) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.subscriptions[name]))
	for _, c := range s.subscriptions[name] {
		if c != origin {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	broadcasts.WithLabelValues(string(msg.Action)).Inc()
	s.logger.Debug("broadcast",
		zap.String("record", name),
		zap.Stringer("msg", msg),
		zap.Int("subscribers", len(targets)),
	)
	for _, c := range targets {
		c.enqueue(msg)
	}
}
