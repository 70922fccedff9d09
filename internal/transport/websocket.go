// Package transport connects a record registry to a remote authority over a
// websocket.
package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gihan9a/recordsync/internal/metrics"
	"gihan9a/recordsync/pkg/recordproto"
)

const subsystem = "transport"

var (
	connects = metrics.NewCounter(
		"connects",
		subsystem,
		"Total websocket connections established",
		[]string{}).WithLabelValues()

	droppedSends = metrics.NewCounter(
		"dropped_sends",
		subsystem,
		"Total outbound messages dropped because the send buffer was full",
		[]string{}).WithLabelValues()
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "disconnected"
}

// Handler receives every decoded inbound message, one at a time, from the
// reader goroutine.
type Handler func(msg *recordproto.Message)

type Settings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// BufferSize bounds the messages queued while the connection is down.
	BufferSize int
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		BufferSize:       1024,
	}
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithSettings(settings *Settings) Option {
	return func(c *Client) {
		c.settings = settings
	}
}

// WithTLSConfig sets the TLS configuration used for wss:// URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

// Client is a reconnecting websocket connection. It implements
// record.Connection: Send only queues, and queued messages are written as one
// frame whenever the connection is up.
type Client struct {
	url       string
	logger    *zap.Logger
	settings  *Settings
	tlsConfig *tls.Config

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	start  sync.Once

	mu          sync.Mutex
	state       State
	pending     []*recordproto.Message
	onReconnect []func()
}

// New creates a client for url. Nothing is dialled until Start.
func New(url string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:      url,
		logger:   zap.NewNop(),
		settings: DefaultSettings(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start connects in the background and keeps reconnecting until Close.
func (c *Client) Start(handler Handler) {
	c.start.Do(func() {
		go c.run(handler)
	})
}

// Close stops the client and waits for its goroutines to exit.
func (c *Client) Close() {
	c.cancel()
	started := true
	c.start.Do(func() {
		started = false
		close(c.done)
	})
	if started {
		<-c.done
	}
	c.setState(StateClosed)
}

// Send queues msg for the next write. It never blocks; when the buffer is
// full the message is dropped and logged.
func (c *Client) Send(msg *recordproto.Message) {
	c.mu.Lock()
	if c.state == StateClosed || len(c.pending) >= c.settings.BufferSize {
		c.mu.Unlock()
		droppedSends.Inc()
		c.logger.Warn("send dropped", zap.Stringer("msg", msg))
		return
	}
	c.pending = append(c.pending, msg)
	c.mu.Unlock()
	c.signal()
}

// OnReconnect registers fn to run after every reconnection, before queued
// messages are flushed. It is typically Registry.Resync.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = state
	}
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) run(handler Handler) {
	defer close(c.done)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.settings.HandshakeTimeout,
		TLSClientConfig:  c.tlsConfig,
	}
	connected := false
	for {
		ws, _, err := dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("connect failed", zap.String("url", c.url), zap.Error(err))
			}
		} else {
			connects.Inc()
			c.serve(ws, handler, connected)
			connected = true
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.settings.ReconnectTimeout):
		}
	}
}

func (c *Client) serve(ws *websocket.Conn, handler Handler, reconnected bool) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	c.logger.Info("connected", zap.String("url", c.url), zap.Bool("reconnect", reconnected))
	c.setState(StateConnected)
	defer c.setState(StateDisconnected)

	if reconnected {
		c.mu.Lock()
		hooks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
	c.signal()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(ctx, ws)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(ctx, ws, handler)
	}()

	<-ctx.Done()
	ws.Close()
	wg.Wait()
	c.logger.Info("disconnected", zap.String("url", c.url))
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn) {
	ping := time.NewTicker(c.settings.PingTimeout)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			if err := c.flush(ws); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// flush writes every queued message as one frame. On failure the messages are
// put back in front of the queue for the next connection.
func (c *Client) flush(ws *websocket.Conn) error {
	c.mu.Lock()
	msgs := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}
	ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, recordproto.EncodeAll(msgs...)); err != nil {
		c.mu.Lock()
		c.pending = append(msgs, c.pending...)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, handler Handler) {
	extend := func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	}
	extend("")
	ws.SetPongHandler(extend)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}
		extend("")

		msgs, err := recordproto.Decode(frame)
		if err != nil {
			c.logger.Debug("frame dropped", zap.ByteString("frame", frame), zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			handler(msg)
		}
	}
}
