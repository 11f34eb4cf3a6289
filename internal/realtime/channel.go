package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/obsidianstack/datasync/internal/cache"
	"github.com/obsidianstack/datasync/pkg/types"
)

const (
	defaultBackoffInitial = 1 * time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultCacheTTL       = 5 * time.Minute

	writeTimeout = 10 * time.Second

	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 1 << 20
)

// ErrNotConnected is returned by Send when no connection is established.
var ErrNotConnected = errors.New("realtime: not connected")

// Handler receives push messages for a subscribed topic.
type Handler func(types.Message)

// ConnectionHandler receives connection state transitions.
type ConnectionHandler func(types.ConnectionState)

// Options configures a Channel.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the push service.
	URL string

	// BackoffInitial and BackoffMax bound the reconnect delay schedule.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// PingInterval controls keepalive pings. The connection is treated as
	// dropped when no pong arrives within twice this interval.
	PingInterval time.Duration

	// Cache receives every accepted message unless it already holds a
	// fresher entry for the topic. Optional.
	Cache    *cache.Store
	CacheTTL time.Duration

	Logger *slog.Logger
}

// Stats counts channel activity since construction.
type Stats struct {
	Received   uint64 `json:"received"`
	Dropped    uint64 `json:"dropped"`
	Reconnects uint64 `json:"reconnects"`
}

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

type connSubscription struct {
	id      uint64
	handler ConnectionHandler
}

// Channel is the push connection. Create it once per session and share it
// between coordinators. All methods are safe for concurrent use.
type Channel struct {
	opts   Options
	logger *slog.Logger
	dialFn dialFunc // injectable for tests

	mu       sync.Mutex
	state    types.ConnectionState
	subs     []subscription
	connSubs []connSubscription
	nextID   uint64
	cancel   context.CancelFunc
	done     chan struct{}
	conn     *websocket.Conn
	stats    Stats

	writeMu sync.Mutex
}

// dialFunc opens a WebSocket connection to url.
type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// New creates a Channel in the disconnected state. Zero durations in opts are
// replaced by defaults.
func New(opts Options) *Channel {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:   opts,
		logger: logger,
		dialFn: defaultDial,
		state:  types.Disconnected,
	}
}

// Connect starts the connection loop in the background. It returns
// immediately; progress is reported through OnConnectionChange. Calling
// Connect on a running channel is a no-op. Cancelling ctx has the effect of
// Disconnect, after which Connect may be called again.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setState(types.Connecting)
	go func() {
		defer close(done)
		c.run(runCtx)

		// Disconnect clears these itself; only a cancelled parent ctx
		// leaves them pointing at this run.
		c.mu.Lock()
		owned := c.done == done
		if owned {
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
		if owned {
			cancel()
			c.setState(types.Disconnected)
			c.logger.Info("realtime: connection loop stopped", "url", c.opts.URL, "err", ctx.Err())
		}
	}()
}

// Disconnect closes the connection, halts reconnection and moves the channel
// to disconnected. It blocks until the connection loop has exited.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	c.setState(types.Disconnected)
	c.logger.Info("realtime: disconnected", "url", c.opts.URL)
}

// Status returns the current connection state.
func (c *Channel) Status() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the activity counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Subscribe registers h for topic. The returned func removes exactly this
// registration; calling it more than once is harmless.
func (c *Channel) Subscribe(topic string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, topic: topic, handler: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnConnectionChange registers h for connection state transitions.
func (c *Channel) OnConnectionChange(h ConnectionHandler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.connSubs = append(c.connSubs, connSubscription{id: id, handler: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.connSubs {
				if s.id == id {
					c.connSubs = append(c.connSubs[:i:i], c.connSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// Send writes v as a JSON text frame on the current connection.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("realtime: send: %w", err)
	}
	return nil
}

// --- internal ---------------------------------------------------------------

// run dials, reads until the connection drops, and redials with backoff
// until ctx is cancelled.
func (c *Channel) run(ctx context.Context) {
	bo := c.newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialFn(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.setState(types.Error)
			c.logger.Error("realtime: dial failed, will retry",
				"url", c.opts.URL,
				"err", err,
				"retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			c.countReconnect()
			c.setState(types.Connecting)
			continue
		}

		bo.Reset()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(types.Connected)
		c.logger.Info("realtime: connected", "url", c.opts.URL)

		err = c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		c.setState(types.Connecting)
		c.logger.Warn("realtime: connection lost, will reconnect",
			"url", c.opts.URL,
			"err", err,
			"retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
		c.countReconnect()
	}
}

// serve runs the ping loop and reads frames until the connection fails.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	pongWait := 2 * c.opts.PingInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// Any frame proves liveness, not only pongs.
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		c.dispatch(data)
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks ReadMessage in serve.
			conn.Close()
			return
		case <-stop:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// dispatch decodes one frame, stores it in the cache and delivers it to the
// matching subscribers in subscription order.
func (c *Channel) dispatch(data []byte) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.mu.Lock()
		c.stats.Dropped++
		c.mu.Unlock()
		c.logger.Warn("realtime: dropping malformed message", "err", err, "bytes", len(data))
		return
	}

	c.mu.Lock()
	c.stats.Received++
	targets := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if s.topic == msg.Type || msg.Type == types.WildcardTopic {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	if c.opts.Cache != nil {
		ts, err := msg.Time()
		if err != nil {
			ts = time.Now()
		}
		if !c.opts.Cache.SetAt(cache.Key(msg.Type, nil), msg.Data, c.opts.CacheTTL, ts) {
			c.logger.Debug("realtime: cache holds newer data, push not cached", "message_type", msg.Type, "timestamp", ts)
		}
	}

	for _, s := range targets {
		c.deliver(s, msg)
	}
}

func (c *Channel) deliver(s subscription, msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime: subscriber panicked",
				"topic", s.topic,
				"message_type", msg.Type,
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	s.handler(msg)
}

// setState records st and notifies connection subscribers if it changed.
func (c *Channel) setState(st types.ConnectionState) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	handlers := make([]ConnectionHandler, 0, len(c.connSubs))
	for _, s := range c.connSubs {
		handlers = append(handlers, s.handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(st)
	}
}

func (c *Channel) countReconnect() {
	c.mu.Lock()
	c.stats.Reconnects++
	c.mu.Unlock()
}

func (c *Channel) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.Reset()
	return bo
}

// sleep waits for d or ctx cancellation. It reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
