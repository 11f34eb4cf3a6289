package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/datasync/internal/cache"
	"github.com/obsidianstack/datasync/internal/realtime"
	"github.com/obsidianstack/datasync/pkg/types"
)

// --- helpers ----------------------------------------------------------------

// pushServer is an in-process push service. Every accepted connection is
// published on conns; frames the client sends are published on received.
type pushServer struct {
	srv      *httptest.Server
	url      string
	conns    chan *websocket.Conn
	received chan []byte
}

func startPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan []byte, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case ps.received <- data:
			default:
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	ps.url = "ws" + strings.TrimPrefix(ps.srv.URL, "http")
	return ps
}

// nextConn waits for the next accepted server-side connection.
func (ps *pushServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ps.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func push(t *testing.T, conn *websocket.Conn, typ, data string) {
	t.Helper()
	pushAt(t, conn, typ, data, time.Now())
}

func pushAt(t *testing.T, conn *websocket.Conn, typ, data string, at time.Time) {
	t.Helper()
	msg := map[string]any{
		"type":      typ,
		"data":      json.RawMessage(data),
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("push %s: %v", typ, err)
	}
}

func newChannel(t *testing.T, url string, st *cache.Store) *realtime.Channel {
	t.Helper()
	ch := realtime.New(realtime.Options{
		URL:            url,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		PingInterval:   time.Second,
		Cache:          st,
	})
	t.Cleanup(ch.Disconnect)
	return ch
}

func waitStatus(t *testing.T, ch *realtime.Channel, want types.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status: got %s, want %s", ch.Status(), want)
}

// collector records messages delivered to a handler.
type collector struct {
	mu   sync.Mutex
	msgs []types.Message
	ch   chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 64)} }

func (c *collector) handle(m types.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []types.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// --- tests ------------------------------------------------------------------

func TestConnect_ReachesConnected(t *testing.T) {
	ps := startPushServer(t)
	ch := newChannel(t, ps.url, nil)

	var mu sync.Mutex
	var states []types.ConnectionState
	ch.OnConnectionChange(func(s types.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if ch.Status() != types.Disconnected {
		t.Fatalf("initial status: got %s, want disconnected", ch.Status())
	}
	ch.Connect(t.Context())
	ps.nextConn(t)
	waitStatus(t, ch, types.Connected)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != types.Connecting || states[1] != types.Connected {
		t.Errorf("transitions: got %v, want [connecting connected]", states)
	}
}

func TestSubscribe_TopicAndWildcard(t *testing.T) {
	ps := startPushServer(t)
	ch := newChannel(t, ps.url, nil)

	revenue, users := newCollector(), newCollector()
	ch.Subscribe("revenue", revenue.handle)
	ch.Subscribe("users", users.handle)

	ch.Connect(t.Context())
	conn := ps.nextConn(t)
	waitStatus(t, ch, types.Connected)

	push(t, conn, "revenue", `{"total":10}`)
	push(t, conn, "users", `{"active":3}`)
	push(t, conn, types.WildcardTopic, `{"all":1}`)

	got := revenue.wait(t, 2)
	if got[0].Type != "revenue" || got[1].Type != types.WildcardTopic {
		t.Errorf("revenue handler: got types %s,%s, want revenue,metrics", got[0].Type, got[1].Type)
	}
	got = users.wait(t, 2)
	if got[0].Type != "users" || got[1].Type != types.WildcardTopic {
		t.Errorf("users handler: got types %s,%s, want users,metrics", got[0].Type, got[1].Type)
	}
	if n := ch.Stats().Received; n != 3 {
		t.Errorf("Received: got %d, want 3", n)
	}
}

func TestMessage_UpdatesCache(t *testing.T) {
	ps := startPushServer(t)
	st := cache.New(0)
	ch := newChannel(t, ps.url, st)

	c := newCollector()
	ch.Subscribe("revenue", c.handle)
	ch.Connect(t.Context())
	conn := ps.nextConn(t)

	push(t, conn, "revenue", `{"total":10}`)
	c.wait(t, 1)

	v, ok := st.Get(cache.Key("revenue", nil))
	if !ok {
		t.Fatal("cache: expected entry for revenue:{}")
	}
	raw, ok := v.(json.RawMessage)
	if !ok || string(raw) != `{"total":10}` {
		t.Errorf("cache value: got %v, want {\"total\":10}", v)
	}
}

func TestMessage_OlderPushKeepsNewerCacheEntry(t *testing.T) {
	ps := startPushServer(t)
	st := cache.New(0)
	key := cache.Key("revenue", nil)
	st.Set(key, json.RawMessage(`{"total":10}`), time.Minute)
	ch := newChannel(t, ps.url, st)

	c := newCollector()
	ch.Subscribe("revenue", c.handle)
	ch.Connect(t.Context())
	conn := ps.nextConn(t)

	pushAt(t, conn, "revenue", `{"total":1}`, time.Now().Add(-30*time.Second))
	c.wait(t, 1)

	v, ok := st.Get(key)
	if !ok {
		t.Fatal("cache: entry for revenue:{} disappeared")
	}
	if raw, _ := v.(json.RawMessage); string(raw) != `{"total":10}` {
		t.Errorf("cache value after older push: got %s, want {\"total\":10}", v)
	}

	pushAt(t, conn, "revenue", `{"total":20}`, time.Now().Add(time.Second))
	c.wait(t, 1)

	v, _ = st.Get(key)
	if raw, _ := v.(json.RawMessage); string(raw) != `{"total":20}` {
		t.Errorf("cache value after newer push: got %s, want {\"total\":20}", v)
	}
}

func TestUnsubscribe_RemovesExactlyOneHandler(t *testing.T) {
	ps := startPushServer(t)
	ch := newChannel(t, ps.url, nil)

	first, second := newCollector(), newCollector()
	unsubFirst := ch.Subscribe("revenue", first.handle)
	ch.Subscribe("revenue", second.handle)
	unsubFirst()
	unsubFirst() // idempotent

	ch.Connect(t.Context())
	conn := ps.nextConn(t)
	push(t, conn, "revenue", `{}`)

	second.wait(t, 1)
	if n := first.count(); n != 0 {
		t.Errorf("unsubscribed handler received %d messages, want 0", n)
	}
}

func TestReconnect_AfterDrop(t *testing.T) {
	ps := startPushServer(t)
	ch := newChannel(t, ps.url, nil)

	var mu sync.Mutex
	var states []types.ConnectionState
	ch.OnConnectionChange(func(s types.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ch.Connect(t.Context())
	first := ps.nextConn(t)
	waitStatus(t, ch, types.Connected)

	first.Close()

	ps.nextConn(t) // the channel redials on its own
	waitStatus(t, ch, types.Connected)

	if n := ch.Stats().Reconnects; n < 1 {
		t.Errorf("Reconnects: got %d, want >= 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []types.ConnectionState{types.Connecting, types.Connected, types.Connecting, types.Connected}
	if len(states) < len(want) {
		t.Fatalf("transitions: got %v, want prefix %v", states, want)
	}
	for i, s := range want {
		if states[i] != s {
			t.Errorf("transition %d: got %s, want %s", i, states[i], s)
		}
	}
}

func TestDialFailure_MovesToError(t *testing.T) {
	ps := startPushServer(t)
	url := ps.url
	ps.srv.Close() // nothing listens any more

	ch := newChannel(t, url, nil)
	ch.Connect(t.Context())
	waitStatus(t, ch, types.Error)

	ch.Disconnect()
	if ch.Status() != types.Disconnected {
		t.Errorf("status after Disconnect: got %s, want disconnected", ch.Status())
	}
	time.Sleep(100 * time.Millisecond)
	if ch.Status() != types.Disconnected {
		t.Errorf("status changed after Disconnect: got %s", ch.Status())
	}
}

func TestDisconnect_HaltsReconnection(t *testing.T) {
	ps := startPushServer(t)
	ch := newChannel(t, ps.url, nil)

	ch.Connect(t.Context())
	ps.nextConn(t)
	waitStatus(t, ch, types.Connected)

	ch.Disconnect()
	if ch.Status() != types.Disconnected {
		t.Fatalf("status: got %s, want disconnected", ch.Status())
	}

	select {
	case <-ps.conns:
		t.Error("channel redialled after Disconnect")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestConnect_CancelledContextResetsChannel(t *testing.T) {
	ps := startPushServer(t)
	ch := newChannel(t, ps.url, nil)

	ctx, cancel := context.WithCancel(t.Context())
	ch.Connect(ctx)
	ps.nextConn(t)
	waitStatus(t, ch, types.Connected)

	cancel()
	waitStatus(t, ch, types.Disconnected)

	ch.Connect(t.Context())
	ps.nextConn(t)
	waitStatus(t, ch, types.Connected)
}

func TestSend(t *testing.T) {
	ps := startPushServer(t)
	ch := newChannel(t, ps.url, nil)

	if err := ch.Send(map[string]string{"op": "hello"}); !errors.Is(err, realtime.ErrNotConnected) {
		t.Fatalf("Send before connect: got %v, want ErrNotConnected", err)
	}

	ch.Connect(t.Context())
	ps.nextConn(t)
	waitStatus(t, ch, types.Connected)

	if err := ch.Send(map[string]string{"op": "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-ps.received:
		if !strings.Contains(string(data), `"op":"hello"`) {
			t.Errorf("frame: got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}
}
