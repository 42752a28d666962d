package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickersync/internal/application/port"
)

// fakeConn is a scriptable Conn: writes are recorded, reads come from an
// inbox channel until the connection is closed.
type fakeConn struct {
	mu     sync.Mutex
	writes []controlMsg

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	var msg controlMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []controlMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]controlMsg, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}

func instantSleep(d time.Duration, cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return false
	default:
		return true
	}
}

func newTestStream(dial Dialer) *Stream {
	return NewStream(StreamConfig{
		URL:   "wss://example.test",
		Token: "tok1",
		Dial:  dial,
		sleep: instantSleep,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamSubscriptionDiffMinimal(t *testing.T) {
	conn := newFakeConn()
	s := newTestStream(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	})
	defer s.Close()
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != port.FeedConnected {
		t.Fatalf("state = %v", s.State())
	}

	if err := s.SetSymbols(ctx, []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("SetSymbols: %v", err)
	}
	conn.reset()

	// {AAPL, MSFT} -> {MSFT, GOOG}: exactly one unsubscribe and one
	// subscribe, never a full resubscribe.
	if err := s.SetSymbols(ctx, []string{"MSFT", "GOOG"}); err != nil {
		t.Fatalf("SetSymbols: %v", err)
	}
	sent := conn.sent()
	if len(sent) != 2 {
		t.Fatalf("expected exactly 2 messages, got %v", sent)
	}
	byType := map[string]string{}
	for _, m := range sent {
		byType[m.Type] = m.Symbol
	}
	if byType["unsubscribe"] != "AAPL" {
		t.Errorf("expected unsubscribe AAPL, got %v", sent)
	}
	if byType["subscribe"] != "GOOG" {
		t.Errorf("expected subscribe GOOG, got %v", sent)
	}

	// No diff, no traffic.
	conn.reset()
	if err := s.SetSymbols(ctx, []string{"GOOG", "MSFT"}); err != nil {
		t.Fatalf("SetSymbols: %v", err)
	}
	if sent := conn.sent(); len(sent) != 0 {
		t.Errorf("identical set must be silent, got %v", sent)
	}
}

func TestStreamPendingFlushedOnConnect(t *testing.T) {
	conn := newFakeConn()
	var dials atomic.Int32
	s := newTestStream(func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		return conn, nil
	})
	defer s.Close()

	// Requested while disconnected: queued, then flushed by the connect
	// that SetSymbols itself triggers.
	if err := s.SetSymbols(context.Background(), []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("SetSymbols: %v", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("expected one dial, got %d", dials.Load())
	}

	subs := map[string]bool{}
	for _, m := range conn.sent() {
		if m.Type == "subscribe" {
			subs[m.Symbol] = true
		}
	}
	if !subs["AAPL"] || !subs["MSFT"] {
		t.Errorf("pending symbols not flushed, sent %v", conn.sent())
	}
}

func TestStreamReconnectBound(t *testing.T) {
	var dials atomic.Int32
	s := newTestStream(func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	})
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "feed down", func() bool { return s.State() == port.FeedDown })
	if got := dials.Load(); got != int32(defaultMaxReconnects) {
		t.Errorf("expected exactly %d dial attempts, got %d", defaultMaxReconnects, got)
	}

	// Once down, the feed stays down for the session.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != int32(defaultMaxReconnects) {
		t.Errorf("down feed must not dial again, got %d attempts", got)
	}
}

func TestStreamTradeBufferLastValueWins(t *testing.T) {
	conn := newFakeConn()
	s := newTestStream(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	})
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.inbox <- []byte(`{"type":"trade","data":[{"s":"AAPL","p":150.1,"t":1},{"s":"AAPL","p":150.7,"t":2},{"s":"BAD","p":0,"t":3}]}`)

	waitFor(t, "tick buffered", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.buf) > 0
	})

	var ticks []port.Tick
	n := s.Drain(10, func(tk port.Tick) bool {
		ticks = append(ticks, tk)
		return true
	})
	if n != 1 || len(ticks) != 1 {
		t.Fatalf("expected one coalesced tick, got %v", ticks)
	}
	if ticks[0].Symbol != "AAPL" || ticks[0].Price != 150.7 {
		t.Errorf("expected last value to win, got %+v", ticks[0])
	}
	if s.LastTickAt() == 0 {
		t.Error("trade must update the last-tick timestamp")
	}
}

func TestStreamPingAnsweredWithPong(t *testing.T) {
	conn := newFakeConn()
	s := newTestStream(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	})
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.reset()
	conn.inbox <- []byte(`{"type":"ping"}`)

	waitFor(t, "pong", func() bool {
		for _, m := range conn.sent() {
			if m.Type == "pong" {
				return true
			}
		}
		return false
	})
}

func TestStreamDisconnectQueuesResubscribe(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	conns := []*fakeConn{first, second}
	var dials atomic.Int32
	s := newTestStream(func(ctx context.Context, url string) (Conn, error) {
		return conns[dials.Add(1)-1], nil
	})
	defer s.Close()
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.SetSymbols(ctx, []string{"AAPL"}); err != nil {
		t.Fatalf("SetSymbols: %v", err)
	}

	s.Disconnect()
	if s.State() != port.FeedDisconnected {
		t.Fatalf("state after disconnect = %v", s.State())
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	subs := map[string]bool{}
	for _, m := range second.sent() {
		if m.Type == "subscribe" {
			subs[m.Symbol] = true
		}
	}
	if !subs["AAPL"] {
		t.Errorf("subscriptions must survive a disconnect, second conn saw %v", second.sent())
	}
}

func TestStreamConnectWithoutTokenIsNoop(t *testing.T) {
	var dials atomic.Int32
	s := NewStream(StreamConfig{
		Dial: func(ctx context.Context, url string) (Conn, error) {
			dials.Add(1)
			return newFakeConn(), nil
		},
		sleep: instantSleep,
	})
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if dials.Load() != 0 {
		t.Error("no credential, no dial")
	}
	if s.State() != port.FeedDisconnected {
		t.Errorf("state = %v", s.State())
	}
}
