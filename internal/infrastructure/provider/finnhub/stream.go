package finnhub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tickersync/internal/application/port"
)

// DefaultWSURL is the keyed provider's streaming endpoint; the token is
// appended as a query parameter.
const DefaultWSURL = "wss://ws.finnhub.io"

const (
	defaultMaxReconnects = 5
	reconnectCapSeconds  = 30
	dialTimeout          = 10 * time.Second
	readDeadline         = 60 * time.Second
	writeTimeout         = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the stream needs; tests inject
// fakes through StreamConfig.Dial.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens one streaming connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(cctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type StreamConfig struct {
	URL   string
	Token string

	// MaxReconnects bounds consecutive failed dials before the feed is
	// considered permanently down for this session.
	MaxReconnects int

	// Dial defaults to a gorilla websocket dialer.
	Dial Dialer

	// sleep is swapped out by tests to skip reconnect backoff.
	sleep func(d time.Duration, cancel <-chan struct{}) bool
}

// Stream owns the persistent streaming connection to the keyed provider:
// connect/subscribe lifecycle, diff-based subscription reconciliation,
// bounded reconnection and the last-value-wins tick buffer. Incoming
// trades never touch consumer-visible state directly; the coordinator
// drains the buffer on its own schedule.
type Stream struct {
	cfg StreamConfig

	mu         sync.Mutex
	state      port.FeedState
	conn       Conn
	session    uint64 // bumps on every (dis)connect so stale read loops exit quietly
	subscribed map[string]struct{}
	pending    map[string]struct{}
	buf        map[string]port.Tick
	failures   int // consecutive failed dials
	closed     bool

	writeMu sync.Mutex

	lastTick atomic.Int64

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.URL == "" {
		cfg.URL = DefaultWSURL
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.Dial == nil {
		cfg.Dial = gorillaDial
	}
	if cfg.sleep == nil {
		cfg.sleep = func(d time.Duration, cancel <-chan struct{}) bool {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-cancel:
				return false
			case <-t.C:
				return true
			}
		}
	}
	return &Stream{
		cfg:        cfg,
		state:      port.FeedDisconnected,
		subscribed: make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		buf:        make(map[string]port.Tick),
		shutdown:   make(chan struct{}),
	}
}

func (s *Stream) State() port.FeedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) LastTickAt() int64 { return s.lastTick.Load() }

// Connect dials the provider once. No-op while already connected,
// connecting, reconnecting, permanently down, closed, or without a
// credential. A failed dial hands off to the bounded reconnect loop
// rather than blocking the caller.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.cfg.Token == "" || s.state != port.FeedDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = port.FeedConnecting
	s.mu.Unlock()

	if s.dialOnce(ctx) {
		return nil
	}
	go s.reconnectLoop(ctx)
	return nil
}

// dialOnce performs a single dial attempt and, on success, installs the
// connection, starts the read loop and flushes queued subscriptions.
func (s *Stream) dialOnce(ctx context.Context) bool {
	conn, err := s.cfg.Dial(ctx, s.cfg.URL+"/?token="+s.cfg.Token)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return true
	}
	if err != nil {
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		log.Warn().Int("failures", failures).Err(err).Msg("stream dial failed")
		return false
	}

	s.failures = 0
	s.conn = conn
	s.session++
	s.state = port.FeedConnected
	session := s.session
	// Everything subscribed before the drop plus anything requested
	// while disconnected goes out as one diff-subscribe.
	toFlush := make([]string, 0, len(s.pending))
	for sym := range s.pending {
		toFlush = append(toFlush, sym)
		s.subscribed[sym] = struct{}{}
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	log.Info().Int("symbols", len(toFlush)).Msg("stream connected")
	for _, sym := range toFlush {
		s.send(conn, controlMsg{Type: "subscribe", Symbol: sym})
	}

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	go s.readLoop(conn, session)
	return true
}

// reconnectLoop retries with exponential backoff, min(2^attempt, 30)s,
// until a dial succeeds or the consecutive-failure budget is exhausted,
// after which the feed is permanently down and REST polling is the sole
// source until restart. Backoff sleeps are cancellable by shutdown.
func (s *Stream) reconnectLoop(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.state == port.FeedDown {
		s.mu.Unlock()
		return
	}
	s.state = port.FeedReconnecting
	s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.failures >= s.cfg.MaxReconnects {
			s.state = port.FeedDown
			s.mu.Unlock()
			log.Error().Int("attempts", s.cfg.MaxReconnects).
				Msg("stream reconnect attempts exhausted, feed down for this session")
			return
		}
		s.mu.Unlock()

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if backoff > reconnectCapSeconds*time.Second {
			backoff = reconnectCapSeconds * time.Second
		}
		if !s.cfg.sleep(backoff, s.shutdown) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		log.Warn().Int("attempt", attempt).Msg("stream reconnecting")
		if s.dialOnce(ctx) {
			return
		}
	}
}

// SetSymbols reconciles the provider-side subscription set with the
// requested one. While connected only the diff is sent, one message per
// symbol, never a full resubscribe. While not connected the request is
// merged into the pending queue and a connect is attempted.
func (s *Stream) SetSymbols(ctx context.Context, symbols []string) error {
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[sym] = struct{}{}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.state != port.FeedConnected {
		for sym := range want {
			s.pending[sym] = struct{}{}
		}
		s.mu.Unlock()
		return s.Connect(ctx)
	}

	conn := s.conn
	var toAdd, toRemove []string
	for sym := range want {
		if _, ok := s.subscribed[sym]; !ok {
			toAdd = append(toAdd, sym)
		}
	}
	for sym := range s.subscribed {
		if _, ok := want[sym]; !ok {
			toRemove = append(toRemove, sym)
		}
	}
	// subscribed reflects what was attempted, not what was acked.
	s.subscribed = want
	s.mu.Unlock()

	for _, sym := range toRemove {
		s.send(conn, controlMsg{Type: "unsubscribe", Symbol: sym})
	}
	for _, sym := range toAdd {
		s.send(conn, controlMsg{Type: "subscribe", Symbol: sym})
	}
	if len(toAdd) > 0 || len(toRemove) > 0 {
		log.Debug().Int("subscribed", len(toAdd)).Int("unsubscribed", len(toRemove)).
			Msg("stream subscriptions reconciled")
	}
	return nil
}

type controlMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

type streamMsg struct {
	Type string `json:"type"`
	Msg  string `json:"msg,omitempty"`
	Data []struct {
		Symbol string  `json:"s"`
		Price  float64 `json:"p"`
		Ts     int64   `json:"t"`
	} `json:"data,omitempty"`
}

func (s *Stream) send(conn Conn, msg controlMsg) {
	b, _ := json.Marshal(msg)
	s.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, b)
	s.writeMu.Unlock()
	if err != nil {
		log.Warn().Str("type", msg.Type).Str("symbol", msg.Symbol).Err(err).Msg("stream write failed")
	}
}

// readLoop receives frames until the connection drops. Trades are
// coalesced into the buffer, pings answered in band, malformed frames
// logged and dropped. An unexpected close hands off to the reconnect
// loop unless this session was superseded by Disconnect/Close.
func (s *Stream) readLoop(conn Conn, session uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := s.session != session || s.closed
			if !stale {
				s.conn = nil
				s.state = port.FeedDisconnected
				// Resubscribe everything after the next connect.
				for sym := range s.subscribed {
					s.pending[sym] = struct{}{}
				}
				s.subscribed = make(map[string]struct{})
			}
			s.mu.Unlock()
			if stale {
				return
			}
			log.Warn().Err(err).Msg("stream connection lost")
			go s.reconnectLoop(context.Background())
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg streamMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("malformed stream message dropped")
			continue
		}

		switch msg.Type {
		case "trade":
			now := time.Now().UnixMilli()
			s.mu.Lock()
			for _, tr := range msg.Data {
				if tr.Symbol == "" || tr.Price <= 0 {
					continue
				}
				s.buf[tr.Symbol] = port.Tick{Symbol: tr.Symbol, Price: tr.Price, Ts: tr.Ts}
			}
			s.mu.Unlock()
			s.lastTick.Store(now)
		case "ping":
			s.send(conn, controlMsg{Type: "pong"})
		case "error":
			log.Error().Str("msg", msg.Msg).Msg("stream provider error")
		default:
			log.Debug().Str("type", msg.Type).Msg("unhandled stream message")
		}
	}
}

// Drain visits up to max buffered ticks; entries apply consumes are
// removed, the rest stay for the next drain.
func (s *Stream) Drain(max int, apply func(port.Tick) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	visited := 0
	for sym, t := range s.buf {
		if visited >= max {
			break
		}
		visited++
		if apply(t) {
			delete(s.buf, sym)
			applied++
		}
	}
	return applied
}

// Disconnect drops the connection but keeps the subscription set queued
// so the next Connect resubscribes. Used on market close.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.session++
	if s.state != port.FeedDown {
		s.state = port.FeedDisconnected
	}
	for sym := range s.subscribed {
		s.pending[sym] = struct{}{}
	}
	s.subscribed = make(map[string]struct{})
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		log.Info().Msg("stream disconnected")
	}
}

// Close tears the stream down for good: best-effort unsubscribe-all,
// connection close, and cancellation of any reconnect backoff in flight.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.session++
	subscribed := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		subscribed = append(subscribed, sym)
	}
	s.subscribed = make(map[string]struct{})
	s.state = port.FeedDisconnected
	s.mu.Unlock()

	s.shutdownOnce.Do(func() { close(s.shutdown) })

	if conn != nil {
		for _, sym := range subscribed {
			s.send(conn, controlMsg{Type: "unsubscribe", Symbol: sym})
		}
		return conn.Close()
	}
	return nil
}

var _ port.StreamFeed = (*Stream)(nil)
