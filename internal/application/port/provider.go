package port

import (
	"context"
	"errors"

	"tickersync/internal/domain"
)

// ErrRateLimited is returned by quote clients when the provider throttles
// the call (HTTP 429). The fetcher aggregates it per cycle; it is never
// surfaced to consumers.
var ErrRateLimited = errors.New("provider rate limited")

// EquityQuoteClient fetches one quote from the keyed provider.
type EquityQuoteClient interface {
	Quote(ctx context.Context, symbol, token string) (domain.Quote, error)
}

// IndexQuoteClient fetches one quote from the unauthenticated index provider.
type IndexQuoteClient interface {
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
}

// Tick is one streamed trade observation.
type Tick struct {
	Symbol string
	Price  float64
	Ts     int64 // unix ms
}

// TickBuffer holds the latest unread tick per symbol (last-value-wins).
// Drain visits up to max buffered entries; apply returns true to consume
// the entry, false to leave it buffered for the next drain.
type TickBuffer interface {
	Drain(max int, apply func(Tick) bool) int
}

// FeedState is the streaming connection lifecycle state.
type FeedState int

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedConnected
	FeedReconnecting
	FeedDown // reconnect attempts exhausted, REST-only for this session
)

func (s FeedState) String() string {
	switch s {
	case FeedDisconnected:
		return "disconnected"
	case FeedConnecting:
		return "connecting"
	case FeedConnected:
		return "connected"
	case FeedReconnecting:
		return "reconnecting"
	case FeedDown:
		return "down"
	default:
		return "unknown"
	}
}

// StreamFeed is the persistent streaming connection to the keyed provider.
type StreamFeed interface {
	TickBuffer

	// Connect is a no-op when already connected or no credential is
	// configured. It never blocks on reconnection backoff.
	Connect(ctx context.Context) error

	// SetSymbols reconciles the provider-side subscription set with the
	// requested one, sending only the diff while connected. While not
	// connected the set is queued and flushed after the next connect.
	SetSymbols(ctx context.Context, symbols []string) error

	State() FeedState

	// LastTickAt returns the unix-ms receive time of the most recent
	// tick, zero if none arrived yet.
	LastTickAt() int64

	// Disconnect closes the connection but keeps the subscription set
	// queued, so a later Connect resubscribes. Used when the market
	// closes to avoid idle connection cost.
	Disconnect()

	// Close unsubscribes everything best-effort and tears the
	// connection down for good.
	Close() error
}
