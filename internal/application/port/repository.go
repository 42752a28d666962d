package port

import (
	"context"

	"tickersync/internal/domain"
)

// Repository persists the engine's last known quotes between runs and
// stores the user's watchlist. Implementations must tolerate concurrent
// calls from the coordinator loop and the shutdown path.
type Repository interface {
	// SaveQuotes upserts the latest quotes. Absent fields are stored as
	// NULL, never as zero.
	SaveQuotes(ctx context.Context, quotes domain.PriceTable, ts int64) error

	// LoadQuotes returns all persisted quotes for warm start.
	LoadQuotes(ctx context.Context) (domain.PriceTable, error)

	// SaveWatchlist replaces the ordered symbol list.
	SaveWatchlist(ctx context.Context, symbols []string) error

	// LoadWatchlist returns the ordered symbol list, empty if none stored.
	LoadWatchlist(ctx context.Context) ([]string, error)

	Close() error
}
