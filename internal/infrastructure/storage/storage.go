package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
	"tickersync/internal/infrastructure/storage/postgres"
	"tickersync/internal/infrastructure/storage/redis"
	"tickersync/internal/infrastructure/storage/sqlite"
)

// Options select the snapshot store. Driver "" disables persistence
// (a no-op repository is returned). RedisAddr, when set, additionally
// mirrors writes to Redis regardless of the primary driver.
type Options struct {
	Driver      string // "sqlite", "postgres" or ""
	Path        string // sqlite file path
	PostgresDSN string
	RedisAddr   string
	RedisPrefix string
}

// Open builds the repository stack described by opts.
func Open(opts Options) (port.Repository, error) {
	var primary port.Repository
	switch opts.Driver {
	case "sqlite":
		repo, err := sqlite.New(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		primary = repo
	case "postgres":
		repo, err := postgres.New(opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		primary = repo
	case "":
		primary = NewNoop()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}

	if opts.RedisAddr == "" {
		return primary, nil
	}

	mirror, err := redis.New(opts.RedisAddr, opts.RedisPrefix)
	if err != nil {
		// The mirror is best-effort; the engine still runs on the
		// primary store alone.
		log.Warn().Str("addr", opts.RedisAddr).Err(err).Msg("redis mirror unavailable")
		return primary, nil
	}
	return NewComposite(primary, mirror), nil
}

// Composite writes to a primary store and a mirror; reads come from the
// primary only.
type Composite struct {
	primary port.Repository
	mirror  port.Repository
}

func NewComposite(primary, mirror port.Repository) *Composite {
	return &Composite{primary: primary, mirror: mirror}
}

func (c *Composite) SaveQuotes(ctx context.Context, quotes domain.PriceTable, ts int64) error {
	if err := c.mirror.SaveQuotes(ctx, quotes, ts); err != nil {
		log.Warn().Err(err).Msg("mirror quote write failed")
	}
	return c.primary.SaveQuotes(ctx, quotes, ts)
}

func (c *Composite) LoadQuotes(ctx context.Context) (domain.PriceTable, error) {
	return c.primary.LoadQuotes(ctx)
}

func (c *Composite) SaveWatchlist(ctx context.Context, symbols []string) error {
	if err := c.mirror.SaveWatchlist(ctx, symbols); err != nil {
		log.Warn().Err(err).Msg("mirror watchlist write failed")
	}
	return c.primary.SaveWatchlist(ctx, symbols)
}

func (c *Composite) LoadWatchlist(ctx context.Context) ([]string, error) {
	return c.primary.LoadWatchlist(ctx)
}

func (c *Composite) Close() error {
	if err := c.mirror.Close(); err != nil {
		log.Warn().Err(err).Msg("mirror close failed")
	}
	return c.primary.Close()
}

// Noop discards writes and returns empty reads; used when persistence
// is disabled.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (*Noop) SaveQuotes(context.Context, domain.PriceTable, int64) error { return nil }
func (*Noop) LoadQuotes(context.Context) (domain.PriceTable, error)      { return nil, nil }
func (*Noop) SaveWatchlist(context.Context, []string) error              { return nil }
func (*Noop) LoadWatchlist(context.Context) ([]string, error)            { return nil, nil }
func (*Noop) Close() error                                               { return nil }

var (
	_ port.Repository = (*Composite)(nil)
	_ port.Repository = (*Noop)(nil)
)
