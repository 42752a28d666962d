package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
)

const (
	equityBatchSize  = 10
	equityFanout     = 10
	indexFanout      = 5
	rotationSwitchAt = 30 // calls on the primary credential before switching
	rotationResetAt  = 60 // call counter wraps here so rotation repeats

	batchDelayFloor = 1 * time.Second
	batchDelayStep  = 1 * time.Second
	batchDelayCeil  = 10 * time.Second
)

// BatchFetcher fetches current price and previous close for a symbol
// list: index symbols from the unauthenticated provider, equity symbols
// from the keyed provider in fixed-size batches with bounded fan-out,
// credential rotation and adaptive inter-batch delay.
type BatchFetcher struct {
	equities port.EquityQuoteClient
	indexes  port.IndexQuoteClient

	primaryKey   string
	secondaryKey string

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration)
}

func NewBatchFetcher(eq port.EquityQuoteClient, ix port.IndexQuoteClient, primaryKey, secondaryKey string) *BatchFetcher {
	return &BatchFetcher{
		equities:     eq,
		indexes:      ix,
		primaryKey:   primaryKey,
		secondaryKey: secondaryKey,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// HasCredential reports whether equity symbols can be fetched at all.
// Without a key this is a configuration state, not an error: index
// symbols still work.
func (f *BatchFetcher) HasCredential() bool { return f.primaryKey != "" }

// FetchAll fetches every symbol and returns the resulting table plus
// whether any call in the cycle was rate limited. Per-symbol failures
// are captured as absent quotes and never abort the cycle.
func (f *BatchFetcher) FetchAll(ctx context.Context, symbols []string) (domain.PriceTable, bool) {
	table := make(domain.PriceTable, len(symbols))
	var (
		mu          sync.Mutex
		rateLimited bool
	)

	equities, indexes := domain.Partition(domain.NormalizeSymbols(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexFanout)
	for _, sym := range indexes {
		sym := sym
		g.Go(func() error {
			q, err := f.indexes.Quote(gctx, sym)
			if err != nil {
				log.Warn().Str("symbol", sym).Err(err).Msg("index quote fetch failed")
				q = domain.AbsentQuote
			}
			mu.Lock()
			table[sym] = q
			mu.Unlock()
			return nil
		})
	}

	if f.HasCredential() {
		f.fetchEquities(ctx, equities, table, &mu, &rateLimited)
	} else if len(equities) > 0 {
		log.Debug().Int("symbols", len(equities)).Msg("no api key configured, skipping equity fetch")
	}

	_ = g.Wait()
	return table, rateLimited
}

func (f *BatchFetcher) fetchEquities(ctx context.Context, equities []string, table domain.PriceTable, mu *sync.Mutex, rateLimited *bool) {
	var (
		callMu    sync.Mutex
		callCount int
	)
	nextKey := func() string {
		callMu.Lock()
		defer callMu.Unlock()
		key := f.primaryKey
		if f.secondaryKey != "" && callCount >= rotationSwitchAt {
			key = f.secondaryKey
		}
		callCount++
		if callCount >= rotationResetAt {
			callCount = 0
		}
		return key
	}

	delay := batchDelayFloor
	for start := 0; start < len(equities); start += equityBatchSize {
		if ctx.Err() != nil {
			return
		}
		if start > 0 {
			f.sleep(ctx, delay)
		}

		end := min(start+equityBatchSize, len(equities))
		batch := equities[start:end]
		batchLimited := false

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(equityFanout)
		for _, sym := range batch {
			sym := sym
			g.Go(func() error {
				q, err := f.equities.Quote(gctx, sym, nextKey())
				if err != nil {
					if errors.Is(err, port.ErrRateLimited) {
						mu.Lock()
						batchLimited = true
						mu.Unlock()
					} else {
						log.Warn().Str("symbol", sym).Err(err).Msg("equity quote fetch failed")
					}
					q = domain.AbsentQuote
				}
				mu.Lock()
				table[sym] = q
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if batchLimited {
			*rateLimited = true
			delay = min(delay+batchDelayStep, batchDelayCeil)
			log.Warn().Dur("batch_delay", delay).Msg("rate limit in batch, raising inter-batch delay")
		} else {
			delay = batchDelayFloor
		}
	}
}
