package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
)

const (
	// DefaultPollInterval is the REST cadence during market hours.
	DefaultPollInterval = 300 * time.Second
	// closedPollFloor is the minimum cadence outside market hours.
	closedPollFloor = 900 * time.Second
	// closedPollFactor stretches the configured cadence when closed.
	closedPollFactor = 3

	// staleToleranceCycles is how many consecutive failed fetches keep a
	// symbol's previous quote alive before it degrades to absent.
	staleToleranceCycles = 3

	// streamStatusEvery throttles the "streaming active" status log.
	streamStatusEvery = 5 * time.Minute

	// defaultDrainBatch bounds work per coalescer drain.
	defaultDrainBatch = 64
)

// CoordinatorConfig carries the tunables of the sync loop.
type CoordinatorConfig struct {
	// PollInterval is the REST cadence during market hours.
	PollInterval time.Duration

	// DrainInterval is the cadence at which coalesced streaming updates
	// are pushed to consumers. Zero disables consumer notification for
	// streamed ticks: tables still update on an internal cadence, the
	// visual layer just is not forced to refresh.
	DrainInterval time.Duration

	// DrainBatch is the max symbols applied per drain.
	DrainBatch int
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = defaultDrainBatch
	}
}

// CoordinatorDeps wires the shared singletons into the coordinator.
// Cache and Backoff are process-wide and internally synchronized; Stream
// and Repo may be nil (no credential / no persistence).
type CoordinatorDeps struct {
	Fetcher   *BatchFetcher
	Cache     *QuoteCache
	Backoff   *BackoffController
	Stream    port.StreamFeed
	Coalescer *UpdateCoalescer
	Repo      port.Repository
}

// Coordinator is the single authority deciding, per cycle, whether quotes
// come from the streaming feed or REST polling, and distributing every
// result to all registered consumers. Registration order is the primary
// order: the oldest registered consumer is primary and its removal
// promotes the next oldest. Only the process hosting the primary runs
// Run; secondaries receive fan-out only.
type Coordinator struct {
	cfg  CoordinatorConfig
	deps CoordinatorDeps

	mu        sync.Mutex
	consumers []*Consumer
	table     domain.PriceTable // authoritative copy
	fails     map[string]int    // consecutive failed fetches per symbol

	statusMu   sync.Mutex
	lastStatus time.Time

	now func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:   cfg,
		deps:  deps,
		table: make(domain.PriceTable),
		fails: make(map[string]int),
		now:   time.Now,
	}
}

// Register adds a display consumer for the given symbols. The first
// registration becomes primary.
func (co *Coordinator) Register(symbols []string, notify NotifyFunc) *Consumer {
	c := newConsumer(symbols, notify)
	co.mu.Lock()
	co.consumers = append(co.consumers, c)
	n := len(co.consumers)
	co.mu.Unlock()
	log.Info().Str("consumer", c.ID()).Int("registered", n).Msg("consumer registered")
	return c
}

// Unregister removes a consumer. Removing the primary promotes the next
// oldest remaining consumer.
func (co *Coordinator) Unregister(c *Consumer) {
	co.mu.Lock()
	for i, reg := range co.consumers {
		if reg == c {
			co.consumers = append(co.consumers[:i], co.consumers[i+1:]...)
			break
		}
	}
	var primary string
	if len(co.consumers) > 0 {
		primary = co.consumers[0].ID()
	}
	co.mu.Unlock()
	log.Info().Str("consumer", c.ID()).Str("primary", primary).Msg("consumer unregistered")
}

// Primary returns the ID of the current primary consumer, "" if none.
func (co *Coordinator) Primary() string {
	co.mu.Lock()
	defer co.mu.Unlock()
	if len(co.consumers) == 0 {
		return ""
	}
	return co.consumers[0].ID()
}

// FailCount returns the consecutive failed-fetch count for a symbol.
// The presentation layer uses it to fade long-stale entries.
func (co *Coordinator) FailCount(symbol string) int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.fails[domain.NormalizeSymbol(symbol)]
}

// ForceRefresh bypasses cache and backoff for a user-initiated fetch.
// Safe to call concurrently with the Run loop: cache and backoff
// serialize internally and fan-out holds the coordinator lock.
func (co *Coordinator) ForceRefresh(ctx context.Context) {
	co.syncCycle(ctx, true)
}

// Run drives the scheduling loop until ctx is cancelled. On return the
// streaming connection is torn down.
func (co *Coordinator) Run(ctx context.Context) error {
	co.warmStart(ctx)
	co.syncCycle(ctx, false)

	timer := time.NewTimer(co.nextInterval())
	defer timer.Stop()

	drainEvery := co.cfg.DrainInterval
	if drainEvery <= 0 {
		// Tables still track streamed ticks, consumers are just not
		// notified (see CoordinatorConfig.DrainInterval).
		drainEvery = time.Second
	}
	drain := time.NewTicker(drainEvery)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			co.teardown()
			return ctx.Err()

		case <-timer.C:
			co.syncCycle(ctx, false)
			timer.Reset(co.nextInterval())

		case <-drain.C:
			co.drainCycle(ctx)
		}
	}
}

func (co *Coordinator) warmStart(ctx context.Context) {
	if co.deps.Repo == nil {
		return
	}
	saved, err := co.deps.Repo.LoadQuotes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("warm start load failed")
		return
	}
	if len(saved) == 0 {
		return
	}
	co.mu.Lock()
	for sym, q := range saved {
		co.table[sym] = q
	}
	consumers := co.snapshotConsumersLocked()
	table := co.table.Clone()
	touched := make(map[string]struct{}, len(saved))
	for sym := range saved {
		touched[sym] = struct{}{}
	}
	co.mu.Unlock()

	for _, c := range consumers {
		c.apply(table, touched, nil)
	}
	log.Info().Int("symbols", len(saved)).Msg("restored last known quotes")
}

// nextInterval stretches the REST cadence outside market hours to at
// least 3x the configured interval, floored at 15 minutes.
func (co *Coordinator) nextInterval() time.Duration {
	if MarketOpen(co.now()) {
		return co.cfg.PollInterval
	}
	stretched := co.cfg.PollInterval * closedPollFactor
	if stretched < closedPollFloor {
		stretched = closedPollFloor
	}
	return stretched
}

// symbolUnion returns the ordered union of all consumers' symbols.
func (co *Coordinator) symbolUnion() []string {
	co.mu.Lock()
	defer co.mu.Unlock()
	var all []string
	for _, c := range co.consumers {
		all = append(all, c.Symbols()...)
	}
	return domain.NormalizeSymbols(all)
}

func (co *Coordinator) snapshotConsumersLocked() []*Consumer {
	out := make([]*Consumer, len(co.consumers))
	copy(out, co.consumers)
	return out
}

// syncCycle is one scheduling tick: pick the source, fetch if needed,
// fan out.
func (co *Coordinator) syncCycle(ctx context.Context, force bool) {
	union := co.symbolUnion()
	if len(union) == 0 {
		return
	}

	open := MarketOpen(co.now())
	stream := co.deps.Stream

	if stream != nil {
		if open && !force && co.deps.Fetcher.HasCredential() && stream.State() != port.FeedDown {
			if co.tryStreaming(ctx, stream, union) {
				return
			}
		}
		if !open && stream.State() == port.FeedConnected {
			log.Info().Msg("market closed, disconnecting stream")
			stream.Disconnect()
		}
	}

	if co.deps.Backoff.ShouldSkipFetch(force) {
		log.Debug().Time("until", co.deps.Backoff.CooldownUntil()).Msg("fetch skipped, cooldown active")
		return
	}

	key := domain.SetKey(union)
	if !force {
		if cached, age, ok := co.deps.Cache.Lookup(key); ok {
			log.Debug().Dur("age", age).Msg("serving cached quotes")
			co.applyAndFanOut(ctx, cached, false)
			return
		}
	}

	fetched, rateLimited := co.deps.Fetcher.FetchAll(ctx, union)
	co.deps.Cache.Store(key, fetched)
	co.deps.Backoff.RecordCycleResult(rateLimited)
	co.applyAndFanOut(ctx, fetched, true)
}

// tryStreaming keeps the connection subscribed to the union and reports
// whether real-time data is flowing, in which case no REST activity is
// needed this tick.
func (co *Coordinator) tryStreaming(ctx context.Context, stream port.StreamFeed, union []string) bool {
	if err := stream.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("stream connect failed")
		return false
	}
	equities, _ := domain.Partition(union)
	if err := stream.SetSymbols(ctx, equities); err != nil {
		log.Warn().Err(err).Msg("stream subscribe failed")
	}

	last := stream.LastTickAt()
	if last == 0 {
		return false
	}
	flowing := co.now().UnixMilli()-last < co.cfg.PollInterval.Milliseconds()
	if flowing {
		co.statusMu.Lock()
		if co.now().Sub(co.lastStatus) >= streamStatusEvery {
			co.lastStatus = co.now()
			log.Info().Str("state", stream.State().String()).Msg("streaming active, rest polling idle")
		}
		co.statusMu.Unlock()
	}
	return flowing
}

// applyAndFanOut merges a fetch cycle's result into the authoritative
// table and distributes each consumer's own subset. A symbol that came
// back absent keeps its previous quote for up to staleToleranceCycles
// consecutive failures before degrading to absent.
func (co *Coordinator) applyAndFanOut(ctx context.Context, fetched domain.PriceTable, persist bool) {
	co.mu.Lock()
	touched := make(map[string]struct{}, len(fetched))
	rolled := make(map[string]struct{})
	for sym, q := range fetched {
		old, hadOld := co.table[sym]
		if !q.HasPrice {
			co.fails[sym]++
			if co.fails[sym] < staleToleranceCycles && hadOld && old.HasPrice {
				continue // transient failure, keep the prior known value
			}
			co.table[sym] = domain.AbsentQuote
			touched[sym] = struct{}{}
			continue
		}
		co.fails[sym] = 0
		if hadOld && old.HasPrevClose && q.HasPrevClose && old.PrevClose != q.PrevClose {
			rolled[sym] = struct{}{} // new trading day for this symbol
		}
		if !hadOld || old != q {
			touched[sym] = struct{}{}
		}
		co.table[sym] = q
	}
	consumers := co.snapshotConsumersLocked()
	table := co.table.Clone()
	co.mu.Unlock()

	for _, c := range consumers {
		c.apply(table, touched, rolled)
	}

	if persist && co.deps.Repo != nil {
		if err := co.deps.Repo.SaveQuotes(ctx, table, co.now().UnixMilli()); err != nil {
			log.Warn().Err(err).Msg("quote snapshot persist failed")
		}
	}
}

// drainCycle applies coalesced streaming ticks to the tables. Consumers
// are notified only when a drain cadence is configured.
func (co *Coordinator) drainCycle(ctx context.Context) {
	if co.deps.Coalescer == nil {
		return
	}
	applied := co.deps.Coalescer.Drain(co.cfg.DrainBatch)
	if len(applied) == 0 {
		return
	}

	co.mu.Lock()
	touched := make(map[string]struct{}, len(applied))
	for _, t := range applied {
		old := co.table[t.Symbol]
		co.table[t.Symbol] = domain.Quote{
			Price:        t.Price,
			HasPrice:     true,
			PrevClose:    old.PrevClose,
			HasPrevClose: old.HasPrevClose,
		}
		co.fails[t.Symbol] = 0
		touched[t.Symbol] = struct{}{}
	}
	consumers := co.snapshotConsumersLocked()
	table := co.table.Clone()
	co.mu.Unlock()

	if co.cfg.DrainInterval <= 0 {
		// Silent table update: replicas converge, no refresh pressure.
		for _, c := range consumers {
			c.apply(table, nil, nil)
		}
		return
	}
	for _, c := range consumers {
		c.apply(table, touched, nil)
	}
}

func (co *Coordinator) teardown() {
	if co.deps.Stream != nil {
		if err := co.deps.Stream.Close(); err != nil {
			log.Warn().Err(err).Msg("stream close failed")
		}
	}
}
