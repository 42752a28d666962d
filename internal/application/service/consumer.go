package service

import (
	"sync"

	"github.com/google/uuid"

	"tickersync/internal/domain"
)

// NotifyFunc is called after a fan-out touches a consumer's table.
// updated lists the consumer's symbols whose quotes changed this batch;
// rolled lists symbols whose previous close rolled over to a new trading
// day. The consumer decides whether and how to re-render.
type NotifyFunc func(updated, rolled []string)

// Consumer is one registered display consumer. It owns a private replica
// of the price table, kept convergent with the coordinator's
// authoritative copy by explicit distribution. Reads from the
// presentation layer and the single fan-out write path are serialized by
// the handle's own lock.
type Consumer struct {
	id     string
	notify NotifyFunc

	mu      sync.Mutex
	symbols []string
	table   domain.PriceTable
}

func newConsumer(symbols []string, notify NotifyFunc) *Consumer {
	return &Consumer{
		id:      uuid.NewString(),
		notify:  notify,
		symbols: domain.NormalizeSymbols(symbols),
		table:   make(domain.PriceTable),
	}
}

// ID returns the registration identity of this consumer.
func (c *Consumer) ID() string { return c.id }

// Price returns the consumer's last known quote for symbol.
func (c *Consumer) Price(symbol string) (domain.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.table[domain.NormalizeSymbol(symbol)]
	return q, ok
}

// Table returns a copy of the consumer's replica.
func (c *Consumer) Table() domain.PriceTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Clone()
}

// Symbols returns the consumer's requested symbol list.
func (c *Consumer) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.symbols))
	copy(out, c.symbols)
	return out
}

// SetSymbols replaces the requested list. The coordinator picks the new
// union up on its next cycle.
func (c *Consumer) SetSymbols(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = domain.NormalizeSymbols(symbols)
}

// apply is the fan-out write path: it replaces the quotes for this
// consumer's own symbols from the authoritative table, atomically with
// respect to presentation reads, and reports which of them changed this
// batch. The notify callback runs outside the lock so the consumer may
// read back freely.
func (c *Consumer) apply(authoritative domain.PriceTable, touched, rolled map[string]struct{}) {
	c.mu.Lock()
	var updated, rolledHere []string
	for _, sym := range c.symbols {
		q, ok := authoritative[sym]
		if !ok {
			continue
		}
		c.table[sym] = q
		if _, ok := touched[sym]; ok {
			updated = append(updated, sym)
		}
		if _, ok := rolled[sym]; ok {
			rolledHere = append(rolledHere, sym)
		}
	}
	notify := c.notify
	c.mu.Unlock()

	if notify != nil && len(updated) > 0 {
		notify(updated, rolledHere)
	}
}
