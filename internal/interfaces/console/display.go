package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"tickersync/internal/application/service"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiDim    = "\033[2m"
)

func colorize(s, c string) string { return c + s + ansiReset }

// Display is a terminal consumer: it registers with the coordinator and
// reprints its watchlist line whenever a price batch lands. It stands in
// for the GUI ticker surface, which lives outside this engine.
type Display struct {
	mu     sync.Mutex
	out    io.Writer
	handle *service.Consumer
}

// Attach registers a console consumer for the given symbols and returns
// its handle (also reachable via Handle).
func Attach(co *service.Coordinator, out io.Writer, symbols []string) *Display {
	d := &Display{out: out}
	d.handle = co.Register(symbols, d.onBatch)
	return d
}

func (d *Display) Handle() *service.Consumer { return d.handle }

// Detach unregisters from the coordinator.
func (d *Display) Detach(co *service.Coordinator) {
	co.Unregister(d.handle)
}

func (d *Display) onBatch(updated, rolled []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.out, d.renderLine(rolled))
}

func (d *Display) renderLine(rolled []string) string {
	rolledSet := make(map[string]struct{}, len(rolled))
	for _, s := range rolled {
		rolledSet[s] = struct{}{}
	}

	var sb strings.Builder
	sb.WriteString(colorize("[tickersync] ", ansiDim))
	for i, sym := range d.handle.Symbols() {
		if i > 0 {
			sb.WriteString(colorize("  |  ", ansiDim))
		}
		sb.WriteString(sym)
		sb.WriteString(" ")

		q, ok := d.handle.Price(sym)
		if !ok || !q.HasPrice {
			sb.WriteString(colorize("--", ansiDim))
			continue
		}

		price := fmt.Sprintf("%.2f", q.Price)
		if pct, ok := q.ChangePercent(); ok {
			col := ansiYellow
			switch {
			case pct > 0:
				col = ansiGreen
			case pct < 0:
				col = ansiRed
			}
			sb.WriteString(colorize(fmt.Sprintf("%s %+.2f%%", price, pct), col))
		} else {
			sb.WriteString(colorize(price, ansiYellow))
		}
		if _, ok := rolledSet[sym]; ok {
			sb.WriteString(colorize(" *", ansiDim))
		}
	}
	return sb.String()
}
