package domain

import (
	"sort"
	"strings"
)

// IndexPrefix marks symbols routed to the unauthenticated index provider
// instead of the keyed quote provider (e.g. "^GSPC").
const IndexPrefix = "^"

// NormalizeSymbol upper-cases and trims a ticker. Returns "" for blank input.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalizes, drops blanks and deduplicates while
// preserving the first occurrence order.
func NormalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := NormalizeSymbol(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// IsIndex reports whether the symbol carries the index marker.
func IsIndex(symbol string) bool {
	return strings.HasPrefix(symbol, IndexPrefix)
}

// Partition splits a symbol list into equity and index symbols,
// preserving input order within each group.
func Partition(symbols []string) (equities, indexes []string) {
	for _, s := range symbols {
		if IsIndex(s) {
			indexes = append(indexes, s)
		} else {
			equities = append(equities, s)
		}
	}
	return equities, indexes
}

// SetKey builds an order-independent key for a symbol set: sorted,
// deduplicated, comma-joined. Used by the fetch cache.
func SetKey(symbols []string) string {
	norm := NormalizeSymbols(symbols)
	sort.Strings(norm)
	return strings.Join(norm, ",")
}
