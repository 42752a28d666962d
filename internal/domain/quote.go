package domain

// Quote is the last known price and previous close for one symbol.
// Absent values are meaningful (fetch failed, no data yet) and must stay
// distinguishable from zero, so presence is tracked explicitly.
type Quote struct {
	Price        float64
	PrevClose    float64
	HasPrice     bool
	HasPrevClose bool
}

// AbsentQuote is the quote recorded for a symbol whose fetch failed.
var AbsentQuote = Quote{}

// NewQuote normalizes raw provider values into a Quote. Providers report
// missing data as zero; a non-positive price is a data-quality artifact,
// never a real equity price, so it maps to absent.
func NewQuote(price, prevClose float64) Quote {
	q := Quote{}
	if price > 0 {
		q.Price = price
		q.HasPrice = true
	}
	if prevClose > 0 {
		q.PrevClose = prevClose
		q.HasPrevClose = true
	}
	return q
}

// ChangePercent returns the fractional change versus previous close,
// in percent. ok is false when either side is absent.
func (q Quote) ChangePercent() (pct float64, ok bool) {
	if !q.HasPrice || !q.HasPrevClose || q.PrevClose == 0 {
		return 0, false
	}
	return (q.Price - q.PrevClose) / q.PrevClose * 100, true
}

// PriceTable maps symbol to its last known quote.
type PriceTable map[string]Quote

// Clone returns an independent copy of the table.
func (t PriceTable) Clone() PriceTable {
	out := make(PriceTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Subset returns the entries for the given symbols only. Symbols with no
// entry are simply omitted.
func (t PriceTable) Subset(symbols []string) PriceTable {
	out := make(PriceTable, len(symbols))
	for _, s := range symbols {
		if q, ok := t[s]; ok {
			out[s] = q
		}
	}
	return out
}
