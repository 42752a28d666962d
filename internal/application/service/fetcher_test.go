package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
)

type mockEquityClient struct {
	mu     sync.Mutex
	tokens []string // token used per call, in call order
	quotes map[string]domain.Quote
	errs   map[string]error
}

func (m *mockEquityClient) Quote(ctx context.Context, symbol, token string) (domain.Quote, error) {
	m.mu.Lock()
	m.tokens = append(m.tokens, token)
	m.mu.Unlock()
	if err, ok := m.errs[symbol]; ok {
		return domain.AbsentQuote, err
	}
	if q, ok := m.quotes[symbol]; ok {
		return q, nil
	}
	return domain.NewQuote(100, 99), nil
}

type mockIndexClient struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockIndexClient) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	m.mu.Lock()
	m.calls = append(m.calls, symbol)
	m.mu.Unlock()
	return domain.NewQuote(4500, 4490), nil
}

func newTestFetcher(eq *mockEquityClient, ix *mockIndexClient, primary, secondary string) *BatchFetcher {
	f := NewBatchFetcher(eq, ix, primary, secondary)
	f.sleep = func(ctx context.Context, d time.Duration) {}
	return f
}

func TestFetchAllRoutesIndexSymbols(t *testing.T) {
	eq := &mockEquityClient{}
	ix := &mockIndexClient{}
	f := newTestFetcher(eq, ix, "key1", "")

	table, limited := f.FetchAll(context.Background(), []string{"AAPL", "^GSPC"})
	if limited {
		t.Error("unexpected rate-limit flag")
	}
	if len(ix.calls) != 1 || ix.calls[0] != "^GSPC" {
		t.Errorf("expected one index call for ^GSPC, got %v", ix.calls)
	}
	if q := table["^GSPC"]; !q.HasPrice || q.Price != 4500 {
		t.Errorf("unexpected index quote: %+v", q)
	}
	if q := table["AAPL"]; !q.HasPrice || q.Price != 100 {
		t.Errorf("unexpected equity quote: %+v", q)
	}
}

func TestFetchAllZeroPriceBecomesAbsent(t *testing.T) {
	eq := &mockEquityClient{quotes: map[string]domain.Quote{
		"XERO": domain.NewQuote(0, 42), // provider returned c=0
	}}
	f := newTestFetcher(eq, &mockIndexClient{}, "key1", "")

	table, _ := f.FetchAll(context.Background(), []string{"XERO"})
	q := table["XERO"]
	if q.HasPrice {
		t.Errorf("zero price must normalize to absent, got %+v", q)
	}
	if !q.HasPrevClose || q.PrevClose != 42 {
		t.Errorf("previous close must survive normalization, got %+v", q)
	}
}

func TestFetchAllPerSymbolErrorDoesNotAbortBatch(t *testing.T) {
	eq := &mockEquityClient{errs: map[string]error{"BAD": errors.New("boom")}}
	f := newTestFetcher(eq, &mockIndexClient{}, "key1", "")

	table, limited := f.FetchAll(context.Background(), []string{"BAD", "GOOD"})
	if limited {
		t.Error("plain errors must not set the rate-limit flag")
	}
	if q := table["BAD"]; q.HasPrice {
		t.Errorf("failed symbol must be absent, got %+v", q)
	}
	if q := table["GOOD"]; !q.HasPrice {
		t.Errorf("sibling symbol must still be fetched, got %+v", q)
	}
}

func TestFetchAllCredentialRotation(t *testing.T) {
	eq := &mockEquityClient{}
	f := newTestFetcher(eq, &mockIndexClient{}, "key1", "key2")

	symbols := make([]string, 45)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
	}

	f.FetchAll(context.Background(), symbols)

	if len(eq.tokens) != 45 {
		t.Fatalf("expected 45 calls, got %d", len(eq.tokens))
	}
	for i, tok := range eq.tokens {
		want := "key1"
		if i >= 30 {
			want = "key2"
		}
		if tok != want {
			t.Fatalf("call %d used %s, want %s", i+1, tok, want)
		}
	}
}

func TestFetchAllNoSecondaryStaysOnPrimary(t *testing.T) {
	eq := &mockEquityClient{}
	f := newTestFetcher(eq, &mockIndexClient{}, "key1", "")

	symbols := make([]string, 40)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
	}
	f.FetchAll(context.Background(), symbols)

	for i, tok := range eq.tokens {
		if tok != "key1" {
			t.Fatalf("call %d used %s without a secondary configured", i+1, tok)
		}
	}
}

func TestFetchAllRateLimitRaisesDelay(t *testing.T) {
	eq := &mockEquityClient{errs: map[string]error{"SYM03": port.ErrRateLimited}}
	f := NewBatchFetcher(eq, &mockIndexClient{}, "key1", "")

	var delays []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) { delays = append(delays, d) }

	symbols := make([]string, 30) // 3 batches
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
	}

	_, limited := f.FetchAll(context.Background(), symbols)
	if !limited {
		t.Fatal("expected rate-limit flag")
	}
	// SYM03 throttles in batch 1, so the wait before batch 2 is raised
	// and the clean batch 2 resets the wait before batch 3.
	if len(delays) != 2 {
		t.Fatalf("expected 2 inter-batch delays, got %d", len(delays))
	}
	if delays[0] != batchDelayFloor+batchDelayStep {
		t.Errorf("expected raised delay %v, got %v", batchDelayFloor+batchDelayStep, delays[0])
	}
	if delays[1] != batchDelayFloor {
		t.Errorf("expected delay reset to floor, got %v", delays[1])
	}
}

func TestFetchAllNoCredentialSkipsEquities(t *testing.T) {
	eq := &mockEquityClient{}
	ix := &mockIndexClient{}
	f := newTestFetcher(eq, ix, "", "")

	table, _ := f.FetchAll(context.Background(), []string{"AAPL", "^GSPC"})
	if len(eq.tokens) != 0 {
		t.Error("equity calls made without a credential")
	}
	if _, ok := table["AAPL"]; ok {
		t.Error("equity symbol present in table without a credential")
	}
	if q := table["^GSPC"]; !q.HasPrice {
		t.Error("index symbols must still work without a credential")
	}
}
