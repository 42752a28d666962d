package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if !reflect.DeepEqual(cfg.Symbols.List, []string{"AAPL", "GOOG", "MSFT"}) {
		t.Errorf("default watchlist = %v", cfg.Symbols.List)
	}
	if cfg.PollInterval() != 300*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.CacheTTL() != 60*time.Second {
		t.Errorf("cache ttl = %v", cfg.CacheTTL())
	}
	if cfg.DrainInterval() != 0 {
		t.Errorf("drain interval must default to disabled, got %v", cfg.DrainInterval())
	}
	if cfg.MinUpdateInterval() != 50*time.Millisecond {
		t.Errorf("min update interval = %v", cfg.MinUpdateInterval())
	}
	if cfg.Stream.MinChangePct != 0.05 {
		t.Errorf("min change pct = %v", cfg.Stream.MinChangePct)
	}
	if cfg.Stream.MaxReconnects != 5 {
		t.Errorf("max reconnects = %v", cfg.Stream.MaxReconnects)
	}
	if cfg.HTTPTimeout() != 10*time.Second {
		t.Errorf("http timeout = %v", cfg.HTTPTimeout())
	}
	if cfg.Storage.RedisPrefix != "tickersync" {
		t.Errorf("redis prefix = %q", cfg.Storage.RedisPrefix)
	}
}

func TestLoadNormalizesSymbols(t *testing.T) {
	path := writeConfig(t, `
[symbols]
list = [" aapl", "AAPL", "msft", "^gspc"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"AAPL", "MSFT", "^GSPC"}
	if !reflect.DeepEqual(cfg.Symbols.List, want) {
		t.Errorf("got %v, want %v", cfg.Symbols.List, want)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[provider.finnhub]
api_key = "k1"
api_key2 = "k2"

[poll]
interval_sec = 120
cache_ttl_sec = 30

[stream]
drain_interval_ms = 250
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Finnhub.APIKey != "k1" || cfg.Provider.Finnhub.APIKey2 != "k2" {
		t.Errorf("credentials not picked up: %+v", cfg.Provider.Finnhub)
	}
	if cfg.PollInterval() != 120*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.CacheTTL() != 30*time.Second {
		t.Errorf("cache ttl = %v", cfg.CacheTTL())
	}
	if cfg.DrainInterval() != 250*time.Millisecond {
		t.Errorf("drain interval = %v", cfg.DrainInterval())
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
[storage]
driver = "mongodb"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown storage driver")
	}
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	path := writeConfig(t, `
[storage]
driver = "postgres"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for postgres without a dsn")
	}
}

func TestLoadBlankOnlySymbolsRejected(t *testing.T) {
	path := writeConfig(t, `
[symbols]
list = ["  ", ""]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an all-blank watchlist")
	}
}
