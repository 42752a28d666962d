package config

import (
	"errors"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tickersync/internal/domain"
)

// defaultWatchlist applies when neither config nor storage provide
// symbols.
var defaultWatchlist = []string{"AAPL", "GOOG", "MSFT"}

type Config struct {
	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	Provider struct {
		Finnhub struct {
			APIKey  string `toml:"api_key"`
			APIKey2 string `toml:"api_key2"`
			BaseURL string `toml:"base_url"`
			WsURL   string `toml:"ws_url"`
		} `toml:"finnhub"`

		Yahoo struct {
			BaseURL string `toml:"base_url"`
		} `toml:"yahoo"`
	} `toml:"provider"`

	Poll struct {
		IntervalSec int `toml:"interval_sec"`
		CacheTTLSec int `toml:"cache_ttl_sec"`
	} `toml:"poll"`

	Stream struct {
		DrainIntervalMs int     `toml:"drain_interval_ms"`
		MinUpdateIntMs  int     `toml:"min_update_interval_ms"`
		MinChangePct    float64 `toml:"min_change_pct"`
		DrainBatch      int     `toml:"drain_batch"`
		MaxReconnects   int     `toml:"max_reconnects"`
	} `toml:"stream"`

	HTTP struct {
		Proxy      string `toml:"proxy"`
		CertFile   string `toml:"cert_file"`
		TimeoutSec int    `toml:"timeout_sec"`
	} `toml:"http"`

	Storage struct {
		Driver      string `toml:"driver"` // "sqlite", "postgres" or "" for none
		Path        string `toml:"path"`
		PostgresDSN string `toml:"postgres_dsn"`
		RedisAddr   string `toml:"redis_addr"` // optional latest-quote mirror
		RedisPrefix string `toml:"redis_prefix"`
	} `toml:"storage"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a usable configuration without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if len(cfg.Symbols.List) == 0 {
		cfg.Symbols.List = append([]string(nil), defaultWatchlist...)
	}
	if cfg.Poll.IntervalSec <= 0 {
		cfg.Poll.IntervalSec = 300
	}
	if cfg.Poll.CacheTTLSec <= 0 {
		cfg.Poll.CacheTTLSec = 60
	}
	if cfg.Stream.MinUpdateIntMs <= 0 {
		cfg.Stream.MinUpdateIntMs = 50
	}
	if cfg.Stream.MinChangePct <= 0 {
		cfg.Stream.MinChangePct = 0.05
	}
	if cfg.Stream.DrainBatch <= 0 {
		cfg.Stream.DrainBatch = 64
	}
	if cfg.Stream.MaxReconnects <= 0 {
		cfg.Stream.MaxReconnects = 5
	}
	if cfg.HTTP.TimeoutSec <= 0 {
		cfg.HTTP.TimeoutSec = 10
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = "tickersync"
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = domain.NormalizeSymbols(cfg.Symbols.List)
	if len(cfg.Symbols.List) == 0 {
		return errors.New("symbols.list is empty")
	}
	switch cfg.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return errors.New("storage.driver must be sqlite, postgres or empty")
	}
	if cfg.Storage.Driver == "postgres" && strings.TrimSpace(cfg.Storage.PostgresDSN) == "" {
		return errors.New("storage.postgres_dsn empty but driver is postgres")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSec) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Poll.CacheTTLSec) * time.Second
}

func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Stream.DrainIntervalMs) * time.Millisecond
}

func (c *Config) MinUpdateInterval() time.Duration {
	return time.Duration(c.Stream.MinUpdateIntMs) * time.Millisecond
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSec) * time.Second
}
