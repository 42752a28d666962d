package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
)

// Repo mirrors the latest quotes into a Redis hash so sibling processes
// (other displays on the same host or network) can read them without
// their own upstream fetches. Usually composed as a mirror next to the
// sqlite or postgres store.
type Repo struct {
	rdb       *redis.Client
	keyLatest string
	keyWatch  string
}

type storedQuote struct {
	Price     *float64 `json:"price"`
	PrevClose *float64 `json:"prev_close"`
	Ts        int64    `json:"ts_ms"`
}

func New(addr, prefix string) (*Repo, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &Repo{
		rdb:       rdb,
		keyLatest: prefix + ":latest",
		keyWatch:  prefix + ":watchlist",
	}, nil
}

func (r *Repo) Close() error { return r.rdb.Close() }

func (r *Repo) SaveQuotes(ctx context.Context, quotes domain.PriceTable, ts int64) error {
	if len(quotes) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(quotes))
	for sym, q := range quotes {
		sq := storedQuote{Ts: ts}
		if q.HasPrice {
			p := q.Price
			sq.Price = &p
		}
		if q.HasPrevClose {
			pc := q.PrevClose
			sq.PrevClose = &pc
		}
		b, err := json.Marshal(sq)
		if err != nil {
			return err
		}
		fields[sym] = string(b)
	}
	return r.rdb.HSet(ctx, r.keyLatest, fields).Err()
}

func (r *Repo) LoadQuotes(ctx context.Context) (domain.PriceTable, error) {
	raw, err := r.rdb.HGetAll(ctx, r.keyLatest).Result()
	if err != nil {
		return nil, err
	}
	table := make(domain.PriceTable, len(raw))
	for sym, blob := range raw {
		var sq storedQuote
		if err := json.Unmarshal([]byte(blob), &sq); err != nil {
			continue // skip entries written by incompatible versions
		}
		q := domain.Quote{}
		if sq.Price != nil {
			q.Price = *sq.Price
			q.HasPrice = true
		}
		if sq.PrevClose != nil {
			q.PrevClose = *sq.PrevClose
			q.HasPrevClose = true
		}
		table[sym] = q
	}
	return table, nil
}

func (r *Repo) SaveWatchlist(ctx context.Context, symbols []string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.keyWatch)
	if len(symbols) > 0 {
		vals := make([]interface{}, len(symbols))
		for i, s := range symbols {
			vals[i] = s
		}
		pipe.RPush(ctx, r.keyWatch, vals...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) LoadWatchlist(ctx context.Context) ([]string, error) {
	return r.rdb.LRange(ctx, r.keyWatch, 0, -1).Result()
}

var _ port.Repository = (*Repo)(nil)
