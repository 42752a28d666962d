package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
)

// Repo is the postgres-backed snapshot store, for deployments where
// several hosts share one last-known-quotes table.
type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS quotes (
  symbol TEXT PRIMARY KEY,
  price DOUBLE PRECISION,
  prev_close DOUBLE PRECISION,
  ts_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS watchlist (
  position INTEGER PRIMARY KEY,
  symbol TEXT NOT NULL
);
`)
	return err
}

func (r *Repo) SaveQuotes(ctx context.Context, quotes domain.PriceTable, ts int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for sym, q := range quotes {
		price := sql.NullFloat64{Float64: q.Price, Valid: q.HasPrice}
		prev := sql.NullFloat64{Float64: q.PrevClose, Valid: q.HasPrevClose}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quotes(symbol, price, prev_close, ts_ms)
			VALUES($1, $2, $3, $4)
			ON CONFLICT(symbol) DO UPDATE SET
			price=excluded.price, prev_close=excluded.prev_close, ts_ms=excluded.ts_ms
		`, sym, price, prev, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repo) LoadQuotes(ctx context.Context) (domain.PriceTable, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, price, prev_close FROM quotes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table := make(domain.PriceTable)
	for rows.Next() {
		var (
			sym         string
			price, prev sql.NullFloat64
		)
		if err := rows.Scan(&sym, &price, &prev); err != nil {
			return nil, err
		}
		table[sym] = domain.Quote{
			Price:        price.Float64,
			HasPrice:     price.Valid,
			PrevClose:    prev.Float64,
			HasPrevClose: prev.Valid,
		}
	}
	return table, rows.Err()
}

func (r *Repo) SaveWatchlist(ctx context.Context, symbols []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM watchlist`); err != nil {
		return err
	}
	for i, sym := range symbols {
		if _, err := tx.ExecContext(ctx, `INSERT INTO watchlist(position, symbol) VALUES($1, $2)`, i, sym); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repo) LoadWatchlist(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol FROM watchlist ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

var _ port.Repository = (*Repo)(nil)
