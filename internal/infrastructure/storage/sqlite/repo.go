package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"tickersync/internal/application/port"
	"tickersync/internal/domain"
)

// Repo persists last known quotes and the watchlist in an embedded
// sqlite database. Absent price fields are stored as NULL so they stay
// distinguishable from zero.
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  price REAL,
  prev_close REAL,
  ts_ms INTEGER NOT NULL
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

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quotes(symbol, price, prev_close, ts_ms)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
		price=excluded.price, prev_close=excluded.prev_close, ts_ms=excluded.ts_ms
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for sym, q := range quotes {
		price := sql.NullFloat64{Float64: q.Price, Valid: q.HasPrice}
		prev := sql.NullFloat64{Float64: q.PrevClose, Valid: q.HasPrevClose}
		if _, err := stmt.ExecContext(ctx, sym, price, prev, ts); err != nil {
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO watchlist(position, symbol) VALUES(?, ?)`, i, sym); err != nil {
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
