package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trend-grid-bot-go/internal/models"

	_ "modernc.org/sqlite" // sqlite 驱动 (纯 Go, 无需 cgo)
)

// TradeJournal records entry fills for reporting. It is not consulted for
// decisions; the exchange stays the source of truth.
type TradeJournal interface {
	RecordFill(ctx context.Context, fill models.FillRecord) error
	RecentFills(ctx context.Context, symbol string, limit int) ([]models.FillRecord, error)
	FillStats(ctx context.Context, symbol string) (FillStats, error)
	Close() error
}

// FillStats summarises the journal for one symbol.
type FillStats struct {
	Count    int     `json:"count"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
}

type sqliteJournal struct {
	db *sql.DB
}

// OpenJournal opens the sqlite database and creates the tables if needed.
func OpenJournal(dataSourceName string) (TradeJournal, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 只允许单写
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &sqliteJournal{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	createFillsTableSQL := `
	CREATE TABLE IF NOT EXISTS fills (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		order_id INTEGER NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		tp_price REAL NOT NULL,
		grid_state TEXT NOT NULL,
		filled_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createFillsTableSQL); err != nil {
		return err
	}

	// 同一个交易所订单只记一次
	createIndexSQL := `CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_symbol_order ON fills (symbol, order_id);`
	if _, err := db.Exec(createIndexSQL); err != nil {
		return err
	}
	return nil
}

// RecordFill inserts a fill. A second record for the same exchange order is ignored.
func (j *sqliteJournal) RecordFill(ctx context.Context, fill models.FillRecord) error {
	if fill.ID == "" {
		return fmt.Errorf("fill for order %d has no id", fill.OrderID)
	}
	query := `
	INSERT OR IGNORE INTO fills (id, symbol, order_id, side, price, quantity, tp_price, grid_state, filled_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		fill.ID, fill.Symbol, fill.OrderID, fill.Side, fill.Price, fill.Quantity, fill.TPPrice,
		fill.GridState, fill.FilledAt.UnixMilli(), fill.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill for order %d: %w", fill.OrderID, err)
	}
	return nil
}

// RecentFills returns up to limit fills for symbol, newest first.
func (j *sqliteJournal) RecentFills(ctx context.Context, symbol string, limit int) ([]models.FillRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
	SELECT id, symbol, order_id, side, price, quantity, tp_price, grid_state, filled_at, recorded_at
	FROM fills
	WHERE symbol = ?
	ORDER BY filled_at DESC, order_id DESC
	LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []models.FillRecord
	for rows.Next() {
		var f models.FillRecord
		var filledAt, recordedAt int64
		if err := rows.Scan(
			&f.ID, &f.Symbol, &f.OrderID, &f.Side, &f.Price, &f.Quantity, &f.TPPrice,
			&f.GridState, &filledAt, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fill row: %w", err)
		}
		f.FilledAt = time.UnixMilli(filledAt).UTC()
		f.RecordedAt = time.UnixMilli(recordedAt).UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// FillStats aggregates every fill recorded for symbol.
func (j *sqliteJournal) FillStats(ctx context.Context, symbol string) (FillStats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(quantity), 0), COALESCE(SUM(price * quantity), 0) FROM fills WHERE symbol = ?`

	var st FillStats
	if err := j.db.QueryRowContext(ctx, query, symbol).Scan(&st.Count, &st.Quantity, &st.Notional); err != nil {
		return FillStats{}, fmt.Errorf("failed to aggregate fills: %w", err)
	}
	return st, nil
}

func (j *sqliteJournal) Close() error {
	return j.db.Close()
}
