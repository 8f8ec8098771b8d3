package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"StockETL/internal/model"
)

// ReplacePrices deletes the symbol's prices dated within [start, end] and
// writes bars in their place, in one transaction. Bars outside the range
// overwrite any existing row for the same date.
func (s *SQLiteStore) ReplacePrices(ctx context.Context, symbolID, downloadID int64, start, end time.Time, bars []model.RawBar) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM prices WHERE symbol_id = ? AND date >= ? AND date <= ?`,
		symbolID, model.Day(start).Format(model.DateLayout), model.Day(end).Format(model.DateLayout)); err != nil {
		return 0, fmt.Errorf("delete prices: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO prices
		(symbol_id, date, open, high, low, close, volume, download_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol_id, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume,
			download_id = excluded.download_id, created_at = excluded.created_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var dl sql.NullInt64
	if downloadID > 0 {
		dl = sql.NullInt64{Int64: downloadID, Valid: true}
	}
	now := s.now().Unix()
	for _, b := range bars {
		var closeVal sql.NullString
		if b.Close.Valid {
			closeVal = sql.NullString{String: b.Close.Decimal.String(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			symbolID, model.Day(b.Date).Format(model.DateLayout),
			b.Open.String(), b.High.String(), b.Low.String(), closeVal,
			b.Volume, dl, now); err != nil {
			return 0, fmt.Errorf("insert price %s: %w", b.DateString(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(bars), nil
}

// CountPrices returns the number of stored price rows of a symbol.
func (s *SQLiteStore) CountPrices(ctx context.Context, symbolID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prices WHERE symbol_id = ?`, symbolID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count prices: %w", err)
	}
	return n, nil
}

// LoadBars reads stored prices ordered by ticker then date. An empty tickers
// list loads every symbol; a zero start or end leaves that bound open.
// Rows whose date or prices cannot be decoded are returned as RowErrors;
// a NULL close is passed through as an invalid Close.
func (s *SQLiteStore) LoadBars(ctx context.Context, tickers []string, start, end time.Time) ([]model.RawBar, []model.RowError, error) {
	var (
		where []string
		args  []any
	)
	if len(tickers) > 0 {
		marks := make([]string, len(tickers))
		for i, t := range tickers {
			marks[i] = "?"
			args = append(args, NormalizeTicker(t))
		}
		where = append(where, "s.ticker IN ("+strings.Join(marks, ",")+")")
	}
	if !start.IsZero() {
		where = append(where, "p.date >= ?")
		args = append(args, model.Day(start).Format(model.DateLayout))
	}
	if !end.IsZero() {
		where = append(where, "p.date <= ?")
		args = append(args, model.Day(end).Format(model.DateLayout))
	}

	q := `SELECT s.ticker, p.date, p.open, p.high, p.low, p.close, p.volume
		FROM prices p JOIN symbols s ON s.id = p.symbol_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY s.ticker, p.date"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	var (
		bars    []model.RawBar
		rowErrs []model.RowError
	)
	for rows.Next() {
		var (
			ticker, date, open, high, low string
			closeVal                      sql.NullString
			volume                        int64
		)
		if err := rows.Scan(&ticker, &date, &open, &high, &low, &closeVal, &volume); err != nil {
			return nil, nil, fmt.Errorf("scan price: %w", err)
		}
		b, reason := decodeBar(ticker, date, open, high, low, closeVal, volume)
		if reason != "" {
			rowErrs = append(rowErrs, model.RowError{Symbol: ticker, Date: date, Reason: reason})
			continue
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate prices: %w", err)
	}
	return bars, rowErrs, nil
}

func decodeBar(ticker, date, open, high, low string, closeVal sql.NullString, volume int64) (model.RawBar, string) {
	b := model.RawBar{Symbol: ticker, Volume: volume}
	var err error
	if b.Date, err = model.ParseDate(date); err != nil {
		return b, "unparsable date"
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", open, &b.Open},
		{"high", high, &b.High},
		{"low", low, &b.Low},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return b, "unparsable " + f.name
		}
	}
	if closeVal.Valid {
		c, err := decimal.NewFromString(closeVal.String)
		if err != nil {
			return b, "unparsable close"
		}
		b.Close = decimal.NewNullDecimal(c)
	}
	return b, ""
}
