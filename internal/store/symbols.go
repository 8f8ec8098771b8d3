package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"StockETL/internal/model"
)

const symbolColumns = `id, ticker, company_name, is_active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSymbol(r rowScanner) (*model.Symbol, error) {
	var (
		sym     model.Symbol
		active  int
		created int64
	)
	if err := r.Scan(&sym.ID, &sym.Ticker, &sym.CompanyName, &active, &created); err != nil {
		return nil, err
	}
	sym.IsActive = active != 0
	sym.CreatedAt = time.Unix(created, 0).UTC()
	return &sym, nil
}

// NormalizeTicker trims and upper-cases a ticker.
func NormalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// AddSymbol registers an active ticker. A ticker already present yields ErrConflict.
func (s *SQLiteStore) AddSymbol(ctx context.Context, ticker, companyName string) (*model.Symbol, error) {
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return nil, fmt.Errorf("add symbol: empty ticker")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO symbols (ticker, company_name, is_active, created_at) VALUES (?,?,1,?)`,
		ticker, companyName, now.Unix())
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("symbol %s: %w", ticker, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("add symbol %s: %w", ticker, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add symbol %s: %w", ticker, err)
	}
	return &model.Symbol{
		ID:          id,
		Ticker:      ticker,
		CompanyName: companyName,
		IsActive:    true,
		CreatedAt:   time.Unix(now.Unix(), 0).UTC(),
	}, nil
}

// UpdateSymbol rewrites the company name and active flag of sym.ID.
func (s *SQLiteStore) UpdateSymbol(ctx context.Context, sym model.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	if sym.IsActive {
		active = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE symbols SET company_name = ?, is_active = ? WHERE id = ?`,
		sym.CompanyName, active, sym.ID)
	if err != nil {
		return fmt.Errorf("update symbol %d: %w", sym.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("symbol %d: %w", sym.ID, ErrNotFound)
	}
	return nil
}

// GetSymbol looks a symbol up by id.
func (s *SQLiteStore) GetSymbol(ctx context.Context, id int64) (*model.Symbol, error) {
	sym, err := scanSymbol(s.db.QueryRowContext(ctx,
		`SELECT `+symbolColumns+` FROM symbols WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("symbol %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get symbol %d: %w", id, err)
	}
	return sym, nil
}

// GetSymbolByTicker looks a symbol up by ticker, case-insensitively.
func (s *SQLiteStore) GetSymbolByTicker(ctx context.Context, ticker string) (*model.Symbol, error) {
	ticker = NormalizeTicker(ticker)
	sym, err := scanSymbol(s.db.QueryRowContext(ctx,
		`SELECT `+symbolColumns+` FROM symbols WHERE ticker = ?`, ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("symbol %s: %w", ticker, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get symbol %s: %w", ticker, err)
	}
	return sym, nil
}

// ListSymbols returns symbols ordered by ticker.
func (s *SQLiteStore) ListSymbols(ctx context.Context, activeOnly bool) ([]model.Symbol, error) {
	q := `SELECT ` + symbolColumns + ` FROM symbols`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY ticker`
	return s.querySymbols(ctx, q)
}

// SymbolsToDownload returns the active symbols that have never completed a
// download, or whose latest completed download is at least staleAfter old.
func (s *SQLiteStore) SymbolsToDownload(ctx context.Context, staleAfter time.Duration) ([]model.Symbol, error) {
	cutoff := s.now().Add(-staleAfter).Unix()
	return s.querySymbols(ctx, `
		SELECT s.id, s.ticker, s.company_name, s.is_active, s.created_at
		FROM symbols s
		LEFT JOIN (
			SELECT symbol_id, MAX(downloaded_at) AS last_at
			FROM downloads
			WHERE status = ?
			GROUP BY symbol_id
		) d ON d.symbol_id = s.id
		WHERE s.is_active = 1 AND (d.last_at IS NULL OR d.last_at <= ?)
		ORDER BY s.ticker`, string(model.DownloadCompleted), cutoff)
}

func (s *SQLiteStore) querySymbols(ctx context.Context, q string, args ...any) ([]model.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var out []model.Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		out = append(out, *sym)
	}
	return out, rows.Err()
}
