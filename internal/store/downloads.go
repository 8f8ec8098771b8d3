package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"StockETL/internal/model"
)

const downloadColumns = `id, symbol_id, downloaded_at, start_date, end_date, status, row_count, error`

func scanDownload(r rowScanner) (*model.Download, error) {
	var (
		d          model.Download
		at         int64
		start, end string
		status     string
	)
	if err := r.Scan(&d.ID, &d.SymbolID, &at, &start, &end, &status, &d.Rows, &d.Error); err != nil {
		return nil, err
	}
	var err error
	if d.StartDate, err = model.ParseDate(start); err != nil {
		return nil, err
	}
	if d.EndDate, err = model.ParseDate(end); err != nil {
		return nil, err
	}
	d.DownloadedAt = time.Unix(at, 0).UTC()
	d.Status = model.DownloadStatus(status)
	return &d, nil
}

// AddDownload records a Pending download of symbolID over [start, end].
func (s *SQLiteStore) AddDownload(ctx context.Context, symbolID int64, start, end time.Time) (*model.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &model.Download{
		SymbolID:     symbolID,
		DownloadedAt: time.Unix(s.now().Unix(), 0).UTC(),
		StartDate:    model.Day(start),
		EndDate:      model.Day(end),
		Status:       model.DownloadPending,
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO downloads
		(symbol_id, downloaded_at, start_date, end_date, status)
		VALUES (?,?,?,?,?)`,
		symbolID, d.DownloadedAt.Unix(),
		d.StartDate.Format(model.DateLayout), d.EndDate.Format(model.DateLayout),
		string(d.Status))
	if err != nil {
		return nil, fmt.Errorf("add download for symbol %d: %w", symbolID, err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("add download for symbol %d: %w", symbolID, err)
	}
	return d, nil
}

// UpdateDownloadStatus sets the final status, stored row count and error text.
func (s *SQLiteStore) UpdateDownloadStatus(ctx context.Context, id int64, status model.DownloadStatus, rows int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, row_count = ?, error = ? WHERE id = ?`,
		string(status), rows, errMsg, id)
	if err != nil {
		return fmt.Errorf("update download %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("download %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetDownload looks a download up by id.
func (s *SQLiteStore) GetDownload(ctx context.Context, id int64) (*model.Download, error) {
	d, err := scanDownload(s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get download %d: %w", id, err)
	}
	return d, nil
}

// LastDownload returns the most recent download of a symbol. An empty status
// matches any status.
func (s *SQLiteStore) LastDownload(ctx context.Context, symbolID int64, status model.DownloadStatus) (*model.Download, error) {
	q := `SELECT ` + downloadColumns + ` FROM downloads WHERE symbol_id = ?`
	args := []any{symbolID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY downloaded_at DESC, id DESC LIMIT 1`

	d, err := scanDownload(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("last download of symbol %d: %w", symbolID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("last download of symbol %d: %w", symbolID, err)
	}
	return d, nil
}

// CoveredThrough returns the latest end date among a symbol's completed
// downloads, whatever order they ran in. ErrNotFound when none completed.
func (s *SQLiteStore) CoveredThrough(ctx context.Context, symbolID int64) (time.Time, error) {
	var end sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(end_date) FROM downloads
		WHERE symbol_id = ? AND status = ?`, symbolID, string(model.DownloadCompleted)).Scan(&end)
	if err != nil {
		return time.Time{}, fmt.Errorf("coverage of symbol %d: %w", symbolID, err)
	}
	if !end.Valid {
		return time.Time{}, fmt.Errorf("coverage of symbol %d: %w", symbolID, ErrNotFound)
	}
	return model.ParseDate(end.String)
}

// ListDownloads returns a symbol's downloads, newest first.
func (s *SQLiteStore) ListDownloads(ctx context.Context, symbolID int64, limit int) ([]model.Download, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads
		WHERE symbol_id = ? ORDER BY downloaded_at DESC, id DESC LIMIT ?`, symbolID, limit)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	var out []model.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
