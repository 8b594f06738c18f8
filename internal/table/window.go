package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/deltat/internal/deltat"
)

// WindowTable stores window records keyed by (base_id, window_index)
type WindowTable struct {
	db *sql.DB
}

var _ deltat.WindowTable = (*WindowTable)(nil)

// FindOne returns the window record or nil when it does not exist
func (t *WindowTable) FindOne(ctx context.Context, baseID string, window int64) (*deltat.WindowRecord, error) {
	row := t.db.QueryRowContext(ctx, `
	SELECT base_id, window_index, anchor_ms, last_offset_ms, deltas
	FROM window_records WHERE base_id = ? AND window_index = ?`, baseID, window)

	rec, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindRange returns the window records of baseID in [from, to], ascending
func (t *WindowTable) FindRange(ctx context.Context, baseID string, from, to int64) ([]*deltat.WindowRecord, error) {
	rows, err := t.db.QueryContext(ctx, `
	SELECT base_id, window_index, anchor_ms, last_offset_ms, deltas
	FROM window_records
	WHERE base_id = ? AND window_index BETWEEN ? AND ?
	ORDER BY window_index`, baseID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query window records: %w", err)
	}
	defer rows.Close()

	var out []*deltat.WindowRecord
	for rows.Next() {
		rec, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert stores a new window record
func (t *WindowTable) Insert(ctx context.Context, rec *deltat.WindowRecord) error {
	deltas, err := encodeDeltas(rec.Deltas)
	if err != nil {
		return err
	}

	_, err = t.db.ExecContext(ctx, `
	INSERT INTO window_records (base_id, window_index, anchor_ms, last_offset_ms, sample_count, deltas, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.BaseID, rec.Window, rec.AnchorMS, rec.LastOffsetMS, len(rec.Deltas), deltas,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert window record: %w", err)
	}
	return nil
}

// Update rewrites the delta list and cursor of an existing window record
func (t *WindowTable) Update(ctx context.Context, rec *deltat.WindowRecord) error {
	deltas, err := encodeDeltas(rec.Deltas)
	if err != nil {
		return err
	}

	res, err := t.db.ExecContext(ctx, `
	UPDATE window_records
	SET anchor_ms = ?, last_offset_ms = ?, sample_count = ?, deltas = ?, updated_at = ?
	WHERE base_id = ? AND window_index = ?`,
		rec.AnchorMS, rec.LastOffsetMS, len(rec.Deltas), deltas,
		time.Now().UTC().Format(time.RFC3339),
		rec.BaseID, rec.Window,
	)
	if err != nil {
		return fmt.Errorf("failed to update window record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("window %d of base %s: %w", rec.Window, rec.BaseID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWindow(row rowScanner) (*deltat.WindowRecord, error) {
	var (
		rec    deltat.WindowRecord
		deltas []byte
	)
	if err := row.Scan(&rec.BaseID, &rec.Window, &rec.AnchorMS, &rec.LastOffsetMS, &deltas); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan window record: %w", err)
	}

	var err error
	if rec.Deltas, err = decodeDeltas(deltas); err != nil {
		return nil, fmt.Errorf("window %d of base %s: %w", rec.Window, rec.BaseID, err)
	}
	return &rec, nil
}
