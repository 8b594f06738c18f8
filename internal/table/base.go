package table

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/deltat/internal/deltat"
	"github.com/basekick-labs/deltat/pkg/models"
	"github.com/google/uuid"
)

// BaseTable stores base records
type BaseTable struct {
	db *sql.DB
}

var _ deltat.BaseTable = (*BaseTable)(nil)

// Insert stores rec under a new id and returns the id
func (t *BaseTable) Insert(ctx context.Context, rec *deltat.BaseRecord) (string, error) {
	template, err := encodeTemplate(&rec.Template)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = t.db.ExecContext(ctx, `
	INSERT INTO base_records (id, entity_key, priority, value, start_ms, template, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		models.EntityKey(rec.Template.EntityID),
		rec.Template.Priority,
		rec.Template.EffectiveValue(),
		rec.Start.UnixMilli(),
		template,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert base record: %w", err)
	}

	return id, nil
}

// FindAll returns the base records matching filter, oldest first
func (t *BaseTable) FindAll(ctx context.Context, filter deltat.BaseFilter) ([]*deltat.BaseRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.EntityID != "" {
		where = append(where, "entity_key = ?")
		args = append(args, models.EntityKey(filter.EntityID))
	}
	if filter.Priority != 0 {
		where = append(where, "priority = ?")
		args = append(args, filter.Priority)
	}
	if filter.Value != "" {
		where = append(where, "value = ?")
		args = append(args, filter.Value)
	}

	query := "SELECT id, start_ms, template FROM base_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_ms, id"

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query base records: %w", err)
	}
	defer rows.Close()

	var out []*deltat.BaseRecord
	for rows.Next() {
		var (
			rec      deltat.BaseRecord
			startMS  int64
			template []byte
		)
		if err := rows.Scan(&rec.ID, &startMS, &template); err != nil {
			return nil, fmt.Errorf("failed to scan base record: %w", err)
		}
		rec.Start = time.UnixMilli(startMS).UTC()
		if rec.Template, err = decodeTemplate(template); err != nil {
			return nil, fmt.Errorf("base record %s: %w", rec.ID, err)
		}
		out = append(out, &rec)
	}

	return out, rows.Err()
}

// Count returns the number of base records
func (t *BaseTable) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM base_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count base records: %w", err)
	}
	return n, nil
}

// DeleteEntity removes the entity's base records; window records follow by cascade
func (t *BaseTable) DeleteEntity(ctx context.Context, entityID string) (int64, error) {
	res, err := t.db.ExecContext(ctx, "DELETE FROM base_records WHERE entity_key = ?", models.EntityKey(entityID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete base records: %w", err)
	}
	return res.RowsAffected()
}
