package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/limenhq/limen/internal/db"
	"github.com/limenhq/limen/internal/limen/types"
)

const counterColumns = `
  tenant_id, scope, scope_id, current_count, max_capacity,
  last_entry_ms, last_exit_ms, peak_today, peak_week, peak_month, updated_at_ms`

// OccupancyStore keeps counters in occupancy_counters. Each event is a
// read-apply-write inside one writer transaction.
type OccupancyStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewOccupancyStore(db *sql.DB, writer *dbpkg.Worker) *OccupancyStore {
	return &OccupancyStore{db: db, writer: writer}
}

func (s *OccupancyStore) ApplyEvent(ctx context.Context, key types.OccupancyKey, action types.OccupancyAction, at time.Time) (types.OccupancyCounter, error) {
	if err := key.Validate(); err != nil {
		return types.OccupancyCounter{}, err
	}
	return s.mutate(ctx, key, func(c *types.OccupancyCounter) {
		c.Apply(action, at)
	})
}

func (s *OccupancyStore) SetCapacity(ctx context.Context, key types.OccupancyKey, capacity *int, at time.Time) (types.OccupancyCounter, error) {
	if err := key.Validate(); err != nil {
		return types.OccupancyCounter{}, err
	}
	if capacity != nil {
		v := *capacity
		capacity = &v
	}
	return s.mutate(ctx, key, func(c *types.OccupancyCounter) {
		c.MaxCapacity = capacity
		c.UpdatedAt = at.UTC()
	})
}

func (s *OccupancyStore) mutate(ctx context.Context, key types.OccupancyKey, fn func(*types.OccupancyCounter)) (types.OccupancyCounter, error) {
	scope, scopeID := key.Scope()

	var out types.OccupancyCounter
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanCounter(tx.QueryRowContext(ctx, `SELECT`+counterColumns+`
FROM occupancy_counters
WHERE tenant_id = ? AND scope = ? AND scope_id = ?;
`, key.TenantID, scope, scopeID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			c = types.OccupancyCounter{Key: key}
		case err != nil:
			return fmt.Errorf("load counter %s: %w", key, err)
		}

		fn(&c)

		if _, err := tx.ExecContext(ctx, `
INSERT INTO occupancy_counters(`+counterColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, scope, scope_id) DO UPDATE SET
  current_count = excluded.current_count,
  max_capacity  = excluded.max_capacity,
  last_entry_ms = excluded.last_entry_ms,
  last_exit_ms  = excluded.last_exit_ms,
  peak_today    = excluded.peak_today,
  peak_week     = excluded.peak_week,
  peak_month    = excluded.peak_month,
  updated_at_ms = excluded.updated_at_ms;
`,
			key.TenantID, scope, scopeID, c.CurrentCount, optInt(c.MaxCapacity),
			optMs(c.LastEntry), optMs(c.LastExit), c.PeakToday, c.PeakThisWeek, c.PeakThisMonth,
			toMs(c.UpdatedAt),
		); err != nil {
			return fmt.Errorf("store counter %s: %w", key, err)
		}
		out = c
		return nil
	})
	return out, err
}

func (s *OccupancyStore) CurrentOccupancy(ctx context.Context, f types.OccupancyFilter) ([]types.OccupancyCounter, error) {
	query := `SELECT` + counterColumns + `
FROM occupancy_counters
WHERE tenant_id = ?`
	args := []any{f.TenantID}
	switch {
	case f.ZoneID != "":
		query += ` AND scope = 'zone' AND scope_id = ?`
		args = append(args, f.ZoneID)
	case f.SpaceID != "":
		query += ` AND scope = 'space' AND scope_id = ?`
		args = append(args, f.SpaceID)
	}
	query += ` ORDER BY scope, scope_id;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("CurrentOccupancy: %w", err)
	}
	defer rows.Close()

	out := []types.OccupancyCounter{}
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, fmt.Errorf("CurrentOccupancy scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCounter(r rowScanner) (types.OccupancyCounter, error) {
	var (
		c           types.OccupancyCounter
		scope       string
		scopeID     string
		maxCap      sql.NullInt64
		lastEntry   sql.NullInt64
		lastExit    sql.NullInt64
		updatedAtMs int64
	)
	if err := r.Scan(
		&c.Key.TenantID, &scope, &scopeID, &c.CurrentCount, &maxCap,
		&lastEntry, &lastExit, &c.PeakToday, &c.PeakThisWeek, &c.PeakThisMonth, &updatedAtMs,
	); err != nil {
		return types.OccupancyCounter{}, err
	}
	if scope == "zone" {
		c.Key.ZoneID = scopeID
	} else {
		c.Key.SpaceID = scopeID
	}
	c.MaxCapacity = fromNullInt(maxCap)
	c.LastEntry = fromNullMs(lastEntry)
	c.LastExit = fromNullMs(lastExit)
	c.UpdatedAt = fromMs(updatedAtMs)
	return c, nil
}
