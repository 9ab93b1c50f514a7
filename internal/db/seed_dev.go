package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SeedDevOptions struct {
	TenantID string // defaults to "tenant-dev"
}

// SeedDev creates a demo tenant, a lobby zone, a member entitlement and a
// weekday 08:00-18:00 rule so a fresh dev database can grant scans.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	tenant := opt.TenantID
	if tenant == "" {
		tenant = "tenant-dev"
	}
	now := time.Now().UTC().UnixMilli()

	stmts := []struct {
		name string
		sql  string
		args []any
	}{
		{"tenant", `
INSERT OR IGNORE INTO tenants(tenant_id, name, active, created_at_ms, updated_at_ms)
VALUES (?, 'Dev Coworking', 1, ?, ?);`, []any{tenant, now, now}},
		{"zone", `
INSERT OR IGNORE INTO access_zones(tenant_id, zone_id, name, zone_type, is_active, created_at_ms, updated_at_ms)
VALUES (?, 'lobby', 'Lobby', 'common', 1, ?, ?);`, []any{tenant, now, now}},
		{"entitlement", `
INSERT OR IGNORE INTO subject_entitlements(tenant_id, subject_type, subject_id, kind, value)
VALUES (?, 'user', 'dev-user', 'membership', 'hot-desk');`, []any{tenant}},
		{"rule", `
INSERT OR IGNORE INTO access_rules(
  rule_id, tenant_id, zone_id, name, time_start_min, time_end_min,
  day_restrictions, max_occupancy, priority, is_active, created_at_ms
) VALUES ('rule-dev-hours', ?, 'lobby', 'Lobby business hours', 480, 1080, '1,2,3,4,5', 50, 10, 1, ?);`,
			[]any{tenant, now}},
	}

	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s.sql, s.args...); err != nil {
			return fmt.Errorf("seed %s: %w", s.name, err)
		}
	}
	return nil
}
