package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/limenhq/limen/internal/db"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

const ruleColumns = `
  rule_id, tenant_id, zone_id, name,
  membership_types_json, plan_types_json, user_roles_json,
  time_start_min, time_end_min, day_restrictions, max_occupancy,
  requires_approval, priority, valid_from_ms, valid_to_ms,
  is_active, created_at_ms`

// RuleStore persists access zones and access rules.
type RuleStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewRuleStore(db *sql.DB, writer *dbpkg.Worker) *RuleStore {
	return &RuleStore{db: db, writer: writer, now: time.Now}
}

func (s *RuleStore) UpsertZone(ctx context.Context, z types.AccessZone) (types.AccessZone, error) {
	restrictions := z.Restrictions
	if restrictions == nil {
		restrictions = map[string]string{}
	}
	rj, err := json.Marshal(restrictions)
	if err != nil {
		return types.AccessZone{}, fmt.Errorf("UpsertZone encode restrictions: %w", err)
	}
	nowMs := toMs(s.now())

	var out types.AccessZone
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_zones(
  tenant_id, zone_id, name, zone_type, restrictions_json, is_active,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, zone_id) DO UPDATE SET
  name = excluded.name,
  zone_type = excluded.zone_type,
  restrictions_json = excluded.restrictions_json,
  is_active = excluded.is_active,
  updated_at_ms = excluded.updated_at_ms;
`,
			z.TenantID, z.ID, z.Name, z.ZoneType, string(rj), boolInt(z.IsActive), nowMs, nowMs,
		); err != nil {
			return fmt.Errorf("UpsertZone: %w", err)
		}
		var err error
		out, err = getZone(ctx, tx, z.TenantID, z.ID)
		return err
	})
	return out, err
}

func (s *RuleStore) GetZone(ctx context.Context, tenantID, zoneID string) (types.AccessZone, error) {
	return getZone(ctx, s.db, tenantID, zoneID)
}

func (s *RuleStore) ListZones(ctx context.Context, tenantID string) ([]types.AccessZone, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT zone_id, tenant_id, name, zone_type, restrictions_json, is_active, created_at_ms, updated_at_ms
FROM access_zones
WHERE tenant_id = ?
ORDER BY zone_id;
`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListZones: %w", err)
	}
	defer rows.Close()

	var out []types.AccessZone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("ListZones scan: %w", err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func getZone(ctx context.Context, q queryRower, tenantID, zoneID string) (types.AccessZone, error) {
	z, err := scanZone(q.QueryRowContext(ctx, `
SELECT zone_id, tenant_id, name, zone_type, restrictions_json, is_active, created_at_ms, updated_at_ms
FROM access_zones
WHERE tenant_id = ? AND zone_id = ?;
`, tenantID, zoneID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.AccessZone{}, store.ErrNotFound
	}
	if err != nil {
		return types.AccessZone{}, fmt.Errorf("get zone: %w", err)
	}
	return z, nil
}

func scanZone(r rowScanner) (types.AccessZone, error) {
	var (
		z           types.AccessZone
		rj          string
		active      int
		createdAtMs int64
		updatedAtMs int64
	)
	if err := r.Scan(&z.ID, &z.TenantID, &z.Name, &z.ZoneType, &rj, &active, &createdAtMs, &updatedAtMs); err != nil {
		return types.AccessZone{}, err
	}
	if rj != "" && rj != "{}" {
		if err := json.Unmarshal([]byte(rj), &z.Restrictions); err != nil {
			return types.AccessZone{}, fmt.Errorf("decode restrictions: %w", err)
		}
	}
	z.IsActive = active == 1
	z.CreatedAt = fromMs(createdAtMs)
	z.UpdatedAt = fromMs(updatedAtMs)
	return z, nil
}

func (s *RuleStore) CreateRule(ctx context.Context, r types.AccessRule) (types.AccessRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	memberships, err := encodeStrings(r.Eligibility.MembershipTypes)
	if err != nil {
		return types.AccessRule{}, err
	}
	plans, err := encodeStrings(r.Eligibility.PlanTypes)
	if err != nil {
		return types.AccessRule{}, err
	}
	roles, err := encodeStrings(r.Eligibility.UserRoles)
	if err != nil {
		return types.AccessRule{}, err
	}

	var startMin, endMin any
	if w := r.TimeRestrictions; w != nil {
		startMin, endMin = w.Start, w.End
	}

	var out types.AccessRule
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_rules(
  rule_id, tenant_id, zone_id, name,
  membership_types_json, plan_types_json, user_roles_json,
  time_start_min, time_end_min, day_restrictions, max_occupancy,
  requires_approval, priority, valid_from_ms, valid_to_ms,
  is_active, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			r.ID, r.TenantID, optString(r.ZoneID), r.Name,
			memberships, plans, roles,
			startMin, endMin, encodeDays(r.DayRestrictions), optInt(r.MaxOccupancy),
			boolInt(r.RequiresApproval), r.Priority, optMs(r.ValidFrom), optMs(r.ValidTo),
			boolInt(r.IsActive), toMs(r.CreatedAt),
		); err != nil {
			return fmt.Errorf("CreateRule insert: %w", err)
		}
		var err error
		out, err = scanRule(tx.QueryRowContext(ctx, `SELECT`+ruleColumns+` FROM access_rules WHERE rule_id = ?;`, r.ID))
		return err
	})
	return out, err
}

func (s *RuleStore) DeactivateRule(ctx context.Context, tenantID, ruleID string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE access_rules SET is_active = 0 WHERE tenant_id = ? AND rule_id = ?;
`, tenantID, ruleID)
		if err != nil {
			return fmt.Errorf("DeactivateRule: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("DeactivateRule rows: %w", err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *RuleStore) ListRules(ctx context.Context, tenantID string) ([]types.AccessRule, error) {
	return s.queryRules(ctx, `SELECT`+ruleColumns+`
FROM access_rules
WHERE tenant_id = ?
ORDER BY created_at_ms, rule_id;
`, tenantID)
}

func (s *RuleStore) ListActiveRules(ctx context.Context, tenantID, zoneID string) ([]types.AccessRule, error) {
	return s.queryRules(ctx, `SELECT`+ruleColumns+`
FROM access_rules
WHERE tenant_id = ? AND is_active = 1
  AND (zone_id IS NULL OR zone_id = ?)
ORDER BY created_at_ms, rule_id;
`, tenantID, zoneID)
}

func (s *RuleStore) queryRules(ctx context.Context, query string, args ...any) ([]types.AccessRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []types.AccessRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(r rowScanner) (types.AccessRule, error) {
	var (
		rule        types.AccessRule
		zoneID      sql.NullString
		memberships string
		plans       string
		roles       string
		startMin    sql.NullInt64
		endMin      sql.NullInt64
		days        string
		maxOcc      sql.NullInt64
		approval    int
		validFrom   sql.NullInt64
		validTo     sql.NullInt64
		active      int
		createdAtMs int64
	)
	if err := r.Scan(
		&rule.ID, &rule.TenantID, &zoneID, &rule.Name,
		&memberships, &plans, &roles,
		&startMin, &endMin, &days, &maxOcc,
		&approval, &rule.Priority, &validFrom, &validTo,
		&active, &createdAtMs,
	); err != nil {
		return types.AccessRule{}, err
	}

	var err error
	if rule.Eligibility.MembershipTypes, err = decodeStrings(memberships); err != nil {
		return types.AccessRule{}, err
	}
	if rule.Eligibility.PlanTypes, err = decodeStrings(plans); err != nil {
		return types.AccessRule{}, err
	}
	if rule.Eligibility.UserRoles, err = decodeStrings(roles); err != nil {
		return types.AccessRule{}, err
	}
	if rule.DayRestrictions, err = decodeDays(days); err != nil {
		return types.AccessRule{}, err
	}
	if startMin.Valid && endMin.Valid {
		rule.TimeRestrictions = &types.TimeWindow{Start: int(startMin.Int64), End: int(endMin.Int64)}
	}
	rule.ZoneID = zoneID.String
	rule.MaxOccupancy = fromNullInt(maxOcc)
	rule.RequiresApproval = approval == 1
	rule.ValidFrom = fromNullMs(validFrom)
	rule.ValidTo = fromNullMs(validTo)
	rule.IsActive = active == 1
	rule.CreatedAt = fromMs(createdAtMs)
	return rule, nil
}
