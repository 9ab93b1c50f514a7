package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/limenhq/limen/internal/db"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

// DirectoryStore reads the local mirror of tenant status and subject
// entitlements.
type DirectoryStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDirectoryStore(db *sql.DB, writer *dbpkg.Worker) *DirectoryStore {
	return &DirectoryStore{db: db, writer: writer}
}

func (s *DirectoryStore) Tenant(ctx context.Context, tenantID string) (types.Tenant, error) {
	var (
		t      types.Tenant
		active int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT tenant_id, name, active FROM tenants WHERE tenant_id = ?;
`, tenantID).Scan(&t.ID, &t.Name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Tenant{}, store.ErrNotFound
	}
	if err != nil {
		return types.Tenant{}, fmt.Errorf("Tenant: %w", err)
	}
	t.Active = active == 1
	return t, nil
}

// Subject collects active entitlements. A subject with none is reported as
// not found.
func (s *DirectoryStore) Subject(ctx context.Context, tenantID string, ref types.SubjectRef) (types.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, value
FROM subject_entitlements
WHERE tenant_id = ? AND subject_type = ? AND subject_id = ? AND active = 1
ORDER BY kind, value;
`, tenantID, string(ref.Type), ref.ID)
	if err != nil {
		return types.Subject{}, fmt.Errorf("Subject: %w", err)
	}
	defer rows.Close()

	sub := types.Subject{Ref: ref}
	found := false
	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return types.Subject{}, fmt.Errorf("Subject scan: %w", err)
		}
		found = true
		switch kind {
		case "membership":
			sub.Memberships = append(sub.Memberships, value)
		case "plan":
			sub.Plans = append(sub.Plans, value)
		case "role":
			sub.Role = value
		}
	}
	if err := rows.Err(); err != nil {
		return types.Subject{}, fmt.Errorf("Subject rows: %w", err)
	}
	if !found {
		return types.Subject{}, store.ErrNotFound
	}
	return sub, nil
}

// PutTenant upserts a tenant row.
func (s *DirectoryStore) PutTenant(ctx context.Context, t types.Tenant) error {
	nowMs := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tenants(tenant_id, name, active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tenant_id) DO UPDATE SET
  name = excluded.name,
  active = excluded.active,
  updated_at_ms = excluded.updated_at_ms;
`, t.ID, t.Name, boolInt(t.Active), nowMs, nowMs); err != nil {
			return fmt.Errorf("PutTenant: %w", err)
		}
		return nil
	})
}

// PutSubject replaces the subject's entitlements.
func (s *DirectoryStore) PutSubject(ctx context.Context, tenantID string, sub types.Subject) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM subject_entitlements WHERE tenant_id = ? AND subject_type = ? AND subject_id = ?;
`, tenantID, string(sub.Ref.Type), sub.Ref.ID); err != nil {
			return fmt.Errorf("PutSubject clear: %w", err)
		}

		insert := func(kind, value string) error {
			_, err := tx.ExecContext(ctx, `
INSERT INTO subject_entitlements(tenant_id, subject_type, subject_id, kind, value, active)
VALUES (?, ?, ?, ?, ?, 1);
`, tenantID, string(sub.Ref.Type), sub.Ref.ID, kind, value)
			if err != nil {
				return fmt.Errorf("PutSubject %s %q: %w", kind, value, err)
			}
			return nil
		}
		for _, m := range sub.Memberships {
			if err := insert("membership", m); err != nil {
				return err
			}
		}
		for _, p := range sub.Plans {
			if err := insert("plan", p); err != nil {
				return err
			}
		}
		if sub.Role != "" {
			return insert("role", sub.Role)
		}
		return nil
	})
}
