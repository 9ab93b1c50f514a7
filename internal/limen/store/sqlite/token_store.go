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

const tokenColumns = `
  token_id, tenant_id, subject_type, subject_id, permissions_json,
  valid_from_ms, valid_until_ms, max_scans, current_scans, status,
  revoked_by, revoked_at_ms, created_at_ms`

type TokenStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewTokenStore(db *sql.DB, writer *dbpkg.Worker) *TokenStore {
	return &TokenStore{db: db, writer: writer, now: time.Now}
}

func (s *TokenStore) Create(ctx context.Context, tok types.AccessToken) (types.AccessToken, error) {
	tok.Status = types.TokenActive
	tok.CurrentScans = 0
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = s.now().UTC()
	}
	perms, err := encodeStrings(tok.Permissions)
	if err != nil {
		return types.AccessToken{}, err
	}

	var out types.AccessToken
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_tokens(
  token_id, tenant_id, subject_type, subject_id, permissions_json,
  valid_from_ms, valid_until_ms, max_scans, current_scans, status,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 'active', ?, ?);
`,
			tok.ID, tok.TenantID, string(tok.Subject.Type), tok.Subject.ID, perms,
			toMs(tok.ValidFrom), toMs(tok.ValidUntil), optInt(tok.MaxScans),
			toMs(tok.CreatedAt), toMs(tok.CreatedAt),
		); err != nil {
			return fmt.Errorf("Create insert: %w", err)
		}
		out, err = getToken(ctx, tx, tok.TenantID, tok.ID)
		return err
	})
	return out, err
}

func (s *TokenStore) FindByTenantAndCode(ctx context.Context, tenantID, code string) (types.AccessToken, error) {
	return getToken(ctx, s.db, tenantID, code)
}

func (s *TokenStore) IncrementScan(ctx context.Context, tenantID, id string) (types.AccessToken, error) {
	nowMs := toMs(s.now())

	var out types.AccessToken
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// SET expressions read the pre-update row, so the status flip sees
		// the same current_scans the WHERE clause checked.
		res, err := tx.ExecContext(ctx, `
UPDATE access_tokens
SET current_scans = current_scans + 1,
    status = CASE
      WHEN max_scans IS NOT NULL AND current_scans + 1 >= max_scans THEN 'used_up'
      ELSE status
    END,
    updated_at_ms = ?
WHERE tenant_id = ? AND token_id = ?
  AND status = 'active'
  AND (max_scans IS NULL OR current_scans < max_scans);
`, nowMs, tenantID, id)
		if err != nil {
			return fmt.Errorf("IncrementScan update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("IncrementScan rows: %w", err)
		}

		out, err = getToken(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrScanLimitReached
		}
		return nil
	})
	return out, err
}

func (s *TokenStore) Revoke(ctx context.Context, tenantID, id, revokedBy string, at time.Time) (types.AccessToken, error) {
	var out types.AccessToken
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getToken(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case types.TokenRevoked:
			out = cur
			return nil
		case types.TokenActive:
		default:
			out = cur
			return store.ErrTerminalStatus
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE access_tokens
SET status = 'revoked', revoked_by = ?, revoked_at_ms = ?, updated_at_ms = ?
WHERE tenant_id = ? AND token_id = ? AND status = 'active';
`, optString(revokedBy), toMs(at), toMs(at), tenantID, id); err != nil {
			return fmt.Errorf("Revoke update: %w", err)
		}
		out, err = getToken(ctx, tx, tenantID, id)
		return err
	})
	return out, err
}

func (s *TokenStore) MarkExpired(ctx context.Context, tenantID, id string) (types.AccessToken, error) {
	return s.transition(ctx, tenantID, id, types.TokenExpired)
}

func (s *TokenStore) MarkUsedUp(ctx context.Context, tenantID, id string) (types.AccessToken, error) {
	return s.transition(ctx, tenantID, id, types.TokenUsedUp)
}

func (s *TokenStore) transition(ctx context.Context, tenantID, id string, to types.TokenStatus) (types.AccessToken, error) {
	nowMs := toMs(s.now())

	var out types.AccessToken
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE access_tokens
SET status = ?, updated_at_ms = ?
WHERE tenant_id = ? AND token_id = ? AND status = 'active';
`, string(to), nowMs, tenantID, id); err != nil {
			return fmt.Errorf("transition to %s: %w", to, err)
		}
		var err error
		out, err = getToken(ctx, tx, tenantID, id)
		return err
	})
	return out, err
}

// ExpireStale uses idx_tokens_status_until for the range scan.
func (s *TokenStore) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	nowMs := toMs(s.now())

	var changed int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE access_tokens
SET status = 'expired', updated_at_ms = ?
WHERE status = 'active' AND valid_until_ms < ?;
`, nowMs, toMs(cutoff))
		if err != nil {
			return fmt.Errorf("ExpireStale: %w", err)
		}
		changed, _ = res.RowsAffected()
		return nil
	})
	return changed, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getToken(ctx context.Context, q queryRower, tenantID, id string) (types.AccessToken, error) {
	row := q.QueryRowContext(ctx, `SELECT`+tokenColumns+`
FROM access_tokens
WHERE tenant_id = ? AND token_id = ?;
`, tenantID, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AccessToken{}, store.ErrNotFound
	}
	if err != nil {
		return types.AccessToken{}, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}

func scanToken(r rowScanner) (types.AccessToken, error) {
	var (
		tok          types.AccessToken
		subjectType  string
		perms        string
		validFromMs  int64
		validUntilMs int64
		maxScans     sql.NullInt64
		status       string
		revokedBy    sql.NullString
		revokedAtMs  sql.NullInt64
		createdAtMs  int64
	)
	if err := r.Scan(
		&tok.ID, &tok.TenantID, &subjectType, &tok.Subject.ID, &perms,
		&validFromMs, &validUntilMs, &maxScans, &tok.CurrentScans, &status,
		&revokedBy, &revokedAtMs, &createdAtMs,
	); err != nil {
		return types.AccessToken{}, err
	}

	p, err := decodeStrings(perms)
	if err != nil {
		return types.AccessToken{}, err
	}
	tok.Subject.Type = types.SubjectType(subjectType)
	tok.Permissions = p
	tok.ValidFrom = fromMs(validFromMs)
	tok.ValidUntil = fromMs(validUntilMs)
	tok.MaxScans = fromNullInt(maxScans)
	tok.Status = types.TokenStatus(status)
	tok.RevokedBy = revokedBy.String
	tok.RevokedAt = fromNullMs(revokedAtMs)
	tok.CreatedAt = fromMs(createdAtMs)
	return tok, nil
}
