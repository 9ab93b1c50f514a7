package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	dbpkg "github.com/limenhq/limen/internal/db"
	"github.com/limenhq/limen/internal/limen/types"
)

// ScanLogStore appends to scan_log. Triggers in the schema reject UPDATE and
// DELETE on that table.
type ScanLogStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewScanLogStore(db *sql.DB, writer *dbpkg.Worker) *ScanLogStore {
	return &ScanLogStore{db: db, writer: writer}
}

func (s *ScanLogStore) Append(ctx context.Context, e types.ScanLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	violations, err := encodeStrings(e.Violations)
	if err != nil {
		return err
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scan_log(
  tenant_id, token_id, subject_ref, result, reason,
  violations_json, location, device_info, scanned_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			e.TenantID, optString(e.TokenID), optString(e.SubjectRef), string(e.Result), e.Reason,
			violations, optString(e.Location), optString(e.DeviceInfo), toMs(e.Timestamp),
		); err != nil {
			return fmt.Errorf("Append insert: %w", err)
		}
		return nil
	})
}

// List returns matching entries newest first.
func (s *ScanLogStore) List(ctx context.Context, f types.ScanLogFilter) ([]types.ScanLogEntry, error) {
	query := `
SELECT id, tenant_id, token_id, subject_ref, result, reason,
       violations_json, location, device_info, scanned_at_ms
FROM scan_log
WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.TokenID != "" {
		query += ` AND token_id = ?`
		args = append(args, f.TokenID)
	}
	if f.Result != "" {
		query += ` AND result = ?`
		args = append(args, string(f.Result))
	}
	if !f.Since.IsZero() {
		query += ` AND scanned_at_ms >= ?`
		args = append(args, toMs(f.Since))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List scan log: %w", err)
	}
	defer rows.Close()

	var out []types.ScanLogEntry
	for rows.Next() {
		var (
			e           types.ScanLogEntry
			tokenID     sql.NullString
			subjectRef  sql.NullString
			result      string
			violations  string
			location    sql.NullString
			deviceInfo  sql.NullString
			scannedAtMs int64
		)
		if err := rows.Scan(
			&e.ID, &e.TenantID, &tokenID, &subjectRef, &result, &e.Reason,
			&violations, &location, &deviceInfo, &scannedAtMs,
		); err != nil {
			return nil, fmt.Errorf("List scan log scan: %w", err)
		}
		if violations != "" && violations != "[]" {
			if err := json.Unmarshal([]byte(violations), &e.Violations); err != nil {
				return nil, fmt.Errorf("decode violations: %w", err)
			}
		}
		e.TokenID = tokenID.String
		e.SubjectRef = subjectRef.String
		e.Result = types.ScanResult(result)
		e.Location = location.String
		e.DeviceInfo = deviceInfo.String
		e.Timestamp = fromMs(scannedAtMs)
		out = append(out, e)
	}
	return out, rows.Err()
}
