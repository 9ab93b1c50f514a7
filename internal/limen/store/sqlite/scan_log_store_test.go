package sqlite_test

import (
	"context"
	"testing"
	"time"

	sqlitestore "github.com/limenhq/limen/internal/limen/store/sqlite"
	"github.com/limenhq/limen/internal/limen/types"
)

func TestScanLogStore_AppendAndList(t *testing.T) {
	conn := openTestDB(t)
	ls := sqlitestore.NewScanLogStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	entries := []types.ScanLogEntry{
		{TenantID: "t1", TokenID: "tok-1", SubjectRef: "user:u-1", Result: types.ScanSuccess, Reason: types.ReasonGranted, Location: "lobby", Timestamp: baseTime},
		{TenantID: "t1", Result: types.ScanInvalid, Reason: types.ReasonInvalidToken, DeviceInfo: "reader-2", Timestamp: baseTime.Add(time.Minute)},
		{TenantID: "t1", TokenID: "tok-1", Result: types.ScanRestricted, Reason: types.ReasonRestricted,
			Violations: []string{types.ViolationOutsideHours, types.ViolationDay}, Timestamp: baseTime.Add(2 * time.Minute)},
		{TenantID: "t2", TokenID: "tok-9", Result: types.ScanSuccess, Reason: types.ReasonGranted, Timestamp: baseTime},
	}
	for _, e := range entries {
		if err := ls.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := ls.List(ctx, types.ScanLogFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Result != types.ScanRestricted || len(got[0].Violations) != 2 {
		t.Errorf("newest entry = %+v", got[0])
	}
	if got[1].TokenID != "" || got[1].DeviceInfo != "reader-2" {
		t.Errorf("invalid-token entry = %+v", got[1])
	}
	if got[2].Location != "lobby" || got[2].SubjectRef != "user:u-1" || !got[2].Timestamp.Equal(baseTime) {
		t.Errorf("oldest entry = %+v", got[2])
	}

	byToken, _ := ls.List(ctx, types.ScanLogFilter{TenantID: "t1", TokenID: "tok-1", Result: types.ScanSuccess})
	if len(byToken) != 1 {
		t.Errorf("filtered by token+result: %d entries", len(byToken))
	}
	limited, _ := ls.List(ctx, types.ScanLogFilter{TenantID: "t1", Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d", len(limited))
	}
	since, _ := ls.List(ctx, types.ScanLogFilter{TenantID: "t1", Since: baseTime.Add(30 * time.Second)})
	if len(since) != 2 {
		t.Errorf("since filter returned %d", len(since))
	}
}

func TestScanLogStore_AppendOnly(t *testing.T) {
	conn := openTestDB(t)
	ls := sqlitestore.NewScanLogStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	if err := ls.Append(ctx, types.ScanLogEntry{TenantID: "t1", Result: types.ScanSuccess, Timestamp: baseTime}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := conn.ExecContext(ctx, `UPDATE scan_log SET reason = 'edited'`); err == nil {
		t.Error("expected UPDATE on scan_log to fail")
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM scan_log`); err == nil {
		t.Error("expected DELETE on scan_log to fail")
	}

	got, _ := ls.List(ctx, types.ScanLogFilter{TenantID: "t1"})
	if len(got) != 1 || got[0].Reason != "" {
		t.Errorf("log changed: %+v", got)
	}
}
