package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/limenhq/limen/internal/limen/service"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/store/memory"
	"github.com/limenhq/limen/internal/limen/token"
	"github.com/limenhq/limen/internal/limen/types"
)

// ── Granted scans ──────────────────────────────────────────────────────────

func TestScan_NoRules_GrantsAndRecords(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)

	d := env.scan(t, issued.Token, "lobby")
	if !d.AccessGranted || d.Result != types.ScanSuccess || d.Reason != types.ReasonGranted {
		t.Fatalf("decision = %+v", d)
	}
	if d.TokenID != issued.Record.ID {
		t.Errorf("token_id = %q, want %q", d.TokenID, issued.Record.ID)
	}
	if d.Subject == nil || d.Subject.ID != "u-1" || d.Subject.Type != types.SubjectUser {
		t.Errorf("subject = %+v", d.Subject)
	}
	if len(d.Permissions) != 2 {
		t.Errorf("permissions = %v", d.Permissions)
	}
	if d.ServerTime == "" {
		t.Error("expected server_time")
	}

	entries := env.scanLog.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Result != types.ScanSuccess || e.TokenID != issued.Record.ID || e.SubjectRef != "user:u-1" ||
		e.Location != "lobby" || e.DeviceInfo != "reader-1" || !e.Timestamp.Equal(tuesday0900) {
		t.Errorf("audit entry = %+v", e)
	}

	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.CurrentScans != 1 {
		t.Errorf("current_scans = %d, want 1", rec.CurrentScans)
	}
	if n := env.zoneCount(t, "lobby"); n != 1 {
		t.Errorf("lobby count = %d, want 1", n)
	}
}

func TestScan_NoLocation_SkipsOccupancy(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)

	d := env.scan(t, issued.Token, "")
	if !d.AccessGranted {
		t.Fatalf("decision = %+v", d)
	}
	counters, _ := env.tracker.CurrentOccupancy(context.Background(), types.OccupancyFilter{TenantID: "t1"})
	if len(counters) != 0 {
		t.Errorf("expected no counters, got %+v", counters)
	}
}

// ── Token verification ─────────────────────────────────────────────────────

func TestScan_GarbageToken_Invalid(t *testing.T) {
	env := newTestEnv(t)

	d := env.scan(t, "not-a-token", "lobby")
	if d.AccessGranted || d.Result != types.ScanInvalid || d.Reason != types.ReasonInvalidToken {
		t.Fatalf("decision = %+v", d)
	}
	entries := env.scanLog.Entries()
	if len(entries) != 1 || entries[0].TokenID != "" || entries[0].Result != types.ScanInvalid {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestScan_WrongKey_Invalid(t *testing.T) {
	env := newTestEnv(t)
	other, _ := token.NewCodec([]byte("ffffffffffffffffffffffffffffffff"))
	raw, err := other.Issue(token.Claims{
		TokenID: "tok-x", TenantID: "t1",
		Subject:   types.SubjectRef{Type: types.SubjectUser, ID: "u-1"},
		ValidFrom: tuesday0900.Add(-time.Hour), ValidUntil: tuesday0900.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	d := env.scan(t, raw, "")
	if d.Result != types.ScanInvalid || d.Reason != types.ReasonInvalidToken {
		t.Fatalf("decision = %+v", d)
	}
}

func TestScan_OtherTenantToken_NotValidHere(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)

	d, err := env.scans.Scan(context.Background(), types.ScanRequest{TenantID: "t2", Token: issued.Token})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if d.Result != types.ScanInvalid || d.Reason != types.ReasonWrongTenant {
		t.Fatalf("decision = %+v", d)
	}
	entries := env.scanLog.Entries()
	if len(entries) != 1 || entries[0].TenantID != "t2" {
		t.Fatalf("audit = %+v", entries)
	}
	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.CurrentScans != 0 {
		t.Error("cross-tenant scan counted")
	}
}

func TestScan_TenantInactiveOrUnknown(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)

	env.dir.PutTenant(context.Background(), types.Tenant{ID: "t1", Active: false})
	d := env.scan(t, issued.Token, "")
	if d.Result != types.ScanInvalid || d.Reason != types.ReasonTenantInactive {
		t.Fatalf("inactive tenant: %+v", d)
	}

	env2 := newTestEnv(t)
	raw, _ := env2.codec.Issue(token.Claims{
		TokenID: "tok-1", TenantID: "ghost",
		Subject:   types.SubjectRef{Type: types.SubjectUser, ID: "u-1"},
		ValidFrom: tuesday0900.Add(-time.Hour), ValidUntil: tuesday0900.Add(time.Hour),
	})
	d, err := env2.scans.Scan(context.Background(), types.ScanRequest{TenantID: "ghost", Token: raw})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if d.Reason != types.ReasonTenantInactive {
		t.Fatalf("unknown tenant: %+v", d)
	}
}

func TestScan_SignedButNeverStored_NotFound(t *testing.T) {
	env := newTestEnv(t)
	raw, _ := env.codec.Issue(token.Claims{
		TokenID: "orphan", TenantID: "t1",
		Subject:   types.SubjectRef{Type: types.SubjectUser, ID: "u-1"},
		ValidFrom: tuesday0900.Add(-time.Hour), ValidUntil: tuesday0900.Add(time.Hour),
	})

	d := env.scan(t, raw, "")
	if d.Result != types.ScanInvalid || d.Reason != types.ReasonNotFound || d.TokenID != "orphan" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestScan_MissingFields_ValidationError(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.scans.Scan(context.Background(), types.ScanRequest{Token: "x"}); !errors.Is(err, service.ErrInvalidTenantID) {
		t.Errorf("missing tenant: %v", err)
	}
	if _, err := env.scans.Scan(context.Background(), types.ScanRequest{TenantID: "t1", Token: "  "}); !errors.Is(err, service.ErrInvalidToken) {
		t.Errorf("missing token: %v", err)
	}
	if n := len(env.scanLog.Entries()); n != 0 {
		t.Errorf("validation errors wrote %d audit entries", n)
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────

func TestScan_Revoked_Denied(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)
	if _, err := env.issuer.Revoke(context.Background(), "t1", issued.Record.ID, "admin"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	d := env.scan(t, issued.Token, "lobby")
	if d.AccessGranted || d.Result != types.ScanDenied || d.Reason != types.ReasonRevoked {
		t.Fatalf("decision = %+v", d)
	}
	if n := env.zoneCount(t, "lobby"); n != 0 {
		t.Errorf("revoked scan changed occupancy to %d", n)
	}
}

func TestScan_PastValidUntil_MarksExpired(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)
	env.now = tuesday0900.Add(8 * time.Hour)

	d := env.scan(t, issued.Token, "")
	if d.Result != types.ScanExpired || d.Reason != types.ReasonExpired {
		t.Fatalf("decision = %+v", d)
	}
	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.Status != types.TokenExpired {
		t.Fatalf("status = %s, want expired", rec.Status)
	}

	// The stored status now answers on its own, even if the clock moves back.
	env.now = tuesday0900
	d = env.scan(t, issued.Token, "")
	if d.Result != types.ScanExpired || d.Reason != types.ReasonExpired {
		t.Fatalf("second decision = %+v", d)
	}
	if n := len(env.scanLog.Entries()); n != 2 {
		t.Errorf("expected 2 audit entries, got %d", n)
	}
}

func TestScan_BeforeValidFrom_NotYetValid(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)
	env.now = tuesday0900.Add(-2 * time.Hour)

	d := env.scan(t, issued.Token, "")
	if d.Result != types.ScanExpired || d.Reason != types.ReasonNotYetValid {
		t.Fatalf("decision = %+v", d)
	}
	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.Status != types.TokenActive || rec.CurrentScans != 0 {
		t.Fatalf("record changed: %+v", rec)
	}
}

func TestScan_OutsideValidity_IgnoresRules(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)
	env.rule(t, types.AccessRule{TimeRestrictions: &types.TimeWindow{Start: 0, End: 1}})
	env.now = tuesday0900.Add(10 * time.Hour)

	d := env.scan(t, issued.Token, "")
	if d.Result != types.ScanExpired || len(d.Violations) != 0 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestScan_MaxScans_ThenUsedUp(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, intPtr(2))

	for i := 0; i < 2; i++ {
		if d := env.scan(t, issued.Token, ""); !d.AccessGranted {
			t.Fatalf("scan %d: %+v", i+1, d)
		}
	}
	d := env.scan(t, issued.Token, "")
	if d.Result != types.ScanUsedUp || d.Reason != types.ReasonUsedUp {
		t.Fatalf("third scan = %+v", d)
	}
	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.CurrentScans != 2 || rec.Status != types.TokenUsedUp {
		t.Fatalf("record = %+v", rec)
	}
}

// ── Rules ──────────────────────────────────────────────────────────────────

func TestScan_WeekdayBusinessHours(t *testing.T) {
	env := newTestEnv(t)
	env.zone(t, "lobby", true)
	env.rule(t, types.AccessRule{
		ZoneID:           "lobby",
		TimeRestrictions: &types.TimeWindow{Start: 8 * 60, End: 18 * 60},
		DayRestrictions:  []int{1, 2, 3, 4, 5},
	})

	env.now = saturday1000
	sat := env.issue(t, nil)
	d := env.scan(t, sat.Token, "lobby")
	if d.AccessGranted || d.Result != types.ScanRestricted || !hasViolation(d, types.ViolationDay) {
		t.Fatalf("saturday 10:00: %+v", d)
	}
	if hasViolation(d, types.ViolationOutsideHours) {
		t.Errorf("10:00 reported outside hours")
	}

	env.now = tuesday0900
	tue := env.issue(t, nil)
	if d := env.scan(t, tue.Token, "lobby"); !d.AccessGranted {
		t.Fatalf("tuesday 09:00: %+v", d)
	}
}

func TestScan_RestrictedAuditCarriesViolations(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)
	env.rule(t, types.AccessRule{
		TimeRestrictions: &types.TimeWindow{Start: 20 * 60, End: 22 * 60},
		DayRestrictions:  []int{0},
	})

	d := env.scan(t, issued.Token, "")
	if len(d.Violations) != 2 {
		t.Fatalf("violations = %+v", d.Violations)
	}
	entries := env.scanLog.Entries()
	if len(entries) != 1 || entries[0].Result != types.ScanRestricted || len(entries[0].Violations) != 2 {
		t.Fatalf("audit = %+v", entries)
	}
	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.CurrentScans != 0 {
		t.Error("restricted scan was counted")
	}
}

func TestScan_Conjunctive(t *testing.T) {
	env := newTestEnv(t)
	env.zone(t, "lobby", true)
	passing := []types.AccessRule{
		{ZoneID: "lobby", TimeRestrictions: &types.TimeWindow{Start: 8 * 60, End: 18 * 60}},
		{DayRestrictions: []int{2}},
		{Eligibility: types.Eligibility{MembershipTypes: []string{"hot-desk"}}},
	}
	for _, r := range passing {
		env.rule(t, r)
	}
	if d := env.scan(t, env.issue(t, nil).Token, "lobby"); !d.AccessGranted {
		t.Fatalf("passing set denied: %+v", d)
	}

	// One violating rule is enough to deny.
	bad := env.rule(t, types.AccessRule{Eligibility: types.Eligibility{PlanTypes: []string{"enterprise"}}})
	d := env.scan(t, env.issue(t, nil).Token, "lobby")
	if d.AccessGranted || len(d.Violations) != 1 || d.Violations[0].RuleID != bad.ID {
		t.Fatalf("with violating rule: %+v", d)
	}

	// Removing every rule opens the door again.
	rules, _ := env.rules.ListRules(context.Background(), "t1")
	for _, r := range rules {
		if err := env.rules.DeactivateRule(context.Background(), "t1", r.ID); err != nil {
			t.Fatalf("DeactivateRule: %v", err)
		}
	}
	if d := env.scan(t, env.issue(t, nil).Token, "lobby"); !d.AccessGranted {
		t.Fatalf("no rules denied: %+v", d)
	}
}

func TestScan_CapacityThenExit(t *testing.T) {
	env := newTestEnv(t)
	env.zone(t, "lounge", true)
	env.rule(t, types.AccessRule{ZoneID: "lounge", MaxOccupancy: intPtr(5)})
	for i := 0; i < 5; i++ {
		if _, err := env.tracker.ApplyEvent(context.Background(), types.ZoneKey("t1", "lounge"), types.ActionEntry); err != nil {
			t.Fatalf("entry: %v", err)
		}
	}

	d := env.scan(t, env.issue(t, nil).Token, "lounge")
	if d.AccessGranted || !hasViolation(d, types.ViolationCapacity) {
		t.Fatalf("at capacity: %+v", d)
	}
	if n := env.zoneCount(t, "lounge"); n != 5 {
		t.Fatalf("denied scan moved count to %d", n)
	}

	c, err := env.tracker.ApplyEvent(context.Background(), types.ZoneKey("t1", "lounge"), types.ActionExit)
	if err != nil || c.CurrentCount != 4 {
		t.Fatalf("exit: %+v, %v", c, err)
	}

	if d := env.scan(t, env.issue(t, nil).Token, "lounge"); !d.AccessGranted {
		t.Fatalf("after exit: %+v", d)
	}
	if n := env.zoneCount(t, "lounge"); n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}

func TestScan_InactiveZone(t *testing.T) {
	env := newTestEnv(t)
	env.zone(t, "vault", false)

	d := env.scan(t, env.issue(t, nil).Token, "vault")
	if d.AccessGranted || !hasViolation(d, types.ViolationZoneInactive) {
		t.Fatalf("decision = %+v", d)
	}
}

func TestScan_EligibilityUnknownSubject(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, types.AccessRule{Eligibility: types.Eligibility{MembershipTypes: []string{"hot-desk"}}})

	out, err := env.issuer.Issue(context.Background(), service.IssueRequest{
		TenantID: "t1",
		Subject:  types.SubjectRef{Type: types.SubjectVisitor, ID: "guest-9"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	d := env.scan(t, out.Token, "")
	if d.AccessGranted || !hasViolation(d, types.ViolationNotEligible) {
		t.Fatalf("visitor decision = %+v", d)
	}
}

// ── Concurrency ────────────────────────────────────────────────────────────

func TestScan_MaxScansOne_TwoConcurrentScans(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, intPtr(1))

	results := make([]types.ScanResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := env.scans.Scan(context.Background(), types.ScanRequest{TenantID: "t1", Token: issued.Token})
			if err != nil {
				t.Errorf("Scan: %v", err)
				return
			}
			results[i] = d.Result
		}(i)
	}
	wg.Wait()

	counts := map[types.ScanResult]int{}
	for _, r := range results {
		counts[r]++
	}
	if counts[types.ScanSuccess] != 1 || counts[types.ScanUsedUp] != 1 {
		t.Fatalf("results = %v", results)
	}
}

func TestScan_ConcurrentScansNeverExceedMax(t *testing.T) {
	env := newTestEnv(t)
	const limit, workers = 10, 64
	issued := env.issue(t, intPtr(limit))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := env.scans.Scan(context.Background(), types.ScanRequest{TenantID: "t1", Token: issued.Token, Location: "lobby"})
			if err != nil {
				t.Errorf("Scan: %v", err)
				return
			}
			if d.AccessGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			} else if d.Result != types.ScanUsedUp {
				t.Errorf("unexpected denial: %+v", d)
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Fatalf("granted %d scans, want %d", granted, limit)
	}
	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.CurrentScans != limit || rec.Status != types.TokenUsedUp {
		t.Fatalf("record = %+v", rec)
	}
	if n := env.zoneCount(t, "lobby"); n != limit {
		t.Errorf("lobby count = %d, want %d", n, limit)
	}
	if n := len(env.scanLog.Entries()); n != workers {
		t.Errorf("audit entries = %d, want %d", n, workers)
	}
}

// ── Failures ───────────────────────────────────────────────────────────────

var errDisk = errors.New("disk I/O error")

type failingTokenStore struct{ store.TokenStore }

func (failingTokenStore) FindByTenantAndCode(context.Context, string, string) (types.AccessToken, error) {
	return types.AccessToken{}, errDisk
}

func TestScan_StoreFailure_IsTransient(t *testing.T) {
	inner := memory.NewTokenStore()
	env := newTestEnv(t, func(o *envOptions) { o.tokens = failingTokenStore{inner} })
	issued := env.issue(t, nil)

	d, err := env.scans.Scan(context.Background(), types.ScanRequest{TenantID: "t1", Token: issued.Token, Location: "lobby"})
	if !errors.Is(err, service.ErrTransientStore) || !errors.Is(err, errDisk) {
		t.Fatalf("err = %v", err)
	}
	if d.AccessGranted || d.Result != "" {
		t.Errorf("decision on failure = %+v", d)
	}
	entries := env.scanLog.Entries()
	if len(entries) != 1 || entries[0].Reason != types.ReasonStoreUnavailable {
		t.Fatalf("audit = %+v", entries)
	}
	if n := env.zoneCount(t, "lobby"); n != 0 {
		t.Errorf("failed scan moved occupancy to %d", n)
	}
}

type failingScanLog struct{}

func (failingScanLog) Append(context.Context, types.ScanLogEntry) error { return errDisk }
func (failingScanLog) List(context.Context, types.ScanLogFilter) ([]types.ScanLogEntry, error) {
	return nil, errDisk
}

func TestScan_AuditFailure_DoesNotChangeDecision(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.scanLog = failingScanLog{} })
	issued := env.issue(t, nil)

	d := env.scan(t, issued.Token, "")
	if !d.AccessGranted {
		t.Fatalf("decision = %+v", d)
	}
}

type failingEntryStore struct{ *memory.OccupancyStore }

func (failingEntryStore) ApplyEvent(context.Context, types.OccupancyKey, types.OccupancyAction, time.Time) (types.OccupancyCounter, error) {
	return types.OccupancyCounter{}, errDisk
}

func TestScan_OccupancyFailureAfterCommit_StillGranted(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.occupancy = failingEntryStore{memory.NewOccupancyStore()} })
	issued := env.issue(t, intPtr(3))

	d := env.scan(t, issued.Token, "lobby")
	if !d.AccessGranted || d.Reason != types.ReasonOccupancyMissing {
		t.Fatalf("decision = %+v", d)
	}
	rec, _ := env.tokens.FindByTenantAndCode(context.Background(), "t1", issued.Record.ID)
	if rec.CurrentScans != 1 {
		t.Errorf("current_scans = %d, want 1", rec.CurrentScans)
	}
	entries := env.scanLog.Entries()
	if len(entries) != 1 || entries[0].Reason != types.ReasonOccupancyMissing {
		t.Fatalf("audit = %+v", entries)
	}
}

// ── Audit read ─────────────────────────────────────────────────────────────

func TestListScans_TenantScopedNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, nil)
	env.scan(t, "garbage", "")
	env.scan(t, issued.Token, "")

	got, err := env.scans.ListScans(context.Background(), types.ScanLogFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(got) != 2 || got[0].Result != types.ScanSuccess || got[1].Result != types.ScanInvalid {
		t.Fatalf("entries = %+v", got)
	}
	if _, err := env.scans.ListScans(context.Background(), types.ScanLogFilter{}); !errors.Is(err, service.ErrInvalidTenantID) {
		t.Errorf("missing tenant: %v", err)
	}
}
