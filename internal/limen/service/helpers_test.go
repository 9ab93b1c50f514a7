package service_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/service"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/store/memory"
	"github.com/limenhq/limen/internal/limen/token"
	"github.com/limenhq/limen/internal/limen/types"
)

const testKey = "0123456789abcdef0123456789abcdef"

// Tuesday 2026-03-10 09:00 UTC.
var tuesday0900 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// Saturday 2026-03-14 10:00 UTC.
var saturday1000 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func intPtr(n int) *int { return &n }

type envOptions struct {
	tokens    store.TokenStore
	occupancy store.OccupancyStore
	scanLog   store.ScanLogStore
	directory store.Directory
}

// testEnv wires every scan-path component over in-memory stores. Tenant
// "t1" is active; subject user:u-1 holds membership "hot-desk", plan
// "monthly" and role "member".
type testEnv struct {
	now time.Time

	codec     *token.Codec
	tokens    *memory.TokenStore
	rules     *memory.RuleStore
	occupancy *memory.OccupancyStore
	scanLog   *memory.ScanLogStore
	dir       *memory.Directory

	issuer  *service.TokenService
	tracker *service.OccupancyTracker
	scans   *service.ScanService
}

func newTestEnv(t *testing.T, opts ...func(*envOptions)) *testEnv {
	t.Helper()

	codec, err := token.NewCodec([]byte(testKey))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	env := &testEnv{
		now:       tuesday0900,
		codec:     codec,
		tokens:    memory.NewTokenStore(),
		rules:     memory.NewRuleStore(),
		occupancy: memory.NewOccupancyStore(),
		scanLog:   memory.NewScanLogStore(),
		dir:       memory.NewDirectory(),
	}
	env.dir.PutTenant(context.Background(), types.Tenant{ID: "t1", Name: "Acme Works", Active: true})
	env.dir.PutSubject(context.Background(), "t1", types.Subject{
		Ref:         types.SubjectRef{Type: types.SubjectUser, ID: "u-1"},
		Memberships: []string{"hot-desk"},
		Plans:       []string{"monthly"},
		Role:        "member",
	})

	o := envOptions{tokens: env.tokens, occupancy: env.occupancy, scanLog: env.scanLog, directory: env.dir}
	for _, fn := range opts {
		fn(&o)
	}

	clock := func() time.Time { return env.now }
	log := silentLogger()

	env.issuer = service.NewTokenService(codec, o.tokens, time.Hour, log)
	env.issuer.SetNow(clock)

	env.tracker = service.NewOccupancyTracker(o.occupancy, log)
	env.tracker.SetNow(clock)

	evaluator := service.NewRuleEvaluator(env.rules, o.directory, env.tracker, time.UTC)
	env.scans = service.NewScanService(service.ScanDeps{
		Codec:     codec,
		Tokens:    o.tokens,
		Directory: o.directory,
		Evaluator: evaluator,
		Occupancy: env.tracker,
		ScanLog:   o.scanLog,
		Logger:    log,
	})
	env.scans.SetNow(clock)
	return env
}

// issue creates a token for user:u-1 in t1, valid from one hour before the
// env clock for eight hours.
func (e *testEnv) issue(t *testing.T, maxScans *int) service.IssuedToken {
	t.Helper()
	out, err := e.issuer.Issue(t.Context(), service.IssueRequest{
		TenantID:    "t1",
		Subject:     types.SubjectRef{Type: types.SubjectUser, ID: "u-1"},
		Permissions: []string{"desk", "printer"},
		ValidFrom:   e.now.Add(-time.Hour),
		ValidUntil:  e.now.Add(7 * time.Hour),
		MaxScans:    maxScans,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return out
}

func (e *testEnv) zone(t *testing.T, id string, active bool) {
	t.Helper()
	if _, err := e.rules.UpsertZone(t.Context(), types.AccessZone{ID: id, TenantID: "t1", Name: id, IsActive: active}); err != nil {
		t.Fatalf("UpsertZone: %v", err)
	}
}

func (e *testEnv) rule(t *testing.T, r types.AccessRule) types.AccessRule {
	t.Helper()
	if r.TenantID == "" {
		r.TenantID = "t1"
	}
	r.IsActive = true
	out, err := e.rules.CreateRule(t.Context(), r)
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	return out
}

func (e *testEnv) scan(t *testing.T, tok, location string) types.ScanDecision {
	t.Helper()
	d, err := e.scans.Scan(t.Context(), types.ScanRequest{TenantID: "t1", Token: tok, Location: location, DeviceInfo: "reader-1"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return d
}

func (e *testEnv) zoneCount(t *testing.T, zoneID string) int {
	t.Helper()
	n, err := e.tracker.ZoneCount(t.Context(), "t1", zoneID)
	if err != nil {
		t.Fatalf("ZoneCount: %v", err)
	}
	return n
}

func hasViolation(d types.ScanDecision, reason string) bool {
	for _, v := range d.Violations {
		if v.Reason == reason {
			return true
		}
	}
	return false
}
