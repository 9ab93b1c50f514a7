package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/limenhq/limen/internal/limen/service"
	"github.com/limenhq/limen/internal/limen/store/memory"
	"github.com/limenhq/limen/internal/limen/types"
)

func TestExpirySweeper_DisabledWhenIntervalZero(t *testing.T) {
	sw := service.NewExpirySweeper(memory.NewTokenStore(), 0, silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw.Start(ctx)
	// Stop should return immediately.
	sw.Stop()
}

func TestExpirySweeper_SweepExpiresOnlyStaleActive(t *testing.T) {
	ts := memory.NewTokenStore()
	ctx := context.Background()

	mk := func(id string, until time.Time) {
		if _, err := ts.Create(ctx, types.AccessToken{
			ID: id, TenantID: "t1",
			Subject:   types.SubjectRef{Type: types.SubjectUser, ID: "u"},
			ValidFrom: until.Add(-time.Hour), ValidUntil: until,
		}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	mk("stale", tuesday0900.Add(-time.Minute))
	mk("live", tuesday0900.Add(time.Hour))

	sw := service.NewExpirySweeper(ts, time.Hour, silentLogger())
	sw.SetNow(func() time.Time { return tuesday0900 })

	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if n := sw.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep expired %d, want 0", n)
	}

	stale, _ := ts.FindByTenantAndCode(ctx, "t1", "stale")
	live, _ := ts.FindByTenantAndCode(ctx, "t1", "live")
	if stale.Status != types.TokenExpired || live.Status != types.TokenActive {
		t.Fatalf("stale=%s live=%s", stale.Status, live.Status)
	}
}

func TestExpirySweeper_StartRunsImmediatelyAndStops(t *testing.T) {
	ts := memory.NewTokenStore()
	ctx := context.Background()
	if _, err := ts.Create(ctx, types.AccessToken{
		ID: "stale", TenantID: "t1",
		Subject:   types.SubjectRef{Type: types.SubjectUser, ID: "u"},
		ValidFrom: tuesday0900.Add(-2 * time.Hour), ValidUntil: tuesday0900.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sw := service.NewExpirySweeper(ts, time.Hour, silentLogger())
	sw.SetNow(func() time.Time { return tuesday0900 })
	sw.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		tok, _ := ts.FindByTenantAndCode(ctx, "t1", "stale")
		if tok.Status == types.TokenExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup sweep did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sw.Stop()
}
