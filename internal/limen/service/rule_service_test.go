package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/limenhq/limen/internal/limen/service"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/store/memory"
	"github.com/limenhq/limen/internal/limen/types"
)

func TestRuleService_ZoneAndRuleLifecycle(t *testing.T) {
	svc := service.NewRuleService(memory.NewRuleStore(), silentLogger())
	ctx := context.Background()

	z, err := svc.UpsertZone(ctx, types.AccessZone{ID: " lobby ", TenantID: "t1", Name: "Lobby", IsActive: true})
	if err != nil {
		t.Fatalf("UpsertZone: %v", err)
	}
	if z.ID != "lobby" {
		t.Errorf("zone id = %q", z.ID)
	}

	r, err := svc.CreateRule(ctx, types.AccessRule{
		ID:               "client-chosen",
		TenantID:         "t1",
		ZoneID:           "lobby",
		TimeRestrictions: &types.TimeWindow{Start: 480, End: 1080},
		IsActive:         true,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if r.ID == "client-chosen" || r.ID == "" {
		t.Errorf("rule id = %q, want generated", r.ID)
	}

	if err := svc.DeactivateRule(ctx, "t1", r.ID); err != nil {
		t.Fatalf("DeactivateRule: %v", err)
	}
	rules, _ := svc.ListRules(ctx, "t1")
	if len(rules) != 1 || rules[0].IsActive {
		t.Fatalf("rules = %+v", rules)
	}
	zones, _ := svc.ListZones(ctx, "t1")
	if len(zones) != 1 {
		t.Fatalf("zones = %+v", zones)
	}
}

func TestRuleService_CreateRuleValidation(t *testing.T) {
	svc := service.NewRuleService(memory.NewRuleStore(), silentLogger())
	ctx := context.Background()
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	cases := []struct {
		name string
		rule types.AccessRule
		want error
	}{
		{"no tenant", types.AccessRule{}, service.ErrInvalidTenantID},
		{"bad window", types.AccessRule{TenantID: "t1", TimeRestrictions: &types.TimeWindow{Start: 0, End: 1440}}, service.ErrInvalidRule},
		{"bad day", types.AccessRule{TenantID: "t1", DayRestrictions: []int{7}}, service.ErrInvalidRule},
		{"negative occupancy", types.AccessRule{TenantID: "t1", MaxOccupancy: intPtr(-1)}, service.ErrInvalidRule},
		{"inverted validity", types.AccessRule{TenantID: "t1", ValidFrom: &from, ValidTo: &to}, service.ErrInvalidRule},
		{"unknown zone", types.AccessRule{TenantID: "t1", ZoneID: "nowhere"}, service.ErrUnknownZone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateRule(ctx, tc.rule); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if err := svc.DeactivateRule(ctx, "t1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deactivate missing: %v", err)
	}
	if _, err := svc.UpsertZone(ctx, types.AccessZone{TenantID: "t1"}); !errors.Is(err, service.ErrInvalidZoneID) {
		t.Errorf("zone without id: %v", err)
	}
}
