package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

type zoneKey struct{ tenantID, zoneID string }

// RuleStore keeps zones and rules in memory. Intended for tests and dev.
type RuleStore struct {
	mu    sync.RWMutex
	zones map[zoneKey]types.AccessZone
	rules map[string]types.AccessRule
}

func NewRuleStore() *RuleStore {
	return &RuleStore{
		zones: make(map[zoneKey]types.AccessZone),
		rules: make(map[string]types.AccessRule),
	}
}

func (s *RuleStore) UpsertZone(_ context.Context, z types.AccessZone) (types.AccessZone, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := zoneKey{z.TenantID, z.ID}
	if prev, ok := s.zones[k]; ok {
		z.CreatedAt = prev.CreatedAt
	} else if z.CreatedAt.IsZero() {
		z.CreatedAt = now
	}
	z.UpdatedAt = now
	s.zones[k] = z
	return z, nil
}

func (s *RuleStore) GetZone(_ context.Context, tenantID, zoneID string) (types.AccessZone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[zoneKey{tenantID, zoneID}]
	if !ok {
		return types.AccessZone{}, store.ErrNotFound
	}
	return z, nil
}

func (s *RuleStore) ListZones(_ context.Context, tenantID string) ([]types.AccessZone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.AccessZone
	for k, z := range s.zones {
		if k.tenantID == tenantID {
			out = append(out, z)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RuleStore) CreateRule(_ context.Context, r types.AccessRule) (types.AccessRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return r, nil
}

func (s *RuleStore) DeactivateRule(_ context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok || r.TenantID != tenantID {
		return store.ErrNotFound
	}
	r.IsActive = false
	s.rules[ruleID] = r
	return nil
}

func (s *RuleStore) ListRules(_ context.Context, tenantID string) ([]types.AccessRule, error) {
	return s.list(func(r types.AccessRule) bool { return r.TenantID == tenantID }), nil
}

func (s *RuleStore) ListActiveRules(_ context.Context, tenantID, zoneID string) ([]types.AccessRule, error) {
	return s.list(func(r types.AccessRule) bool {
		return r.TenantID == tenantID && r.IsActive && r.AppliesTo(zoneID)
	}), nil
}

func (s *RuleStore) list(keep func(types.AccessRule) bool) []types.AccessRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.AccessRule
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
