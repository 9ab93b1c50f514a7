package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

// RuleService is the admin surface for zones and rules.
type RuleService struct {
	rules store.RuleStore
	log   logrus.FieldLogger
}

func NewRuleService(rules store.RuleStore, log logrus.FieldLogger) *RuleService {
	return &RuleService{rules: rules, log: log}
}

func (s *RuleService) UpsertZone(ctx context.Context, z types.AccessZone) (types.AccessZone, error) {
	z.TenantID = strings.TrimSpace(z.TenantID)
	z.ID = strings.TrimSpace(z.ID)
	if z.TenantID == "" {
		return types.AccessZone{}, ErrInvalidTenantID
	}
	if z.ID == "" {
		return types.AccessZone{}, ErrInvalidZoneID
	}
	out, err := s.rules.UpsertZone(ctx, z)
	if err != nil {
		return types.AccessZone{}, fmt.Errorf("UpsertZone: %w", err)
	}
	s.log.WithFields(logrus.Fields{"tenant_id": out.TenantID, "zone_id": out.ID, "active": out.IsActive}).Info("zone saved")
	return out, nil
}

func (s *RuleService) ListZones(ctx context.Context, tenantID string) ([]types.AccessZone, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidTenantID
	}
	return s.rules.ListZones(ctx, strings.TrimSpace(tenantID))
}

// CreateRule validates r and stores it. A zone-scoped rule must reference a
// zone of the same tenant.
func (s *RuleService) CreateRule(ctx context.Context, r types.AccessRule) (types.AccessRule, error) {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.ZoneID = strings.TrimSpace(r.ZoneID)
	if r.TenantID == "" {
		return types.AccessRule{}, ErrInvalidTenantID
	}
	if err := r.Validate(); err != nil {
		return types.AccessRule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	if r.ZoneID != "" {
		if _, err := s.rules.GetZone(ctx, r.TenantID, r.ZoneID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return types.AccessRule{}, ErrUnknownZone
			}
			return types.AccessRule{}, fmt.Errorf("CreateRule zone lookup: %w", err)
		}
	}
	// Client-supplied ids and timestamps are ignored.
	r.ID = ""
	r.CreatedAt = time.Time{}

	out, err := s.rules.CreateRule(ctx, r)
	if err != nil {
		return types.AccessRule{}, fmt.Errorf("CreateRule: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"tenant_id": out.TenantID,
		"rule_id":   out.ID,
		"zone_id":   out.ZoneID,
		"priority":  out.Priority,
	}).Info("rule created")
	return out, nil
}

func (s *RuleService) DeactivateRule(ctx context.Context, tenantID, ruleID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrInvalidTenantID
	}
	if err := s.rules.DeactivateRule(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(ruleID)); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"tenant_id": tenantID, "rule_id": ruleID}).Info("rule deactivated")
	return nil
}

func (s *RuleService) ListRules(ctx context.Context, tenantID string) ([]types.AccessRule, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidTenantID
	}
	return s.rules.ListRules(ctx, strings.TrimSpace(tenantID))
}
