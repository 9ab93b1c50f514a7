package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

// DirectoryService accepts pushes from the Identity & Tenant Directory
// into the local mirror the scan path reads.
type DirectoryService struct {
	dir store.DirectoryWriter
	log logrus.FieldLogger
}

func NewDirectoryService(dir store.DirectoryWriter, log logrus.FieldLogger) *DirectoryService {
	return &DirectoryService{dir: dir, log: log}
}

func (s *DirectoryService) PutTenant(ctx context.Context, t types.Tenant) (types.Tenant, error) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return types.Tenant{}, ErrInvalidTenantID
	}
	if err := s.dir.PutTenant(ctx, t); err != nil {
		return types.Tenant{}, transient("PutTenant", err)
	}
	s.log.WithFields(logrus.Fields{"tenant_id": t.ID, "active": t.Active}).Info("tenant synced")
	return t, nil
}

// PutSubject replaces the entitlements of one subject. Empty values are
// dropped; a subject left with none can no longer pass any rule.
func (s *DirectoryService) PutSubject(ctx context.Context, tenantID string, sub types.Subject) (types.Subject, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return types.Subject{}, ErrInvalidTenantID
	}
	sub.Ref.ID = strings.TrimSpace(sub.Ref.ID)
	if !sub.Ref.Type.Valid() || sub.Ref.ID == "" {
		return types.Subject{}, ErrInvalidSubject
	}
	sub.Memberships = compact(sub.Memberships)
	sub.Plans = compact(sub.Plans)
	sub.Role = strings.TrimSpace(sub.Role)

	if err := s.dir.PutSubject(ctx, tenantID, sub); err != nil {
		return types.Subject{}, transient("PutSubject", err)
	}
	s.log.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"subject":      sub.Ref.String(),
		"memberships":  len(sub.Memberships),
		"plans":        len(sub.Plans),
		"role_present": sub.Role != "",
	}).Info("subject synced")
	return sub, nil
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
