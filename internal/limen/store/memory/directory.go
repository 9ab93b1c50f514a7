package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

type subjectKey struct {
	tenantID string
	ref      types.SubjectRef
}

// Directory is a static in-memory stand-in for the Identity & Tenant
// Directory.
type Directory struct {
	mu       sync.RWMutex
	tenants  map[string]types.Tenant
	subjects map[subjectKey]types.Subject
}

func NewDirectory() *Directory {
	return &Directory{
		tenants:  make(map[string]types.Tenant),
		subjects: make(map[subjectKey]types.Subject),
	}
}

func (d *Directory) PutTenant(_ context.Context, t types.Tenant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
	return nil
}

// PutSubject replaces the subject's entitlements. A subject with none is
// removed, matching the sqlite mirror.
func (d *Directory) PutSubject(_ context.Context, tenantID string, s types.Subject) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := subjectKey{tenantID, s.Ref}
	if len(s.Memberships) == 0 && len(s.Plans) == 0 && s.Role == "" {
		delete(d.subjects, k)
		return nil
	}
	s.Memberships = slices.Clone(s.Memberships)
	s.Plans = slices.Clone(s.Plans)
	d.subjects[k] = s
	return nil
}

func (d *Directory) Tenant(_ context.Context, tenantID string) (types.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return types.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (d *Directory) Subject(_ context.Context, tenantID string, ref types.SubjectRef) (types.Subject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.subjects[subjectKey{tenantID, ref}]
	if !ok {
		return types.Subject{}, store.ErrNotFound
	}
	return s, nil
}
