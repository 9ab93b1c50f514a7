package memory

import (
	"context"
	"sync"
	"time"

	"github.com/limenhq/limen/internal/limen/types"
)

// ScanLogStore is an in-memory append-only log of scan attempts.
// It is intended for use in tests and dev environments.
type ScanLogStore struct {
	mu      sync.Mutex
	entries []types.ScanLogEntry
}

func NewScanLogStore() *ScanLogStore {
	return &ScanLogStore{}
}

func (s *ScanLogStore) Append(_ context.Context, e types.ScanLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.entries) + 1)
	s.entries = append(s.entries, e)
	return nil
}

// List returns matching entries newest first.
func (s *ScanLogStore) List(_ context.Context, f types.ScanLogFilter) ([]types.ScanLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ScanLogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.TenantID != f.TenantID {
			continue
		}
		if f.TokenID != "" && e.TokenID != f.TokenID {
			continue
		}
		if f.Result != "" && e.Result != f.Result {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Entries returns a copy of all recorded entries.  Test-only helper.
func (s *ScanLogStore) Entries() []types.ScanLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScanLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
