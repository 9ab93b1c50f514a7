package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

type tokenCell struct {
	tenantID string

	mu  sync.Mutex
	tok types.AccessToken
}

// TokenStore keeps tokens in memory. The map lock only guards lookups;
// every mutation takes the lock of the single token it touches.
type TokenStore struct {
	mu    sync.RWMutex
	cells map[string]*tokenCell
}

func NewTokenStore() *TokenStore {
	return &TokenStore{cells: make(map[string]*tokenCell)}
}

func (s *TokenStore) Create(_ context.Context, tok types.AccessToken) (types.AccessToken, error) {
	tok.Status = types.TokenActive
	tok.CurrentScans = 0
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	tok = cloneToken(tok)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[tok.ID] = &tokenCell{tenantID: tok.TenantID, tok: tok}
	return cloneToken(tok), nil
}

func (s *TokenStore) cell(tenantID, id string) (*tokenCell, error) {
	s.mu.RLock()
	c, ok := s.cells[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	if c.tenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *TokenStore) FindByTenantAndCode(_ context.Context, tenantID, code string) (types.AccessToken, error) {
	c, err := s.cell(tenantID, code)
	if err != nil {
		return types.AccessToken{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneToken(c.tok), nil
}

func (s *TokenStore) IncrementScan(_ context.Context, tenantID, id string) (types.AccessToken, error) {
	c, err := s.cell(tenantID, id)
	if err != nil {
		return types.AccessToken{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Status != types.TokenActive || c.tok.Exhausted() {
		return cloneToken(c.tok), store.ErrScanLimitReached
	}
	c.tok.RecordScan()
	return cloneToken(c.tok), nil
}

func (s *TokenStore) Revoke(_ context.Context, tenantID, id, revokedBy string, at time.Time) (types.AccessToken, error) {
	c, err := s.cell(tenantID, id)
	if err != nil {
		return types.AccessToken{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.tok.Status {
	case types.TokenRevoked:
		return cloneToken(c.tok), nil
	case types.TokenActive:
		at = at.UTC()
		c.tok.Status = types.TokenRevoked
		c.tok.RevokedBy = revokedBy
		c.tok.RevokedAt = &at
		return cloneToken(c.tok), nil
	default:
		return cloneToken(c.tok), store.ErrTerminalStatus
	}
}

func (s *TokenStore) MarkExpired(_ context.Context, tenantID, id string) (types.AccessToken, error) {
	return s.transition(tenantID, id, types.TokenExpired)
}

func (s *TokenStore) MarkUsedUp(_ context.Context, tenantID, id string) (types.AccessToken, error) {
	return s.transition(tenantID, id, types.TokenUsedUp)
}

func (s *TokenStore) transition(tenantID, id string, to types.TokenStatus) (types.AccessToken, error) {
	c, err := s.cell(tenantID, id)
	if err != nil {
		return types.AccessToken{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Status == types.TokenActive {
		c.tok.Status = to
	}
	return cloneToken(c.tok), nil
}

func (s *TokenStore) ExpireStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	cells := make([]*tokenCell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	var n int64
	for _, c := range cells {
		c.mu.Lock()
		if c.tok.Status == types.TokenActive && c.tok.ValidUntil.Before(cutoff) {
			c.tok.Status = types.TokenExpired
			n++
		}
		c.mu.Unlock()
	}
	return n, nil
}

func cloneToken(t types.AccessToken) types.AccessToken {
	t.Permissions = slices.Clone(t.Permissions)
	if t.MaxScans != nil {
		v := *t.MaxScans
		t.MaxScans = &v
	}
	return t
}
