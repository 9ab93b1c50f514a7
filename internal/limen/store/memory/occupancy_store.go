package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/limenhq/limen/internal/limen/types"
)

type counterCell struct {
	mu sync.Mutex
	c  types.OccupancyCounter
}

// OccupancyStore is an arena of per-key counters. Each counter has its own
// lock; unrelated zones never contend.
type OccupancyStore struct {
	mu    sync.RWMutex
	cells map[types.OccupancyKey]*counterCell
}

func NewOccupancyStore() *OccupancyStore {
	return &OccupancyStore{cells: make(map[types.OccupancyKey]*counterCell)}
}

// cellFor returns the counter for key, creating it on first use.
func (s *OccupancyStore) cellFor(key types.OccupancyKey) *counterCell {
	s.mu.RLock()
	c, ok := s.cells[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[key]; ok {
		return c
	}
	c = &counterCell{c: types.OccupancyCounter{Key: key}}
	s.cells[key] = c
	return c
}

func (s *OccupancyStore) ApplyEvent(_ context.Context, key types.OccupancyKey, action types.OccupancyAction, at time.Time) (types.OccupancyCounter, error) {
	if err := key.Validate(); err != nil {
		return types.OccupancyCounter{}, err
	}
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Apply(action, at)
	return cloneCounter(c.c), nil
}

func (s *OccupancyStore) SetCapacity(_ context.Context, key types.OccupancyKey, capacity *int, at time.Time) (types.OccupancyCounter, error) {
	if err := key.Validate(); err != nil {
		return types.OccupancyCounter{}, err
	}
	c := s.cellFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if capacity != nil {
		v := *capacity
		capacity = &v
	}
	c.c.MaxCapacity = capacity
	c.c.UpdatedAt = at.UTC()
	return cloneCounter(c.c), nil
}

func (s *OccupancyStore) CurrentOccupancy(_ context.Context, f types.OccupancyFilter) ([]types.OccupancyCounter, error) {
	s.mu.RLock()
	var cells []*counterCell
	for k, c := range s.cells {
		if f.Match(k) {
			cells = append(cells, c)
		}
	}
	s.mu.RUnlock()

	out := make([]types.OccupancyCounter, 0, len(cells))
	for _, c := range cells {
		c.mu.Lock()
		out = append(out, cloneCounter(c.c))
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func cloneCounter(c types.OccupancyCounter) types.OccupancyCounter {
	if c.MaxCapacity != nil {
		v := *c.MaxCapacity
		c.MaxCapacity = &v
	}
	if c.LastEntry != nil {
		v := *c.LastEntry
		c.LastEntry = &v
	}
	if c.LastExit != nil {
		v := *c.LastExit
		c.LastExit = &v
	}
	return c
}
