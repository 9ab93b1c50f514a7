package service

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/metrics"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

// OccupancyTracker is the only writer of occupancy counters. Atomicity per
// key is the backing store's job.
type OccupancyTracker struct {
	store store.OccupancyStore
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewOccupancyTracker(s store.OccupancyStore, log logrus.FieldLogger) *OccupancyTracker {
	return &OccupancyTracker{store: s, log: log, now: time.Now}
}

func (t *OccupancyTracker) ApplyEvent(ctx context.Context, key types.OccupancyKey, action types.OccupancyAction) (types.OccupancyCounter, error) {
	key = trimKey(key)
	if key.Validate() != nil || !action.Valid() {
		return types.OccupancyCounter{}, ErrInvalidOccupancy
	}

	c, err := t.store.ApplyEvent(ctx, key, action, t.now())
	if err != nil {
		return types.OccupancyCounter{}, transient("ApplyEvent", err)
	}
	metrics.OccupancyEventsTotal.WithLabelValues(string(action)).Inc()

	t.log.WithFields(logrus.Fields{
		"key":    key.String(),
		"action": action,
		"count":  c.CurrentCount,
	}).Debug("occupancy event applied")
	return c, nil
}

// SetCapacity records a counter's max capacity; nil clears it. The value is
// reported alongside the count; rule maxOccupancy is what scans enforce.
func (t *OccupancyTracker) SetCapacity(ctx context.Context, key types.OccupancyKey, capacity *int) (types.OccupancyCounter, error) {
	key = trimKey(key)
	if key.Validate() != nil || (capacity != nil && *capacity < 0) {
		return types.OccupancyCounter{}, ErrInvalidOccupancy
	}
	c, err := t.store.SetCapacity(ctx, key, capacity, t.now())
	if err != nil {
		return types.OccupancyCounter{}, transient("SetCapacity", err)
	}
	return c, nil
}

func (t *OccupancyTracker) CurrentOccupancy(ctx context.Context, f types.OccupancyFilter) ([]types.OccupancyCounter, error) {
	f.TenantID = strings.TrimSpace(f.TenantID)
	if f.TenantID == "" {
		return nil, ErrInvalidTenantID
	}
	out, err := t.store.CurrentOccupancy(ctx, f)
	if err != nil {
		return nil, transient("CurrentOccupancy", err)
	}
	return out, nil
}

// ZoneCount returns the live count for one zone, zero if no counter exists.
func (t *OccupancyTracker) ZoneCount(ctx context.Context, tenantID, zoneID string) (int, error) {
	counters, err := t.CurrentOccupancy(ctx, types.OccupancyFilter{TenantID: tenantID, ZoneID: zoneID})
	if err != nil {
		return 0, err
	}
	for _, c := range counters {
		if c.Key.ZoneID == zoneID {
			return c.CurrentCount, nil
		}
	}
	return 0, nil
}

func trimKey(k types.OccupancyKey) types.OccupancyKey {
	return types.OccupancyKey{
		TenantID: strings.TrimSpace(k.TenantID),
		ZoneID:   strings.TrimSpace(k.ZoneID),
		SpaceID:  strings.TrimSpace(k.SpaceID),
	}
}
