package types

import (
	"errors"
	"strings"
	"time"
)

type OccupancyAction string

const (
	ActionEntry OccupancyAction = "entry"
	ActionExit  OccupancyAction = "exit"
)

func (a OccupancyAction) Valid() bool {
	return a == ActionEntry || a == ActionExit
}

var ErrInvalidOccupancyKey = errors.New("occupancy key needs tenant_id and exactly one of zone_id or space_id")

// OccupancyKey addresses one counter. Exactly one of ZoneID and SpaceID is
// set.
type OccupancyKey struct {
	TenantID string `json:"tenant_id"`
	ZoneID   string `json:"zone_id,omitempty"`
	SpaceID  string `json:"space_id,omitempty"`
}

func ZoneKey(tenantID, zoneID string) OccupancyKey {
	return OccupancyKey{TenantID: tenantID, ZoneID: zoneID}
}

func SpaceKey(tenantID, spaceID string) OccupancyKey {
	return OccupancyKey{TenantID: tenantID, SpaceID: spaceID}
}

func (k OccupancyKey) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return ErrInvalidOccupancyKey
	}
	if (k.ZoneID == "") == (k.SpaceID == "") {
		return ErrInvalidOccupancyKey
	}
	return nil
}

// Scope returns ("zone", id) or ("space", id).
func (k OccupancyKey) Scope() (string, string) {
	if k.ZoneID != "" {
		return "zone", k.ZoneID
	}
	return "space", k.SpaceID
}

func (k OccupancyKey) String() string {
	scope, id := k.Scope()
	return k.TenantID + "/" + scope + "/" + id
}

// OccupancyCounter is the live count for one zone or space.
type OccupancyCounter struct {
	Key           OccupancyKey `json:"key"`
	CurrentCount  int          `json:"current_count"`
	MaxCapacity   *int         `json:"max_capacity,omitempty"`
	LastEntry     *time.Time   `json:"last_entry,omitempty"`
	LastExit      *time.Time   `json:"last_exit,omitempty"`
	PeakToday     int          `json:"peak_today"`
	PeakThisWeek  int          `json:"peak_this_week"`
	PeakThisMonth int          `json:"peak_this_month"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Apply adjusts c for one event. Exits never take the count below zero but
// still stamp LastExit. Peaks only ever rise; resetting them per window is
// left to an external job.
func (c *OccupancyCounter) Apply(action OccupancyAction, at time.Time) {
	at = at.UTC()
	switch action {
	case ActionEntry:
		c.CurrentCount++
		c.LastEntry = &at
	case ActionExit:
		if c.CurrentCount > 0 {
			c.CurrentCount--
		}
		c.LastExit = &at
	}
	c.PeakToday = max(c.PeakToday, c.CurrentCount)
	c.PeakThisWeek = max(c.PeakThisWeek, c.CurrentCount)
	c.PeakThisMonth = max(c.PeakThisMonth, c.CurrentCount)
	c.UpdatedAt = at
}

// OccupancyFilter narrows a CurrentOccupancy read. Empty ZoneID and SpaceID
// return every counter for the tenant.
type OccupancyFilter struct {
	TenantID string
	ZoneID   string
	SpaceID  string
}

func (f OccupancyFilter) Match(k OccupancyKey) bool {
	if k.TenantID != f.TenantID {
		return false
	}
	if f.ZoneID != "" && k.ZoneID != f.ZoneID {
		return false
	}
	if f.SpaceID != "" && k.SpaceID != f.SpaceID {
		return false
	}
	return true
}
