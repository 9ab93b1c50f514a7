package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AccessZone is a tenant-defined physical area.
type AccessZone struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Name         string            `json:"name"`
	ZoneType     string            `json:"zone_type"`
	Restrictions map[string]string `json:"restrictions,omitempty"`
	IsActive     bool              `json:"is_active"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TimeWindow is an inclusive minute-of-day range. Start > End wraps past
// midnight.
type TimeWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

const minutesPerDay = 24 * 60

func (w TimeWindow) Validate() error {
	if w.Start < 0 || w.Start >= minutesPerDay || w.End < 0 || w.End >= minutesPerDay {
		return fmt.Errorf("time window %d-%d out of range", w.Start, w.End)
	}
	return nil
}

// Contains reports whether minute-of-day m lies in the window.
func (w TimeWindow) Contains(m int) bool {
	if w.Start <= w.End {
		return m >= w.Start && m <= w.End
	}
	return m >= w.Start || m <= w.End
}

// ParseClock parses "HH:MM" into minute-of-day.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad clock hour %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad clock minute %q", s)
	}
	return hh*60 + mm, nil
}

// MinuteOfDay returns t's minute-of-day in t's location.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Eligibility lists the memberships, plans and roles a rule accepts. An empty
// set does not restrict.
type Eligibility struct {
	MembershipTypes []string `json:"membership_types,omitempty"`
	PlanTypes       []string `json:"plan_types,omitempty"`
	UserRoles       []string `json:"user_roles,omitempty"`
}

func (e Eligibility) Empty() bool {
	return len(e.MembershipTypes) == 0 && len(e.PlanTypes) == 0 && len(e.UserRoles) == 0
}

// AccessRule is a set of additive constraints. A scan must satisfy every
// active rule that applies to it.
type AccessRule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	// ZoneID is empty for tenant-wide rules.
	ZoneID           string      `json:"zone_id,omitempty"`
	Name             string      `json:"name,omitempty"`
	Eligibility      Eligibility `json:"eligibility"`
	TimeRestrictions *TimeWindow `json:"time_restrictions,omitempty"`
	// DayRestrictions holds weekday numbers, 0 = Sunday. Empty allows all days.
	DayRestrictions  []int      `json:"day_restrictions,omitempty"`
	MaxOccupancy     *int       `json:"max_occupancy,omitempty"`
	RequiresApproval bool       `json:"requires_approval"`
	Priority         int        `json:"priority"`
	ValidFrom        *time.Time `json:"valid_from,omitempty"`
	ValidTo          *time.Time `json:"valid_to,omitempty"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Validate checks field ranges before a rule is stored.
func (r AccessRule) Validate() error {
	if r.TimeRestrictions != nil {
		if err := r.TimeRestrictions.Validate(); err != nil {
			return err
		}
	}
	for _, d := range r.DayRestrictions {
		if d < 0 || d > 6 {
			return fmt.Errorf("day %d out of range 0-6", d)
		}
	}
	if r.MaxOccupancy != nil && *r.MaxOccupancy < 0 {
		return fmt.Errorf("max_occupancy must be >= 0")
	}
	if r.ValidFrom != nil && r.ValidTo != nil && r.ValidTo.Before(*r.ValidFrom) {
		return fmt.Errorf("valid_to before valid_from")
	}
	return nil
}

// InEffect reports whether the rule's validity window brackets at.
func (r AccessRule) InEffect(at time.Time) bool {
	if r.ValidFrom != nil && at.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidTo != nil && at.After(*r.ValidTo) {
		return false
	}
	return true
}

// AppliesTo reports whether the rule covers a scan at zoneID. Tenant-wide
// rules cover every location, including none.
func (r AccessRule) AppliesTo(zoneID string) bool {
	return r.ZoneID == "" || r.ZoneID == zoneID
}

// Restriction is one kind of constraint carried by a rule. The set of
// implementations is closed: TimeRestriction, DayRestriction,
// CapacityRestriction and EligibilityRestriction.
type Restriction interface {
	restriction()
}

type TimeRestriction struct{ Window TimeWindow }

type DayRestriction struct{ Days []int }

type CapacityRestriction struct{ MaxOccupancy int }

type EligibilityRestriction struct{ Eligibility Eligibility }

func (TimeRestriction) restriction()        {}
func (DayRestriction) restriction()         {}
func (CapacityRestriction) restriction()    {}
func (EligibilityRestriction) restriction() {}

// Restrictions returns the rule's constraints in a fixed order: time, day,
// capacity, eligibility. A rule with none is a no-op allow.
func (r AccessRule) Restrictions() []Restriction {
	var out []Restriction
	if r.TimeRestrictions != nil {
		out = append(out, TimeRestriction{Window: *r.TimeRestrictions})
	}
	if len(r.DayRestrictions) > 0 {
		out = append(out, DayRestriction{Days: r.DayRestrictions})
	}
	if r.MaxOccupancy != nil {
		out = append(out, CapacityRestriction{MaxOccupancy: *r.MaxOccupancy})
	}
	if !r.Eligibility.Empty() {
		out = append(out, EligibilityRestriction{Eligibility: r.Eligibility})
	}
	return out
}
