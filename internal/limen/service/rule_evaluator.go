package service

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

// zoneCounter is the slice of OccupancyTracker the evaluator needs.
type zoneCounter interface {
	ZoneCount(ctx context.Context, tenantID, zoneID string) (int, error)
}

// EvalInput describes one scan attempt as the evaluator sees it. It never
// carries token state.
type EvalInput struct {
	TenantID string
	Location string
	Subject  types.SubjectRef
	At       time.Time
}

type Evaluation struct {
	Allowed    bool
	Violations []types.Violation
	// Applied counts rules that were in effect for the scan.
	Applied int
}

// RuleEvaluator checks a scan against every active rule that applies to its
// tenant and location. Evaluation is conjunctive and collects all
// violations; priority only orders them.
type RuleEvaluator struct {
	rules     store.RuleStore
	directory store.Directory
	occupancy zoneCounter
	loc       *time.Location
}

func NewRuleEvaluator(rules store.RuleStore, dir store.Directory, occ zoneCounter, loc *time.Location) *RuleEvaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &RuleEvaluator{rules: rules, directory: dir, occupancy: occ, loc: loc}
}

func (e *RuleEvaluator) Evaluate(ctx context.Context, in EvalInput) (Evaluation, error) {
	all, err := e.rules.ListActiveRules(ctx, in.TenantID, in.Location)
	if err != nil {
		return Evaluation{}, transient("Evaluate rules", err)
	}

	applicable := make([]types.AccessRule, 0, len(all))
	for _, r := range all {
		if r.IsActive && r.AppliesTo(in.Location) && r.InEffect(in.At) {
			applicable = append(applicable, r)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority > applicable[j].Priority
		}
		return applicable[i].CreatedAt.Before(applicable[j].CreatedAt)
	})

	var violations []types.Violation

	if in.Location != "" {
		z, err := e.rules.GetZone(ctx, in.TenantID, in.Location)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Locations need not be registered zones.
		case err != nil:
			return Evaluation{}, transient("Evaluate zone", err)
		case !z.IsActive:
			violations = append(violations, types.Violation{Reason: types.ViolationZoneInactive})
		}
	}

	local := in.At.In(e.loc)
	minute := types.MinuteOfDay(local)
	weekday := int(local.Weekday())

	// Looked up at most once per evaluation, and only when a rule needs it.
	var (
		count      int
		countKnown bool
		subject    *types.Subject
	)

	for _, r := range applicable {
		for _, restriction := range r.Restrictions() {
			var reason string

			switch rs := restriction.(type) {
			case types.TimeRestriction:
				if !rs.Window.Contains(minute) {
					reason = types.ViolationOutsideHours
				}
			case types.DayRestriction:
				if !slices.Contains(rs.Days, weekday) {
					reason = types.ViolationDay
				}
			case types.CapacityRestriction:
				if in.Location == "" {
					continue
				}
				if !countKnown {
					n, err := e.occupancy.ZoneCount(ctx, in.TenantID, in.Location)
					if err != nil {
						return Evaluation{}, err
					}
					count, countKnown = n, true
				}
				if count >= rs.MaxOccupancy {
					reason = types.ViolationCapacity
				}
			case types.EligibilityRestriction:
				if subject == nil {
					s, err := e.lookupSubject(ctx, in.TenantID, in.Subject)
					if err != nil {
						return Evaluation{}, err
					}
					subject = &s
				}
				if !subject.Eligible(rs.Eligibility) {
					reason = types.ViolationNotEligible
				}
			}

			if reason != "" {
				violations = append(violations, types.Violation{RuleID: r.ID, Reason: reason})
			}
		}
	}

	return Evaluation{
		Allowed:    len(violations) == 0,
		Violations: violations,
		Applied:    len(applicable),
	}, nil
}

// lookupSubject treats an unknown subject as one with no entitlements.
func (e *RuleEvaluator) lookupSubject(ctx context.Context, tenantID string, ref types.SubjectRef) (types.Subject, error) {
	s, err := e.directory.Subject(ctx, tenantID, ref)
	if errors.Is(err, store.ErrNotFound) {
		return types.Subject{Ref: ref}, nil
	}
	if err != nil {
		return types.Subject{}, transient("Evaluate subject", err)
	}
	return s, nil
}
