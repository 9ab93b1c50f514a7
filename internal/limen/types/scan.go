package types

import "time"

type ScanResult string

const (
	ScanSuccess    ScanResult = "success"
	ScanInvalid    ScanResult = "invalid"
	ScanExpired    ScanResult = "expired"
	ScanUsedUp     ScanResult = "used_up"
	ScanDenied     ScanResult = "denied"
	ScanRestricted ScanResult = "restricted"
)

// Denial reasons reported to devices and written to the audit log.
const (
	ReasonGranted          = "access granted"
	ReasonInvalidToken     = "invalid token"
	ReasonWrongTenant      = "not valid for this location"
	ReasonTenantInactive   = "tenant not active"
	ReasonNotFound         = "not found"
	ReasonRevoked          = "revoked"
	ReasonUsedUp           = "maximum usage reached"
	ReasonExpired          = "expired"
	ReasonNotYetValid      = "not yet valid"
	ReasonRestricted       = "access restricted"
	ReasonOccupancyMissing = "access granted; occupancy not recorded"
	ReasonStoreUnavailable = "store unavailable"
)

// Violation reasons produced by rule evaluation.
const (
	ViolationOutsideHours = "outside allowed hours"
	ViolationDay          = "day not permitted"
	ViolationCapacity     = "zone at capacity"
	ViolationNotEligible  = "not eligible"
	ViolationZoneInactive = "zone inactive"
)

// Violation is one failed constraint of one rule.
type Violation struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// ScanRequest is a single presentation of a token at a location.
type ScanRequest struct {
	TenantID   string `json:"tenant_id"`
	Token      string `json:"token"`
	Location   string `json:"location,omitempty"`
	DeviceInfo string `json:"device_info,omitempty"`
}

// SubjectInfo is what a granted scan reveals about the token holder.
type SubjectInfo struct {
	Type SubjectType `json:"subject_type"`
	ID   string      `json:"subject_id"`
}

// ScanDecision is the terminal outcome of a scan.
type ScanDecision struct {
	AccessGranted bool         `json:"access_granted"`
	Result        ScanResult   `json:"result"`
	Reason        string       `json:"reason"`
	Violations    []Violation  `json:"violations,omitempty"`
	TokenID       string       `json:"token_id,omitempty"`
	Permissions   []string     `json:"permissions,omitempty"`
	Subject       *SubjectInfo `json:"subject,omitempty"`
	ServerTime    string       `json:"server_time"`
}

// ScanLogEntry is one append-only audit record.
type ScanLogEntry struct {
	ID         int64      `json:"id,omitempty"`
	TenantID   string     `json:"tenant_id"`
	TokenID    string     `json:"token_id,omitempty"`
	SubjectRef string     `json:"subject_ref,omitempty"`
	Result     ScanResult `json:"result"`
	Reason     string     `json:"reason"`
	Violations []string   `json:"violations,omitempty"`
	Location   string     `json:"location,omitempty"`
	DeviceInfo string     `json:"device_info,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ScanLogFilter narrows an audit log read. Zero values do not filter.
type ScanLogFilter struct {
	TenantID string
	TokenID  string
	Result   ScanResult
	Since    time.Time
	Limit    int
}

// Tenant and Subject are the Identity & Tenant Directory's view of the world.
type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Subject lists a subject's currently active memberships, plans and role.
type Subject struct {
	Ref         SubjectRef `json:"ref"`
	Memberships []string   `json:"memberships,omitempty"`
	Plans       []string   `json:"plans,omitempty"`
	Role        string     `json:"role,omitempty"`
}

// Eligible reports whether s matches any entry of e. Each non-empty set of
// e is a separate requirement.
func (s Subject) Eligible(e Eligibility) bool {
	if len(e.MembershipTypes) > 0 && !intersects(e.MembershipTypes, s.Memberships) {
		return false
	}
	if len(e.PlanTypes) > 0 && !intersects(e.PlanTypes, s.Plans) {
		return false
	}
	if len(e.UserRoles) > 0 && (s.Role == "" || !intersects(e.UserRoles, []string{s.Role})) {
		return false
	}
	return true
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
