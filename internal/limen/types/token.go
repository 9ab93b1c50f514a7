package types

import "time"

type SubjectType string

const (
	SubjectUser    SubjectType = "user"
	SubjectVisitor SubjectType = "visitor"
)

func (t SubjectType) Valid() bool {
	return t == SubjectUser || t == SubjectVisitor
}

type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenExpired TokenStatus = "expired"
	TokenUsedUp  TokenStatus = "used_up"
	TokenRevoked TokenStatus = "revoked"
)

// Terminal reports whether no further transition is allowed from s.
func (s TokenStatus) Terminal() bool {
	return s == TokenExpired || s == TokenUsedUp || s == TokenRevoked
}

// SubjectRef identifies who a token was issued to.
type SubjectRef struct {
	Type SubjectType `json:"subject_type"`
	ID   string      `json:"subject_id"`
}

func (r SubjectRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// AccessToken is the persisted record behind an issued token. The record,
// not the bearer string, is authoritative for status after issuance.
type AccessToken struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	Subject      SubjectRef  `json:"subject"`
	Permissions  []string    `json:"permissions"`
	ValidFrom    time.Time   `json:"valid_from"`
	ValidUntil   time.Time   `json:"valid_until"`
	MaxScans     *int        `json:"max_scans,omitempty"`
	CurrentScans int         `json:"current_scans"`
	Status       TokenStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	RevokedBy    string      `json:"revoked_by,omitempty"`
	RevokedAt    *time.Time  `json:"revoked_at,omitempty"`
}

// Exhausted reports whether the token has no scans left.
func (t AccessToken) Exhausted() bool {
	return t.MaxScans != nil && t.CurrentScans >= *t.MaxScans
}

// RecordScan applies one successful scan to t in place: the counter goes up
// and, if that reaches MaxScans, the status moves to UsedUp. Callers must
// hold whatever lock owns t and must have checked Exhausted first.
func (t *AccessToken) RecordScan() {
	t.CurrentScans++
	if t.MaxScans != nil && t.CurrentScans >= *t.MaxScans {
		t.Status = TokenUsedUp
	}
}
