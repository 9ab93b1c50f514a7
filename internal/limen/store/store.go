package store

import (
	"context"
	"errors"
	"time"

	"github.com/limenhq/limen/internal/limen/types"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrScanLimitReached is returned by IncrementScan when the conditional
	// increment finds the token exhausted or no longer active.
	ErrScanLimitReached = errors.New("token has no scans remaining")

	// ErrTerminalStatus is returned by Revoke for a token that already
	// expired or was used up.
	ErrTerminalStatus = errors.New("token is in a terminal status")
)

// TokenStore persists issued tokens. IncrementScan, Revoke, MarkExpired,
// MarkUsedUp and ExpireStale are the only ways a record changes.
type TokenStore interface {
	Create(ctx context.Context, tok types.AccessToken) (types.AccessToken, error)
	FindByTenantAndCode(ctx context.Context, tenantID, code string) (types.AccessToken, error)

	// IncrementScan atomically bumps CurrentScans if the token is active and
	// below MaxScans, moving it to UsedUp when the limit is reached.
	IncrementScan(ctx context.Context, tenantID, id string) (types.AccessToken, error)

	// Revoke is idempotent for already-revoked tokens.
	Revoke(ctx context.Context, tenantID, id, revokedBy string, at time.Time) (types.AccessToken, error)

	// MarkExpired and MarkUsedUp only move Active tokens; otherwise they
	// return the record unchanged.
	MarkExpired(ctx context.Context, tenantID, id string) (types.AccessToken, error)
	MarkUsedUp(ctx context.Context, tenantID, id string) (types.AccessToken, error)

	// ExpireStale marks every Active token with ValidUntil before cutoff as
	// Expired and returns how many changed.
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// RuleStore holds zones and the rules that reference them.
type RuleStore interface {
	UpsertZone(ctx context.Context, z types.AccessZone) (types.AccessZone, error)
	GetZone(ctx context.Context, tenantID, zoneID string) (types.AccessZone, error)
	ListZones(ctx context.Context, tenantID string) ([]types.AccessZone, error)

	CreateRule(ctx context.Context, r types.AccessRule) (types.AccessRule, error)
	DeactivateRule(ctx context.Context, tenantID, ruleID string) error
	ListRules(ctx context.Context, tenantID string) ([]types.AccessRule, error)

	// ListActiveRules returns active rules for the tenant that are tenant-wide
	// or scoped to zoneID. Ordering and validity-window checks are the
	// evaluator's job.
	ListActiveRules(ctx context.Context, tenantID, zoneID string) ([]types.AccessRule, error)
}

// OccupancyStore owns per-key counters. ApplyEvent must be atomic per key.
type OccupancyStore interface {
	ApplyEvent(ctx context.Context, key types.OccupancyKey, action types.OccupancyAction, at time.Time) (types.OccupancyCounter, error)
	SetCapacity(ctx context.Context, key types.OccupancyKey, capacity *int, at time.Time) (types.OccupancyCounter, error)
	CurrentOccupancy(ctx context.Context, f types.OccupancyFilter) ([]types.OccupancyCounter, error)
}

// ScanLogStore is the append-only scan audit log.
type ScanLogStore interface {
	Append(ctx context.Context, e types.ScanLogEntry) error
	List(ctx context.Context, f types.ScanLogFilter) ([]types.ScanLogEntry, error)
}

// Directory is the read side of the Identity & Tenant Directory.
type Directory interface {
	Tenant(ctx context.Context, tenantID string) (types.Tenant, error)
	Subject(ctx context.Context, tenantID string, ref types.SubjectRef) (types.Subject, error)
}

// DirectoryWriter keeps the local directory mirror current. PutSubject
// replaces every entitlement of the subject.
type DirectoryWriter interface {
	PutTenant(ctx context.Context, t types.Tenant) error
	PutSubject(ctx context.Context, tenantID string, s types.Subject) error
}
