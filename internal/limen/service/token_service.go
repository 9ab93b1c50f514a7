package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/metrics"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/token"
	"github.com/limenhq/limen/internal/limen/types"
)

const DefaultTokenTTL = 24 * time.Hour

type IssueRequest struct {
	TenantID    string           `json:"tenant_id"`
	Subject     types.SubjectRef `json:"subject"`
	Permissions []string         `json:"permissions"`
	// Zero ValidFrom means now; zero ValidUntil means ValidFrom plus the
	// service's default TTL.
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	MaxScans   *int      `json:"max_scans,omitempty"`
}

type IssuedToken struct {
	Token  string            `json:"token"`
	Record types.AccessToken `json:"record"`
}

// TokenService issues, revokes and looks up access tokens. The signed
// string and the stored record share one id.
type TokenService struct {
	codec      *token.Codec
	tokens     store.TokenStore
	defaultTTL time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewTokenService(codec *token.Codec, tokens store.TokenStore, defaultTTL time.Duration, log logrus.FieldLogger) *TokenService {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTokenTTL
	}
	return &TokenService{
		codec:      codec,
		tokens:     tokens,
		defaultTTL: defaultTTL,
		log:        log,
		now:        time.Now,
	}
}

func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (IssuedToken, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return IssuedToken{}, ErrInvalidTenantID
	}
	if !req.Subject.Type.Valid() || strings.TrimSpace(req.Subject.ID) == "" {
		return IssuedToken{}, ErrInvalidSubject
	}
	if req.MaxScans != nil && *req.MaxScans <= 0 {
		return IssuedToken{}, ErrInvalidMaxScans
	}

	from := req.ValidFrom
	if from.IsZero() {
		from = s.now()
	}
	until := req.ValidUntil
	if until.IsZero() {
		until = from.Add(s.defaultTTL)
	}
	// The wire format carries whole seconds; the record must match it.
	from = from.UTC().Truncate(time.Second)
	until = until.UTC().Truncate(time.Second)
	if !until.After(from) {
		return IssuedToken{}, ErrInvalidValidity
	}

	rec := types.AccessToken{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Subject:     types.SubjectRef{Type: req.Subject.Type, ID: strings.TrimSpace(req.Subject.ID)},
		Permissions: slices.Clone(req.Permissions),
		ValidFrom:   from,
		ValidUntil:  until,
		MaxScans:    req.MaxScans,
		CreatedAt:   s.now().UTC(),
	}

	raw, err := s.codec.Issue(token.Claims{
		TokenID:     rec.ID,
		TenantID:    rec.TenantID,
		Subject:     rec.Subject,
		Permissions: rec.Permissions,
		ValidFrom:   rec.ValidFrom,
		ValidUntil:  rec.ValidUntil,
		IssuedAt:    rec.CreatedAt,
	})
	if err != nil {
		return IssuedToken{}, fmt.Errorf("Issue sign: %w", err)
	}

	created, err := s.tokens.Create(ctx, rec)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("Issue store: %w", err)
	}
	metrics.TokensIssuedTotal.Inc()

	s.log.WithFields(logrus.Fields{
		"tenant_id": created.TenantID,
		"token_id":  created.ID,
		"subject":   created.Subject.String(),
	}).Info("token issued")

	return IssuedToken{Token: raw, Record: created}, nil
}

// Revoke moves an Active token to Revoked. Revoking twice is a no-op;
// revoking an Expired or UsedUp token returns store.ErrTerminalStatus.
func (s *TokenService) Revoke(ctx context.Context, tenantID, id, revokedBy string) (types.AccessToken, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return types.AccessToken{}, ErrInvalidTenantID
	}

	tok, err := s.tokens.Revoke(ctx, tenantID, strings.TrimSpace(id), strings.TrimSpace(revokedBy), s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTerminalStatus) {
			return tok, err
		}
		return tok, fmt.Errorf("Revoke: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"token_id":   tok.ID,
		"revoked_by": tok.RevokedBy,
	}).Info("token revoked")
	return tok, nil
}

func (s *TokenService) Get(ctx context.Context, tenantID, id string) (types.AccessToken, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return types.AccessToken{}, ErrInvalidTenantID
	}
	return s.tokens.FindByTenantAndCode(ctx, tenantID, strings.TrimSpace(id))
}
