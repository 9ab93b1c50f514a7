package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/limen/metrics"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/token"
	"github.com/limenhq/limen/internal/limen/types"
)

const auditTimeout = 5 * time.Second

type ScanDeps struct {
	Codec     *token.Codec
	Tokens    store.TokenStore
	Directory store.Directory
	Evaluator *RuleEvaluator
	Occupancy *OccupancyTracker
	ScanLog   store.ScanLogStore
	Logger    logrus.FieldLogger
}

// ScanService is the single entry point for token scans. Every scan that
// reaches a decision writes exactly one audit entry.
type ScanService struct {
	codec     *token.Codec
	tokens    store.TokenStore
	directory store.Directory
	evaluator *RuleEvaluator
	occupancy *OccupancyTracker
	scanLog   store.ScanLogStore
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewScanService(d ScanDeps) *ScanService {
	return &ScanService{
		codec:     d.Codec,
		tokens:    d.Tokens,
		directory: d.Directory,
		evaluator: d.Evaluator,
		occupancy: d.Occupancy,
		scanLog:   d.ScanLog,
		log:       d.Logger,
		now:       time.Now,
	}
}

// scanState carries what is known about the token so far into the audit
// entry.
type scanState struct {
	req        types.ScanRequest
	now        time.Time
	tokenID    string
	subjectRef string
}

// Scan runs one scan attempt to a decision. Denials are returned as a
// ScanDecision with a nil error; only ErrTransientStore (and request
// validation errors) come back as errors.
func (s *ScanService) Scan(ctx context.Context, req types.ScanRequest) (types.ScanDecision, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Token = strings.TrimSpace(req.Token)
	req.Location = strings.TrimSpace(req.Location)
	if req.TenantID == "" {
		return types.ScanDecision{}, ErrInvalidTenantID
	}
	if req.Token == "" {
		return types.ScanDecision{}, ErrInvalidToken
	}

	st := &scanState{req: req, now: s.now().UTC()}
	defer func(start time.Time) {
		metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}(time.Now())

	d, err := s.scan(ctx, st)
	if err != nil {
		metrics.ScanStoreFailuresTotal.Inc()
		s.log.WithFields(logrus.Fields{
			"tenant_id": req.TenantID,
			"token_id":  st.tokenID,
			"location":  req.Location,
			"err":       err,
		}).Error("scan failed on store error")
		s.record(ctx, st, types.ScanDenied, types.ReasonStoreUnavailable, nil)
		return types.ScanDecision{}, err
	}
	return d, nil
}

func (s *ScanService) scan(ctx context.Context, st *scanState) (types.ScanDecision, error) {
	req, now := st.req, st.now

	claims, err := s.codec.Verify(req.Token)
	if err != nil {
		return s.deny(ctx, st, types.ScanInvalid, types.ReasonInvalidToken, nil), nil
	}
	st.tokenID = claims.TokenID
	st.subjectRef = claims.Subject.String()

	if claims.TenantID != req.TenantID {
		return s.deny(ctx, st, types.ScanInvalid, types.ReasonWrongTenant, nil), nil
	}

	tenant, err := s.directory.Tenant(ctx, req.TenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.deny(ctx, st, types.ScanInvalid, types.ReasonTenantInactive, nil), nil
	case err != nil:
		return types.ScanDecision{}, transient("Scan tenant", err)
	case !tenant.Active:
		return s.deny(ctx, st, types.ScanInvalid, types.ReasonTenantInactive, nil), nil
	}

	tok, err := s.tokens.FindByTenantAndCode(ctx, req.TenantID, claims.TokenID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.deny(ctx, st, types.ScanInvalid, types.ReasonNotFound, nil), nil
	case err != nil:
		return types.ScanDecision{}, transient("Scan find token", err)
	}

	if tok.Status != types.TokenActive {
		result, reason := statusDenial(tok.Status)
		return s.deny(ctx, st, result, reason, nil), nil
	}

	if now.After(tok.ValidUntil) {
		if _, err := s.tokens.MarkExpired(ctx, tok.TenantID, tok.ID); err != nil {
			return types.ScanDecision{}, transient("Scan mark expired", err)
		}
		return s.deny(ctx, st, types.ScanExpired, types.ReasonExpired, nil), nil
	}
	if now.Before(tok.ValidFrom) {
		return s.deny(ctx, st, types.ScanExpired, types.ReasonNotYetValid, nil), nil
	}

	if tok.Exhausted() {
		if _, err := s.tokens.MarkUsedUp(ctx, tok.TenantID, tok.ID); err != nil {
			return types.ScanDecision{}, transient("Scan mark used up", err)
		}
		return s.deny(ctx, st, types.ScanUsedUp, types.ReasonUsedUp, nil), nil
	}

	eval, err := s.evaluator.Evaluate(ctx, EvalInput{
		TenantID: req.TenantID,
		Location: req.Location,
		Subject:  tok.Subject,
		At:       now,
	})
	if err != nil {
		return types.ScanDecision{}, err
	}
	if !eval.Allowed {
		return s.deny(ctx, st, types.ScanRestricted, types.ReasonRestricted, eval.Violations), nil
	}

	// The conditional increment is the only place a scan is counted. A
	// concurrent scan that consumed the last use, or a revoke that landed
	// after the read above, surfaces here.
	updated, err := s.tokens.IncrementScan(ctx, tok.TenantID, tok.ID)
	switch {
	case errors.Is(err, store.ErrScanLimitReached):
		result, reason := types.ScanUsedUp, types.ReasonUsedUp
		if updated.Status == types.TokenRevoked || updated.Status == types.TokenExpired {
			result, reason = statusDenial(updated.Status)
		}
		return s.deny(ctx, st, result, reason, nil), nil
	case errors.Is(err, store.ErrNotFound):
		return s.deny(ctx, st, types.ScanInvalid, types.ReasonNotFound, nil), nil
	case err != nil:
		return types.ScanDecision{}, transient("Scan increment", err)
	}

	// The use is committed; from here on the scan is granted.
	commitCtx := context.WithoutCancel(ctx)
	reason := types.ReasonGranted
	if req.Location != "" {
		if _, err := s.occupancy.ApplyEvent(commitCtx, types.ZoneKey(req.TenantID, req.Location), types.ActionEntry); err != nil {
			s.log.WithFields(logrus.Fields{
				"tenant_id": req.TenantID,
				"token_id":  tok.ID,
				"zone_id":   req.Location,
				"err":       err,
			}).Error("occupancy entry not recorded for granted scan")
			reason = types.ReasonOccupancyMissing
		}
	}

	s.record(commitCtx, st, types.ScanSuccess, reason, nil)
	s.logDecision(st, types.ScanSuccess, reason)

	return types.ScanDecision{
		AccessGranted: true,
		Result:        types.ScanSuccess,
		Reason:        reason,
		TokenID:       updated.ID,
		Permissions:   slices.Clone(updated.Permissions),
		Subject:       &types.SubjectInfo{Type: updated.Subject.Type, ID: updated.Subject.ID},
		ServerTime:    now.Format(time.RFC3339Nano),
	}, nil
}

func (s *ScanService) deny(ctx context.Context, st *scanState, result types.ScanResult, reason string, violations []types.Violation) types.ScanDecision {
	var vr []string
	for _, v := range violations {
		vr = append(vr, v.Reason)
	}
	s.record(ctx, st, result, reason, vr)
	s.logDecision(st, result, reason)

	return types.ScanDecision{
		AccessGranted: false,
		Result:        result,
		Reason:        reason,
		Violations:    violations,
		TokenID:       st.tokenID,
		ServerTime:    st.now.Format(time.RFC3339Nano),
	}
}

// record appends the audit entry. A failed append is logged and counted but
// does not change the decision the device receives.
func (s *ScanService) record(ctx context.Context, st *scanState, result types.ScanResult, reason string, violations []string) {
	metrics.ScansTotal.WithLabelValues(string(result)).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	err := s.scanLog.Append(ctx, types.ScanLogEntry{
		TenantID:   st.req.TenantID,
		TokenID:    st.tokenID,
		SubjectRef: st.subjectRef,
		Result:     result,
		Reason:     reason,
		Violations: violations,
		Location:   st.req.Location,
		DeviceInfo: st.req.DeviceInfo,
		Timestamp:  st.now,
	})
	if err != nil {
		metrics.AuditFailuresTotal.Inc()
		s.log.WithFields(logrus.Fields{
			"tenant_id": st.req.TenantID,
			"token_id":  st.tokenID,
			"result":    result,
			"err":       err,
		}).Error("scan log append failed")
	}
}

func (s *ScanService) logDecision(st *scanState, result types.ScanResult, reason string) {
	s.log.WithFields(logrus.Fields{
		"tenant_id": st.req.TenantID,
		"token_id":  st.tokenID,
		"location":  st.req.Location,
		"result":    result,
		"reason":    reason,
	}).Info("scan decided")
}

// ListScans reads the audit log for one tenant, newest first.
func (s *ScanService) ListScans(ctx context.Context, f types.ScanLogFilter) ([]types.ScanLogEntry, error) {
	f.TenantID = strings.TrimSpace(f.TenantID)
	if f.TenantID == "" {
		return nil, ErrInvalidTenantID
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return s.scanLog.List(ctx, f)
}

func statusDenial(st types.TokenStatus) (types.ScanResult, string) {
	switch st {
	case types.TokenRevoked:
		return types.ScanDenied, types.ReasonRevoked
	case types.TokenUsedUp:
		return types.ScanUsedUp, types.ReasonUsedUp
	case types.TokenExpired:
		return types.ScanExpired, types.ReasonExpired
	default:
		return types.ScanInvalid, types.ReasonInvalidToken
	}
}
