package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/limenhq/limen/internal/health"
	"github.com/limenhq/limen/internal/limen/service"
	"github.com/limenhq/limen/internal/limen/store"
	"github.com/limenhq/limen/internal/limen/types"
)

type Dependencies struct {
	Logger logrus.FieldLogger
	Addr   string

	ScanService      *service.ScanService
	TokenService     *service.TokenService
	RuleService      *service.RuleService
	OccupancyTracker *service.OccupancyTracker
	DirectoryService *service.DirectoryService

	Health *health.Checker
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer

	// DeviceAuth may be nil or empty, which disables signature checks.
	DeviceAuth  *DeviceAuth
	RateLimiter *RateLimiter
}

type Server struct {
	httpServer *http.Server
	log        logrus.FieldLogger
	mux        *http.ServeMux

	scans     *service.ScanService
	tokens    *service.TokenService
	rules     *service.RuleService
	occupancy *service.OccupancyTracker
	directory *service.DirectoryService
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		log:       d.Logger,
		mux:       mux,
		scans:     d.ScanService,
		tokens:    d.TokenService,
		rules:     d.RuleService,
		occupancy: d.OccupancyTracker,
		directory: d.DirectoryService,
	}

	mux.Handle("POST /v1/scans", deviceMiddleware(d.DeviceAuth, d.RateLimiter, d.Logger, http.HandlerFunc(s.handleScan)))
	mux.HandleFunc("GET /v1/scans", s.handleListScans)

	mux.HandleFunc("POST /v1/tokens", s.handleIssueToken)
	mux.HandleFunc("GET /v1/tokens/{id}", s.handleGetToken)
	mux.HandleFunc("POST /v1/tokens/{id}/revoke", s.handleRevokeToken)

	mux.HandleFunc("PUT /v1/zones/{id}", s.handleUpsertZone)
	mux.HandleFunc("GET /v1/zones", s.handleListZones)
	mux.HandleFunc("POST /v1/rules", s.handleCreateRule)
	mux.HandleFunc("POST /v1/rules/{id}/deactivate", s.handleDeactivateRule)
	mux.HandleFunc("GET /v1/rules", s.handleListRules)

	mux.HandleFunc("POST /v1/occupancy/events", s.handleOccupancyEvent)
	mux.HandleFunc("PUT /v1/occupancy/capacity", s.handleSetCapacity)
	mux.HandleFunc("GET /v1/occupancy", s.handleListOccupancy)

	if d.DirectoryService != nil {
		mux.HandleFunc("PUT /v1/tenants/{id}", s.handlePutTenant)
		mux.HandleFunc("PUT /v1/tenants/{tid}/subjects/{type}/{id}", s.handlePutSubject)
	}

	if d.Health != nil {
		mux.HandleFunc("GET /healthz", d.Health.LiveHandler)
		mux.HandleFunc("GET /readyz", d.Health.ReadyHandler)
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	handler := requestIDMiddleware(loggingMiddleware(d.Logger, mux))

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Scans ────────────────────────────────────────────────────────────────────

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req types.ScanRequest
	if err := readPayload(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	if req.DeviceInfo == "" {
		req.DeviceInfo = DeviceFrom(r.Context())
	}

	decision, err := s.scans.Scan(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTenantID):
			writeError(w, r, http.StatusBadRequest, "invalid_tenant_id", err.Error())
		case errors.Is(err, service.ErrInvalidToken):
			writeError(w, r, http.StatusBadRequest, "invalid_token", err.Error())
		case errors.Is(err, service.ErrTransientStore):
			// Nothing was committed; the device may retry.
			respond(w, r, http.StatusServiceUnavailable, errorBody{
				Error:     "store_unavailable",
				Message:   "access store unavailable, retry",
				Retryable: true,
			})
		default:
			s.log.WithField("err", err).Error("scan error")
			writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	respond(w, r, http.StatusOK, decision)
}

type scanList struct {
	Scans []types.ScanLogEntry `json:"scans"`
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := types.ScanLogFilter{
		TenantID: q.Get("tenant_id"),
		TokenID:  q.Get("token_id"),
		Result:   types.ScanResult(q.Get("result")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_since", "since must be RFC 3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.scans.ListScans(r.Context(), f)
	if err != nil {
		s.fail(w, r, "list scans", err)
		return
	}
	if entries == nil {
		entries = []types.ScanLogEntry{}
	}
	respond(w, r, http.StatusOK, scanList{Scans: entries})
}

// ── Tokens ───────────────────────────────────────────────────────────────────

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req service.IssueRequest
	if err := readPayload(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	issued, err := s.tokens.Issue(r.Context(), req)
	if err != nil {
		s.fail(w, r, "issue token", err)
		return
	}
	respond(w, r, http.StatusCreated, issued)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Get(r.Context(), r.URL.Query().Get("tenant_id"), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "get token", err)
		return
	}
	respond(w, r, http.StatusOK, tok)
}

type revokeRequest struct {
	TenantID  string `json:"tenant_id"`
	RevokedBy string `json:"revoked_by"`
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := readPayload(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	tok, err := s.tokens.Revoke(r.Context(), req.TenantID, r.PathValue("id"), req.RevokedBy)
	if err != nil {
		s.fail(w, r, "revoke token", err)
		return
	}
	respond(w, r, http.StatusOK, tok)
}

// ── Zones & rules ────────────────────────────────────────────────────────────

func (s *Server) handleUpsertZone(w http.ResponseWriter, r *http.Request) {
	var z types.AccessZone
	if err := readPayload(r, &z); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	z.ID = r.PathValue("id")
	out, err := s.rules.UpsertZone(r.Context(), z)
	if err != nil {
		s.fail(w, r, "upsert zone", err)
		return
	}
	respond(w, r, http.StatusOK, out)
}

type zoneList struct {
	Zones []types.AccessZone `json:"zones"`
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.rules.ListZones(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		s.fail(w, r, "list zones", err)
		return
	}
	if zones == nil {
		zones = []types.AccessZone{}
	}
	respond(w, r, http.StatusOK, zoneList{Zones: zones})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.AccessRule
	if err := readPayload(r, &rule); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	out, err := s.rules.CreateRule(r.Context(), rule)
	if err != nil {
		s.fail(w, r, "create rule", err)
		return
	}
	respond(w, r, http.StatusCreated, out)
}

type tenantRequest struct {
	TenantID string `json:"tenant_id"`
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := readPayload(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	if err := s.rules.DeactivateRule(r.Context(), req.TenantID, r.PathValue("id")); err != nil {
		s.fail(w, r, "deactivate rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ruleList struct {
	Rules []types.AccessRule `json:"rules"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.ListRules(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		s.fail(w, r, "list rules", err)
		return
	}
	if rules == nil {
		rules = []types.AccessRule{}
	}
	respond(w, r, http.StatusOK, ruleList{Rules: rules})
}

// ── Occupancy ────────────────────────────────────────────────────────────────

type occupancyEvent struct {
	types.OccupancyKey
	Action types.OccupancyAction `json:"action"`
}

func (s *Server) handleOccupancyEvent(w http.ResponseWriter, r *http.Request) {
	var ev occupancyEvent
	if err := readPayload(r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	c, err := s.occupancy.ApplyEvent(r.Context(), ev.OccupancyKey, ev.Action)
	if err != nil {
		s.fail(w, r, "occupancy event", err)
		return
	}
	respond(w, r, http.StatusOK, c)
}

type capacityRequest struct {
	types.OccupancyKey
	MaxCapacity *int `json:"max_capacity"`
}

func (s *Server) handleSetCapacity(w http.ResponseWriter, r *http.Request) {
	var req capacityRequest
	if err := readPayload(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	c, err := s.occupancy.SetCapacity(r.Context(), req.OccupancyKey, req.MaxCapacity)
	if err != nil {
		s.fail(w, r, "set capacity", err)
		return
	}
	respond(w, r, http.StatusOK, c)
}

type occupancyList struct {
	Counters []types.OccupancyCounter `json:"counters"`
}

func (s *Server) handleListOccupancy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	counters, err := s.occupancy.CurrentOccupancy(r.Context(), types.OccupancyFilter{
		TenantID: q.Get("tenant_id"),
		ZoneID:   q.Get("zone_id"),
		SpaceID:  q.Get("space_id"),
	})
	if err != nil {
		s.fail(w, r, "list occupancy", err)
		return
	}
	if counters == nil {
		counters = []types.OccupancyCounter{}
	}
	respond(w, r, http.StatusOK, occupancyList{Counters: counters})
}

// ── Directory mirror ─────────────────────────────────────────────────────────

type tenantBody struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

func (s *Server) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	var body tenantBody
	if err := readPayload(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	out, err := s.directory.PutTenant(r.Context(), types.Tenant{ID: r.PathValue("id"), Name: body.Name, Active: body.Active})
	if err != nil {
		s.fail(w, r, "put tenant", err)
		return
	}
	respond(w, r, http.StatusOK, out)
}

type subjectBody struct {
	Memberships []string `json:"memberships"`
	Plans       []string `json:"plans"`
	Role        string   `json:"role"`
}

func (s *Server) handlePutSubject(w http.ResponseWriter, r *http.Request) {
	var body subjectBody
	if err := readPayload(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	out, err := s.directory.PutSubject(r.Context(), r.PathValue("tid"), types.Subject{
		Ref:         types.SubjectRef{Type: types.SubjectType(r.PathValue("type")), ID: r.PathValue("id")},
		Memberships: body.Memberships,
		Plans:       body.Plans,
		Role:        body.Role,
	})
	if err != nil {
		s.fail(w, r, "put subject", err)
		return
	}
	respond(w, r, http.StatusOK, out)
}

// fail maps a service error to a response for the admin endpoints.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTenantID),
		errors.Is(err, service.ErrInvalidSubject),
		errors.Is(err, service.ErrInvalidValidity),
		errors.Is(err, service.ErrInvalidMaxScans),
		errors.Is(err, service.ErrInvalidZoneID),
		errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrUnknownZone),
		errors.Is(err, service.ErrInvalidOccupancy):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, store.ErrTerminalStatus):
		writeError(w, r, http.StatusConflict, "terminal_status", err.Error())
	case errors.Is(err, service.ErrTransientStore):
		respond(w, r, http.StatusServiceUnavailable, errorBody{
			Error:     "store_unavailable",
			Message:   "store unavailable, retry",
			Retryable: true,
		})
	default:
		s.log.WithFields(logrus.Fields{"op": op, "err": err}).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}
