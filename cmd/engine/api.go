package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"atlasux/pkg/audit"
	"atlasux/pkg/auth"
	"atlasux/pkg/client"
	"atlasux/pkg/config"
	"atlasux/pkg/engine"
	"atlasux/pkg/events"
	"atlasux/pkg/httpx"
	"atlasux/pkg/intent"
	"atlasux/pkg/kb"
	"atlasux/pkg/metrics"
	"atlasux/pkg/ratelimit"
	"atlasux/pkg/statebus"
	"atlasux/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

const (
	roleExecutor = "executor"
	roleAdmin    = "admin"
	serviceName  = "atlas-engine"
)

type Server struct {
	Config       config.Config
	Store        intent.Store
	Service      *engine.Service
	Loop         *engine.Loop
	Knowledge    *kb.Assembler
	Broadcast    *kb.Broadcaster
	Hub          *events.Hub
	Events       events.Emitter
	Metrics      *metrics.Registry
	Limiter      ratelimit.Limiter
	Verifier     statebus.Verifier
	RequestAudit audit.Sink
	Reports      *statebus.Runner

	redisPubSub bool
	closers     []func() error
	wg          sync.WaitGroup
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Config.HTTP.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(s.Metrics.Middleware(routePattern))
	r.Use(httpx.LimitBody(s.Config.HTTP.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	a := s.Config.Auth
	authMw := auth.Middleware(
		a.Mode,
		a.HS256Secret,
		auth.WithJWKS(a.JWKSURL),
		auth.WithIssuer(a.Issuer),
		auth.WithAudience(a.Audience),
		auth.WithTimeout(a.Timeout),
		auth.WithDevRoles(a.DevRoles...),
	)
	api := chi.NewRouter()
	api.Use(authMw)
	api.Use(s.auditRequests)
	api.With(ratelimit.Middleware(s.Limiter, s.Config.RateLimit.CreatePerWindow, createLimitKey, logLimited)).
		Post("/v1/intents", s.createIntent)
	api.Get("/v1/intents", s.listIntents)
	api.Get("/v1/intents/{id}", s.getIntent)
	api.Get("/v1/intents/{id}/audit", s.intentAudit)
	api.Post("/v1/intents/{id}/approve", s.decide(true))
	api.Post("/v1/intents/{id}/reject", s.decide(false))
	api.With(auth.RequireRole(roleExecutor)).Post("/v1/intents/{id}/execution", s.reportExecution)
	api.With(auth.RequireRole(roleAdmin)).Put("/v1/tenants/{tenant}/engine", s.setTenantEngine)
	api.Get("/v1/knowledge/{agent}", s.knowledge)
	api.With(auth.RequireRole(roleAdmin)).Post("/v1/knowledge/invalidate", s.invalidateKnowledge)
	api.Get("/v1/events", s.streamEvents)
	r.Mount("/", api)
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func createLimitKey(r *http.Request) string {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return ""
	}
	if p.Tenant == "" || p.Tenant == "*" {
		return "create:subject:" + p.Subject
	}
	return "create:" + p.Tenant
}

func logLimited(r *http.Request, d ratelimit.Decision) {
	log.Printf("engine create rate limited key=%s limit=%d", createLimitKey(r), d.Limit)
}

// resolveTenant picks the tenant a request acts on. An explicit tenant must be one the
// principal may act on; without one the principal's own tenant is used.
func resolveTenant(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	tenant := strings.TrimSpace(requested)
	if tenant == "" {
		tenant = p.Tenant
	}
	if tenant == "" || tenant == "*" {
		httpx.Error(w, http.StatusBadRequest, "tenant required")
		return "", false
	}
	if !auth.TenantAllowed(p, tenant) {
		httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", "tenant not allowed")
		return "", false
	}
	return tenant, true
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	tenant, ok := resolveTenant(w, r, req.TenantID)
	if !ok {
		return
	}
	req.TenantID = tenant
	req.CreatedBy = principal(r).Subject
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}
	created, replayed, err := s.Service.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if replayed {
		w.Header().Set(client.ReplayHeader, "true")
		httpx.WriteJSON(w, http.StatusOK, created)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) listIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant, ok := resolveTenant(w, r, q.Get("tenant"))
	if !ok {
		return
	}
	f := intent.ListFilter{TenantID: tenant}
	if raw := q.Get("status"); raw != "" {
		st, ok := intent.ParseStatus(raw)
		if !ok {
			httpx.Error(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		f.Status = st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	list, err := s.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []intent.Intent{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"intents": list})
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := resolveTenant(w, r, r.URL.Query().Get("tenant"))
	if !ok {
		return
	}
	in, err := s.Store.Get(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, in)
}

func (s *Server) intentAudit(w http.ResponseWriter, r *http.Request) {
	tenant, ok := resolveTenant(w, r, r.URL.Query().Get("tenant"))
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.Store.Get(r.Context(), tenant, id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.Store.ListAudit(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) decide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req client.DecisionRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		tenant, ok := resolveTenant(w, r, req.TenantID)
		if !ok {
			return
		}
		p := principal(r)
		by := engine.Actor{ID: p.Subject, Roles: p.Roles}
		decide := s.Service.Reject
		if approve {
			decide = s.Service.Approve
		}
		out, err := decide(r.Context(), tenant, chi.URLParam(r, "id"), by, req.Note)
		if err != nil {
			writeError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	}
}

func (s *Server) reportExecution(w http.ResponseWriter, r *http.Request) {
	var report statebus.Report
	if err := httpx.DecodeJSON(r, &report); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if report.IntentID == "" {
		report.IntentID = id
	}
	if strings.TrimSpace(report.IntentID) != id {
		httpx.Error(w, http.StatusBadRequest, "intentId does not match path")
		return
	}
	tenant, ok := resolveTenant(w, r, report.TenantID)
	if !ok {
		return
	}
	report.TenantID = tenant
	out, err := s.applyReport(r.Context(), report)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// applyReport verifies and applies one executor report. HTTP and Kafka reports share it.
func (s *Server) applyReport(ctx context.Context, r statebus.Report) (intent.Intent, error) {
	r, err := statebus.Normalize(r)
	if err != nil {
		return intent.Intent{}, errors.Join(intent.ErrInvalidPayload, err)
	}
	if err := s.Verifier.Verify(ctx, r); err != nil {
		return intent.Intent{}, err
	}
	out, err := s.Service.ReportExecution(ctx, engine.ExecutionReport{
		TenantID: r.TenantID,
		IntentID: r.IntentID,
		Status:   intent.Status(r.Status),
		Detail:   r.Detail,
		Executor: r.Executor,
	})
	if err != nil {
		return intent.Intent{}, err
	}
	if s.Events != nil {
		e := events.NewEvent(events.TypeExecutionReported, map[string]string{"reported": r.Status, "detail": r.Detail})
		e.TenantID, e.IntentID, e.To, e.Actor = out.TenantID, out.ID, string(out.Status), r.Executor
		s.Events.Emit(ctx, e)
	}
	return out, nil
}

func (s *Server) setTenantEngine(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Enabled == nil {
		httpx.Error(w, http.StatusBadRequest, "enabled required")
		return
	}
	tenant, ok := resolveTenant(w, r, chi.URLParam(r, "tenant"))
	if !ok {
		return
	}
	if err := s.Store.SetTenantEnabled(r.Context(), tenant, *body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("engine tenant=%s enabled=%v by=%s", tenant, *body.Enabled, principal(r).Subject)
	httpx.WriteJSON(w, http.StatusOK, client.TenantEngine{TenantID: tenant, Enabled: *body.Enabled})
}

func (s *Server) knowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant, ok := resolveTenant(w, r, q.Get("tenant"))
	if !ok {
		return
	}
	agent := kb.NormalizeAgentID(chi.URLParam(r, "agent"))
	if agent == "" {
		httpx.Error(w, http.StatusBadRequest, "agent required")
		return
	}
	maxBytes := 0
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		maxBytes = n
	}
	format := q.Get("format")
	if format != "" && format != "json" && format != "text" {
		httpx.Error(w, http.StatusBadRequest, "format must be json or text")
		return
	}
	pack, err := s.Knowledge.Assemble(r.Context(), tenant, agent, q.Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	if format == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(pack.Render(maxBytes)))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pack)
}

func (s *Server) invalidateKnowledge(w http.ResponseWriter, r *http.Request) {
	var req client.InvalidateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	tenant, ok := resolveTenant(w, r, req.TenantID)
	if !ok {
		return
	}
	if err := s.Broadcast.Invalidate(r.Context(), tenant, req.AgentIDs...); err != nil {
		log.Printf("kb invalidate publish tenant=%s: %v", tenant, err)
	}
	if s.Events != nil {
		e := events.NewEvent(events.TypeKnowledgeFlushed, map[string]any{"agentIds": req.AgentIDs})
		e.TenantID, e.Actor = tenant, principal(r).Subject
		s.Events.Emit(r.Context(), e)
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated", "tenantId": tenant})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intent.ErrNotFound):
		httpx.ErrorCode(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, intent.ErrInvalidPayload):
		httpx.ErrorCode(w, http.StatusUnprocessableEntity, "INVALID_PAYLOAD", err.Error())
	case errors.Is(err, intent.ErrInvalidTransition):
		httpx.ErrorCode(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, intent.ErrConflict):
		httpx.ErrorCode(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, engine.ErrIdempotencyPending):
		httpx.ErrorCode(w, http.StatusConflict, "IDEMPOTENCY_PENDING", err.Error())
	case errors.Is(err, engine.ErrForbidden):
		httpx.ErrorCode(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, engine.ErrSeparationOfDuties):
		httpx.ErrorCode(w, http.StatusForbidden, "SEPARATION_OF_DUTIES", err.Error())
	case errors.Is(err, auth.ErrBadSignature):
		httpx.ErrorCode(w, http.StatusUnauthorized, "BAD_SIGNATURE", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httpx.Error(w, http.StatusGatewayTimeout, "upstream timeout")
	default:
		log.Printf("engine request failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// auditRequests records every mutating request as an HTTP_REQUEST audit entry.
func (s *Server) auditRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RequestAudit == nil || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		p := principal(r)
		status := audit.StatusSuccess
		if rec.status >= 400 {
			status = audit.StatusFailed
		}
		route := routePattern(r)
		if route == "" {
			route = r.URL.Path
		}
		_, _ = s.RequestAudit.Append(r.Context(), audit.Entry{
			TenantID:   p.Tenant,
			ActorType:  audit.ActorHuman,
			ActorID:    p.Subject,
			Action:     audit.ActionHTTPRequest,
			EntityType: audit.EntityHTTPRoute,
			EntityID:   r.Method + " " + route,
			Status:     status,
			Metadata:   audit.Meta(map[string]any{"path": r.URL.Path, "status": rec.status}),
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
