package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/usecase"
)

type ctxKey string

const (
	timeFormat             = "2006-01-02T15:04:05.999999999Z07:00"
	tenantCtxKey    ctxKey = "tenant_context"
	maxJSONBodySize        = 1 << 20

	// opsRole is the actor role the upstream gateway must assert on the
	// operator surface.
	opsRole = "admin"
)

// Handler exposes the guarded access surface over HTTP. It trusts the
// X-Tenant-ID and actor headers set by the upstream gateway; every tenant
// header still has to resolve against the tenant directory before any
// route runs.
type Handler struct {
	guard    *usecase.Guard
	audits   *usecase.AuditService
	verifier *usecase.Verifier
	analyzer *usecase.Analyzer
	logger   *slog.Logger
}

func NewHandler(guard *usecase.Guard, audits *usecase.AuditService, verifier *usecase.Verifier, analyzer *usecase.Analyzer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{guard: guard, audits: audits, verifier: verifier, analyzer: analyzer, logger: logger}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireTenant)
		pr.Get("/v1/tables/{table}", h.read)
		pr.Post("/v1/tables/{table}", h.write)
		pr.Patch("/v1/tables/{table}", h.update)
		pr.Delete("/v1/tables/{table}", h.delete)
		pr.Post("/v1/raw", h.rawQuery)
		pr.Get("/v1/audit", h.listAudit)
	})

	// Operator surface. Releasing a hold re-exposes records to the
	// retention purge, so these paths are not reachable with a plain
	// tenant assertion.
	r.Group(func(or chi.Router) {
		or.Use(h.requireOps)
		or.Post("/v1/audit/{id}/hold", h.holdAudit)
		or.Post("/v1/audit/{id}/release", h.releaseAudit)
		or.Post("/v1/verification/runs", h.runVerification)
		or.Get("/v1/verification/report", h.verificationReport)
		or.Get("/v1/analyzer/patterns", h.analyzerPatterns)
	})

	return r
}

type updateRequest struct {
	Patch  map[string]any `json:"patch"`
	Filter map[string]any `json:"filter"`
}

type rawRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type holdRequest struct {
	Reason string `json:"reason"`
}

type runRequest struct {
	TenantA string `json:"tenant_a"`
	TenantB string `json:"tenant_b"`
}

type auditResponse struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	ActorID         string `json:"actor_id,omitempty"`
	Operation       string `json:"operation"`
	Table           string `json:"table,omitempty"`
	Outcome         string `json:"outcome"`
	FingerprintHash string `json:"fingerprint_hash,omitempty"`
	Sensitivity     string `json:"sensitivity,omitempty"`
	Severity        string `json:"severity"`
	Detail          string `json:"detail,omitempty"`
	RecordedAt      string `json:"recorded_at"`
}

type patternResponse struct {
	Hash                 string `json:"hash"`
	NormalizedText       string `json:"normalized_text"`
	Sensitivity          string `json:"sensitivity"`
	RequiresTenantFilter bool   `json:"requires_tenant_filter"`
	Count                int64  `json:"count"`
	FirstSeen            string `json:"first_seen"`
	LastSeen             string `json:"last_seen"`
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	tctx := tenantFromContext(r.Context())

	filter, opts, ok := parseReadQuery(w, r)
	if !ok {
		return
	}

	rows, err := h.guard.For(tctx).Read(r.Context(), table, filter, opts)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	tctx := tenantFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	created, err := h.guard.For(tctx).Write(r.Context(), table, domain.Row(payload))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	tctx := tenantFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req updateRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.Patch) == 0 {
		writeError(w, http.StatusBadRequest, "patch must not be empty")
		return
	}
	if len(req.Filter) == 0 {
		writeError(w, http.StatusBadRequest, "filter must not be empty")
		return
	}

	affected, err := h.guard.For(tctx).Update(r.Context(), table, domain.Row(req.Patch), eqFilter(req.Filter))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": affected})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	tctx := tenantFromContext(r.Context())

	filter, _, ok := parseReadQuery(w, r)
	if !ok {
		return
	}
	if len(filter) == 0 {
		writeError(w, http.StatusBadRequest, "delete requires at least one filter condition")
		return
	}

	affected, err := h.guard.For(tctx).Delete(r.Context(), table, filter)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": affected})
}

func (h *Handler) rawQuery(w http.ResponseWriter, r *http.Request) {
	tctx := tenantFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req rawRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql must not be empty")
		return
	}

	rows, err := h.guard.For(tctx).RawQuery(r.Context(), req.SQL, req.Params)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	tctx := tenantFromContext(r.Context())

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := domain.AuditQuery{
		TenantID:       tctx.TenantID,
		ViolationsOnly: r.URL.Query().Get("violations_only") == "true",
		MinSeverity:    domain.Severity(r.URL.Query().Get("min_severity")),
		Limit:          limit,
	}
	for param, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		raw := r.URL.Query().Get(param)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, param+" must be RFC3339")
			return
		}
		*dst = parsed
	}

	records, err := h.audits.Query(r.Context(), q)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	result := make([]auditResponse, 0, len(records))
	for _, rec := range records {
		result = append(result, toAuditResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) holdAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req holdRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.audits.Hold(r.Context(), id, req.Reason); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"held": true})
}

func (h *Handler) releaseAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.audits.Release(r.Context(), id); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

func (h *Handler) runVerification(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req runRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TenantA == "" || req.TenantB == "" {
		writeError(w, http.StatusBadRequest, "tenant_a and tenant_b are required")
		return
	}

	a := domain.TenantContext{TenantID: req.TenantA, ActorID: "ops", ActorRole: "admin"}
	b := domain.TenantContext{TenantID: req.TenantB, ActorID: "ops", ActorRole: "admin"}

	report, err := h.verifier.Run(r.Context(), h.verifier.DefaultSuite(), a, b)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) verificationReport(w http.ResponseWriter, r *http.Request) {
	report, ok := h.verifier.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no verification run completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) analyzerPatterns(w http.ResponseWriter, r *http.Request) {
	stats := h.analyzer.Patterns()

	result := make([]patternResponse, 0, len(stats))
	for _, stat := range stats {
		result = append(result, patternResponse{
			Hash:                 stat.Fingerprint.Hash,
			NormalizedText:       stat.Fingerprint.NormalizedText,
			Sensitivity:          string(stat.Fingerprint.Sensitivity),
			RequiresTenantFilter: stat.Fingerprint.RequiresTenantFilter,
			Count:                stat.Count,
			FirstSeen:            stat.FirstSeen.UTC().Format(timeFormat),
			LastSeen:             stat.LastSeen.UTC().Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tctx := domain.TenantContext{
			TenantID:    strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
			ActorID:     strings.TrimSpace(r.Header.Get("X-Actor-ID")),
			ActorRole:   strings.TrimSpace(r.Header.Get("X-Actor-Role")),
			ClientIP:    r.RemoteAddr,
			ClientAgent: r.UserAgent(),
		}

		validated, err := h.guard.Context(r.Context(), tctx)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrTenantRequired), errors.Is(err, domain.ErrConfiguration):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, domain.ErrTenantUnknown), errors.Is(err, domain.ErrTenantInactive):
				writeError(w, http.StatusForbidden, err.Error())
			default:
				h.logger.Error("tenant resolution failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
			return
		}

		ctx := context.WithValue(r.Context(), tenantCtxKey, validated)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOps gates the operator surface. Authentication lives in the
// upstream gateway; a request only passes when the gateway asserted an
// admin actor via X-Actor-Role.
func (h *Handler) requireOps(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("X-Actor-Role")) != opsRole {
			writeError(w, http.StatusForbidden, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func toAuditResponse(rec domain.AuditRecord) auditResponse {
	return auditResponse{
		ID:              rec.ID,
		TenantID:        rec.TenantID,
		ActorID:         rec.ActorID,
		Operation:       string(rec.Operation),
		Table:           rec.Table,
		Outcome:         string(rec.Outcome),
		FingerprintHash: rec.FingerprintHash,
		Sensitivity:     string(rec.Sensitivity),
		Severity:        string(rec.Severity),
		Detail:          rec.Detail,
		RecordedAt:      rec.RecordedAt.UTC().Format(timeFormat),
	}
}

// parseReadQuery turns query params into equality conditions. limit, offset
// and order_by are reserved; everything else is a column filter.
func parseReadQuery(w http.ResponseWriter, r *http.Request) (domain.Filter, domain.ReadOptions, bool) {
	var opts domain.ReadOptions
	var filter domain.Filter

	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch key {
		case "limit":
			parsed, err := strconv.Atoi(value)
			if err != nil {
				writeError(w, http.StatusBadRequest, "limit must be integer")
				return nil, opts, false
			}
			opts.Limit = parsed
		case "offset":
			parsed, err := strconv.Atoi(value)
			if err != nil {
				writeError(w, http.StatusBadRequest, "offset must be integer")
				return nil, opts, false
			}
			opts.Offset = parsed
		case "order_by":
			opts.OrderBy = value
		default:
			filter = append(filter, domain.Eq(key, value))
		}
	}
	return filter, opts, true
}

func eqFilter(conditions map[string]any) domain.Filter {
	filter := make(domain.Filter, 0, len(conditions))
	for column, value := range conditions {
		filter = append(filter, domain.Eq(column, value))
	}
	return filter
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("encode json response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrIsolationViolation), errors.Is(err, domain.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, domain.ErrInvalidFilter),
		errors.Is(err, domain.ErrInvalidColumn):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func tenantFromContext(ctx context.Context) domain.TenantContext {
	tctx, _ := ctx.Value(tenantCtxKey).(domain.TenantContext)
	return tctx
}
