package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/tillwatch/internal/catalog"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/flags"
	"github.com/opensource-finance/tillwatch/internal/pipeline"
	"github.com/opensource-finance/tillwatch/internal/repository"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Pinger is a component whose health is reported by GET /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handlers serve.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Catalog     *catalog.Catalog
	Flags       *flags.Store
	Evaluations domain.EvaluationRepository

	// Checks are pinged by GET /health, keyed by component name.
	Checks  map[string]Pinger
	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline    *pipeline.Pipeline
	catalog     *catalog.Catalog
	flags       *flags.Store
	evaluations domain.EvaluationRepository
	checks      map[string]Pinger
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		pipeline:    deps.Pipeline,
		catalog:     deps.Catalog,
		flags:       deps.Flags,
		evaluations: deps.Evaluations,
		checks:      deps.Checks,
		version:     deps.Version,
	}
}

type errorResponse struct {
	Error         string              `json:"error"`
	Fields        []domain.FieldError `json:"fields,omitempty"`
	CurrentStatus domain.FlagStatus   `json:"currentStatus,omitempty"`
}

// SubmitEvent handles POST /events. Numbers are decoded as json.Number so
// monetary amounts reach the normalizer without float rounding.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var raw domain.RawEvent
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be a JSON object"})
		return
	}

	result, err := h.pipeline.Submit(r.Context(), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetEvaluation handles GET /events/{id}/evaluation.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.evaluations.GetEvaluationByEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// ListRules handles GET /rules?family=&enabled=.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	filter := domain.RuleFilter{Family: r.URL.Query().Get("family")}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, queryError("enabled", "must be true or false"))
			return
		}
		filter.Enabled = &enabled
	}

	list := h.catalog.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// PutRule handles PUT /rules/{id}. The body is the full rule; each call
// commits a new version that takes effect for the next evaluated event.
func (h *Handler) PutRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rule domain.FraudRule
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if rule.ID == "" {
		rule.ID = id
	}
	if rule.ID != id {
		writeError(w, r, queryError("id", "body id %q does not match path id %q", rule.ID, id))
		return
	}
	rule.UpdatedBy = r.Header.Get(ActorHeader)

	saved, err := h.catalog.Upsert(r.Context(), &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("rule saved",
		"rule_id", saved.ID,
		"version", saved.Version,
		"enabled", saved.Enabled,
		"updated_by", saved.UpdatedBy,
	)
	writeJSON(w, http.StatusOK, saved)
}

// EnableRule handles POST /rules/{id}/enable.
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

// DisableRule handles POST /rules/{id}/disable.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *Handler) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	rule, err := h.catalog.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled, r.Header.Get(ActorHeader))
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("rule toggled",
		"rule_id", rule.ID,
		"version", rule.Version,
		"enabled", rule.Enabled,
		"updated_by", rule.UpdatedBy,
	)
	writeJSON(w, http.StatusOK, rule)
}

// RuleVersions handles GET /rules/{id}/versions, oldest first.
func (h *Handler) RuleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.catalog.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

// ListFlags handles GET /flags, newest first.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFlagFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := h.flags.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetFlag handles GET /flags/{id}.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := h.flags.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// FlagActions handles GET /flags/{id}/actions.
func (h *Handler) FlagActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.flags.Actions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []domain.FraudAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
	})
}

// TransitionRequest is the request body for POST /flags/{id}/transitions.
type TransitionRequest struct {
	NewStatus          domain.FlagStatus `json:"newStatus"`
	InvestigatedBy     string            `json:"investigatedBy,omitempty"`
	InvestigationNotes string            `json:"investigationNotes,omitempty"`
}

// TransitionFlag handles POST /flags/{id}/transitions.
func (h *Handler) TransitionFlag(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if req.InvestigatedBy == "" {
		req.InvestigatedBy = r.Header.Get(ActorHeader)
	}

	flag, err := h.flags.Transition(r.Context(), domain.TransitionRequest{
		FlagID:             chi.URLParam(r, "id"),
		NewStatus:          domain.FlagStatus(strings.ToUpper(string(req.NewStatus))),
		InvestigatedBy:     req.InvestigatedBy,
		InvestigationNotes: req.InvestigationNotes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// DailyMetrics handles GET /metrics/daily?from=&to=&branchId=.
func (h *Handler) DailyMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.MetricsFilter{
		FromDay:  q.Get("from"),
		ToDay:    q.Get("to"),
		BranchID: q.Get("branchId"),
	}

	verr := &domain.ValidationError{}
	for name, day := range map[string]string{"from": filter.FromDay, "to": filter.ToDay} {
		if day == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			verr.Add(name, "must be a YYYY-MM-DD date")
		}
	}
	if verr.HasErrors() {
		writeError(w, r, verr)
		return
	}

	days, err := h.flags.DailyMetrics(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if days == nil {
		days = []*domain.DailyMetric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days})
}

// Health returns server health status with a per-component breakdown.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(h.checks))

	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          h.version,
		"detectionEnabled": h.pipeline.DetectionEnabled(),
		"components":       components,
	})
}

// Ready returns whether the server is accepting events. It fails while draining.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.pipeline.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

type detectionState struct {
	Enabled *bool `json:"enabled"`
}

// GetDetection reports the kill switch.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	enabled := h.pipeline.DetectionEnabled()
	writeJSON(w, http.StatusOK, detectionState{Enabled: &enabled})
}

// SetDetection flips the kill switch at runtime.
func (h *Handler) SetDetection(w http.ResponseWriter, r *http.Request) {
	var req detectionState
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"enabled": true|false}`})
		return
	}

	h.pipeline.SetDetectionEnabled(*req.Enabled)
	slog.Warn("fraud detection switched",
		"enabled", *req.Enabled,
		"actor", r.Header.Get(ActorHeader),
	)
	writeJSON(w, http.StatusOK, req)
}

func parseFlagFilter(r *http.Request) (domain.FlagFilter, error) {
	q := r.URL.Query()
	filter := domain.FlagFilter{
		BranchID:  q.Get("branchId"),
		CashierID: q.Get("cashierId"),
	}
	verr := &domain.ValidationError{}

	if v := q.Get("severity"); v != "" {
		filter.Severity = domain.Severity(strings.ToUpper(v))
		if !filter.Severity.Valid() {
			verr.Add("severity", "unknown severity %q", v)
		}
	}
	if v := q.Get("status"); v != "" {
		filter.Status = domain.FlagStatus(strings.ToUpper(v))
		if !filter.Status.Valid() {
			verr.Add("status", "unknown status %q", v)
		}
	}
	if v := q.Get("from"); v != "" {
		t, err := parseTimeParam(v, false)
		if err != nil {
			verr.Add("from", "%v", err)
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseTimeParam(v, true)
		if err != nil {
			verr.Add("to", "%v", err)
		}
		filter.To = &t
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			verr.Add(name, "must be a non-negative integer")
			continue
		}
		*dst = n
	}

	if verr.HasErrors() {
		return filter, verr
	}
	return filter, nil
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func queryError(field, format string, args ...any) error {
	verr := &domain.ValidationError{}
	verr.Add(field, format, args...)
	return verr
}

// writeError maps domain errors onto HTTP status codes. Anything unrecognised
// is logged and reported as a 500 without internal detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *domain.ValidationError
		terr *domain.InvalidTransitionError
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: terr.Error(), CurrentStatus: terr.From})
	case errors.Is(err, domain.ErrConcurrentUpdate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrFlagNotFound),
		errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
