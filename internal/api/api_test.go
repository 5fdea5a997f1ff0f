package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/tillwatch/internal/catalog"
	"github.com/opensource-finance/tillwatch/internal/dispatch"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/flags"
	"github.com/opensource-finance/tillwatch/internal/normalize"
	"github.com/opensource-finance/tillwatch/internal/pipeline"
	"github.com/opensource-finance/tillwatch/internal/repository"
	"github.com/opensource-finance/tillwatch/internal/rules"
	"github.com/opensource-finance/tillwatch/internal/window"
)

type testEnv struct {
	server     *Server
	pipeline   *pipeline.Pipeline
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher
}

// newTestEnv wires the real stack over a temporary SQLite database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := window.NewMemoryStore(window.MemoryOptions{MaxEntries: 100})
	t.Cleanup(func() { store.Close() })

	evaluator, err := rules.NewEvaluator(rules.Options{Window: store, Timeout: time.Second, MaxWorkers: 4})
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	cat := catalog.New(repo, evaluator)
	if _, err := cat.Upsert(context.Background(), discountRule()); err != nil {
		t.Fatalf("failed to seed rule: %v", err)
	}

	flagStore := flags.NewStore(repo)
	dispatcher := dispatch.New(dispatch.Options{
		Auditor:  dispatch.NewSlogAuditor(slog.Default()),
		Recorder: flagStore,
	})
	t.Cleanup(dispatcher.Close)

	p := pipeline.New(pipeline.Deps{
		Normalizer:  normalize.New(normalize.Config{}),
		Events:      repo,
		Evaluations: repo,
		Rules:       cat,
		Evaluator:   evaluator,
		Flags:       flagStore,
		Dispatcher:  dispatcher,
	}, true)

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Pipeline:    p,
		Catalog:     cat,
		Flags:       flagStore,
		Evaluations: repo,
		Checks: map[string]Pinger{
			"repository": repo,
			"window":     store,
		},
		Version: "test-v1",
	})

	return &testEnv{server: server, pipeline: p, catalog: cat, dispatcher: dispatcher}
}

func discountRule() *domain.FraudRule {
	return &domain.FraudRule{
		ID:         "excessive-discount",
		Name:       "Excessive discount",
		RuleFamily: "DISCOUNTS",
		Severity:   domain.SeverityMedium,
		Enabled:    true,
		Threshold:  domain.Threshold{Type: domain.ThresholdPercentage, Operator: domain.OpGreater, Value: 30},
		Conditions: []domain.Condition{{Field: "eventType", Operator: domain.OpEquals, Value: "DISCOUNT_APPLIED"}},
		Actions:    []domain.ActionSpec{{Type: domain.ActionLog}},
	}
}

func discountEvent(id string, discount float64) map[string]any {
	return map[string]any{
		"eventId":        id,
		"eventType":      "DISCOUNT_APPLIED",
		"branchId":       "b-1",
		"posDeviceId":    "pos-1",
		"cashierId":      "c-1",
		"occurredAt":     "2026-03-01T14:00:00Z",
		"orderTotal":     100,
		"discountAmount": discount,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

// submitFlagged submits an event that matches the discount rule and returns its flag ID.
func (e *testEnv) submitFlagged(t *testing.T, eventID string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/events", discountEvent(eventID, 40))
	if rr.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	res := decode[domain.SubmissionResult](t, rr)
	if len(res.FlagsCreated) != 1 {
		t.Fatalf("expected 1 flag, got %v", res.FlagsCreated)
	}
	return res.FlagsCreated[0]
}

func TestEventEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("SubmitCreatesFlag", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/events", discountEvent("evt-1", 40))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		res := decode[domain.SubmissionResult](t, rr)
		if !res.Evaluated {
			t.Error("expected event to be evaluated")
		}
		if len(res.FlagsCreated) != 1 {
			t.Fatalf("expected 1 flag, got %v", res.FlagsCreated)
		}
		if res.FlagsCreated[0] != flags.FlagID("evt-1", "excessive-discount") {
			t.Errorf("unexpected flag id %s", res.FlagsCreated[0])
		}
		if res.RiskScore != 25 {
			t.Errorf("expected risk score 25, got %d", res.RiskScore)
		}
	})

	t.Run("ResubmitIsIdempotent", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/events", discountEvent("evt-1", 40))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		res := decode[domain.SubmissionResult](t, rr)
		if len(res.FlagsCreated) != 0 {
			t.Errorf("expected no new flags, got %v", res.FlagsCreated)
		}
		if len(res.DuplicateFlags) != 1 {
			t.Errorf("expected 1 duplicate flag, got %v", res.DuplicateFlags)
		}
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/events", discountEvent("evt-2", 10))
		res := decode[domain.SubmissionResult](t, rr)
		if len(res.FlagsCreated) != 0 || res.RiskScore != 0 {
			t.Errorf("expected no flags and score 0, got %+v", res)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/events", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("NonObjectBody", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/events", "[1,2]")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("ValidationErrorListsFields", func(t *testing.T) {
		ev := discountEvent("evt-3", 10)
		delete(ev, "cashierId")
		delete(ev, "branchId")

		rr := env.do(t, http.MethodPost, "/events", ev)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}

		resp := decode[errorResponse](t, rr)
		fields := map[string]bool{}
		for _, f := range resp.Fields {
			fields[f.Field] = true
		}
		if !fields["cashierId"] || !fields["branchId"] {
			t.Errorf("expected cashierId and branchId errors, got %+v", resp.Fields)
		}
	})

	t.Run("GetEvaluation", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/events/evt-1/evaluation", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		eval := decode[domain.Evaluation](t, rr)
		if eval.EventID != "evt-1" {
			t.Errorf("expected evt-1, got %s", eval.EventID)
		}
		if len(eval.MatchedRules) != 1 || eval.MatchedRules[0] != "excessive-discount" {
			t.Errorf("unexpected matched rules %v", eval.MatchedRules)
		}
	})

	t.Run("EvaluationNotFound", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/events/missing/evaluation", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		resp := decode[map[string]any](t, rr)
		if resp["count"] != float64(1) {
			t.Errorf("expected 1 rule, got %v", resp["count"])
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		tests := []struct {
			query string
			want  float64
		}{
			{"?family=discounts", 1},
			{"?family=VOIDS_RETURNS", 0},
			{"?enabled=true", 1},
			{"?enabled=false", 0},
		}
		for _, tt := range tests {
			resp := decode[map[string]any](t, env.do(t, http.MethodGet, "/rules"+tt.query, nil))
			if resp["count"] != tt.want {
				t.Errorf("%s: expected %v rules, got %v", tt.query, tt.want, resp["count"])
			}
		}
	})

	t.Run("ListBadEnabled", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules?enabled=maybe", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("PutCreatesNewVersion", func(t *testing.T) {
		rule := discountRule()
		rule.ID = ""
		rule.Threshold.Value = 50

		rr := env.do(t, http.MethodPut, "/rules/excessive-discount", rule, ActorHeader, "ops@example.com")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		saved := decode[domain.FraudRule](t, rr)
		if saved.Version != 2 {
			t.Errorf("expected version 2, got %d", saved.Version)
		}
		if saved.UpdatedBy != "ops@example.com" {
			t.Errorf("expected updatedBy from header, got %q", saved.UpdatedBy)
		}

		// The new threshold applies to the next event.
		res := decode[domain.SubmissionResult](t, env.do(t, http.MethodPost, "/events", discountEvent("evt-r1", 40)))
		if len(res.FlagsCreated) != 0 {
			t.Errorf("expected 40%% discount to pass a 50%% threshold, got %v", res.FlagsCreated)
		}
	})

	t.Run("PutMismatchedID", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/rules/other", discountRule())
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("PutInvalidRule", func(t *testing.T) {
		rule := discountRule()
		rule.Severity = "SEVERE"
		rule.Name = ""

		rr := env.do(t, http.MethodPut, "/rules/excessive-discount", rule)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		resp := decode[errorResponse](t, rr)
		if len(resp.Fields) == 0 {
			t.Error("expected field errors")
		}
	})

	t.Run("DisableAndEnable", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/excessive-discount/disable", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if decode[domain.FraudRule](t, rr).Enabled {
			t.Error("expected rule disabled")
		}
		if len(env.catalog.EnabledRules()) != 0 {
			t.Error("expected no enabled rules after disable")
		}

		rr = env.do(t, http.MethodPost, "/rules/excessive-discount/enable", nil)
		if !decode[domain.FraudRule](t, rr).Enabled {
			t.Error("expected rule enabled")
		}
	})

	t.Run("ToggleUnknown", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/nope/disable", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("Versions", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/excessive-discount/versions", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var resp struct {
			Versions []domain.FraudRule `json:"versions"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		// seed, put, disable, enable
		if len(resp.Versions) != 4 {
			t.Fatalf("expected 4 versions, got %d", len(resp.Versions))
		}
		for i, v := range resp.Versions {
			if v.Version != i+1 {
				t.Errorf("version %d: got %d", i+1, v.Version)
			}
		}
	})
}

func TestFlagEndpoints(t *testing.T) {
	env := newTestEnv(t)
	flagID := env.submitFlagged(t, "evt-f1")
	env.submitFlagged(t, "evt-f2")

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/flags?branchId=b-1&severity=medium&status=PENDING", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		page := decode[domain.FlagPage](t, rr)
		if page.Total != 2 || len(page.Flags) != 2 {
			t.Errorf("expected 2 flags, got total=%d len=%d", page.Total, len(page.Flags))
		}
	})

	t.Run("ListPaginated", func(t *testing.T) {
		page := decode[domain.FlagPage](t, env.do(t, http.MethodGet, "/flags?limit=1&offset=1", nil))
		if page.Total != 2 || len(page.Flags) != 1 || page.Limit != 1 || page.Offset != 1 {
			t.Errorf("unexpected page %+v", page)
		}
	})

	t.Run("ListByDate", func(t *testing.T) {
		tests := []struct {
			query string
			want  int
		}{
			{"?from=2026-03-01&to=2026-03-01", 2},
			{"?to=2026-02-28", 0},
			{"?from=2026-03-01T15:00:00Z", 0},
		}
		for _, tt := range tests {
			page := decode[domain.FlagPage](t, env.do(t, http.MethodGet, "/flags"+tt.query, nil))
			if page.Total != tt.want {
				t.Errorf("%s: expected %d flags, got %d", tt.query, tt.want, page.Total)
			}
		}
	})

	t.Run("ListBadQuery", func(t *testing.T) {
		for _, q := range []string{"?severity=SEVERE", "?status=OPEN", "?from=yesterday", "?limit=-1"} {
			rr := env.do(t, http.MethodGet, "/flags"+q, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", q, rr.Code)
			}
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/flags/"+flagID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		flag := decode[domain.FraudFlag](t, rr)
		if flag.EventID != "evt-f1" || flag.Status != domain.FlagPending {
			t.Errorf("unexpected flag %+v", flag)
		}
		if flag.Exposure != 40 {
			t.Errorf("expected exposure 40, got %v", flag.Exposure)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/flags/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("Actions", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := env.dispatcher.Wait(ctx); err != nil {
			t.Fatalf("dispatcher did not settle: %v", err)
		}

		rr := env.do(t, http.MethodGet, "/flags/"+flagID+"/actions", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp struct {
			Actions []domain.FraudAction `json:"actions"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Actions) != 1 || resp.Actions[0].Type != domain.ActionLog || !resp.Actions[0].Success {
			t.Errorf("unexpected actions %+v", resp.Actions)
		}
	})

	t.Run("Transition", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/flags/"+flagID+"/transitions",
			TransitionRequest{NewStatus: "investigating", InvestigationNotes: "pulling CCTV"},
			ActorHeader, "lp-officer")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		flag := decode[domain.FraudFlag](t, rr)
		if flag.Status != domain.FlagInvestigating {
			t.Errorf("expected INVESTIGATING, got %s", flag.Status)
		}
		if flag.InvestigatedBy != "lp-officer" {
			t.Errorf("expected investigator from header, got %q", flag.InvestigatedBy)
		}
	})

	t.Run("IllegalTransition", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/flags/"+flagID+"/transitions",
			TransitionRequest{NewStatus: domain.FlagPending})
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rr.Code)
		}
		resp := decode[errorResponse](t, rr)
		if resp.CurrentStatus != domain.FlagInvestigating {
			t.Errorf("expected current status INVESTIGATING, got %s", resp.CurrentStatus)
		}
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/flags/"+flagID+"/transitions",
			TransitionRequest{NewStatus: "CLOSED"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("TransitionUnknownFlag", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/flags/nope/transitions",
			TransitionRequest{NewStatus: domain.FlagInvestigating})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("ConfirmedFraudCountsAsPreventedLoss", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/flags/"+flagID+"/transitions",
			TransitionRequest{NewStatus: domain.FlagConfirmedFraud})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodGet, "/metrics/daily?from=2026-03-01&to=2026-03-01&branchId=b-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp struct {
			Days []domain.DailyMetric `json:"days"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Days) != 1 {
			t.Fatalf("expected 1 day, got %d", len(resp.Days))
		}
		day := resp.Days[0]
		if day.FlagsTotal != 2 || day.Exposure != 80 || day.PreventedLoss != 40 {
			t.Errorf("unexpected metrics %+v", day)
		}
	})

	t.Run("DailyMetricsBadDate", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics/daily?from=03/01/2026", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Status     string            `json:"status"`
			Version    string            `json:"version"`
			Components map[string]string `json:"components"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp.Status != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp.Status)
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp.Version)
		}
		if resp.Components["repository"] != "ok" || resp.Components["window"] != "ok" {
			t.Errorf("unexpected components %v", resp.Components)
		}
	})

	t.Run("PrometheusMetrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("tillwatch_")) {
			t.Error("expected tillwatch metrics in exposition")
		}
	})

	t.Run("ReadyUntilShutdown", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := env.pipeline.Shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}

		rr = env.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503 while draining, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodPost, "/events", discountEvent("evt-late", 40))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected submissions rejected with 503, got %d", rr.Code)
		}
	})
}

func TestDetectionSwitch(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/detection", map[string]bool{"enabled": false}, ActorHeader, "ops")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if env.pipeline.DetectionEnabled() {
		t.Fatal("expected detection disabled")
	}

	res := decode[domain.SubmissionResult](t, env.do(t, http.MethodPost, "/events", discountEvent("evt-k1", 90)))
	if res.Evaluated || len(res.FlagsCreated) != 0 {
		t.Errorf("expected event stored without evaluation, got %+v", res)
	}

	eval := decode[domain.Evaluation](t, env.do(t, http.MethodGet, "/events/evt-k1/evaluation", nil))
	if !eval.Skipped {
		t.Error("expected skipped evaluation record")
	}

	rr = env.do(t, http.MethodPut, "/detection", map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without enabled, got %d", rr.Code)
	}

	state := decode[map[string]bool](t, env.do(t, http.MethodGet, "/detection", nil))
	if state["enabled"] {
		t.Error("expected GET /detection to report disabled")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var seen string
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if seen == "" {
			t.Fatal("expected request ID in context")
		}
		if rr.Header().Get(RequestIDHeader) != seen {
			t.Errorf("expected header %q, got %q", seen, rr.Header().Get(RequestIDHeader))
		}
		if GetTraceID(req.Context()) != "" {
			t.Error("original request context should be untouched")
		}
	})

	t.Run("TracingMiddlewareKeepsClientRequestID", func(t *testing.T) {
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get(RequestIDHeader) != "req-42" {
			t.Errorf("expected req-42, got %q", rr.Header().Get(RequestIDHeader))
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/flags", nil)
		req.Header.Set("Origin", "https://console.example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://console.example.com" {
			t.Errorf("unexpected allow-origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}
