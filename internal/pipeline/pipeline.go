// Package pipeline runs one POS event through normalization, rule
// evaluation, scoring, flag persistence and action dispatch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/tillwatch/internal/dispatch"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/metrics"
	"github.com/opensource-finance/tillwatch/internal/normalize"
	"github.com/opensource-finance/tillwatch/internal/rules"
	"github.com/opensource-finance/tillwatch/internal/scoring"
	"github.com/opensource-finance/tillwatch/internal/telemetry"
)

// ErrShuttingDown rejects events submitted after Shutdown has begun.
var ErrShuttingDown = errors.New("pipeline is shutting down")

var tracer = otel.Tracer("tillwatch-pipeline")

// RuleSource supplies the enabled rules for one evaluation.
type RuleSource interface {
	EnabledRules() []*domain.FraudRule
}

// FlagCreator persists flags idempotently.
type FlagCreator interface {
	Create(ctx context.Context, event *domain.POSEvent, match domain.RuleMatch) (*domain.FraudFlag, bool, error)
}

// ActionDispatcher runs the rule actions of the flags one event created.
type ActionDispatcher interface {
	DispatchAll(ctx context.Context, jobs []dispatch.Job)
}

// Deps are the components a Pipeline drives.
type Deps struct {
	Normalizer  *normalize.Normalizer
	Events      domain.EventRepository
	Evaluations domain.EvaluationRepository
	Rules       RuleSource
	Evaluator   *rules.Evaluator
	Flags       FlagCreator
	Dispatcher  ActionDispatcher
}

// Pipeline processes submitted events.
type Pipeline struct {
	deps Deps

	detectionEnabled atomic.Bool

	mu       sync.RWMutex // guards draining against inflight.Add
	draining bool
	inflight sync.WaitGroup
}

// New creates a pipeline. detectionEnabled is the initial kill switch state.
func New(deps Deps, detectionEnabled bool) *Pipeline {
	p := &Pipeline{deps: deps}
	p.detectionEnabled.Store(detectionEnabled)
	return p
}

// DetectionEnabled reports the kill switch state.
func (p *Pipeline) DetectionEnabled() bool {
	return p.detectionEnabled.Load()
}

// SetDetectionEnabled flips the kill switch. Events already past the check are unaffected.
func (p *Pipeline) SetDetectionEnabled(enabled bool) {
	p.detectionEnabled.Store(enabled)
	slog.Info("fraud detection toggled", "enabled", enabled)
}

// Submit processes one raw event. A *domain.ValidationError means the event
// was rejected; other errors are infrastructure failures and the caller may
// resubmit, since flag creation is idempotent.
func (p *Pipeline) Submit(ctx context.Context, raw domain.RawEvent) (*domain.SubmissionResult, error) {
	if !p.begin() {
		return nil, ErrShuttingDown
	}
	defer p.inflight.Done()

	// Once accepted, an event runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Submit")
	defer span.End()

	result, err := p.process(ctx, raw, start, span)

	outcome := "evaluated"
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		outcome = "rejected"
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !result.Evaluated:
		outcome = "skipped"
	}
	metrics.EventsTotal.WithLabelValues(outcome).Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())

	return result, err
}

func (p *Pipeline) process(ctx context.Context, raw domain.RawEvent, start time.Time, span trace.Span) (*domain.SubmissionResult, error) {
	event, err := p.deps.Normalizer.Normalize(raw)
	if err != nil {
		return nil, err
	}
	normalizeMs := time.Since(start).Milliseconds()

	span.SetAttributes(
		telemetry.EventID(event.EventID),
		telemetry.EventType(string(event.EventType)),
		telemetry.BranchID(event.BranchID),
		telemetry.CashierID(event.CashierID),
	)

	if err := p.deps.Events.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("saving event: %w", err)
	}

	input := &scoring.DecisionInput{
		EventID:     event.EventID,
		TraceID:     span.SpanContext().TraceID().String(),
		StartTime:   start,
		NormalizeMs: normalizeMs,
	}

	if !p.detectionEnabled.Load() {
		input.Skipped = true
		eval := scoring.BuildEvaluation(input)
		p.saveEvaluation(ctx, eval)

		slog.Debug("fraud detection disabled, event stored without evaluation",
			"event_id", event.EventID,
		)
		return &domain.SubmissionResult{
			EventID:      event.EventID,
			FlagsCreated: []string{},
			EvaluationID: eval.ID,
			Evaluated:    false,
		}, nil
	}

	rulesStart := time.Now()
	res := p.deps.Evaluator.Evaluate(ctx, event, p.deps.Rules.EnabledRules())
	input.RulesMs = time.Since(rulesStart).Milliseconds()
	input.Matches = res.Matches
	input.RuleErrors = res.Errors
	input.RulesEvaluated = res.Evaluated

	persistStart := time.Now()
	created := []string{}
	var duplicates []string
	var jobs []dispatch.Job
	for _, match := range res.Matches {
		flag, isNew, err := p.deps.Flags.Create(ctx, event, match)
		if err != nil {
			return nil, err
		}
		input.FlagIDs = append(input.FlagIDs, flag.ID)

		if !isNew {
			duplicates = append(duplicates, flag.ID)
			continue
		}
		created = append(created, flag.ID)

		if match.Rule != nil && len(match.Rule.Actions) > 0 {
			jobs = append(jobs, dispatch.Job{Flag: flag, Actions: match.Rule.Actions})
		}
	}
	input.PersistMs = time.Since(persistStart).Milliseconds()

	if p.deps.Dispatcher != nil && len(jobs) > 0 {
		p.deps.Dispatcher.DispatchAll(ctx, jobs)
	}

	eval := scoring.BuildEvaluation(input)
	p.saveEvaluation(ctx, eval)

	metrics.RiskScore.Observe(float64(eval.RiskScore))
	span.SetAttributes(telemetry.RiskScore(eval.RiskScore))

	slog.Info("event processed",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"cashier_id", event.CashierID,
		"branch_id", event.BranchID,
		"rules_evaluated", res.Evaluated,
		"matched", len(res.Matches),
		"flags_created", len(created),
		"rule_errors", len(res.Errors),
		"risk_score", eval.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &domain.SubmissionResult{
		EventID:        event.EventID,
		FlagsCreated:   created,
		DuplicateFlags: duplicates,
		RiskScore:      eval.RiskScore,
		EvaluationID:   eval.ID,
		Evaluated:      true,
	}, nil
}

// saveEvaluation stores the audit record. Failure is logged; the flags are
// already persisted and the submission still succeeds.
func (p *Pipeline) saveEvaluation(ctx context.Context, eval *domain.Evaluation) {
	if p.deps.Evaluations == nil {
		return
	}
	if err := p.deps.Evaluations.SaveEvaluation(ctx, eval); err != nil {
		slog.Error("failed to save evaluation",
			"event_id", eval.EventID,
			"evaluation_id", eval.ID,
			"error", err,
		)
	}
}

func (p *Pipeline) begin() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.draining {
		return false
	}
	p.inflight.Add(1)
	return true
}

// Ready reports whether new events are being accepted.
func (p *Pipeline) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.draining
}

// Shutdown stops accepting events and waits for in-flight ones to finish or ctx to expire.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("pipeline drained")
		return nil
	case <-ctx.Done():
		slog.Warn("pipeline drain timed out, abandoning in-flight events")
		return ctx.Err()
	}
}
