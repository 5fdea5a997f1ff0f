// Package rules provides the data-driven rule evaluation engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/metrics"
	"github.com/opensource-finance/tillwatch/internal/telemetry"
	"github.com/opensource-finance/tillwatch/internal/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tillwatch-rules")

// Evaluator matches events against fraud rules. It holds no per-event state;
// history lives in the window store.
type Evaluator struct {
	window     domain.WindowStore
	exprs      *expressions
	timeout    time.Duration
	maxWorkers int
	location   *time.Location
}

// Options configures an Evaluator.
type Options struct {
	// Window backs count thresholds. Rules with count thresholds fail softly without it.
	Window domain.WindowStore

	// Timeout bounds a single rule's evaluation for one event.
	Timeout time.Duration

	MaxWorkers int

	// Location converts occurredAt for time-of-day checks. Nil keeps the event's own offset.
	Location *time.Location
}

// NewEvaluator creates a new rule evaluator.
func NewEvaluator(opts Options) (*Evaluator, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 50 * time.Millisecond
	}

	exprs, err := newExpressions()
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		window:     opts.Window,
		exprs:      exprs,
		timeout:    opts.Timeout,
		maxWorkers: opts.MaxWorkers,
		location:   opts.Location,
	}, nil
}

// Result is the outcome of evaluating one event.
type Result struct {
	// Matches are in the order of the rules passed in.
	Matches []domain.RuleMatch

	// Errors lists rules that failed or timed out; they count as non-matching.
	Errors []domain.RuleError

	Evaluated int
}

// Evaluate runs every rule against event independently and in parallel.
// One rule's failure never affects another's result.
func (e *Evaluator) Evaluate(ctx context.Context, event *domain.POSEvent, rules []*domain.FraudRule) *Result {
	ctx, span := tracer.Start(ctx, "rules.Evaluate", trace.WithAttributes(
		telemetry.EventID(event.EventID),
		attribute.Int("rules.count", len(rules)),
		attribute.Bool("event.type_known", event.EventType.Known()),
	))
	defer span.End()

	result := &Result{Evaluated: len(rules)}
	if len(rules) == 0 {
		return result
	}

	view := newEventView(event, e.location)

	type outcome struct {
		match *domain.RuleMatch
		err   *domain.RuleEvaluationError
	}
	outcomes := make([]outcome, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *domain.FraudRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			m, err := e.runRule(ctx, r, view)
			outcomes[idx] = outcome{match: m, err: err}
		}(i, rule)
	}

	wg.Wait()

	for _, o := range outcomes {
		switch {
		case o.err != nil:
			span.AddEvent("rule failed", trace.WithAttributes(
				telemetry.RuleID(o.err.RuleID),
				attribute.Bool("timed_out", o.err.TimedOut),
			))
			result.Errors = append(result.Errors, domain.RuleError{
				RuleID:   o.err.RuleID,
				Message:  o.err.Error(),
				TimedOut: o.err.TimedOut,
				Panicked: o.err.Panicked,
			})
		case o.match != nil:
			result.Matches = append(result.Matches, *o.match)
		}
	}

	span.SetAttributes(
		attribute.Int("rules.matched", len(result.Matches)),
		attribute.Int("rules.failed", len(result.Errors)),
	)
	return result
}

// runRule evaluates one rule under its own timeout, converting panics and
// deadline overruns into a RuleEvaluationError.
func (e *Evaluator) runRule(ctx context.Context, rule *domain.FraudRule, view *eventView) (*domain.RuleMatch, *domain.RuleEvaluationError) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		match *domain.RuleMatch
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &domain.RuleEvaluationError{
					RuleID:   rule.ID,
					Panicked: true,
					Cause:    fmt.Errorf("%v", p),
				}}
			}
		}()
		m, err := e.evaluateRule(ctx, rule, view)
		done <- outcome{match: m, err: err}
	}()

	var (
		match *domain.RuleMatch
		rerr  *domain.RuleEvaluationError
	)
	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		// A result that was ready at the deadline still counts.
		select {
		case o = <-done:
		default:
			o.err = &domain.RuleEvaluationError{RuleID: rule.ID, TimedOut: true, Cause: ctx.Err()}
		}
	}
	match = o.match
	if o.err != nil {
		if !errors.As(o.err, &rerr) {
			rerr = &domain.RuleEvaluationError{
				RuleID:   rule.ID,
				TimedOut: errors.Is(o.err, context.DeadlineExceeded),
				Cause:    o.err,
			}
		}
		match = nil
	}

	metrics.RuleDuration.Observe(time.Since(start).Seconds())
	switch {
	case rerr != nil && rerr.TimedOut:
		metrics.RuleEvaluationsTotal.WithLabelValues("timeout").Inc()
	case rerr != nil:
		metrics.RuleEvaluationsTotal.WithLabelValues("error").Inc()
	case match != nil:
		metrics.RuleEvaluationsTotal.WithLabelValues("match").Inc()
	default:
		metrics.RuleEvaluationsTotal.WithLabelValues("no_match").Inc()
	}

	if rerr != nil {
		slog.Warn("rule evaluation failed",
			"rule_id", rule.ID,
			"rule_version", rule.Version,
			"event_id", view.event.EventID,
			"timed_out", rerr.TimedOut,
			"panicked", rerr.Panicked,
			"error", rerr.Cause,
		)
	}
	return match, rerr
}

// evaluateRule checks conditions, then the threshold. It returns nil when the
// rule does not match.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *domain.FraudRule, view *eventView) (*domain.RuleMatch, error) {
	evidence := domain.Evidence{Fields: make(map[string]any)}

	for i, c := range rule.Conditions {
		ok, err := e.checkCondition(ctx, c, view, &evidence)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		if !ok {
			return nil, nil
		}
	}

	ok, err := e.checkThreshold(ctx, rule, view, &evidence)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}
	if !ok {
		return nil, nil
	}

	evidence.Fields[FieldEventType] = string(view.event.EventType)
	evidence.Fields[FieldCashierID] = view.event.CashierID
	evidence.Fields[FieldBranchID] = view.event.BranchID
	evidence.Fields[FieldOccurredAt] = view.local.Format(time.RFC3339)

	return &domain.RuleMatch{
		Rule:     rule,
		RuleID:   rule.ID,
		Version:  rule.Version,
		Severity: rule.Severity,
		Evidence: evidence,
	}, nil
}

// checkCondition evaluates one condition. A condition on a field the event
// does not carry never holds.
func (e *Evaluator) checkCondition(ctx context.Context, c domain.Condition, view *eventView, evidence *domain.Evidence) (bool, error) {
	switch c.Operator {
	case domain.OpOutsideHours, domain.OpWithinHours:
		hours, err := parseHours(c.Value)
		if err != nil {
			return false, err
		}
		if !matchHours(c.Operator, hours, view) {
			return false, nil
		}
		evidence.Fields["localTime"] = view.local.Format("15:04")
		evidence.Conditions = append(evidence.Conditions, fmt.Sprintf("occurredAt %s %s", c.Operator, hours))
		return true, nil

	case domain.OpExpression:
		src, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("expression value must be a string")
		}
		matched, err := e.exprs.eval(ctx, src, view.activation())
		if err != nil || !matched {
			return false, err
		}
		evidence.Conditions = append(evidence.Conditions, "expression "+src)
		return true, nil

	case domain.OpIn, domain.OpNotIn:
		val, present := view.resolve(c.Field)
		if !present {
			return false, nil
		}
		member, err := memberOf(val, c.Value)
		if err != nil {
			return false, err
		}
		if member != (c.Operator == domain.OpIn) {
			return false, nil
		}
		evidence.Fields[c.Field] = val
		evidence.Conditions = append(evidence.Conditions, fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value))
		return true, nil
	}

	if !c.Operator.IsComparison() {
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}

	val, present := view.resolve(c.Field)
	if !present {
		return false, nil
	}
	matched, err := compare(c.Operator, val, c.Value)
	if err != nil || !matched {
		return false, err
	}
	evidence.Fields[c.Field] = val
	evidence.Conditions = append(evidence.Conditions, fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value))
	return true, nil
}

// checkThreshold resolves the rule's threshold after all conditions hold.
func (e *Evaluator) checkThreshold(ctx context.Context, rule *domain.FraudRule, view *eventView, evidence *domain.Evidence) (bool, error) {
	th := rule.Threshold

	switch th.Type {
	case domain.ThresholdAmount, domain.ThresholdPercentage:
		field := thresholdField(th)
		val, present := view.resolve(field)
		if !present {
			return false, nil
		}
		observed, ok := toFloat(val)
		if !ok {
			return false, fmt.Errorf("field %s is not numeric", field)
		}
		evidence.Observed = observed
		evidence.Fields[field] = observed
		evidence.Threshold = fmt.Sprintf("%s %s %v", field, th.Operator, th.Value)
		return compare(th.Operator, observed, th.Value)

	case domain.ThresholdCount:
		return e.checkCount(ctx, rule, view, evidence)

	case domain.ThresholdTimeRange:
		hours, err := parseHours(th.Hours)
		if err != nil {
			return false, err
		}
		op := th.Operator
		if op == "" {
			op = domain.OpOutsideHours
		}
		evidence.Observed = float64(view.minuteOfDay())
		evidence.Fields["localTime"] = view.local.Format("15:04")
		evidence.Threshold = fmt.Sprintf("occurredAt %s %s", op, hours)
		return matchHours(op, hours, view), nil
	}

	return false, fmt.Errorf("unknown threshold type %q", th.Type)
}

// checkCount appends the event to its window and compares the resulting count.
func (e *Evaluator) checkCount(ctx context.Context, rule *domain.FraudRule, view *eventView, evidence *domain.Evidence) (bool, error) {
	if e.window == nil {
		return false, errors.New("count threshold needs a window store")
	}
	if rule.TimeWindow == nil {
		return false, errors.New("count threshold needs a time window")
	}
	size, err := rule.TimeWindow.AsDuration()
	if err != nil {
		return false, err
	}

	entity, ok := entityKey(rule.Threshold.GroupBy, view.event)
	if !ok {
		return false, nil
	}

	key := window.Key(entity, rule.ID)
	wc, err := e.window.Append(ctx, key, domain.WindowEntry{
		ID: view.event.EventID,
		At: view.event.OccurredAt,
	}, size)
	if err != nil {
		return false, fmt.Errorf("window append: %w", err)
	}

	start, end := wc.Start, wc.End
	evidence.WindowKey = key
	evidence.WindowCount = wc.Count
	evidence.WindowStart = &start
	evidence.WindowEnd = &end
	evidence.Observed = float64(wc.Count)
	evidence.Threshold = fmt.Sprintf("count %s %v within %d %s", rule.Threshold.Operator, rule.Threshold.Value,
		rule.TimeWindow.Duration, rule.TimeWindow.Unit)

	return compare(rule.Threshold.Operator, float64(wc.Count), rule.Threshold.Value)
}

func thresholdField(th domain.Threshold) string {
	if th.Field != "" {
		return th.Field
	}
	if th.Type == domain.ThresholdPercentage {
		return FieldDiscountPercent
	}
	return FieldOrderTotal
}

// entityKey selects whose history a count threshold tracks.
func entityKey(groupBy string, ev *domain.POSEvent) (string, bool) {
	switch groupBy {
	case "", domain.GroupByCashier:
		return ev.CashierID, ev.CashierID != ""
	case domain.GroupByCashierBranch:
		return ev.BranchID + "/" + ev.CashierID, ev.CashierID != ""
	case domain.GroupByBranch:
		return "branch:" + ev.BranchID, ev.BranchID != ""
	case domain.GroupByDevice:
		return "device:" + ev.PosDeviceID, ev.PosDeviceID != ""
	}
	return "", false
}
