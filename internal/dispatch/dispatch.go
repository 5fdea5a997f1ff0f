// Package dispatch executes the side effects attached to a fraud rule when
// it flags an event. Each action runs independently with its own timeout and
// retry budget; failures are recorded on the flag and never undo it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/metrics"
)

// Recorder persists action outcomes.
type Recorder interface {
	RecordActions(ctx context.Context, actions []domain.FraudAction) error
}

// Options configures a Dispatcher.
type Options struct {
	Notifier  Notifier
	Auditor   Auditor
	Approvals ApprovalGate
	Webhooks  *WebhookClient
	Recorder  Recorder

	ActionTimeout  time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

// Dispatcher runs rule actions for newly created flags.
type Dispatcher struct {
	notifier  Notifier
	auditor   Auditor
	approvals ApprovalGate
	webhooks  *WebhookClient
	recorder  Recorder

	actionTimeout  time.Duration
	maxRetries     int
	initialBackoff time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a dispatcher. Missing capabilities make their action type fail permanently.
func New(opts Options) *Dispatcher {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 2 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.Webhooks == nil {
		opts.Webhooks = NewWebhookClient(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifier:       opts.Notifier,
		auditor:        opts.Auditor,
		approvals:      opts.Approvals,
		webhooks:       opts.Webhooks,
		recorder:       opts.Recorder,
		actionTimeout:  opts.ActionTimeout,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		baseCtx:        ctx,
		cancel:         cancel,
		now:            time.Now,
	}
}

// Job pairs a newly created flag with the actions its rule requests.
type Job struct {
	Flag    *domain.FraudFlag
	Actions []domain.ActionSpec
}

// Dispatch starts every action for flag in the background and returns once
// each action has finished its first attempt or the action timeout has passed.
// Retries continue after Dispatch returns; final outcomes go to the Recorder.
func (d *Dispatcher) Dispatch(ctx context.Context, flag *domain.FraudFlag, actions []domain.ActionSpec) {
	d.DispatchAll(ctx, []Job{{Flag: flag, Actions: actions}})
}

// DispatchAll starts the actions of every job at once and waits for their
// first attempts under a single action timeout.
func (d *Dispatcher) DispatchAll(ctx context.Context, jobs []Job) {
	var attempted sync.WaitGroup
	pending := 0
	for _, job := range jobs {
		if len(job.Actions) == 0 {
			continue
		}
		pending++
		attempted.Add(len(job.Actions))

		d.wg.Add(1)
		go func(job Job) {
			defer d.wg.Done()
			records := d.run(d.baseCtx, job.Flag, job.Actions, attempted.Done)
			d.record(job.Flag, records)
		}(job)
	}
	if pending == 0 {
		return
	}

	firstAttempts := make(chan struct{})
	go func() {
		attempted.Wait()
		close(firstAttempts)
	}()

	timer := time.NewTimer(d.actionTimeout)
	defer timer.Stop()

	select {
	case <-firstAttempts:
	case <-timer.C:
		slog.Warn("action first attempts still running, continuing in background",
			"flags", pending,
			"timeout_ms", d.actionTimeout.Milliseconds(),
		)
	case <-ctx.Done():
	}
}

// Run executes every action for flag and waits for all of them, retries included.
func (d *Dispatcher) Run(ctx context.Context, flag *domain.FraudFlag, actions []domain.ActionSpec) []domain.FraudAction {
	return d.run(ctx, flag, actions, func() {})
}

func (d *Dispatcher) run(ctx context.Context, flag *domain.FraudFlag, actions []domain.ActionSpec, attempted func()) []domain.FraudAction {
	records := make([]domain.FraudAction, len(actions))

	var wg sync.WaitGroup
	for i, spec := range actions {
		wg.Add(1)
		go func(i int, spec domain.ActionSpec) {
			defer wg.Done()
			records[i] = d.execute(ctx, flag, spec, attempted)
		}(i, spec)
	}
	wg.Wait()

	return records
}

// execute runs one action under the retry policy. attempted is called exactly once.
func (d *Dispatcher) execute(ctx context.Context, flag *domain.FraudFlag, spec domain.ActionSpec, attempted func()) domain.FraudAction {
	start := d.now()
	attempts := 0
	permanent := false
	var once sync.Once
	defer once.Do(attempted)

	op := func() (err error) {
		attempts++
		defer once.Do(attempted)
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(fmt.Errorf("action panicked: %v", r))
			}
			var perm *backoff.PermanentError
			permanent = errors.As(err, &perm)
		}()

		actx, cancel := context.WithTimeout(ctx, d.actionTimeout)
		defer cancel()

		err = d.perform(actx, flag, spec)
		if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("action timed out after %s: %w", d.actionTimeout, err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initialBackoff
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		metrics.ActionRetriesTotal.WithLabelValues(spec.Type).Inc()
		slog.Debug("retrying action",
			"flag_id", flag.ID,
			"action", spec.Type,
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxRetries)), ctx),
		notify,
	)

	record := domain.FraudAction{
		FlagID:         flag.ID,
		Type:           spec.Type,
		Timestamp:      start,
		Success:        err == nil,
		Attempts:       attempts,
		ResponseTimeMs: d.now().Sub(start).Milliseconds(),
	}

	if err == nil {
		metrics.ActionsTotal.WithLabelValues(spec.Type, "success").Inc()
		return record
	}

	dispatchErr := &domain.ActionDispatchError{
		ActionType: spec.Type,
		Attempts:   attempts,
		Permanent:  permanent,
		Cause:      err,
	}
	record.Error = dispatchErr.Error()

	result := "failed"
	if permanent {
		result = "permanent"
	}
	metrics.ActionsTotal.WithLabelValues(spec.Type, result).Inc()

	slog.Warn("action failed",
		"flag_id", flag.ID,
		"rule_id", flag.RuleID,
		"action", spec.Type,
		"attempts", attempts,
		"permanent", permanent,
		"error", err,
	)

	return record
}

func (d *Dispatcher) perform(ctx context.Context, flag *domain.FraudFlag, spec domain.ActionSpec) error {
	switch spec.Type {
	case domain.ActionNotify:
		if d.notifier == nil {
			return backoff.Permanent(errors.New("no notifier configured"))
		}
		return d.notifier.Notify(ctx, flag, spec.Params)

	case domain.ActionLog:
		if d.auditor == nil {
			return backoff.Permanent(errors.New("no audit logger configured"))
		}
		return d.auditor.Audit(ctx, flag, spec.Params)

	case domain.ActionRequireApproval:
		if d.approvals == nil {
			return backoff.Permanent(errors.New("no approval gate configured"))
		}
		return d.approvals.RequestApproval(ctx, flag, spec.Params)

	case domain.ActionWebhook:
		url, _ := spec.Params["url"].(string)
		if url == "" {
			return backoff.Permanent(errors.New("webhook action has no url"))
		}
		return d.webhooks.Post(ctx, url, flag)

	default:
		return backoff.Permanent(fmt.Errorf("unknown action type %q", spec.Type))
	}
}

func (d *Dispatcher) record(flag *domain.FraudFlag, records []domain.FraudAction) {
	if d.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.recorder.RecordActions(ctx, records); err != nil {
		slog.Error("failed to record actions",
			"flag_id", flag.ID,
			"error", err,
		)
	}
}

// Wait blocks until all background dispatches finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts outstanding retries and waits for their outcomes to be recorded.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
