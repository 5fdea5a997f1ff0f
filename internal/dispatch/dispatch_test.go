package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/tillwatch/internal/bus"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

type notifierFunc func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error

func (f notifierFunc) Notify(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
	return f(ctx, flag, params)
}

type auditorFunc func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error

func (f auditorFunc) Audit(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
	return f(ctx, flag, params)
}

type memRecorder struct {
	mu      sync.Mutex
	actions []domain.FraudAction
}

func (r *memRecorder) RecordActions(ctx context.Context, actions []domain.FraudAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, actions...)
	return nil
}

func (r *memRecorder) snapshot() []domain.FraudAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FraudAction(nil), r.actions...)
}

func testFlag() *domain.FraudFlag {
	return &domain.FraudFlag{
		ID:         "flag-1",
		EventID:    "evt-1",
		RuleID:     "r-discount",
		Severity:   domain.SeverityHigh,
		BranchID:   "b-1",
		CashierID:  "c-1",
		OccurredAt: time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC),
		Exposure:   40,
		Status:     domain.FlagPending,
	}
}

func fastOptions() Options {
	return Options{
		ActionTimeout:  500 * time.Millisecond,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}
}

func TestRunAllCapabilities(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	flagged := make(chan *domain.Message, 1)
	approvals := make(chan *domain.Message, 1)
	b.Subscribe(ctx, "b-1", domain.TopicFraudFlagged, func(ctx context.Context, msg *domain.Message) error {
		flagged <- msg
		return nil
	})
	b.Subscribe(ctx, bus.AllBranches, domain.TopicApprovalRequested, func(ctx context.Context, msg *domain.Message) error {
		approvals <- msg
		return nil
	})

	var hookBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		hookBody.Store(payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.Notifier = NewBusNotifier(b, nil, "")
	opts.Approvals = NewBusApprovalGate(b)
	opts.Auditor = NewSlogAuditor(nil)
	d := New(opts)
	defer d.Close()

	records := d.Run(ctx, testFlag(), []domain.ActionSpec{
		{Type: domain.ActionNotify, Params: map[string]any{"channel": "sms"}},
		{Type: domain.ActionLog},
		{Type: domain.ActionRequireApproval, Params: map[string]any{"approver": "manager-7"}},
		{Type: domain.ActionWebhook, Params: map[string]any{"url": srv.URL}},
	})

	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	for _, rec := range records {
		if !rec.Success || rec.Attempts != 1 || rec.FlagID != "flag-1" {
			t.Errorf("unexpected record: %+v", rec)
		}
	}

	select {
	case msg := <-flagged:
		var note FlagNotification
		if err := json.Unmarshal(msg.Payload, &note); err != nil {
			t.Fatalf("bad notification payload: %v", err)
		}
		if note.FlagID != "flag-1" || note.Channel != "sms" {
			t.Errorf("unexpected notification: %+v", note)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification published")
	}

	select {
	case msg := <-approvals:
		var req ApprovalRequest
		json.Unmarshal(msg.Payload, &req)
		if req.Approver != "manager-7" || msg.BranchID != "b-1" {
			t.Errorf("unexpected approval request: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("no approval request published")
	}

	payload, _ := hookBody.Load().(map[string]any)
	if payload["id"] != "flag-1" {
		t.Errorf("webhook payload = %v", payload)
	}
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("TransientThenSuccess", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := New(fastOptions())
		defer d.Close()

		records := d.Run(ctx, testFlag(), []domain.ActionSpec{
			{Type: domain.ActionWebhook, Params: map[string]any{"url": srv.URL}},
		})
		if !records[0].Success || records[0].Attempts != 3 {
			t.Errorf("expected success on attempt 3, got %+v", records[0])
		}
	})

	t.Run("RetryBudgetExhausted", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		d := New(fastOptions())
		defer d.Close()

		records := d.Run(ctx, testFlag(), []domain.ActionSpec{
			{Type: domain.ActionWebhook, Params: map[string]any{"url": srv.URL}},
		})
		if records[0].Success {
			t.Fatal("expected failure")
		}
		if records[0].Attempts != 4 || calls.Load() != 4 {
			t.Errorf("expected 1 attempt + 3 retries, got attempts=%d calls=%d", records[0].Attempts, calls.Load())
		}
		if !strings.Contains(records[0].Error, "transient") {
			t.Errorf("error should be transient: %s", records[0].Error)
		}
	})

	t.Run("ClientErrorIsPermanent", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		d := New(fastOptions())
		defer d.Close()

		records := d.Run(ctx, testFlag(), []domain.ActionSpec{
			{Type: domain.ActionWebhook, Params: map[string]any{"url": srv.URL}},
		})
		if records[0].Success || records[0].Attempts != 1 || calls.Load() != 1 {
			t.Errorf("expected a single permanent failure, got %+v (calls=%d)", records[0], calls.Load())
		}
		if !strings.Contains(records[0].Error, "permanent") {
			t.Errorf("error should be permanent: %s", records[0].Error)
		}
	})

	t.Run("MalformedConfigIsPermanent", func(t *testing.T) {
		d := New(fastOptions())
		defer d.Close()

		records := d.Run(ctx, testFlag(), []domain.ActionSpec{
			{Type: domain.ActionWebhook},
			{Type: "carrier_pigeon"},
			{Type: domain.ActionNotify},
		})
		for _, rec := range records {
			if rec.Success || rec.Attempts != 1 || !strings.Contains(rec.Error, "permanent") {
				t.Errorf("expected permanent failure for %s, got %+v", rec.Type, rec)
			}
		}
	})
}

func TestActionIsolation(t *testing.T) {
	ctx := context.Background()

	var audited atomic.Bool
	opts := fastOptions()
	opts.MaxRetries = 0
	opts.ActionTimeout = 50 * time.Millisecond
	opts.Notifier = notifierFunc(func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	opts.Approvals = nil
	opts.Auditor = auditorFunc(func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
		audited.Store(true)
		return nil
	})
	d := New(opts)
	defer d.Close()

	start := time.Now()
	records := d.Run(ctx, testFlag(), []domain.ActionSpec{
		{Type: domain.ActionNotify},
		{Type: domain.ActionLog},
	})
	elapsed := time.Since(start)

	if records[0].Success {
		t.Error("hung notifier should fail")
	}
	if !strings.Contains(records[0].Error, "timed out") {
		t.Errorf("expected timeout error, got %q", records[0].Error)
	}
	if !records[1].Success || !audited.Load() {
		t.Error("audit action should succeed despite notifier failure")
	}
	if elapsed > time.Second {
		t.Errorf("dispatch took %v, should be bounded by the action timeout", elapsed)
	}
}

func TestPanickingActionIsRecorded(t *testing.T) {
	opts := fastOptions()
	opts.Notifier = notifierFunc(func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
		panic("boom")
	})
	d := New(opts)
	defer d.Close()

	records := d.Run(context.Background(), testFlag(), []domain.ActionSpec{{Type: domain.ActionNotify}})
	if records[0].Success || records[0].Attempts != 1 || !strings.Contains(records[0].Error, "panicked") {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestDispatchRecordsInBackground(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	rec := &memRecorder{}
	opts := fastOptions()
	opts.Recorder = rec
	opts.Notifier = notifierFunc(func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
		if calls.Add(1) == 1 {
			return errors.New("bus unavailable")
		}
		<-release
		return nil
	})
	d := New(opts)

	d.Dispatch(context.Background(), testFlag(), []domain.ActionSpec{{Type: domain.ActionNotify}})

	// Dispatch returned after the first attempt; the retry is still pending.
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no recorded actions yet, got %d", len(got))
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 1 || !got[0].Success || got[0].Attempts != 2 {
		t.Errorf("unexpected recorded actions: %+v", got)
	}
	d.Close()
}

func TestCloseAbortsRetries(t *testing.T) {
	rec := &memRecorder{}
	opts := fastOptions()
	opts.Recorder = rec
	opts.InitialBackoff = time.Hour
	opts.Notifier = notifierFunc(func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
		return errors.New("down")
	})
	d := New(opts)

	d.Dispatch(context.Background(), testFlag(), []domain.ActionSpec{{Type: domain.ActionNotify}})

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not abort pending retries")
	}

	got := rec.snapshot()
	if len(got) != 1 || got[0].Success {
		t.Errorf("expected one failed record, got %+v", got)
	}
}

func TestDispatchAllSharesOneTimeout(t *testing.T) {
	opts := fastOptions()
	opts.ActionTimeout = 200 * time.Millisecond
	opts.MaxRetries = 0
	opts.Notifier = notifierFunc(func(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := New(opts)
	defer d.Close()

	var jobs []Job
	for i := 0; i < 4; i++ {
		flag := testFlag()
		flag.ID = "flag-" + string(rune('a'+i))
		jobs = append(jobs, Job{Flag: flag, Actions: []domain.ActionSpec{{Type: domain.ActionNotify}}})
	}

	start := time.Now()
	d.DispatchAll(context.Background(), jobs)
	if elapsed := time.Since(start); elapsed > 2*opts.ActionTimeout {
		t.Errorf("expected DispatchAll to return within one action timeout, took %v", elapsed)
	}
}

func TestDispatchAllSkipsJobsWithoutActions(t *testing.T) {
	rec := &memRecorder{}
	opts := fastOptions()
	opts.Recorder = rec
	d := New(opts)

	d.DispatchAll(context.Background(), []Job{{Flag: testFlag()}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("expected nothing recorded, got %+v", got)
	}
	d.Close()
}
