// Package worker consumes POS events from the event bus and feeds them to the pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/tillwatch/internal/bus"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/pipeline"
)

// Submitter processes one raw event.
type Submitter interface {
	Submit(ctx context.Context, raw domain.RawEvent) (*domain.SubmissionResult, error)
}

// Worker subscribes to TopicEventIngested and submits each message.
type Worker struct {
	bus       domain.EventBus
	submitter Submitter

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// BranchIDs limits consumption to these branches. Empty consumes all branches.
	BranchIDs []string
}

// Rejection is published on TopicEventRejected when an ingested event fails validation.
type Rejection struct {
	MessageID string              `json:"messageId"`
	EventID   string              `json:"eventId,omitempty"`
	Fields    []domain.FieldError `json:"fields,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// NewWorker creates a new ingestion worker.
func NewWorker(bus domain.EventBus, submitter Submitter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		submitter: submitter,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes for the configured branches.
func (w *Worker) Start(cfg Config) error {
	branches := cfg.BranchIDs
	if len(branches) == 0 {
		branches = []string{bus.AllBranches}
	}

	for _, branchID := range branches {
		sub, err := w.bus.Subscribe(w.ctx, branchID, domain.TopicEventIngested, w.handleMessage)
		if err != nil {
			w.Stop()
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	slog.Info("ingestion worker started",
		"branches", branches,
		"topic", domain.TopicEventIngested,
	)
	return nil
}

// handleMessage submits one ingested event. Rejected events are reported on
// TopicEventRejected; infrastructure failures are returned to the bus.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var raw domain.RawEvent
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		slog.Warn("failed to parse ingested event",
			"message_id", msg.ID,
			"error", err,
		)
		w.reject(ctx, msg, Rejection{MessageID: msg.ID, Error: "payload is not a JSON object"})
		return nil
	}

	res, err := w.submitter.Submit(ctx, raw)

	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		eventID, _ := raw["eventId"].(string)
		w.reject(ctx, msg, Rejection{MessageID: msg.ID, EventID: eventID, Fields: verr.Fields})
		return nil
	case errors.Is(err, pipeline.ErrShuttingDown):
		return err
	case err != nil:
		slog.Error("ingested event processing failed",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	slog.Debug("ingested event processed",
		"message_id", msg.ID,
		"event_id", res.EventID,
		"flags_created", len(res.FlagsCreated),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) reject(ctx context.Context, msg *domain.Message, rej Rejection) {
	if msg.BranchID == "" || msg.BranchID == bus.AllBranches {
		return
	}
	payload, _ := json.Marshal(rej)
	if err := w.bus.Publish(ctx, msg.BranchID, domain.TopicEventRejected, payload); err != nil {
		slog.Error("failed to publish rejection",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Stop unsubscribes from the bus.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("ingestion worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
