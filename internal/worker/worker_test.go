package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/tillwatch/internal/bus"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	seen []domain.RawEvent
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, raw domain.RawEvent) (*domain.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, raw)
	if f.err != nil {
		return nil, f.err
	}
	id, _ := raw["eventId"].(string)
	return &domain.SubmissionResult{EventID: id, FlagsCreated: []string{}, Evaluated: true}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		worker := NewWorker(eventBus, &fakeSubmitter{})
		if err := worker.Start(Config{BranchIDs: []string{"b-1", "b-2"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
		for _, topic := range stats.Topics {
			if topic != domain.TopicEventIngested {
				t.Errorf("unexpected topic %q", topic)
			}
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := worker.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("SubmitsIngestedEvents", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		sub := &fakeSubmitter{}
		worker := NewWorker(eventBus, sub)
		if err := worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		payload, _ := json.Marshal(map[string]any{"eventId": "evt-1", "eventType": "VOID"})
		ctx := context.Background()
		eventBus.Publish(ctx, "b-1", domain.TopicEventIngested, payload)
		eventBus.Publish(ctx, "b-2", domain.TopicEventIngested, payload)

		deadline := time.Now().Add(time.Second)
		for sub.count() < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if sub.count() != 2 {
			t.Errorf("expected 2 submissions, got %d", sub.count())
		}
	})

	t.Run("RejectionsArePublished", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		verr := &domain.ValidationError{}
		verr.Add("cashierId", "is required")
		worker := NewWorker(eventBus, &fakeSubmitter{err: verr})
		if err := worker.Start(Config{BranchIDs: []string{"b-1"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		ctx := context.Background()
		rejected := make(chan *domain.Message, 2)
		eventBus.Subscribe(ctx, "b-1", domain.TopicEventRejected, func(ctx context.Context, msg *domain.Message) error {
			rejected <- msg
			return nil
		})

		payload, _ := json.Marshal(map[string]any{"eventId": "evt-bad"})
		eventBus.Publish(ctx, "b-1", domain.TopicEventIngested, payload)

		select {
		case msg := <-rejected:
			var rej Rejection
			if err := json.Unmarshal(msg.Payload, &rej); err != nil {
				t.Fatalf("bad rejection payload: %v", err)
			}
			if rej.EventID != "evt-bad" || len(rej.Fields) != 1 || rej.Fields[0].Field != "cashierId" {
				t.Errorf("unexpected rejection: %+v", rej)
			}
		case <-time.After(time.Second):
			t.Fatal("no rejection published")
		}

		eventBus.Publish(ctx, "b-1", domain.TopicEventIngested, []byte("not json"))
		select {
		case msg := <-rejected:
			var rej Rejection
			json.Unmarshal(msg.Payload, &rej)
			if rej.Error == "" {
				t.Errorf("expected parse error in rejection: %+v", rej)
			}
		case <-time.After(time.Second):
			t.Fatal("no rejection for malformed payload")
		}
	})

	t.Run("InfrastructureErrorReturned", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		worker := NewWorker(eventBus, &fakeSubmitter{err: errors.New("db down")})
		msg := &domain.Message{ID: "m-1", BranchID: "b-1", Payload: []byte(`{"eventId":"e"}`)}
		if err := worker.handleMessage(context.Background(), msg); err == nil {
			t.Error("expected infrastructure error to be returned")
		}
	})
}
