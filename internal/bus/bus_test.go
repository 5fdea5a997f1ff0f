package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	branchID := "branch-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, branchID, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, branchID, "test.topic", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-received:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.BranchID != branchID {
				t.Errorf("expected branchID '%s', got '%s'", branchID, msg.BranchID)
			}
			if msg.ID == "" {
				t.Error("expected message ID")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("BranchIsolation", func(t *testing.T) {
		var received1, received2 atomic.Int32

		bus.Subscribe(ctx, "branch-a", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "branch-b", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		bus.Publish(ctx, "branch-a", "isolation.topic", []byte("msg1"))
		waitFor(t, func() bool { return received1.Load() == 1 })
		time.Sleep(20 * time.Millisecond)

		if received2.Load() != 0 {
			t.Errorf("branch-b should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("AllBranchesSubscriber", func(t *testing.T) {
		var count atomic.Int32

		bus.Subscribe(ctx, AllBranches, "audit.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "branch-a", "audit.topic", []byte("a"))
		bus.Publish(ctx, "branch-b", "audit.topic", []byte("b"))

		waitFor(t, func() bool { return count.Load() == 2 })
	})

	t.Run("RequiresBranchID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", "topic", []byte("data")); err == nil {
			t.Error("expected error for empty branchID")
		}
		if err := bus.Publish(ctx, AllBranches, "topic", []byte("data")); err == nil {
			t.Error("expected error publishing to the wildcard branch")
		}

		_, err := bus.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty branchID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, branchID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, branchID, "unsub.topic", []byte("msg1"))
		waitFor(t, func() bool { return count.Load() == 1 })

		sub.Unsubscribe()

		bus.Publish(ctx, branchID, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, branchID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, branchID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, branchID, "multi.topic", []byte("broadcast"))

		waitFor(t, func() bool { return count1.Load() == 1 && count2.Load() == 1 })
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, branchID, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	branchID := "branch-001"

	bus.Subscribe(ctx, branchID, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, branchID, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestChannelBusPublishDuringClose(t *testing.T) {
	bus := NewChannelBus(1)
	ctx := context.Background()

	bus.Subscribe(ctx, "b", "race.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = bus.Publish(ctx, "b", "race.topic", []byte("x"))
			}
		}()
	}

	time.Sleep(time.Millisecond)
	bus.Close()
	wg.Wait()
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestMakeSubject(t *testing.T) {
	tests := []struct {
		branch string
		topic  string
		want   string
	}{
		{"branch-1", domain.TopicFraudFlagged, "tillwatch.branch-1.fraud.flagged"},
		{"store.12", domain.TopicApprovalRequested, "tillwatch.store_12.approval.requested"},
		{AllBranches, domain.TopicFraudFlagged, "tillwatch.*.fraud.flagged"},
		{"a b>*", "t", "tillwatch.a_b__.t"},
	}

	for _, tt := range tests {
		if got := makeSubject(tt.branch, tt.topic); got != tt.want {
			t.Errorf("makeSubject(%q, %q) = %q, want %q", tt.branch, tt.topic, got, tt.want)
		}
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	branchID := "branch-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, branchID, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, branchID, "load.topic", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}
