package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

// ChannelBus implements EventBus using Go channels.
// Delivery is best effort: a subscriber whose buffer is full misses the message.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
}

type channelSubscription struct {
	bus      *ChannelBus
	id       string
	branchID string
	topic    string
	handler  domain.MessageHandler
	msgCh    chan *domain.Message
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish sends a message to subscribers of the branch and to AllBranches subscribers.
func (b *ChannelBus) Publish(ctx context.Context, branchID string, topic string, payload []byte) error {
	if branchID == "" || branchID == AllBranches {
		return fmt.Errorf("a concrete branchID is required")
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		BranchID:  branchID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	// Sends happen under the read lock so Close cannot race a send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	deliver := func(subs []*channelSubscription) {
		for _, sub := range subs {
			select {
			case sub.msgCh <- msg:
			default:
				slog.Warn("bus subscriber buffer full, dropping message",
					"topic", topic,
					"branch_id", branchID,
					"subscription_id", sub.id,
				)
			}
		}
	}
	deliver(b.subscriptions[b.makeKey(branchID, topic)])
	deliver(b.subscriptions[b.makeKey(AllBranches, topic)])

	return nil
}

// Subscribe registers a handler for a topic. Use AllBranches to receive every branch.
func (b *ChannelBus) Subscribe(ctx context.Context, branchID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if branchID == "" {
		return nil, fmt.Errorf("branchID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSubscription{
		bus:      b,
		id:       uuid.New().String(),
		branchID: branchID,
		topic:    topic,
		handler:  handler,
		msgCh:    make(chan *domain.Message, b.bufferSize),
		ctx:      subCtx,
		cancel:   cancel,
	}

	go b.handleMessages(sub)

	key := b.makeKey(branchID, topic)
	b.subscriptions[key] = append(b.subscriptions[key], sub)

	return sub, nil
}

// handleMessages processes messages for a subscription.
func (b *ChannelBus) handleMessages(sub *channelSubscription) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg := <-sub.msgCh:
			if err := sub.handler(sub.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close cancels every subscription. Buffered messages not yet handled are dropped.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}

	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := b.makeKey(sub.branchID, sub.topic)
	subs := b.subscriptions[key]
	for i, s := range subs {
		if s == sub {
			b.subscriptions[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[key]) == 0 {
		delete(b.subscriptions, key)
	}
}

func (b *ChannelBus) makeKey(branchID, topic string) string {
	return branchID + ":" + topic
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
