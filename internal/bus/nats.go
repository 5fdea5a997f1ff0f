package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

// NATSBus implements EventBus using NATS core pub/sub.
// Subjects are tillwatch.<branch>.<topic>, so AllBranches maps to the * wildcard.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.EventBusConfig
}

type natsSubscription struct {
	bus      *NATSBus
	id       string
	branchID string
	topic    string
	sub      *nats.Subscription
}

// NewNATSBus connects to NATS, retrying the initial dial with exponential backoff.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	opts := []nats.Option{
		nats.Name("tillwatch"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024), // 8MB buffer during reconnect
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected",
				"url", nc.ConnectedUrl(),
			)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error",
				"error", err,
				"subject", subject,
			)
		}),
	}

	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = time.Duration(cfg.NATSReconnectWait) * time.Second

	retries := cfg.NATSMaxReconnects - 1
	if retries < 0 {
		retries = 0
	}

	var conn *nats.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c, err := nats.Connect(cfg.NATSUrl, opts...)
		if err != nil {
			slog.Warn("NATS connection attempt failed",
				"attempt", attempt,
				"max_attempts", cfg.NATSMaxReconnects,
				"error", err,
			)
			return err
		}
		conn = c
		return nil
	}, backoff.WithMaxRetries(policy, uint64(retries)))

	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempt, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
	}, nil
}

// Publish sends a message to a NATS subject.
func (b *NATSBus) Publish(ctx context.Context, branchID string, topic string, payload []byte) error {
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

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return b.conn.Publish(makeSubject(branchID, topic), data)
}

// Subscribe registers a handler for a NATS subject.
func (b *NATSBus) Subscribe(ctx context.Context, branchID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if branchID == "" {
		return nil, fmt.Errorf("branchID is required")
	}

	subject := makeSubject(branchID, topic)

	natsSub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to unmarshal NATS message",
				"subject", m.Subject,
				"error", err,
			)
			return
		}

		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	})

	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &natsSubscription{
		bus:      b,
		id:       uuid.New().String(),
		branchID: branchID,
		topic:    topic,
		sub:      natsSub,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains pending publishes and closes the NATS connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
	}
	b.subscriptions = make(map[string]*natsSubscription)

	if err := b.conn.Flush(); err != nil {
		slog.Warn("NATS flush on close failed", "error", err)
	}
	b.conn.Close()
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// makeSubject builds tillwatch.<branch>.<topic>. Characters that are subject
// separators or wildcards in NATS are replaced inside the branch token.
func makeSubject(branchID, topic string) string {
	if branchID != AllBranches {
		branchID = subjectEscaper.Replace(branchID)
	}
	return fmt.Sprintf("tillwatch.%s.%s", branchID, topic)
}

var subjectEscaper = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
