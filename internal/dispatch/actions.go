package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

// Notifier alerts store managers about a new flag.
type Notifier interface {
	Notify(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error
}

// Auditor writes a durable audit line for a flag.
type Auditor interface {
	Audit(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error
}

// ApprovalGate asks a manager to approve or reject the flagged operation.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error
}

// FlagNotification is the payload published on domain.TopicFraudFlagged.
type FlagNotification struct {
	FlagID     string          `json:"flagId"`
	EventID    string          `json:"eventId"`
	RuleID     string          `json:"ruleId"`
	Severity   domain.Severity `json:"severity"`
	BranchID   string          `json:"branchId"`
	CashierID  string          `json:"cashierId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Exposure   float64         `json:"exposure"`
	Channel    string          `json:"channel,omitempty"`
	Evidence   domain.Evidence `json:"evidence"`
}

// ApprovalRequest is the payload published on domain.TopicApprovalRequested.
type ApprovalRequest struct {
	FlagID      string          `json:"flagId"`
	EventID     string          `json:"eventId"`
	RuleID      string          `json:"ruleId"`
	Severity    domain.Severity `json:"severity"`
	BranchID    string          `json:"branchId"`
	CashierID   string          `json:"cashierId"`
	Approver    string          `json:"approver,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
}

// BusNotifier publishes flag notifications on the event bus, scoped to the
// flag's branch, and optionally mirrors them to a webhook.
type BusNotifier struct {
	bus        domain.EventBus
	webhooks   *WebhookClient
	webhookURL string
}

// NewBusNotifier creates a notifier. webhookURL may be empty.
func NewBusNotifier(bus domain.EventBus, webhooks *WebhookClient, webhookURL string) *BusNotifier {
	if webhooks == nil {
		webhooks = NewWebhookClient(nil)
	}
	return &BusNotifier{bus: bus, webhooks: webhooks, webhookURL: webhookURL}
}

// Notify publishes the notification. Bus errors are transient.
func (n *BusNotifier) Notify(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
	channel, _ := params["channel"].(string)
	note := FlagNotification{
		FlagID:     flag.ID,
		EventID:    flag.EventID,
		RuleID:     flag.RuleID,
		Severity:   flag.Severity,
		BranchID:   flag.BranchID,
		CashierID:  flag.CashierID,
		OccurredAt: flag.OccurredAt,
		Exposure:   flag.Exposure,
		Channel:    channel,
		Evidence:   flag.Evidence,
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding notification: %w", err))
	}

	if err := n.bus.Publish(ctx, flag.BranchID, domain.TopicFraudFlagged, payload); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}

	if n.webhookURL != "" {
		return n.webhooks.Post(ctx, n.webhookURL, note)
	}
	return nil
}

// BusApprovalGate publishes manager-approval requests on the event bus.
type BusApprovalGate struct {
	bus domain.EventBus
	now func() time.Time
}

// NewBusApprovalGate creates an approval gate.
func NewBusApprovalGate(bus domain.EventBus) *BusApprovalGate {
	return &BusApprovalGate{bus: bus, now: time.Now}
}

// RequestApproval publishes the request. params["approver"] names a specific approver.
func (g *BusApprovalGate) RequestApproval(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
	approver, _ := params["approver"].(string)
	req := ApprovalRequest{
		FlagID:      flag.ID,
		EventID:     flag.EventID,
		RuleID:      flag.RuleID,
		Severity:    flag.Severity,
		BranchID:    flag.BranchID,
		CashierID:   flag.CashierID,
		Approver:    approver,
		RequestedAt: g.now().UTC(),
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding approval request: %w", err))
	}

	if err := g.bus.Publish(ctx, flag.BranchID, domain.TopicApprovalRequested, payload); err != nil {
		return fmt.Errorf("publishing approval request: %w", err)
	}
	return nil
}

// SlogAuditor writes audit lines through a structured logger.
type SlogAuditor struct {
	logger *slog.Logger
}

// NewSlogAuditor creates an auditor. A nil logger uses slog.Default.
func NewSlogAuditor(logger *slog.Logger) *SlogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditor{logger: logger.With("component", "audit")}
}

// Audit logs the flag. params["level"] may raise the line to "warn".
func (a *SlogAuditor) Audit(ctx context.Context, flag *domain.FraudFlag, params map[string]any) error {
	level := slog.LevelInfo
	if lvl, _ := params["level"].(string); lvl == "warn" {
		level = slog.LevelWarn
	}

	a.logger.Log(ctx, level, "fraud flag raised",
		"flag_id", flag.ID,
		"event_id", flag.EventID,
		"rule_id", flag.RuleID,
		"rule_version", flag.RuleVersion,
		"severity", flag.Severity,
		"branch_id", flag.BranchID,
		"cashier_id", flag.CashierID,
		"occurred_at", flag.OccurredAt,
		"exposure", flag.Exposure,
		"threshold", flag.Evidence.Threshold,
		"observed", flag.Evidence.Observed,
	)
	return nil
}

// WebhookClient posts JSON payloads. 4xx responses are permanent failures;
// 5xx responses and network errors are transient.
type WebhookClient struct {
	client *http.Client
}

// NewWebhookClient creates a webhook client. A nil client uses a 10s timeout.
func NewWebhookClient(client *http.Client) *WebhookClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookClient{client: client}
}

// Post sends payload as JSON to url.
func (w *WebhookClient) Post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tillwatch-dispatch")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(snippet))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
