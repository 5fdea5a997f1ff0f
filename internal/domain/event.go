package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the kind of terminal action a POS event records.
type EventType string

// Known event types. Unknown values are accepted by the normalizer.
const (
	EventVoid            EventType = "VOID"
	EventReturn          EventType = "RETURN"
	EventDiscountApplied EventType = "DISCOUNT_APPLIED"
	EventReprint         EventType = "REPRINT"
	EventCashPayment     EventType = "CASH_PAYMENT"
	EventManagerOverride EventType = "MANAGER_OVERRIDE"
	EventSale            EventType = "SALE"
	EventNoSale          EventType = "NO_SALE"
)

var knownEventTypes = map[EventType]bool{
	EventVoid:            true,
	EventReturn:          true,
	EventDiscountApplied: true,
	EventReprint:         true,
	EventCashPayment:     true,
	EventManagerOverride: true,
	EventSale:            true,
	EventNoSale:          true,
}

// Known reports whether t is one of the recognised event types.
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// POSEvent is one observed terminal action, as produced by the normalizer.
// It is treated as immutable once created.
type POSEvent struct {
	EventID     string    `json:"eventId"`
	EventType   EventType `json:"eventType"`
	BranchID    string    `json:"branchId"`
	PosDeviceID string    `json:"posDeviceId,omitempty"`
	CashierID   string    `json:"cashierId"`

	// Business timestamp reported by the terminal, not ingestion time.
	OccurredAt time.Time `json:"occurredAt"`
	ReceivedAt time.Time `json:"receivedAt"`

	OrderTotal      float64  `json:"orderTotal"`
	DiscountAmount  *float64 `json:"discountAmount,omitempty"`
	DiscountPercent *float64 `json:"discountPercent,omitempty"`
	Reason          string   `json:"reason,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// EffectiveDiscountPercent returns the explicit discount percent when present,
// otherwise discountAmount / orderTotal * 100. ok is false when neither can be derived.
func (e *POSEvent) EffectiveDiscountPercent() (float64, bool) {
	if e.DiscountPercent != nil {
		return *e.DiscountPercent, true
	}
	if e.DiscountAmount != nil && e.OrderTotal > 0 {
		pct := decimal.NewFromFloat(*e.DiscountAmount).
			Mul(decimal.NewFromInt(100)).
			DivRound(decimal.NewFromFloat(e.OrderTotal), 6)
		return pct.InexactFloat64(), true
	}
	return 0, false
}

// Exposure is the monetary amount at risk if the event turns out fraudulent.
func (e *POSEvent) Exposure() float64 {
	if e.EventType == EventDiscountApplied && e.DiscountAmount != nil {
		return *e.DiscountAmount
	}
	return e.OrderTotal
}

// RawEvent is the untyped inbound event body before normalization.
type RawEvent map[string]any
