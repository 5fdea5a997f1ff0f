package rules

import (
	"strings"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// Field names a condition or threshold may refer to.
const (
	FieldEventType       = "eventType"
	FieldBranchID        = "branchId"
	FieldPosDeviceID     = "posDeviceId"
	FieldCashierID       = "cashierId"
	FieldOrderTotal      = "orderTotal"
	FieldDiscountAmount  = "discountAmount"
	FieldDiscountPercent = "discountPercent"
	FieldReason          = "reason"
	FieldOccurredAt      = "occurredAt"
	FieldHourOfDay       = "hourOfDay"
	FieldMinuteOfDay     = "minuteOfDay"

	metadataPrefix = "metadata."
)

var knownFields = map[string]bool{
	FieldEventType:       true,
	FieldBranchID:        true,
	FieldPosDeviceID:     true,
	FieldCashierID:       true,
	FieldOrderTotal:      true,
	FieldDiscountAmount:  true,
	FieldDiscountPercent: true,
	FieldReason:          true,
	FieldOccurredAt:      true,
	FieldHourOfDay:       true,
	FieldMinuteOfDay:     true,
}

// KnownField reports whether name can be resolved against an event.
func KnownField(name string) bool {
	if strings.HasPrefix(name, metadataPrefix) {
		return len(name) > len(metadataPrefix)
	}
	return knownFields[name]
}

// eventView is an event prepared for evaluation: local time resolved once,
// shared read-only by every rule.
type eventView struct {
	event *domain.POSEvent
	local time.Time
}

func newEventView(ev *domain.POSEvent, loc *time.Location) *eventView {
	local := ev.OccurredAt
	if loc != nil {
		local = local.In(loc)
	}
	return &eventView{event: ev, local: local}
}

func (v *eventView) minuteOfDay() int {
	return v.local.Hour()*60 + v.local.Minute()
}

// resolve returns the value of a field. ok is false when the field is absent
// on this event.
func (v *eventView) resolve(field string) (any, bool) {
	ev := v.event
	switch field {
	case FieldEventType:
		return string(ev.EventType), true
	case FieldBranchID:
		return ev.BranchID, true
	case FieldCashierID:
		return ev.CashierID, true
	case FieldPosDeviceID:
		return ev.PosDeviceID, ev.PosDeviceID != ""
	case FieldReason:
		return ev.Reason, ev.Reason != ""
	case FieldOrderTotal:
		return ev.OrderTotal, true
	case FieldDiscountAmount:
		if ev.DiscountAmount == nil {
			return nil, false
		}
		return *ev.DiscountAmount, true
	case FieldDiscountPercent:
		pct, ok := ev.EffectiveDiscountPercent()
		if !ok {
			return nil, false
		}
		return pct, true
	case FieldOccurredAt:
		return v.local, true
	case FieldHourOfDay:
		return float64(v.local.Hour()), true
	case FieldMinuteOfDay:
		return float64(v.minuteOfDay()), true
	}

	if key, found := strings.CutPrefix(field, metadataPrefix); found {
		val, ok := ev.Metadata[key]
		return val, ok && val != nil
	}
	return nil, false
}

// activation builds the CEL variables for expression conditions.
func (v *eventView) activation() map[string]any {
	ev := v.event
	fields := map[string]any{
		FieldEventType:   string(ev.EventType),
		FieldBranchID:    ev.BranchID,
		FieldCashierID:   ev.CashierID,
		FieldOrderTotal:  ev.OrderTotal,
		FieldOccurredAt:  v.local,
		FieldHourOfDay:   int64(v.local.Hour()),
		FieldMinuteOfDay: int64(v.minuteOfDay()),
	}
	if ev.PosDeviceID != "" {
		fields[FieldPosDeviceID] = ev.PosDeviceID
	}
	if ev.Reason != "" {
		fields[FieldReason] = ev.Reason
	}
	if ev.DiscountAmount != nil {
		fields[FieldDiscountAmount] = *ev.DiscountAmount
	}
	pct, hasPct := ev.EffectiveDiscountPercent()
	if hasPct {
		fields[FieldDiscountPercent] = pct
	}

	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return map[string]any{
		"event":           fields,
		"metadata":        metadata,
		"eventType":       string(ev.EventType),
		"cashierId":       ev.CashierID,
		"branchId":        ev.BranchID,
		"orderTotal":      ev.OrderTotal,
		"discountPercent": pct,
		"hourOfDay":       int64(v.local.Hour()),
		"minuteOfDay":     int64(v.minuteOfDay()),
	}
}
