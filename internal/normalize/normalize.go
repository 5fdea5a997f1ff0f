// Package normalize validates raw POS events and turns them into domain.POSEvent.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// identPattern restricts identifiers to characters safe for window keys and logs.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@/-]*$`)

// Normalizer validates and canonicalizes inbound events.
type Normalizer struct {
	validate  *validator.Validate
	maxFuture time.Duration
	now       func() time.Time
}

// Config holds normalizer settings.
type Config struct {
	// MaxFuture rejects events whose occurredAt is further ahead of the
	// server clock than this. Zero disables the check.
	MaxFuture time.Duration
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})

	return &Normalizer{
		validate:  v,
		maxFuture: cfg.MaxFuture,
		now:       time.Now,
	}
}

// fields is the string-typed portion of an event checked by struct tags.
type fields struct {
	EventID     string `json:"eventId" validate:"required,max=128,ident"`
	EventType   string `json:"eventType" validate:"required,max=64"`
	BranchID    string `json:"branchId" validate:"required,max=128,ident"`
	CashierID   string `json:"cashierId" validate:"required,max=128,ident"`
	PosDeviceID string `json:"posDeviceId" validate:"omitempty,max=128,ident"`
	OccurredAt  string `json:"occurredAt" validate:"required"`
	Reason      string `json:"reason" validate:"max=512"`
}

// Normalize converts raw into a POSEvent. On failure it returns a
// *domain.ValidationError naming every missing or invalid field.
func (n *Normalizer) Normalize(raw domain.RawEvent) (*domain.POSEvent, error) {
	verr := &domain.ValidationError{}
	if raw == nil {
		verr.Add("body", "event body is required")
		return nil, verr
	}

	f := fields{
		EventID:     n.stringField(raw, "eventId", verr),
		EventType:   strings.ToUpper(n.stringField(raw, "eventType", verr)),
		BranchID:    n.stringField(raw, "branchId", verr),
		CashierID:   n.stringField(raw, "cashierId", verr),
		PosDeviceID: n.stringField(raw, "posDeviceId", verr),
		OccurredAt:  n.timeString(raw, "occurredAt", verr),
		Reason:      n.stringField(raw, "reason", verr),
	}

	if err := n.validate.Struct(f); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return nil, fmt.Errorf("validating event: %w", err)
		}
		for _, fe := range ves {
			if verr.Has(fe.Field()) {
				continue
			}
			verr.Add(fe.Field(), describe(fe))
		}
	}

	event := &domain.POSEvent{
		EventID:     f.EventID,
		EventType:   domain.EventType(f.EventType),
		BranchID:    f.BranchID,
		CashierID:   f.CashierID,
		PosDeviceID: f.PosDeviceID,
		Reason:      f.Reason,
		ReceivedAt:  n.now().UTC(),
	}

	if f.OccurredAt != "" {
		ts, err := parseTime(f.OccurredAt)
		if err != nil {
			verr.Add("occurredAt", "must be an RFC 3339 timestamp or unix milliseconds")
		} else if n.maxFuture > 0 && ts.After(n.now().Add(n.maxFuture)) {
			verr.Add("occurredAt", "is more than %s in the future", n.maxFuture)
		} else {
			event.OccurredAt = ts
		}
	}

	if total, ok := n.amount(raw, "orderTotal", 2, verr); ok {
		if total < 0 {
			verr.Add("orderTotal", "must be >= 0")
		}
		event.OrderTotal = total
	}

	if amt, ok := n.amount(raw, "discountAmount", 2, verr); ok {
		if amt < 0 {
			verr.Add("discountAmount", "must be >= 0")
		}
		event.DiscountAmount = &amt
	}

	if pct, ok := n.amount(raw, "discountPercent", 4, verr); ok {
		if pct < 0 || pct > 100 {
			verr.Add("discountPercent", "must be between 0 and 100")
		}
		event.DiscountPercent = &pct
	}

	if v, present := raw["metadata"]; present && v != nil {
		md, ok := v.(map[string]any)
		if !ok {
			verr.Add("metadata", "must be an object")
		} else {
			event.Metadata = plainNumbers(md).(map[string]any)
		}
	}

	if verr.HasErrors() {
		return nil, verr
	}
	return event, nil
}

func (n *Normalizer) stringField(raw domain.RawEvent, name string, verr *domain.ValidationError) string {
	v, ok := raw[name]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		if s == math.Trunc(s) {
			return strconv.FormatInt(int64(s), 10)
		}
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	verr.Add(name, "must be a string")
	return ""
}

// timeString reads occurredAt as a string; numeric values are unix milliseconds.
func (n *Normalizer) timeString(raw domain.RawEvent, name string, verr *domain.ValidationError) string {
	switch v := raw[name].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		verr.Add(name, "must be a timestamp")
		return ""
	}
}

// amount coerces a monetary or percentage field, rounded to places decimals.
// ok is false when the field is absent or could not be parsed (the latter
// also records an error).
func (n *Normalizer) amount(raw domain.RawEvent, name string, places int32, verr *domain.ValidationError) (float64, bool) {
	v, present := raw[name]
	if !present || v == nil {
		return 0, false
	}

	var d decimal.Decimal
	var err error
	switch x := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		d, err = decimal.NewFromString(s)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			err = fmt.Errorf("not finite")
		} else {
			d = decimal.NewFromFloat(x)
		}
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		verr.Add(name, "must be a number")
		return 0, false
	}
	return d.Round(places).InexactFloat64(), true
}

// plainNumbers replaces json.Number values with float64, recursively, so
// metadata compares the same whether it came from HTTP or the bus.
func plainNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plainNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainNumbers(e)
		}
		return out
	}
	return v
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "ident":
		return "contains invalid characters"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
