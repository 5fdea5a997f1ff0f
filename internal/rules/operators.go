package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// compare applies a comparison operator. Values that are both numeric are
// compared as decimals; otherwise only equals/not_equals apply, on the
// string form.
func compare(op domain.Operator, left, right any) (bool, error) {
	if lt, ok := left.(time.Time); ok {
		rt, err := toTime(right)
		if err != nil {
			return false, err
		}
		return compareOrdered(op, lt.Compare(rt))
	}

	l, lok := toDecimal(left)
	r, rok := toDecimal(right)
	if lok && rok {
		return compareOrdered(op, l.Cmp(r))
	}

	switch op {
	case domain.OpEquals:
		return toString(left) == toString(right), nil
	case domain.OpNotEquals:
		return toString(left) != toString(right), nil
	case domain.OpGreater, domain.OpGreaterEqual, domain.OpLess, domain.OpLessEqual:
		// Ordering a non-numeric value never matches.
		return false, nil
	}
	return false, fmt.Errorf("operator %q is not a comparison", op)
}

func compareOrdered(op domain.Operator, c int) (bool, error) {
	switch op {
	case domain.OpEquals:
		return c == 0, nil
	case domain.OpNotEquals:
		return c != 0, nil
	case domain.OpGreater:
		return c > 0, nil
	case domain.OpGreaterEqual:
		return c >= 0, nil
	case domain.OpLess:
		return c < 0, nil
	case domain.OpLessEqual:
		return c <= 0, nil
	}
	return false, fmt.Errorf("operator %q is not a comparison", op)
}

// memberOf reports whether left equals any element of list.
func memberOf(left, list any) (bool, error) {
	items, ok := toList(list)
	if !ok {
		return false, fmt.Errorf("in/not_in value must be a list, got %T", list)
	}
	for _, item := range items {
		eq, err := compare(domain.OpEquals, left, item)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func toFloat(v any) (float64, bool) {
	d, ok := toDecimal(v)
	if !ok {
		return 0, false
	}
	return d.InexactFloat64(), true
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("comparing occurredAt: %w", err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("cannot compare occurredAt with %T", v)
}
