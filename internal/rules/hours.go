package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// hourRange is a business-hours range in minutes since midnight, [start, end).
type hourRange struct {
	start int
	end   int
}

// contains reports whether minute m lies within business hours. A range
// whose end is before its start wraps past midnight.
func (h hourRange) contains(m int) bool {
	if h.start < h.end {
		return m >= h.start && m < h.end
	}
	return m >= h.start || m < h.end
}

func (h hourRange) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", h.start/60, h.start%60, h.end/60, h.end%60)
}

// parseHours accepts {"start":"HH:MM","end":"HH:MM"}, a *domain.HourRange or
// the string "HH:MM-HH:MM".
func parseHours(v any) (hourRange, error) {
	var start, end string
	switch h := v.(type) {
	case *domain.HourRange:
		if h == nil {
			return hourRange{}, fmt.Errorf("hours are required")
		}
		start, end = h.Start, h.End
	case domain.HourRange:
		start, end = h.Start, h.End
	case map[string]any:
		s, sok := h["start"].(string)
		e, eok := h["end"].(string)
		if !sok || !eok {
			return hourRange{}, fmt.Errorf("hours need string start and end")
		}
		start, end = s, e
	case string:
		parts := strings.Split(h, "-")
		if len(parts) != 2 {
			return hourRange{}, fmt.Errorf("hours %q must look like HH:MM-HH:MM", h)
		}
		start, end = parts[0], parts[1]
	default:
		return hourRange{}, fmt.Errorf("unsupported hours value %T", v)
	}

	s, err := parseClock(start)
	if err != nil {
		return hourRange{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return hourRange{}, err
	}
	if s == e {
		return hourRange{}, fmt.Errorf("hours start and end must differ")
	}
	return hourRange{start: s, end: e}, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// matchHours applies outside_hours or within_hours to the event's local time.
func matchHours(op domain.Operator, hours hourRange, view *eventView) bool {
	inside := hours.contains(view.minuteOfDay())
	if op == domain.OpWithinHours {
		return inside
	}
	return !inside
}
