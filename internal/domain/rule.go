package domain

import (
	"fmt"
	"strings"
	"time"
)

// Severity ranks how serious a rule match is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ThresholdType selects how a rule's threshold is resolved.
type ThresholdType string

const (
	ThresholdCount      ThresholdType = "count"
	ThresholdPercentage ThresholdType = "percentage"
	ThresholdAmount     ThresholdType = "amount"
	ThresholdTimeRange  ThresholdType = "time_range"
)

// Operator is a comparison used by conditions and thresholds.
type Operator string

const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpOutsideHours Operator = "outside_hours"
	OpWithinHours  Operator = "within_hours"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpExpression   Operator = "expression"
)

// IsComparison reports whether op is one of the numeric/ordering comparisons.
func (op Operator) IsComparison() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return true
	}
	return false
}

// Window grouping for count thresholds.
const (
	GroupByCashier       = "cashier"
	GroupByCashierBranch = "cashier_branch"
	GroupByBranch        = "branch"
	GroupByDevice        = "device"
)

// FraudRule is one immutable version of a data-driven fraud policy.
type FraudRule struct {
	ID          string       `json:"id" yaml:"id" validate:"required,max=128"`
	Name        string       `json:"name" yaml:"name" validate:"required"`
	Description string       `json:"description,omitempty" yaml:"description"`
	RuleFamily  string       `json:"ruleFamily" yaml:"ruleFamily"`
	Severity    Severity     `json:"severity" yaml:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	Version     int          `json:"version" yaml:"-"`
	Threshold   Threshold    `json:"threshold" yaml:"threshold"`
	TimeWindow  *TimeWindow  `json:"timeWindow" yaml:"timeWindow"`
	Conditions  []Condition  `json:"conditions" yaml:"conditions" validate:"dive"`
	Actions     []ActionSpec `json:"actions" yaml:"actions" validate:"dive"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
	UpdatedBy string    `json:"updatedBy,omitempty" yaml:"-"`
}

// Clone returns a deep copy so catalog snapshots never share mutable state.
func (r *FraudRule) Clone() *FraudRule {
	c := *r
	if r.TimeWindow != nil {
		tw := *r.TimeWindow
		c.TimeWindow = &tw
	}
	if r.Threshold.Hours != nil {
		h := *r.Threshold.Hours
		c.Threshold.Hours = &h
	}
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Actions = make([]ActionSpec, len(r.Actions))
	for i, a := range r.Actions {
		c.Actions[i] = a
		if a.Params != nil {
			c.Actions[i].Params = make(map[string]any, len(a.Params))
			for k, v := range a.Params {
				c.Actions[i].Params[k] = v
			}
		}
	}
	return &c
}

// Threshold is the final comparison a rule must pass after its conditions hold.
type Threshold struct {
	Type     ThresholdType `json:"type" yaml:"type" validate:"required,oneof=count percentage amount time_range"`
	Value    float64       `json:"value" yaml:"value"`
	Operator Operator      `json:"operator" yaml:"operator"`

	// Field overrides the compared field for amount and percentage thresholds.
	Field string `json:"field,omitempty" yaml:"field"`
	// GroupBy selects the window entity for count thresholds.
	GroupBy string `json:"groupBy,omitempty" yaml:"groupBy"`
	// Hours holds the business-hours range for time_range thresholds.
	Hours *HourRange `json:"hours,omitempty" yaml:"hours"`
}

// TimeWindow is a duration expressed as an amount and unit.
type TimeWindow struct {
	Duration int    `json:"duration" yaml:"duration" validate:"gt=0"`
	Unit     string `json:"unit" yaml:"unit" validate:"required"`
}

// AsDuration converts the window to a time.Duration.
func (w TimeWindow) AsDuration() (time.Duration, error) {
	var unit time.Duration
	switch strings.ToLower(w.Unit) {
	case "seconds", "second", "s":
		unit = time.Second
	case "minutes", "minute", "m":
		unit = time.Minute
	case "hours", "hour", "h":
		unit = time.Hour
	case "days", "day", "d":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown time window unit %q", w.Unit)
	}
	if w.Duration <= 0 {
		return 0, fmt.Errorf("time window duration must be positive")
	}
	return time.Duration(w.Duration) * unit, nil
}

// Condition is a (field, operator, value) matcher. All conditions of a rule must hold.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required"`
	Value    any      `json:"value" yaml:"value"`
}

// HourRange is a business-hours range in local HH:MM. End before Start wraps midnight.
type HourRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Action types understood by the dispatcher.
const (
	ActionNotify          = "notify"
	ActionLog             = "log"
	ActionRequireApproval = "require_approval"
	ActionWebhook         = "webhook"
)

// ActionSpec configures one side effect to run when a rule matches.
type ActionSpec struct {
	Type   string         `json:"type" yaml:"type" validate:"required"`
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Family  string
	Enabled *bool
}

// Matches reports whether rule passes the filter.
func (f RuleFilter) Matches(rule *FraudRule) bool {
	if f.Family != "" && !strings.EqualFold(rule.RuleFamily, f.Family) {
		return false
	}
	if f.Enabled != nil && rule.Enabled != *f.Enabled {
		return false
	}
	return true
}
