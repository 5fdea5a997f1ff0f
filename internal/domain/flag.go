package domain

import (
	"time"
)

// FlagStatus is a fraud flag's investigation state.
type FlagStatus string

const (
	FlagPending        FlagStatus = "PENDING"
	FlagInvestigating  FlagStatus = "INVESTIGATING"
	FlagResolved       FlagStatus = "RESOLVED"
	FlagFalsePositive  FlagStatus = "FALSE_POSITIVE"
	FlagConfirmedFraud FlagStatus = "CONFIRMED_FRAUD"
)

// Terminal reports whether no further transitions are allowed from s.
func (s FlagStatus) Terminal() bool {
	switch s {
	case FlagResolved, FlagFalsePositive, FlagConfirmedFraud:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s FlagStatus) Valid() bool {
	switch s {
	case FlagPending, FlagInvestigating, FlagResolved, FlagFalsePositive, FlagConfirmedFraud:
		return true
	}
	return false
}

// FraudFlag is the persisted output of one rule matching one event.
type FraudFlag struct {
	ID                    string     `json:"id"`
	EventID               string     `json:"eventId"`
	RuleID                string     `json:"ruleId"`
	RuleVersion           int        `json:"ruleVersion"`
	RuleFamily            string     `json:"ruleFamily,omitempty"`
	Severity              Severity   `json:"severity"`
	RiskScoreContribution int        `json:"riskScoreContribution"`
	Evidence              Evidence   `json:"evidence"`
	Status                FlagStatus `json:"status"`

	// Denormalized from the event for filtering and metrics.
	BranchID   string    `json:"branchId"`
	CashierID  string    `json:"cashierId"`
	OccurredAt time.Time `json:"occurredAt"`
	Exposure   float64   `json:"exposure"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	InvestigatedBy     string     `json:"investigatedBy,omitempty"`
	InvestigationNotes string     `json:"investigationNotes,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}

// Evidence explains why a rule matched.
type Evidence struct {
	Fields      map[string]any `json:"fields,omitempty"`
	Conditions  []string       `json:"conditions,omitempty"`
	Threshold   string         `json:"threshold,omitempty"`
	Observed    float64        `json:"observed"`
	WindowKey   string         `json:"windowKey,omitempty"`
	WindowCount int            `json:"windowCount,omitempty"`
	WindowStart *time.Time     `json:"windowStart,omitempty"`
	WindowEnd   *time.Time     `json:"windowEnd,omitempty"`
}

// FraudAction is the recorded outcome of one action executed for one flag.
type FraudAction struct {
	FlagID         string    `json:"flagId"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Attempts       int       `json:"attempts"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
}

// TransitionRequest asks the state machine to move a flag to a new status.
type TransitionRequest struct {
	FlagID             string     `json:"flagId"`
	NewStatus          FlagStatus `json:"newStatus"`
	InvestigatedBy     string     `json:"investigatedBy,omitempty"`
	InvestigationNotes string     `json:"investigationNotes,omitempty"`
}

// FlagFilter narrows flag listings. Zero values mean "any".
type FlagFilter struct {
	BranchID  string
	CashierID string
	Severity  Severity
	Status    FlagStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Default and maximum page sizes for flag listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps pagination to sane bounds.
func (f *FlagFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// FlagPage is one page of a flag listing.
type FlagPage struct {
	Flags  []*FraudFlag `json:"flags"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// DailyMetric aggregates flags for one day and branch.
type DailyMetric struct {
	Day           string             `json:"day"`
	BranchID      string             `json:"branchId"`
	FlagsTotal    int                `json:"flagsTotal"`
	ByStatus      map[FlagStatus]int `json:"byStatus"`
	BySeverity    map[Severity]int   `json:"bySeverity"`
	Exposure      float64            `json:"exposure"`
	PreventedLoss float64            `json:"preventedLoss"`
}

// MetricsFilter bounds a metrics query. Days are YYYY-MM-DD in UTC.
type MetricsFilter struct {
	FromDay  string
	ToDay    string
	BranchID string
}
