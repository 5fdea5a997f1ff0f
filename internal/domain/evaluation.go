package domain

import (
	"time"
)

// RuleMatch is the evaluator's output for one rule that matched one event.
type RuleMatch struct {
	Rule     *FraudRule `json:"-"`
	RuleID   string     `json:"ruleId"`
	Version  int        `json:"ruleVersion"`
	Severity Severity   `json:"severity"`
	Evidence Evidence   `json:"evidence"`
}

// RuleError records a rule that failed or timed out for one event.
// The rule is treated as non-matching.
type RuleError struct {
	RuleID   string `json:"ruleId"`
	Message  string `json:"message"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Panicked bool   `json:"panicked,omitempty"`
}

// Evaluation summarises the processing of one event.
type Evaluation struct {
	ID           string      `json:"id"`
	EventID      string      `json:"eventId"`
	RiskScore    int         `json:"riskScore"`
	MatchedRules []string    `json:"matchedRules"`
	FlagIDs      []string    `json:"flagIds"`
	RuleErrors   []RuleError `json:"ruleErrors,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	NormalizeMs    int64  `json:"normalizeMs"`
	RulesMs        int64  `json:"rulesMs"`
	PersistMs      int64  `json:"persistMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion,omitempty"`
}

// SubmissionResult is returned to the caller that submitted an event.
type SubmissionResult struct {
	EventID        string   `json:"eventId"`
	FlagsCreated   []string `json:"flagsCreated"`
	DuplicateFlags []string `json:"duplicateFlags,omitempty"`
	RiskScore      int      `json:"riskScore"`
	EvaluationID   string   `json:"evaluationId,omitempty"`
	Evaluated      bool     `json:"evaluated"`
}
