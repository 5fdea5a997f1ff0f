// Package scoring reduces the rules matched by one event to a bounded risk
// score and assembles the event's evaluation record.
package scoring

import (
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

// EngineVersion is stamped on every evaluation record.
const EngineVersion = "tillwatch-1.0"

// MaxScore is the upper bound of a risk score.
const MaxScore = 100

// Weight returns the fixed score contribution of a severity.
func Weight(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 75
	case domain.SeverityHigh:
		return 50
	case domain.SeverityMedium:
		return 25
	case domain.SeverityLow:
		return 10
	default:
		return 0
	}
}

// Score sums the severity weights of matches and clamps the total to [0, 100].
func Score(matches []domain.RuleMatch) int {
	total := 0
	for _, m := range matches {
		total += Weight(m.Severity)
		if total >= MaxScore {
			return MaxScore
		}
	}
	return total
}

// DecisionInput contains everything recorded about one processed event.
type DecisionInput struct {
	EventID        string
	TraceID        string
	Matches        []domain.RuleMatch
	RuleErrors     []domain.RuleError
	RulesEvaluated int
	FlagIDs        []string
	Skipped        bool
	StartTime      time.Time

	NormalizeMs int64
	RulesMs     int64
	PersistMs   int64
}

// BuildEvaluation produces the evaluation record for one event.
func BuildEvaluation(input *DecisionInput) *domain.Evaluation {
	matched := make([]string, 0, len(input.Matches))
	for _, m := range input.Matches {
		matched = append(matched, m.RuleID)
	}

	flagIDs := input.FlagIDs
	if flagIDs == nil {
		flagIDs = []string{}
	}

	return &domain.Evaluation{
		ID:           uuid.New().String(),
		EventID:      input.EventID,
		RiskScore:    Score(input.Matches),
		MatchedRules: matched,
		FlagIDs:      flagIDs,
		RuleErrors:   input.RuleErrors,
		Skipped:      input.Skipped,
		Timestamp:    time.Now().UTC(),
		Metadata: domain.EvaluationMetadata{
			TraceID:        input.TraceID,
			NormalizeMs:    input.NormalizeMs,
			RulesMs:        input.RulesMs,
			PersistMs:      input.PersistMs,
			TotalMs:        time.Since(input.StartTime).Milliseconds(),
			RulesEvaluated: input.RulesEvaluated,
			EngineVersion:  EngineVersion,
		},
	}
}
