package scoring

import (
	"testing"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

func matches(sevs ...domain.Severity) []domain.RuleMatch {
	out := make([]domain.RuleMatch, len(sevs))
	for i, s := range sevs {
		out[i] = domain.RuleMatch{RuleID: string(s), Severity: s}
	}
	return out
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		in   []domain.RuleMatch
		want int
	}{
		{"NoMatches", nil, 0},
		{"SingleLow", matches(domain.SeverityLow), 10},
		{"SingleMedium", matches(domain.SeverityMedium), 25},
		{"SingleHigh", matches(domain.SeverityHigh), 50},
		{"SingleCritical", matches(domain.SeverityCritical), 75},
		{"Sum", matches(domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow), 85},
		{"ExactlyHundred", matches(domain.SeverityHigh, domain.SeverityHigh), 100},
		{"ClampedAtHundred", matches(domain.SeverityCritical, domain.SeverityHigh, domain.SeverityHigh), 100},
		{"ManyLows", matches(domain.SeverityLow, domain.SeverityLow, domain.SeverityLow, domain.SeverityLow,
			domain.SeverityLow, domain.SeverityLow, domain.SeverityLow, domain.SeverityLow,
			domain.SeverityLow, domain.SeverityLow, domain.SeverityLow), 100},
		{"UnknownSeverityIgnored", matches("EXTREME", domain.SeverityLow), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.in); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScoreIsPure(t *testing.T) {
	in := matches(domain.SeverityCritical, domain.SeverityMedium)
	first := Score(in)
	for i := 0; i < 10; i++ {
		if got := Score(in); got != first {
			t.Fatalf("score changed between calls: %d != %d", got, first)
		}
	}
	if in[0].Severity != domain.SeverityCritical || len(in) != 2 {
		t.Error("Score modified its input")
	}
}

func TestBuildEvaluation(t *testing.T) {
	input := &DecisionInput{
		EventID:        "evt-1",
		TraceID:        "trace-1",
		Matches:        matches(domain.SeverityHigh, domain.SeverityMedium),
		RuleErrors:     []domain.RuleError{{RuleID: "slow", TimedOut: true, Message: "rule slow timed out"}},
		RulesEvaluated: 3,
		FlagIDs:        []string{"f1", "f2"},
		StartTime:      time.Now().Add(-5 * time.Millisecond),
		RulesMs:        2,
	}

	eval := BuildEvaluation(input)

	if eval.ID == "" {
		t.Error("expected evaluation ID")
	}
	if eval.EventID != "evt-1" || eval.RiskScore != 75 {
		t.Errorf("unexpected evaluation: %+v", eval)
	}
	if len(eval.MatchedRules) != 2 || eval.MatchedRules[0] != string(domain.SeverityHigh) {
		t.Errorf("unexpected matched rules: %v", eval.MatchedRules)
	}
	if len(eval.RuleErrors) != 1 || !eval.RuleErrors[0].TimedOut {
		t.Errorf("rule errors not carried: %+v", eval.RuleErrors)
	}
	if eval.Metadata.TraceID != "trace-1" || eval.Metadata.RulesEvaluated != 3 {
		t.Errorf("unexpected metadata: %+v", eval.Metadata)
	}
	if eval.Metadata.TotalMs < 5 {
		t.Errorf("expected total >= 5ms, got %d", eval.Metadata.TotalMs)
	}
	if eval.Metadata.EngineVersion != EngineVersion {
		t.Errorf("expected engine version %s", EngineVersion)
	}

	skipped := BuildEvaluation(&DecisionInput{EventID: "evt-2", Skipped: true, StartTime: time.Now()})
	if !skipped.Skipped || skipped.RiskScore != 0 || skipped.FlagIDs == nil {
		t.Errorf("unexpected skipped evaluation: %+v", skipped)
	}
}
