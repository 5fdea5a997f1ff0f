package rules

import (
	"fmt"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// ValidateRule checks operators, fields, hours, expressions and actions of a
// rule without evaluating it. It returns a *domain.ValidationError.
func (e *Evaluator) ValidateRule(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	verr := &domain.ValidationError{}

	if !rule.Severity.Valid() {
		verr.Add("severity", "unknown severity %q", rule.Severity)
	}

	e.validateThreshold(rule, verr)

	for i, c := range rule.Conditions {
		e.validateCondition(fmt.Sprintf("conditions[%d]", i), c, verr)
	}

	for i, a := range rule.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		switch a.Type {
		case domain.ActionNotify, domain.ActionLog, domain.ActionRequireApproval:
		case domain.ActionWebhook:
			if url, _ := a.Params["url"].(string); url == "" {
				verr.Add(path+".params.url", "webhook actions need a url")
			}
		default:
			verr.Add(path+".type", "unknown action type %q", a.Type)
		}
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

func (e *Evaluator) validateThreshold(rule *domain.FraudRule, verr *domain.ValidationError) {
	th := rule.Threshold

	switch th.Type {
	case domain.ThresholdAmount, domain.ThresholdPercentage, domain.ThresholdCount:
		if !th.Operator.IsComparison() {
			verr.Add("threshold.operator", "operator %q is not a comparison", th.Operator)
		}
	case domain.ThresholdTimeRange:
		switch th.Operator {
		case "", domain.OpOutsideHours, domain.OpWithinHours:
		default:
			verr.Add("threshold.operator", "time_range needs outside_hours or within_hours, got %q", th.Operator)
		}
		if _, err := parseHours(th.Hours); err != nil {
			verr.Add("threshold.hours", "%v", err)
		}
	default:
		verr.Add("threshold.type", "unknown threshold type %q", th.Type)
	}

	if th.Field != "" && !KnownField(th.Field) {
		verr.Add("threshold.field", "unknown field %q", th.Field)
	}

	if th.Type == domain.ThresholdCount {
		if rule.TimeWindow == nil {
			verr.Add("timeWindow", "count thresholds need a time window")
		} else if _, err := rule.TimeWindow.AsDuration(); err != nil {
			verr.Add("timeWindow", "%v", err)
		}
		if _, ok := entityKey(th.GroupBy, &domain.POSEvent{CashierID: "x", BranchID: "x", PosDeviceID: "x"}); !ok {
			verr.Add("threshold.groupBy", "unknown groupBy %q", th.GroupBy)
		}
	}
}

func (e *Evaluator) validateCondition(path string, c domain.Condition, verr *domain.ValidationError) {
	switch c.Operator {
	case domain.OpOutsideHours, domain.OpWithinHours:
		if c.Field != "" && c.Field != FieldOccurredAt {
			verr.Add(path+".field", "%s applies to occurredAt only", c.Operator)
		}
		if _, err := parseHours(c.Value); err != nil {
			verr.Add(path+".value", "%v", err)
		}
		return

	case domain.OpExpression:
		src, ok := c.Value.(string)
		if !ok || src == "" {
			verr.Add(path+".value", "expression must be a non-empty string")
			return
		}
		if _, err := e.exprs.compile(src); err != nil {
			verr.Add(path+".value", "%v", err)
		}
		return

	case domain.OpIn, domain.OpNotIn:
		if _, ok := toList(c.Value); !ok {
			verr.Add(path+".value", "%s needs a list value", c.Operator)
		}

	default:
		if !c.Operator.IsComparison() {
			verr.Add(path+".operator", "unknown operator %q", c.Operator)
			return
		}
		if c.Value == nil {
			verr.Add(path+".value", "value is required")
		}
	}

	if !KnownField(c.Field) {
		verr.Add(path+".field", "unknown field %q", c.Field)
	}
}
