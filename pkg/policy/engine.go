// Package policy gates structured plans against system, default and user
// rules and picks an approval mode.
package policy

import (
	"fmt"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

type Engine struct {
	now        func() time.Time
	thresholds Thresholds
	defaults   []models.Policy
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithThresholds replaces the engine defaults; zero fields keep the built-in values.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = DefaultThresholds().Merge(&t) }
}

// WithDefaultPolicies adds operator policies evaluated for every plan.
func WithDefaultPolicies(p []models.Policy) Option {
	return func(e *Engine) {
		e.defaults = make([]models.Policy, 0, len(p))
		for _, pol := range p {
			if pol.PolicyType == models.PolicySystem {
				continue
			}
			pol.PolicyType = models.PolicyDefault
			e.defaults = append(e.defaults, pol)
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now, thresholds: DefaultThresholds()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// EvaluatePlan is a pure function of its arguments and the engine clock.
func (e *Engine) EvaluatePlan(plan models.StructuredPlan, userPolicies []models.Policy, spending models.SpendingContext, thresholds *Thresholds) models.PolicyEvaluationResult {
	th := e.thresholds.Merge(thresholds)
	now := e.now()
	in := evalInput{plan: plan, spending: spending, now: now}

	res := models.PolicyEvaluationResult{
		Violations:  []models.Violation{},
		Warnings:    []models.Violation{},
		EvaluatedAt: now.UnixMilli(),
	}
	for _, pol := range e.effectivePolicies(userPolicies) {
		for _, v := range evaluatePolicy(in, pol) {
			if v.Severity == models.SeverityWarning {
				res.Warnings = append(res.Warnings, v)
			} else {
				res.Violations = append(res.Violations, v)
			}
		}
	}

	if len(res.Violations) > 0 {
		res.ApprovalMode = models.ApprovalBlocked
		return res
	}

	total := plan.TotalMaxSpendCents
	switch {
	case total <= th.AutoApproveCents:
		res.ApprovalMode = models.ApprovalAuto
		countdown := th.Countdown(total)
		res.CountdownDurationMs = &countdown
	case total <= th.ManualApproveCents:
		res.ApprovalMode = models.ApprovalManual
	default:
		res.ApprovalMode = models.ApprovalBlocked
		res.Violations = append(res.Violations, models.Violation{
			PolicyID:   SystemApprovalThreshold,
			PolicyName: "Approval threshold",
			RuleType:   models.RuleThresholdExceeded,
			Severity:   models.SeverityBlock,
			Message:    fmt.Sprintf("plan total %s exceeds the manual approval ceiling %s", usd(total), usd(th.ManualApproveCents)),
		})
		return res
	}

	if reason := escalationReason(plan); reason != "" {
		res.ApprovalMode = models.ApprovalManual
		res.CountdownDurationMs = nil
		res.EscalationReason = reason
	}
	res.Approved = true
	return res
}

func (e *Engine) effectivePolicies(user []models.Policy) []models.Policy {
	out := SystemPolicies()
	for _, pol := range e.defaults {
		if pol.IsEnabled {
			out = append(out, pol)
		}
	}
	for _, pol := range user {
		if !pol.IsEnabled || pol.PolicyType == models.PolicySystem {
			continue
		}
		out = append(out, pol)
	}
	return out
}

func evaluatePolicy(in evalInput, pol models.Policy) []models.Violation {
	severity := pol.Severity
	if severity != models.SeverityWarning {
		severity = models.SeverityBlock
	}
	fn, ok := ruleTable[pol.Rule.Type]
	if !ok {
		return []models.Violation{{
			PolicyID:   pol.PolicyID,
			PolicyName: pol.PolicyName,
			RuleType:   pol.Rule.Type,
			Severity:   models.SeverityBlock,
			Message:    fmt.Sprintf("unknown rule type %q", pol.Rule.Type),
		}}
	}
	if pol.Rule.Type == models.RuleRequireSimulation {
		severity = models.SeverityWarning
	}
	findings := fn(in, pol.Rule)
	out := make([]models.Violation, 0, len(findings))
	for _, f := range findings {
		out = append(out, models.Violation{
			PolicyID:   pol.PolicyID,
			PolicyName: pol.PolicyName,
			RuleType:   pol.Rule.Type,
			Severity:   severity,
			Message:    f.message,
			StepID:     f.stepID,
		})
	}
	return out
}

func escalationReason(plan models.StructuredPlan) string {
	if plan.OverallRiskLevel == models.RiskCritical {
		return "plan overall risk is critical"
	}
	high := 0
	for _, step := range plan.Steps {
		if !step.Cost.RiskLevel.AtLeastHigh() {
			continue
		}
		if highRiskActions[step.Action] {
			return fmt.Sprintf("high-risk %s in step %s", step.Action, step.StepID)
		}
		high++
	}
	if high >= 2 {
		return fmt.Sprintf("%d high-risk steps", high)
	}
	return ""
}
