package models

import (
	"errors"
	"fmt"
	"strings"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AtLeastHigh reports whether the level is high or critical.
func (r RiskLevel) AtLeastHigh() bool {
	return r == RiskHigh || r == RiskCritical
}

type EstimatedCost struct {
	MaxSpendCents  int64     `json:"maxSpendCents" yaml:"max_spend_cents"`
	MaxSlippageBps int       `json:"maxSlippageBps" yaml:"max_slippage_bps"`
	RiskLevel      RiskLevel `json:"riskLevel" yaml:"risk_level"`
}

type StructuredStep struct {
	StepID      string        `json:"stepId" yaml:"step_id"`
	Action      Action        `json:"action" yaml:"action"`
	Protocol    string        `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string      `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	Cost        EstimatedCost `json:"cost" yaml:"cost"`
	Simulated   bool          `json:"simulated" yaml:"simulated"`
}

type StructuredPlan struct {
	PlanID             string           `json:"planId" yaml:"plan_id"`
	IntentID           string           `json:"intentId" yaml:"intent_id"`
	UserID             string           `json:"userId" yaml:"user_id"`
	Steps              []StructuredStep `json:"steps" yaml:"steps"`
	TotalMaxSpendCents int64            `json:"totalMaxSpendCents" yaml:"total_max_spend_cents"`
	OverallRiskLevel   RiskLevel        `json:"overallRiskLevel" yaml:"overall_risk_level"`
	CreatedAt          int64            `json:"createdAt" yaml:"created_at"`
}

var ErrInvalidPlan = errors.New("invalid plan")

// Validate checks plan integrity. Dependencies may only point at earlier
// steps, which keeps the graph acyclic.
func (p StructuredPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	if p.TotalMaxSpendCents < 0 {
		return fmt.Errorf("%w: negative total spend", ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(p.Steps))
	var maxStep int64
	for i, step := range p.Steps {
		id := strings.TrimSpace(step.StepID)
		if id == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidPlan, i)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, id)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %q depends on unknown or later step %q", ErrInvalidPlan, id, dep)
			}
		}
		if step.Cost.MaxSpendCents < 0 || step.Cost.MaxSlippageBps < 0 {
			return fmt.Errorf("%w: step %q has negative cost", ErrInvalidPlan, id)
		}
		if step.Cost.MaxSpendCents > maxStep {
			maxStep = step.Cost.MaxSpendCents
		}
		seen[id] = true
	}
	if p.TotalMaxSpendCents < maxStep {
		return fmt.Errorf("%w: total spend %d below largest step %d", ErrInvalidPlan, p.TotalMaxSpendCents, maxStep)
	}
	return nil
}

type PolicyType string

const (
	PolicySystem  PolicyType = "system"
	PolicyDefault PolicyType = "default"
	PolicyUser    PolicyType = "user"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityBlock   Severity = "block"
)

type RuleType string

const (
	RuleMaxTransactionValue RuleType = "max_transaction_value"
	RuleDailyLimit          RuleType = "daily_limit"
	RuleWeeklyLimit         RuleType = "weekly_limit"
	RuleMonthlyLimit        RuleType = "monthly_limit"
	RuleAllowedProtocols    RuleType = "allowed_protocols"
	RuleBlockedActions      RuleType = "blocked_actions"
	RuleTimeWindow          RuleType = "time_window"
	RuleRequireSimulation   RuleType = "require_simulation"
	RuleMaxSlippage         RuleType = "max_slippage"
	// RuleThresholdExceeded is synthesized by the engine, never configured.
	RuleThresholdExceeded RuleType = "threshold_exceeded"
	RulePlanIntegrity     RuleType = "plan_integrity"
)

// TimeWindow is an allowed local time range, HH:MM to HH:MM. End before start
// wraps past midnight.
type TimeWindow struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Rule is a tagged variant: Type selects which parameter fields apply.
type Rule struct {
	Type           RuleType    `json:"type" yaml:"type"`
	ThresholdCents int64       `json:"thresholdCents,omitempty" yaml:"threshold_cents,omitempty"`
	Protocols      []string    `json:"protocols,omitempty" yaml:"protocols,omitempty"`
	Actions        []Action    `json:"actions,omitempty" yaml:"actions,omitempty"`
	Window         *TimeWindow `json:"window,omitempty" yaml:"window,omitempty"`
	MaxSlippageBps int         `json:"maxSlippageBps,omitempty" yaml:"max_slippage_bps,omitempty"`
}

type Policy struct {
	PolicyID   string     `json:"policyId" yaml:"policy_id"`
	PolicyName string     `json:"policyName" yaml:"policy_name"`
	PolicyType PolicyType `json:"policyType" yaml:"policy_type"`
	Rule       Rule       `json:"rule" yaml:"rule"`
	Severity   Severity   `json:"severity" yaml:"severity"`
	IsEnabled  bool       `json:"isEnabled" yaml:"is_enabled"`
}

type Violation struct {
	PolicyID   string   `json:"policyId"`
	PolicyName string   `json:"policyName"`
	RuleType   RuleType `json:"ruleType"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	StepID     string   `json:"stepId,omitempty"`
}

type ApprovalMode string

const (
	ApprovalAuto    ApprovalMode = "auto"
	ApprovalManual  ApprovalMode = "manual"
	ApprovalBlocked ApprovalMode = "blocked"
)

type PolicyEvaluationResult struct {
	Approved            bool         `json:"approved"`
	ApprovalMode        ApprovalMode `json:"approvalMode"`
	Violations          []Violation  `json:"violations"`
	Warnings            []Violation  `json:"warnings"`
	CountdownDurationMs *int64       `json:"countdownDurationMs,omitempty"`
	EscalationReason    string       `json:"escalationReason,omitempty"`
	EvaluatedAt         int64        `json:"evaluatedAt"`
}
