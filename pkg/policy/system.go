package policy

import "github.com/DisCard-Technologies/discard-sub016/pkg/models"

const (
	SystemPlanIntegrity      = "system-plan-integrity"
	SystemMaxSlippage        = "system-max-slippage"
	SystemSimulationRequired = "system-simulation-required"
	SystemMaxSingleStep      = "system-max-single-step"
	SystemApprovalThreshold  = "system-approval-threshold"
)

// SystemPolicies are always enforced ahead of default and user policies.
func SystemPolicies() []models.Policy {
	return []models.Policy{
		{
			PolicyID:   SystemPlanIntegrity,
			PolicyName: "Plan integrity",
			PolicyType: models.PolicySystem,
			Rule:       models.Rule{Type: models.RulePlanIntegrity},
			Severity:   models.SeverityBlock,
			IsEnabled:  true,
		},
		{
			PolicyID:   SystemMaxSlippage,
			PolicyName: "Maximum slippage 5%",
			PolicyType: models.PolicySystem,
			Rule:       models.Rule{Type: models.RuleMaxSlippage, MaxSlippageBps: 500},
			Severity:   models.SeverityBlock,
			IsEnabled:  true,
		},
		{
			PolicyID:   SystemSimulationRequired,
			PolicyName: "Simulation required above $1,000",
			PolicyType: models.PolicySystem,
			Rule:       models.Rule{Type: models.RuleRequireSimulation, ThresholdCents: 100_000},
			Severity:   models.SeverityWarning,
			IsEnabled:  true,
		},
		{
			PolicyID:   SystemMaxSingleStep,
			PolicyName: "Maximum single step $50,000",
			PolicyType: models.PolicySystem,
			Rule:       models.Rule{Type: models.RuleMaxTransactionValue, ThresholdCents: 5_000_000},
			Severity:   models.SeverityBlock,
			IsEnabled:  true,
		},
	}
}

// highRiskActions escalate on their own when a step carrying them is high risk.
var highRiskActions = map[models.Action]bool{
	models.ActionTransfer:     true,
	models.ActionSwap:         true,
	models.ActionWithdrawDeFi: true,
}
