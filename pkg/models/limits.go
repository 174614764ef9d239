package models

import (
	"fmt"
	"strings"
)

// VelocityLimits are spend caps in cents. A zero amount means the tier is not
// limited; nil counts are uncapped.
type VelocityLimits struct {
	PerTransaction int64 `json:"perTransaction" yaml:"per_transaction"`
	Daily          int64 `json:"daily" yaml:"daily"`
	Weekly         int64 `json:"weekly" yaml:"weekly"`
	Monthly        int64 `json:"monthly" yaml:"monthly"`
	DailyTxCount   *int  `json:"dailyTxCount,omitempty" yaml:"daily_tx_count,omitempty"`
	WeeklyTxCount  *int  `json:"weeklyTxCount,omitempty" yaml:"weekly_tx_count,omitempty"`
	MonthlyTxCount *int  `json:"monthlyTxCount,omitempty" yaml:"monthly_tx_count,omitempty"`
}

// SpendingContext is the windowed spend a plan is evaluated against.
type SpendingContext struct {
	DailySpentCents   int64 `json:"dailySpentCents"`
	WeeklySpentCents  int64 `json:"weeklySpentCents"`
	MonthlySpentCents int64 `json:"monthlySpentCents"`
	LastResetAt       int64 `json:"lastResetAt"`
}

func intPtr(v int) *int { return &v }

func ConservativeLimits() VelocityLimits {
	return VelocityLimits{
		PerTransaction: 50_000,
		Daily:          100_000,
		Weekly:         250_000,
		Monthly:        500_000,
		DailyTxCount:   intPtr(10),
		WeeklyTxCount:  intPtr(30),
		MonthlyTxCount: intPtr(100),
	}
}

func StandardLimits() VelocityLimits {
	return VelocityLimits{
		PerTransaction: 250_000,
		Daily:          500_000,
		Weekly:         1_500_000,
		Monthly:        5_000_000,
		DailyTxCount:   intPtr(25),
		WeeklyTxCount:  intPtr(100),
		MonthlyTxCount: intPtr(300),
	}
}

func PremiumLimits() VelocityLimits {
	return VelocityLimits{
		PerTransaction: 1_000_000,
		Daily:          2_500_000,
		Weekly:         10_000_000,
		Monthly:        25_000_000,
		DailyTxCount:   intPtr(50),
		WeeklyTxCount:  intPtr(200),
		MonthlyTxCount: intPtr(500),
	}
}

func InstitutionalLimits() VelocityLimits {
	return VelocityLimits{
		PerTransaction: 10_000_000,
		Daily:          50_000_000,
		Weekly:         200_000_000,
		Monthly:        500_000_000,
		DailyTxCount:   intPtr(500),
		WeeklyTxCount:  intPtr(2000),
		MonthlyTxCount: intPtr(10000),
	}
}

// LimitsPreset resolves a named preset.
func LimitsPreset(name string) (VelocityLimits, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "conservative":
		return ConservativeLimits(), nil
	case "", "standard":
		return StandardLimits(), nil
	case "premium":
		return PremiumLimits(), nil
	case "institutional":
		return InstitutionalLimits(), nil
	default:
		return VelocityLimits{}, fmt.Errorf("unknown velocity preset %q", name)
	}
}
