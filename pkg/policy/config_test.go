package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
thresholds:
  auto_approve_cents: 20000
  countdown_max_ms: 15000
policies:
  - policy_id: ops-hours
    policy_name: Business hours only
    policy_type: default
    severity: block
    is_enabled: true
    rule:
      type: time_window
      window:
        start: "08:00"
        end: "20:00"
        timezone: UTC
  - policy_id: ops-protocols
    policy_name: Approved venues
    policy_type: default
    severity: warning
    is_enabled: true
    rule:
      type: allowed_protocols
      protocols: [jupiter, orca]
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(20000), cfg.Thresholds.AutoApproveCents)
	require.Len(t, cfg.Policies, 2)
	require.Equal(t, models.RuleTimeWindow, cfg.Policies[0].Rule.Type)
	require.Equal(t, "20:00", cfg.Policies[0].Rule.Window.End)
	require.Equal(t, []string{"jupiter", "orca"}, cfg.Policies[1].Rule.Protocols)

	night := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	e := NewEngine(append(cfg.Options(), WithClock(func() time.Time { return night }))...)
	require.Equal(t, int64(20000), e.Thresholds().AutoApproveCents)
	require.Equal(t, int64(1_000_000), e.Thresholds().ManualApproveCents)

	p := models.StructuredPlan{
		PlanID:             "p",
		Steps:              []models.StructuredStep{{StepID: "s1", Action: models.ActionSwap, Protocol: "raydium", Cost: models.EstimatedCost{MaxSpendCents: 100}, Simulated: true}},
		TotalMaxSpendCents: 100,
	}
	res := e.EvaluatePlan(p, nil, models.SpendingContext{}, nil)
	require.Equal(t, models.ApprovalBlocked, res.ApprovalMode)
	require.Len(t, res.Violations, 1)
	require.Equal(t, "ops-hours", res.Violations[0].PolicyID)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, "ops-protocols", res.Warnings[0].PolicyID)
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "thresholds: [",
		"missing id":    "policies:\n  - policy_name: x\n",
		"duplicate id":  "policies:\n  - policy_id: a\n  - policy_id: a\n",
		"system policy": "policies:\n  - policy_id: a\n    policy_type: system\n",
		"inverted":      "thresholds:\n  auto_approve_cents: 2000000\n",
		"negative":      "thresholds:\n  manual_approve_cents: -1\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
