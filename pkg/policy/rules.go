package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

type evalInput struct {
	plan     models.StructuredPlan
	spending models.SpendingContext
	now      time.Time
}

// finding is a rule hit before policy identity and severity are attached.
type finding struct {
	message string
	stepID  string
}

type ruleFunc func(in evalInput, rule models.Rule) []finding

var ruleTable = map[models.RuleType]ruleFunc{
	models.RuleMaxTransactionValue: evalMaxTransactionValue,
	models.RuleDailyLimit:          windowLimit("daily", func(s models.SpendingContext) int64 { return s.DailySpentCents }),
	models.RuleWeeklyLimit:         windowLimit("weekly", func(s models.SpendingContext) int64 { return s.WeeklySpentCents }),
	models.RuleMonthlyLimit:        windowLimit("monthly", func(s models.SpendingContext) int64 { return s.MonthlySpentCents }),
	models.RuleAllowedProtocols:    evalAllowedProtocols,
	models.RuleBlockedActions:      evalBlockedActions,
	models.RuleTimeWindow:          evalTimeWindow,
	models.RuleRequireSimulation:   evalRequireSimulation,
	models.RuleMaxSlippage:         evalMaxSlippage,
	models.RulePlanIntegrity:       evalPlanIntegrity,
}

func evalMaxTransactionValue(in evalInput, rule models.Rule) []finding {
	var out []finding
	for _, step := range in.plan.Steps {
		if step.Cost.MaxSpendCents > rule.ThresholdCents {
			out = append(out, finding{
				message: fmt.Sprintf("step %s spends %s, above the %s limit", step.StepID, usd(step.Cost.MaxSpendCents), usd(rule.ThresholdCents)),
				stepID:  step.StepID,
			})
		}
	}
	return out
}

func windowLimit(name string, spent func(models.SpendingContext) int64) ruleFunc {
	return func(in evalInput, rule models.Rule) []finding {
		already := spent(in.spending)
		if already+in.plan.TotalMaxSpendCents > rule.ThresholdCents {
			return []finding{{message: fmt.Sprintf("%s spend %s plus plan %s exceeds the %s limit",
				name, usd(already), usd(in.plan.TotalMaxSpendCents), usd(rule.ThresholdCents))}}
		}
		return nil
	}
}

func evalAllowedProtocols(in evalInput, rule models.Rule) []finding {
	allowed := make(map[string]bool, len(rule.Protocols))
	for _, p := range rule.Protocols {
		allowed[strings.ToLower(strings.TrimSpace(p))] = true
	}
	var out []finding
	for _, step := range in.plan.Steps {
		proto := strings.ToLower(strings.TrimSpace(step.Protocol))
		if proto == "" || allowed[proto] {
			continue
		}
		out = append(out, finding{message: fmt.Sprintf("protocol %q is not allowed", step.Protocol), stepID: step.StepID})
	}
	return out
}

func evalBlockedActions(in evalInput, rule models.Rule) []finding {
	blocked := make(map[models.Action]bool, len(rule.Actions))
	for _, a := range rule.Actions {
		blocked[a] = true
	}
	var out []finding
	for _, step := range in.plan.Steps {
		if blocked[step.Action] {
			out = append(out, finding{message: fmt.Sprintf("action %s is blocked", step.Action), stepID: step.StepID})
		}
	}
	return out
}

func evalTimeWindow(in evalInput, rule models.Rule) []finding {
	if rule.Window == nil {
		return []finding{{message: "time window rule has no window"}}
	}
	ok, err := InWindow(*rule.Window, in.now)
	if err != nil {
		return []finding{{message: err.Error()}}
	}
	if !ok {
		return []finding{{message: fmt.Sprintf("outside allowed hours %s-%s", rule.Window.Start, rule.Window.End)}}
	}
	return nil
}

func evalRequireSimulation(in evalInput, rule models.Rule) []finding {
	var out []finding
	for _, step := range in.plan.Steps {
		if step.Cost.MaxSpendCents > rule.ThresholdCents && !step.Simulated {
			out = append(out, finding{
				message: fmt.Sprintf("step %s (%s) has not been simulated", step.StepID, usd(step.Cost.MaxSpendCents)),
				stepID:  step.StepID,
			})
		}
	}
	return out
}

func evalMaxSlippage(in evalInput, rule models.Rule) []finding {
	var out []finding
	for _, step := range in.plan.Steps {
		if step.Cost.MaxSlippageBps > rule.MaxSlippageBps {
			out = append(out, finding{
				message: fmt.Sprintf("step %s allows %d bps slippage, above %d", step.StepID, step.Cost.MaxSlippageBps, rule.MaxSlippageBps),
				stepID:  step.StepID,
			})
		}
	}
	return out
}

func evalPlanIntegrity(in evalInput, _ models.Rule) []finding {
	if err := in.plan.Validate(); err != nil {
		return []finding{{message: err.Error()}}
	}
	return nil
}

// InWindow reports whether now falls in the window's local [start, end).
// An end before start wraps past midnight; equal bounds allow the whole day.
func InWindow(w models.TimeWindow, now time.Time) (bool, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q", w.Timezone)
		}
	}
	if start == end {
		return true, nil
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	const day = 24 * 60
	return (minute-start+day)%day < (end-start+day)%day, nil
}

func parseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + m, nil
}

func usd(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
