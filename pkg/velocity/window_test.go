package velocity

import (
	"testing"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

const t0 = int64(1_700_000_000_000)

func TestRollOpensWindowsOnFirstUse(t *testing.T) {
	c := Counters{}.Roll(t0)
	if c.DailyAnchor != t0 || c.WeeklyAnchor != t0 || c.MonthlyAnchor != t0 {
		t.Fatalf("expected anchors at %d, got %+v", t0, c)
	}
}

func TestRollAdvancesByWholeWindows(t *testing.T) {
	day := DailyWindow.Milliseconds()
	c := Counters{}.Roll(t0).Apply(1000)

	same := c.Roll(t0 + day - 1)
	if same.DailySpent != 1000 || same.DailyAnchor != t0 {
		t.Fatalf("window closed early: %+v", same)
	}

	later := c.Roll(t0 + 2*day + 5)
	if later.DailySpent != 0 || later.DailyCount != 0 {
		t.Fatalf("expected daily reset, got %+v", later)
	}
	if later.DailyAnchor != t0+2*day {
		t.Fatalf("anchor drifted: got %d want %d", later.DailyAnchor, t0+2*day)
	}
	if later.WeeklySpent != 1000 || later.MonthlySpent != 1000 {
		t.Fatalf("longer windows should keep spend: %+v", later)
	}
}

func TestUnapplySkipsRolledWindows(t *testing.T) {
	day := DailyWindow.Milliseconds()
	c := Counters{}.Roll(t0).Apply(500)
	rolled := c.Roll(t0 + day)
	out := rolled.Unapply(500, t0)
	if out.DailySpent != 0 || out.DailyCount != 0 {
		t.Fatalf("daily should stay reset: %+v", out)
	}
	if out.WeeklySpent != 0 || out.WeeklyCount != 0 {
		t.Fatalf("weekly should be released: %+v", out)
	}

	floor := Counters{}.Roll(t0).Unapply(100, t0)
	if floor.DailySpent != 0 || floor.DailyCount != 0 {
		t.Fatalf("unapply must not go negative: %+v", floor)
	}
}

func TestEvaluatePrecedenceAndInclusiveLimits(t *testing.T) {
	three := 3
	limits := models.VelocityLimits{
		PerTransaction: 10_000,
		Daily:          20_000,
		Weekly:         30_000,
		Monthly:        40_000,
		DailyTxCount:   &three,
	}
	cases := []struct {
		name   string
		c      Counters
		amount int64
		want   models.DenialReason
	}{
		{"exactly per-tx", Counters{}, 10_000, ""},
		{"over per-tx", Counters{}, 10_001, models.DenialVelocityPerTx},
		{"per-tx before daily", Counters{DailySpent: 19_999}, 10_001, models.DenialVelocityPerTx},
		{"daily exactly full", Counters{DailySpent: 10_000}, 10_000, ""},
		{"daily over", Counters{DailySpent: 10_001}, 10_000, models.DenialVelocityDaily},
		{"daily before weekly", Counters{DailySpent: 15_000, WeeklySpent: 29_000}, 6_000, models.DenialVelocityDaily},
		{"weekly", Counters{WeeklySpent: 25_000}, 6_000, models.DenialVelocityWeekly},
		{"monthly", Counters{MonthlySpent: 39_000}, 2_000, models.DenialVelocityMonthly},
		{"count cap", Counters{DailyCount: 3}, 1, models.DenialVelocityDaily},
		{"count under cap", Counters{DailyCount: 2}, 1, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, detail := Evaluate(tc.c, tc.amount, limits)
			if got != tc.want {
				t.Fatalf("got %q (%s), want %q", got, detail, tc.want)
			}
			if got != "" && detail == "" {
				t.Fatal("expected detail for denial")
			}
		})
	}
}

func TestEvaluateZeroLimitsAreUnlimited(t *testing.T) {
	if reason, _ := Evaluate(Counters{DailySpent: 1 << 40}, 1<<40, models.VelocityLimits{}); reason != "" {
		t.Fatalf("expected no limits, got %q", reason)
	}
}

func TestStateOf(t *testing.T) {
	limits := models.VelocityLimits{PerTransaction: 100, Daily: 1000}
	c := Counters{}.Roll(t0).Apply(250)
	st := StateOf(c, limits)
	if st.Daily.RemainingCents != 750 || st.Daily.PercentUsed != 25 {
		t.Fatalf("unexpected daily state: %+v", st.Daily)
	}
	if st.Daily.ResetsAt != t0+DailyWindow.Milliseconds() {
		t.Fatalf("unexpected reset: %d", st.Daily.ResetsAt)
	}
	if !st.Weekly.Unlimited {
		t.Fatalf("weekly should be unlimited: %+v", st.Weekly)
	}
	over := StateOf(Counters{DailySpent: 2000}, limits)
	if over.Daily.RemainingCents != 0 {
		t.Fatalf("remaining must floor at zero: %+v", over.Daily)
	}
}

func TestSpendingContextUsesLatestAnchor(t *testing.T) {
	c := Counters{DailySpent: 1, WeeklySpent: 2, MonthlySpent: 3, DailyAnchor: 30, WeeklyAnchor: 20, MonthlyAnchor: 10}
	sc := c.SpendingContext()
	if sc.DailySpentCents != 1 || sc.WeeklySpentCents != 2 || sc.MonthlySpentCents != 3 || sc.LastResetAt != 30 {
		t.Fatalf("unexpected spending context: %+v", sc)
	}
}
