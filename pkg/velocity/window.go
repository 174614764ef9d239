package velocity

import (
	"fmt"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

const (
	DailyWindow   = 24 * time.Hour
	WeeklyWindow  = 7 * 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

// Key identifies one spending principal.
type Key struct {
	UserID string
	CardID string
}

func (k Key) String() string {
	return k.UserID + "|" + k.CardID
}

// Counters is the persisted ledger state for a key. Anchors are the epoch-ms
// start of each current window; zero means the window has never been opened.
type Counters struct {
	DailySpent    int64
	WeeklySpent   int64
	MonthlySpent  int64
	DailyCount    int
	WeeklyCount   int
	MonthlyCount  int
	DailyAnchor   int64
	WeeklyAnchor  int64
	MonthlyAnchor int64
}

// Roll closes any window whose length has elapsed. Anchors advance by whole
// window lengths so boundaries stay fixed relative to the first anchor.
func (c Counters) Roll(nowMs int64) Counters {
	c.DailyAnchor, c.DailySpent, c.DailyCount = rollWindow(c.DailyAnchor, c.DailySpent, c.DailyCount, nowMs, DailyWindow)
	c.WeeklyAnchor, c.WeeklySpent, c.WeeklyCount = rollWindow(c.WeeklyAnchor, c.WeeklySpent, c.WeeklyCount, nowMs, WeeklyWindow)
	c.MonthlyAnchor, c.MonthlySpent, c.MonthlyCount = rollWindow(c.MonthlyAnchor, c.MonthlySpent, c.MonthlyCount, nowMs, MonthlyWindow)
	return c
}

func rollWindow(anchor, spent int64, count int, nowMs int64, length time.Duration) (int64, int64, int) {
	l := length.Milliseconds()
	if anchor <= 0 {
		return nowMs, 0, 0
	}
	if nowMs-anchor < l {
		return anchor, spent, count
	}
	return anchor + ((nowMs-anchor)/l)*l, 0, 0
}

// Apply commits amount to every window.
func (c Counters) Apply(amount int64) Counters {
	c.DailySpent += amount
	c.WeeklySpent += amount
	c.MonthlySpent += amount
	c.DailyCount++
	c.WeeklyCount++
	c.MonthlyCount++
	return c
}

// Unapply reverses a reservation made at reservedAtMs, but only in windows
// that have not rolled since.
func (c Counters) Unapply(amount, reservedAtMs int64) Counters {
	if c.DailyAnchor > 0 && reservedAtMs >= c.DailyAnchor {
		c.DailySpent, c.DailyCount = subtract(c.DailySpent, c.DailyCount, amount)
	}
	if c.WeeklyAnchor > 0 && reservedAtMs >= c.WeeklyAnchor {
		c.WeeklySpent, c.WeeklyCount = subtract(c.WeeklySpent, c.WeeklyCount, amount)
	}
	if c.MonthlyAnchor > 0 && reservedAtMs >= c.MonthlyAnchor {
		c.MonthlySpent, c.MonthlyCount = subtract(c.MonthlySpent, c.MonthlyCount, amount)
	}
	return c
}

func subtract(spent int64, count int, amount int64) (int64, int) {
	spent -= amount
	if spent < 0 {
		spent = 0
	}
	if count > 0 {
		count--
	}
	return spent, count
}

// Evaluate applies the limit precedence to already-rolled counters. Limits
// are inclusive: spending exactly up to a limit is allowed.
func Evaluate(c Counters, amount int64, limits models.VelocityLimits) (models.DenialReason, string) {
	if limits.PerTransaction > 0 && amount > limits.PerTransaction {
		return models.DenialVelocityPerTx, fmt.Sprintf("amount %d exceeds per-transaction limit %d", amount, limits.PerTransaction)
	}
	amounts := []struct {
		spent, limit int64
		name         string
		reason       models.DenialReason
	}{
		{c.DailySpent, limits.Daily, "daily", models.DenialVelocityDaily},
		{c.WeeklySpent, limits.Weekly, "weekly", models.DenialVelocityWeekly},
		{c.MonthlySpent, limits.Monthly, "monthly", models.DenialVelocityMonthly},
	}
	for _, w := range amounts {
		if w.limit > 0 && w.spent+amount > w.limit {
			return w.reason, fmt.Sprintf("%s spend %d + %d exceeds limit %d", w.name, w.spent, amount, w.limit)
		}
	}
	counts := []struct {
		count  int
		limit  *int
		name   string
		reason models.DenialReason
	}{
		{c.DailyCount, limits.DailyTxCount, "daily", models.DenialVelocityDaily},
		{c.WeeklyCount, limits.WeeklyTxCount, "weekly", models.DenialVelocityWeekly},
		{c.MonthlyCount, limits.MonthlyTxCount, "monthly", models.DenialVelocityMonthly},
	}
	for _, w := range counts {
		if w.limit != nil && w.count+1 > *w.limit {
			return w.reason, fmt.Sprintf("%s transaction count %d reached cap %d", w.name, w.count, *w.limit)
		}
	}
	return "", ""
}

type WindowState struct {
	SpentCents     int64   `json:"spentCents"`
	LimitCents     int64   `json:"limitCents"`
	RemainingCents int64   `json:"remainingCents"`
	PercentUsed    float64 `json:"percentUsed"`
	Unlimited      bool    `json:"unlimited,omitempty"`
	TxCount        int     `json:"txCount"`
	TxLimit        *int    `json:"txLimit,omitempty"`
	ResetsAt       int64   `json:"resetsAt"`
}

type State struct {
	PerTransactionLimitCents int64       `json:"perTransactionLimitCents"`
	Daily                    WindowState `json:"daily"`
	Weekly                   WindowState `json:"weekly"`
	Monthly                  WindowState `json:"monthly"`
}

// StateOf reports headroom for rolled counters.
func StateOf(c Counters, limits models.VelocityLimits) State {
	return State{
		PerTransactionLimitCents: limits.PerTransaction,
		Daily:                    windowState(c.DailySpent, limits.Daily, c.DailyCount, limits.DailyTxCount, c.DailyAnchor, DailyWindow),
		Weekly:                   windowState(c.WeeklySpent, limits.Weekly, c.WeeklyCount, limits.WeeklyTxCount, c.WeeklyAnchor, WeeklyWindow),
		Monthly:                  windowState(c.MonthlySpent, limits.Monthly, c.MonthlyCount, limits.MonthlyTxCount, c.MonthlyAnchor, MonthlyWindow),
	}
}

func windowState(spent, limit int64, count int, txLimit *int, anchor int64, length time.Duration) WindowState {
	ws := WindowState{SpentCents: spent, LimitCents: limit, TxCount: count, TxLimit: txLimit}
	if anchor > 0 {
		ws.ResetsAt = anchor + length.Milliseconds()
	}
	if limit <= 0 {
		ws.Unlimited = true
		return ws
	}
	ws.RemainingCents = limit - spent
	if ws.RemainingCents < 0 {
		ws.RemainingCents = 0
	}
	ws.PercentUsed = float64(spent) * 100 / float64(limit)
	return ws
}

// SpendingContext exposes the velocity view in the shape the plan engine takes.
func (c Counters) SpendingContext() models.SpendingContext {
	last := c.DailyAnchor
	if c.WeeklyAnchor > last {
		last = c.WeeklyAnchor
	}
	if c.MonthlyAnchor > last {
		last = c.MonthlyAnchor
	}
	return models.SpendingContext{
		DailySpentCents:   c.DailySpent,
		WeeklySpentCents:  c.WeeklySpent,
		MonthlySpentCents: c.MonthlySpent,
		LastResetAt:       last,
	}
}
