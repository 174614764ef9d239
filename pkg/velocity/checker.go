package velocity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

type Result struct {
	WithinLimits bool                `json:"withinLimits"`
	DenialReason models.DenialReason `json:"denialReason,omitempty"`
	Details      string              `json:"details,omitempty"`
	CurrentState State               `json:"currentState"`
	CheckTimeMs  int64               `json:"checkTimeMs"`
}

// Reservation is handed back by Reserve so a later stage can undo it.
type Reservation struct {
	Key         Key
	AmountCents int64
	ReservedAt  int64
}

type Checker struct {
	ledger Ledger
	now    func() time.Time
}

type Option func(*Checker)

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

func NewChecker(ledger Ledger, opts ...Option) *Checker {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	c := &Checker{ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newKey(userID, cardID string) (Key, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Key{}, fmt.Errorf("velocity: userId required")
	}
	return Key{UserID: userID, CardID: strings.TrimSpace(cardID)}, nil
}

// Check evaluates amount against the current windows without committing it.
func (c *Checker) Check(ctx context.Context, userID, cardID string, amount int64, limits models.VelocityLimits) (Result, error) {
	start := c.now()
	key, err := newKey(userID, cardID)
	if err != nil {
		return Result{}, err
	}
	counters, err := c.ledger.Load(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("velocity load %s: %w", key, err)
	}
	rolled := counters.Roll(start.UnixMilli())
	reason, detail := Evaluate(rolled, amount, limits)
	return c.result(start, rolled, limits, reason, detail), nil
}

// Reserve checks and commits amount atomically for (userID, cardID). On
// denial nothing is committed and the returned reservation is empty.
func (c *Checker) Reserve(ctx context.Context, userID, cardID string, amount int64, limits models.VelocityLimits) (Result, Reservation, error) {
	start := c.now()
	key, err := newKey(userID, cardID)
	if err != nil {
		return Result{}, Reservation{}, err
	}
	nowMs := start.UnixMilli()
	if limits.PerTransaction > 0 && amount > limits.PerTransaction {
		counters, err := c.ledger.Load(ctx, key)
		if err != nil {
			return Result{}, Reservation{}, fmt.Errorf("velocity load %s: %w", key, err)
		}
		reason, detail := Evaluate(Counters{}, amount, limits)
		return c.result(start, counters.Roll(nowMs), limits, reason, detail), Reservation{}, nil
	}
	out, err := c.ledger.Reserve(ctx, key, amount, limits, nowMs)
	if err != nil {
		return Result{}, Reservation{}, fmt.Errorf("velocity reserve %s: %w", key, err)
	}
	res := c.result(start, out.Counters, limits, out.Reason, out.Detail)
	if !out.Allowed() {
		return res, Reservation{}, nil
	}
	return res, Reservation{Key: key, AmountCents: amount, ReservedAt: nowMs}, nil
}

// Release undoes a reservation. A zero reservation is a no-op.
func (c *Checker) Release(ctx context.Context, r Reservation) error {
	if r.AmountCents == 0 && r.ReservedAt == 0 {
		return nil
	}
	if err := c.ledger.Release(ctx, r.Key, r.AmountCents, r.ReservedAt, c.now().UnixMilli()); err != nil {
		return fmt.Errorf("velocity release %s: %w", r.Key, err)
	}
	return nil
}

// Spending returns the rolled window totals for the plan engine.
func (c *Checker) Spending(ctx context.Context, userID, cardID string) (models.SpendingContext, error) {
	key, err := newKey(userID, cardID)
	if err != nil {
		return models.SpendingContext{}, err
	}
	counters, err := c.ledger.Load(ctx, key)
	if err != nil {
		return models.SpendingContext{}, err
	}
	return counters.Roll(c.now().UnixMilli()).SpendingContext(), nil
}

func (c *Checker) Ping(ctx context.Context) error {
	return c.ledger.Ping(ctx)
}

func (c *Checker) result(start time.Time, counters Counters, limits models.VelocityLimits, reason models.DenialReason, detail string) Result {
	return Result{
		WithinLimits: reason == "",
		DenialReason: reason,
		Details:      detail,
		CurrentState: StateOf(counters, limits),
		CheckTimeMs:  c.now().Sub(start).Milliseconds(),
	}
}
