package velocity

import (
	"context"
	"sync"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

// Outcome is the result of an atomic reserve. Reason is empty when the
// amount was committed.
type Outcome struct {
	Counters Counters
	Reason   models.DenialReason
	Detail   string
}

func (o Outcome) Allowed() bool { return o.Reason == "" }

// Ledger stores per-key counters. Reserve must roll, check and commit as one
// step with respect to other Reserve/Release calls on the same key.
type Ledger interface {
	Load(ctx context.Context, key Key) (Counters, error)
	Reserve(ctx context.Context, key Key, amount int64, limits models.VelocityLimits, nowMs int64) (Outcome, error)
	Release(ctx context.Context, key Key, amount, reservedAtMs, nowMs int64) error
	Ping(ctx context.Context) error
}

// MemoryLedger keeps counters in process. Each key has its own lock so
// principals never contend with each other.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[Key]*memoryEntry
}

type memoryEntry struct {
	mu       sync.Mutex
	counters Counters
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: map[Key]*memoryEntry{}}
}

func (l *MemoryLedger) entry(key Key) *memoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &memoryEntry{}
		l.entries[key] = e
	}
	return e
}

func (l *MemoryLedger) Load(ctx context.Context, key Key) (Counters, error) {
	if err := ctx.Err(); err != nil {
		return Counters{}, err
	}
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters, nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, key Key, amount int64, limits models.VelocityLimits, nowMs int64) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	rolled := e.counters.Roll(nowMs)
	e.counters = rolled
	if reason, detail := Evaluate(rolled, amount, limits); reason != "" {
		return Outcome{Counters: rolled, Reason: reason, Detail: detail}, nil
	}
	e.counters = rolled.Apply(amount)
	return Outcome{Counters: e.counters}, nil
}

func (l *MemoryLedger) Release(ctx context.Context, key Key, amount, reservedAtMs, nowMs int64) error {
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters = e.counters.Roll(nowMs).Unapply(amount, reservedAtMs)
	return nil
}

func (l *MemoryLedger) Ping(ctx context.Context) error { return ctx.Err() }
