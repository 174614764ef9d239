package velocity

import (
	"context"
	"errors"
	"fmt"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresLedger serializes updates per key with SELECT ... FOR UPDATE.
type PostgresLedger struct {
	DB ledgerDB
}

func NewPostgresLedger(db ledgerDB) *PostgresLedger {
	return &PostgresLedger{DB: db}
}

const ledgerColumns = `daily_spent, weekly_spent, monthly_spent,
	daily_count, weekly_count, monthly_count,
	daily_anchor, weekly_anchor, monthly_anchor`

func scanCounters(row pgx.Row) (Counters, error) {
	var c Counters
	err := row.Scan(
		&c.DailySpent, &c.WeeklySpent, &c.MonthlySpent,
		&c.DailyCount, &c.WeeklyCount, &c.MonthlyCount,
		&c.DailyAnchor, &c.WeeklyAnchor, &c.MonthlyAnchor,
	)
	return c, err
}

func (l *PostgresLedger) Load(ctx context.Context, key Key) (Counters, error) {
	if l.DB == nil {
		return Counters{}, errors.New("velocity db not configured")
	}
	c, err := scanCounters(l.DB.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM velocity_ledgers WHERE user_id=$1 AND card_id=$2`,
		key.UserID, key.CardID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Counters{}, nil
	}
	return c, err
}

func (l *PostgresLedger) Reserve(ctx context.Context, key Key, amount int64, limits models.VelocityLimits, nowMs int64) (Outcome, error) {
	var out Outcome
	err := l.withLockedRow(ctx, key, func(c Counters) Counters {
		rolled := c.Roll(nowMs)
		out = Outcome{Counters: rolled}
		if reason, detail := Evaluate(rolled, amount, limits); reason != "" {
			out.Reason, out.Detail = reason, detail
			return rolled
		}
		out.Counters = rolled.Apply(amount)
		return out.Counters
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (l *PostgresLedger) Release(ctx context.Context, key Key, amount, reservedAtMs, nowMs int64) error {
	return l.withLockedRow(ctx, key, func(c Counters) Counters {
		return c.Roll(nowMs).Unapply(amount, reservedAtMs)
	})
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	if l.DB == nil {
		return errors.New("velocity db not configured")
	}
	var one int
	return l.DB.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

func (l *PostgresLedger) withLockedRow(ctx context.Context, key Key, update func(Counters) Counters) error {
	if l.DB == nil {
		return errors.New("velocity db not configured")
	}
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO velocity_ledgers (user_id, card_id) VALUES ($1, $2) ON CONFLICT (user_id, card_id) DO NOTHING`,
		key.UserID, key.CardID); err != nil {
		return fmt.Errorf("ensure ledger row: %w", err)
	}
	current, err := scanCounters(tx.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM velocity_ledgers WHERE user_id=$1 AND card_id=$2 FOR UPDATE`,
		key.UserID, key.CardID))
	if err != nil {
		return fmt.Errorf("lock ledger row: %w", err)
	}
	next := update(current)
	if _, err := tx.Exec(ctx, `UPDATE velocity_ledgers SET
		daily_spent=$3, weekly_spent=$4, monthly_spent=$5,
		daily_count=$6, weekly_count=$7, monthly_count=$8,
		daily_anchor=$9, weekly_anchor=$10, monthly_anchor=$11,
		updated_at=now()
		WHERE user_id=$1 AND card_id=$2`,
		key.UserID, key.CardID,
		next.DailySpent, next.WeeklySpent, next.MonthlySpent,
		next.DailyCount, next.WeeklyCount, next.MonthlyCount,
		next.DailyAnchor, next.WeeklyAnchor, next.MonthlyAnchor,
	); err != nil {
		return fmt.Errorf("update ledger row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
