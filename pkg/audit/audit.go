// Package audit appends every verification decision to Postgres and anchors
// batches of decision hashes under a Merkle root.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	DecisionID       string
	RequestID        string
	IntentID         string
	UserID           string
	UserIDHash       string
	Action           models.Action
	AmountCents      int64
	Outcome          string
	DenialReason     models.DenialReason
	EscalationReason string
	RequestRaw       json.RawMessage
	ResultRaw        json.RawMessage
	DecisionHash     string
	AnchorID         string
	CreatedAt        time.Time
}

// NewRecord captures a decision for Append.
func NewRecord(decisionID string, req models.VerificationRequest, vctx models.VerificationContext, res models.VerificationResult, at time.Time) (Record, error) {
	reqRaw, err := json.Marshal(req)
	if err != nil {
		return Record{}, err
	}
	resRaw, err := json.Marshal(res)
	if err != nil {
		return Record{}, err
	}
	return Record{
		DecisionID:       decisionID,
		RequestID:        req.RequestID,
		IntentID:         req.IntentID,
		UserID:           vctx.UserID,
		Action:           req.Action,
		AmountCents:      req.AmountCents,
		Outcome:          res.Outcome(),
		DenialReason:     res.DenialReason,
		EscalationReason: res.EscalationReason,
		RequestRaw:       reqRaw,
		ResultRaw:        resRaw,
		CreatedAt:        at.UTC(),
	}, nil
}

type decisionLeaf struct {
	DecisionID   string `json:"decisionId"`
	RequestID    string `json:"requestId"`
	IntentID     string `json:"intentId"`
	UserIDHash   string `json:"userIdHash"`
	Action       string `json:"action"`
	AmountCents  int64  `json:"amountCents"`
	Outcome      string `json:"outcome"`
	DenialReason string `json:"denialReason"`
	CreatedAt    int64  `json:"createdAt"`
}

// DecisionHash is the Merkle leaf for rec: SHA-256 of the canonical stored fields.
func DecisionHash(rec Record) (string, error) {
	return models.BindingHash(decisionLeaf{
		DecisionID:   rec.DecisionID,
		RequestID:    rec.RequestID,
		IntentID:     rec.IntentID,
		UserIDHash:   rec.UserIDHash,
		Action:       string(rec.Action),
		AmountCents:  rec.AmountCents,
		Outcome:      rec.Outcome,
		DenialReason: string(rec.DenialReason),
		CreatedAt:    rec.CreatedAt.UnixMilli(),
	})
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w == nil || w.DB == nil {
		return errors.New("audit db not configured")
	}
	rec.UserIDHash = hashString(rec.UserID, w.HashSalt)
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	hash, err := DecisionHash(rec)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO soul_decisions
		(decision_id, request_id, intent_id, user_id_hash, action, amount_cents, outcome, denial_reason, escalation_reason, request_raw, result_raw, decision_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.DecisionID, rec.RequestID, rec.IntentID, rec.UserIDHash, string(rec.Action), rec.AmountCents, rec.Outcome,
		string(rec.DenialReason), rec.EscalationReason, rec.RequestRaw, rec.ResultRaw, hash, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var (
		rec      Record
		action   string
		reason   string
		anchorID *string
	)
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, request_id, intent_id, user_id_hash, action, amount_cents, outcome, denial_reason, escalation_reason, request_raw, result_raw, decision_hash, anchor_id, created_at
		FROM soul_decisions WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.RequestID, &rec.IntentID, &rec.UserIDHash, &action, &rec.AmountCents, &rec.Outcome,
		&reason, &rec.EscalationReason, &rec.RequestRaw, &rec.ResultRaw, &rec.DecisionHash, &anchorID, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Action = models.Action(action)
	rec.DenialReason = models.DenialReason(reason)
	if anchorID != nil {
		rec.AnchorID = *anchorID
	}
	return rec, nil
}
