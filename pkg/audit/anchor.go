package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type anchorDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Anchor is one committed batch of decision hashes.
type Anchor struct {
	AnchorID      string    `json:"anchorId"`
	MerkleRoot    string    `json:"merkleRoot"`
	LeafCount     int       `json:"leafCount"`
	FirstDecision string    `json:"firstDecision"`
	LastDecision  string    `json:"lastDecision"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Anchorer batches unanchored decisions into audit_anchors rows. The root can
// be published elsewhere; any later edit to a decision row changes it.
type Anchorer struct {
	DB        anchorDB
	BatchSize int
	Logger    zerolog.Logger
	Now       func() time.Time
	NewID     func() string
}

const defaultAnchorBatch = 256

// AnchorOnce anchors up to BatchSize decisions. It returns nil when there is
// nothing to anchor.
func (a *Anchorer) AnchorOnce(ctx context.Context) (*Anchor, error) {
	if a.DB == nil {
		return nil, errors.New("audit db not configured")
	}
	batch := a.BatchSize
	if batch <= 0 {
		batch = defaultAnchorBatch
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	newID := uuid.NewString
	if a.NewID != nil {
		newID = a.NewID
	}

	tx, err := a.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT decision_id, decision_hash FROM soul_decisions
		WHERE anchor_id IS NULL
		ORDER BY created_at, decision_id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, batch)
	if err != nil {
		return nil, fmt.Errorf("select unanchored: %w", err)
	}
	var ids, leaves []string
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		leaves = append(leaves, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	root, err := MerkleRoot(leaves)
	if err != nil {
		return nil, err
	}
	anchor := &Anchor{
		AnchorID:      newID(),
		MerkleRoot:    root,
		LeafCount:     len(ids),
		FirstDecision: ids[0],
		LastDecision:  ids[len(ids)-1],
		CreatedAt:     now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_anchors (anchor_id, merkle_root, leaf_count, first_decision, last_decision, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, anchor.AnchorID, anchor.MerkleRoot, anchor.LeafCount, anchor.FirstDecision, anchor.LastDecision, anchor.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert anchor: %w", err)
	}
	var tag pgconn.CommandTag
	if tag, err = tx.Exec(ctx, `UPDATE soul_decisions SET anchor_id=$1 WHERE decision_id = ANY($2)`, anchor.AnchorID, ids); err != nil {
		return nil, fmt.Errorf("mark anchored: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return nil, fmt.Errorf("mark anchored: updated %d of %d rows", tag.RowsAffected(), len(ids))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return anchor, nil
}

// Run anchors on every tick until ctx is done.
func (a *Anchorer) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			anchor, err := a.AnchorOnce(ctx)
			if err != nil {
				a.Logger.Error().Err(err).Msg("audit anchor failed")
				continue
			}
			if anchor != nil {
				a.Logger.Info().
					Str("anchor_id", anchor.AnchorID).
					Str("merkle_root", anchor.MerkleRoot).
					Int("leaves", anchor.LeafCount).
					Msg("audit batch anchored")
			}
		}
	}
}

// MerkleRoot folds hex SHA-256 leaves pairwise with SHA-256(left||right). An
// odd node at any level is paired with itself.
func MerkleRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", errors.New("merkle root of empty batch")
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		b, err := hex.DecodeString(l)
		if err != nil || len(b) != sha256.Size {
			return "", fmt.Errorf("leaf %d is not a sha256 hex digest", i)
		}
		level[i] = b
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := sha256.New()
			_, _ = h.Write(level[i])
			_, _ = h.Write(right)
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}
