// Package statebus consumes merchant registry change notifications and keeps
// the merchant record cache in step with them.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/rs/zerolog"
)

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// MerchantUpdate is one registry change. A nil Record means the publisher did
// not describe the new state; the cached entry is left to expire on its TTL.
type MerchantUpdate struct {
	MerchantID string                 `json:"merchantId"`
	Record     *models.MerchantRecord `json:"record,omitempty"`
}

var ErrEmptyMerchantID = errors.New("merchant update without merchantId")

func DecodeUpdate(raw []byte) (MerchantUpdate, error) {
	var u MerchantUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("decode merchant update: %w", err)
	}
	u.MerchantID = strings.TrimSpace(u.MerchantID)
	if u.MerchantID == "" {
		return u, ErrEmptyMerchantID
	}
	return u, nil
}

// RecordStore is the subset of merchant.RecordCache the applier writes to.
// Entries are only ever overwritten, never deleted.
type RecordStore interface {
	Put(ctx context.Context, merchantID string, rec *models.MerchantRecord) error
}

type Applier struct {
	Consumer Consumer
	Records  RecordStore
	Logger   zerolog.Logger
	// Backoff is the pause after a read error.
	Backoff time.Duration
	// OnApply is called after each successful update; nil is fine.
	OnApply func(MerchantUpdate)
}

// Apply overwrites the cached record. An update without a record is a no-op.
func (a *Applier) Apply(ctx context.Context, u MerchantUpdate) error {
	if u.Record == nil {
		return nil
	}
	return a.Records.Put(ctx, u.MerchantID, u.Record)
}

// Run reads until ctx is cancelled. Undecodable messages are logged and
// skipped so one bad publisher cannot stall the stream.
func (a *Applier) Run(ctx context.Context) {
	backoff := a.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for {
		msg, err := a.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.Logger.Warn().Err(err).Msg("merchant update read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		u, err := DecodeUpdate(msg.Value)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("merchant update skipped")
			continue
		}
		if err := a.Apply(ctx, u); err != nil {
			a.Logger.Error().Err(err).Str("merchant_id", u.MerchantID).Msg("merchant update not applied")
			continue
		}
		if u.Record == nil {
			a.Logger.Debug().Str("merchant_id", u.MerchantID).Msg("merchant update without record; cached entry left to expire")
		} else {
			a.Logger.Debug().Str("merchant_id", u.MerchantID).Msg("merchant cache updated")
		}
		if a.OnApply != nil {
			a.OnApply(u)
		}
	}
}
