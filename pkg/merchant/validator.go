package merchant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Validation is the outcome of a merchant check.
type Validation struct {
	IsValid          bool                   `json:"isValid"`
	Blocked          bool                   `json:"blocked"`
	RiskTier         models.RiskTier        `json:"riskTier"`
	Reason           models.DenialReason    `json:"denialReason,omitempty"`
	Detail           string                 `json:"detail,omitempty"`
	Record           *models.MerchantRecord `json:"record,omitempty"`
	ValidationTimeMs int64                  `json:"validationTimeMs"`
}

type Validator struct {
	registry Registry
	cache    *RecordCache
	now      func() time.Time
	logger   zerolog.Logger
	fetches  singleflight.Group
}

type Option func(*Validator)

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(v *Validator) { v.logger = l.With().Str("component", "merchant").Logger() }
}

func NewValidator(registry Registry, cache *RecordCache, opts ...Option) *Validator {
	if cache == nil {
		cache = NewRecordCache(nil, DefaultCacheTTL)
	}
	v := &Validator{registry: registry, cache: cache, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate decides whether a merchant may be paid. Policy lists and the
// global MCC denylist are checked before any lookup; the registry is only
// consulted on a cache miss. A registry failure returns a tier 3 invalid
// result together with the error and is never cached.
func (v *Validator) Validate(ctx context.Context, merchantID, mccCode string, policies models.UserPolicies) (Validation, error) {
	start := v.now()
	out, err := v.validate(ctx, merchantID, mccCode, policies)
	out.ValidationTimeMs = v.now().Sub(start).Milliseconds()
	return out, err
}

func (v *Validator) validate(ctx context.Context, merchantID, mccCode string, policies models.UserPolicies) (Validation, error) {
	if contains(policies.MerchantBlocklist, merchantID) {
		return deny(models.DenialMerchantBlocked, models.RiskTierBlocked, true, "merchant is on the user blocklist"), nil
	}
	if policies.MerchantLocking && !contains(policies.MerchantAllowlist, merchantID) {
		return deny(models.DenialMerchantBlocked, models.RiskTierBlocked, true, "merchant locking is on and merchant is not allow-listed"), nil
	}
	if IsBlockedMCC(mccCode) {
		return deny(models.DenialMCCBlocked, models.RiskTierBlocked, true, fmt.Sprintf("mcc %s is globally blocked", mccCode)), nil
	}

	rec, hit, err := v.cache.Get(ctx, merchantID)
	if err != nil {
		v.logger.Warn().Err(err).Msg("merchant cache read failed; falling back to registry")
	}
	if !hit {
		if v.registry == nil {
			return Validation{RiskTier: models.RiskTierHigh, Reason: models.DenialInternalError, Detail: "no merchant registry configured"},
				errors.New("merchant registry not configured")
		}
		rec, err = v.lookup(ctx, merchantID)
		if err != nil {
			return Validation{RiskTier: models.RiskTierHigh, Reason: models.DenialInternalError, Detail: "merchant registry unavailable"}, err
		}
	}
	return evaluateRecord(rec, mccCode, policies), nil
}

// lookup fetches from the registry and fills the cache. Concurrent misses for
// the same merchant share one fetch.
func (v *Validator) lookup(ctx context.Context, merchantID string) (*models.MerchantRecord, error) {
	res, err, _ := v.fetches.Do(merchantID, func() (interface{}, error) {
		rec, err := v.registry.FetchMerchant(ctx, merchantID)
		switch {
		case errors.Is(err, ErrNotRegistered):
			rec = nil
		case err != nil:
			return nil, fmt.Errorf("fetch merchant %s: %w", merchantID, err)
		}
		if err := v.cache.Put(ctx, merchantID, rec); err != nil {
			v.logger.Warn().Err(err).Msg("merchant cache write failed")
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.MerchantRecord), nil
}

func evaluateRecord(rec *models.MerchantRecord, mccCode string, policies models.UserPolicies) Validation {
	if rec == nil {
		if IsHighRiskMCC(mccCode) {
			return deny(models.DenialMerchantNotRegistered, models.RiskTierHigh, false,
				fmt.Sprintf("unregistered merchant in high-risk mcc %s", mccCode))
		}
		return Validation{IsValid: true, RiskTier: models.RiskTierMedium, Detail: "merchant not registered; proceeding at medium risk"}
	}
	if !rec.Transactable() {
		detail := "merchant risk tier is blocked"
		if !rec.IsActive {
			detail = "merchant is inactive"
		}
		return Validation{Blocked: true, RiskTier: rec.RiskTier, Reason: models.DenialMerchantBlocked, Detail: detail, Record: rec}
	}
	if IsBlockedMCC(rec.MCCCode) {
		return Validation{Blocked: true, RiskTier: models.RiskTierBlocked, Reason: models.DenialMCCBlocked, Detail: fmt.Sprintf("registered mcc %s is globally blocked", rec.MCCCode), Record: rec}
	}
	if limit := policies.MaxMerchantRiskTier; limit != nil && rec.RiskTier > *limit {
		return Validation{RiskTier: rec.RiskTier, Reason: models.DenialMerchantRiskTooHigh,
			Detail: fmt.Sprintf("merchant risk tier %d above allowed %d", rec.RiskTier, *limit), Record: rec}
	}
	return Validation{IsValid: true, RiskTier: rec.RiskTier, Record: rec}
}

func deny(reason models.DenialReason, tier models.RiskTier, blocked bool, detail string) Validation {
	return Validation{Blocked: blocked, RiskTier: tier, Reason: reason, Detail: detail}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
