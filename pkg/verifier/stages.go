package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DisCard-Technologies/discard-sub016/pkg/attest"
	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

func (v *Verifier) merchantStage(ctx context.Context, p *pipeline) (verdict, error) {
	m := p.req.Merchant
	if m == nil {
		return verdict{skipped: true}, nil
	}
	if v.merchants == nil {
		return verdict{}, errors.New("merchant validator not configured")
	}
	val, err := v.merchants.Validate(ctx, m.MerchantID, m.MCCCode, p.vctx.Policies)
	if err != nil {
		if v.cfg.Merchant.Open() {
			return verdict{failOpen: true}, nil
		}
		return verdict{deny: models.DenialInternalError, detail: "merchant validation unavailable"}, nil
	}
	if !val.IsValid {
		reason := val.Reason
		if reason == "" {
			reason = models.DenialMerchantBlocked
		}
		return verdict{deny: reason, detail: detailOr(val.Detail, reason)}, nil
	}
	return verdict{}, nil
}

func (v *Verifier) velocityStage(ctx context.Context, p *pipeline) (verdict, error) {
	if !p.req.Action.AmountBearing() || p.req.AmountCents <= 0 {
		return verdict{skipped: true}, nil
	}
	if v.ledger == nil {
		return verdict{}, errors.New("velocity ledger not configured")
	}
	// The reservation is not tied to the request deadline: once the store has
	// committed the spend the reservation must come back so a later denial
	// releases it.
	ledgerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.LedgerTimeout)
	defer cancel()
	res, reservation, err := v.ledger.Reserve(ledgerCtx, p.vctx.UserID, p.vctx.CardID, p.req.AmountCents, p.vctx.Policies.VelocityLimits)
	if err != nil {
		if v.cfg.Velocity.Open() {
			return verdict{failOpen: true}, nil
		}
		return verdict{deny: models.DenialInternalError, detail: "velocity ledger unavailable"}, nil
	}
	if !res.WithinLimits {
		return verdict{deny: res.DenialReason, detail: detailOr(res.Details, res.DenialReason)}, nil
	}
	p.reservation = reservation
	return verdict{}, nil
}

// complianceStage repeats the cheap policy checks without any I/O.
func complianceStage(_ context.Context, p *pipeline) (verdict, error) {
	pol := p.vctx.Policies
	if pol.MaxTransactionAmount != nil && p.req.AmountCents > *pol.MaxTransactionAmount {
		return verdict{deny: models.DenialPolicyViolation,
			detail: fmt.Sprintf("amount %d exceeds max transaction amount %d", p.req.AmountCents, *pol.MaxTransactionAmount)}, nil
	}
	m := p.req.Merchant
	if m == nil {
		return verdict{}, nil
	}
	if contains(pol.MerchantBlocklist, m.MerchantID) {
		return verdict{deny: models.DenialMerchantBlocked, detail: "merchant is on the user blocklist"}, nil
	}
	if pol.MerchantLocking && !contains(pol.MerchantAllowlist, m.MerchantID) {
		return verdict{deny: models.DenialMerchantBlocked, detail: "merchant locking is on and merchant is not allow-listed"}, nil
	}
	if contains(pol.MCCBlocklist, m.MCCCode) {
		return verdict{deny: models.DenialMCCBlocked, detail: fmt.Sprintf("mcc %s is on the user blocklist", m.MCCCode)}, nil
	}
	if len(pol.MCCAllowlist) > 0 && !contains(pol.MCCAllowlist, m.MCCCode) {
		return verdict{deny: models.DenialMCCBlocked, detail: fmt.Sprintf("mcc %s is not on the user allowlist", m.MCCCode)}, nil
	}
	return verdict{}, nil
}

func (v *Verifier) fraudStage(ctx context.Context, p *pipeline) (verdict, error) {
	if !p.vctx.Policies.RequireFraudClearance {
		return verdict{skipped: true}, nil
	}
	if v.fraud == nil {
		return verdict{deny: models.DenialInternalError, detail: "fraud clearance required but no checker is configured"}, nil
	}
	out, err := v.fraud.Clear(ctx, p.req, p.vctx)
	if err != nil {
		return verdict{deny: models.DenialInternalError, detail: "fraud clearance unavailable"}, nil
	}
	if !out.Cleared {
		return verdict{deny: models.DenialFraudFlagged, detail: detailOr(out.Reason, models.DenialFraudFlagged)}, nil
	}
	return verdict{}, nil
}

// authenticationStage escalates rather than denies when a proof is missing.
func authenticationStage(_ context.Context, p *pipeline) (verdict, error) {
	var missing []string
	if p.vctx.Policies.RequireBiometric && !p.req.Metadata.BiometricVerified {
		missing = append(missing, "biometric verification required")
	}
	if p.vctx.Policies.Requires2FA(p.req.AmountCents) && !p.req.Metadata.TwoFactorVerified {
		missing = append(missing, "two-factor verification required")
	}
	if len(missing) > 0 {
		return verdict{escalate: strings.Join(missing, "; ")}, nil
	}
	return verdict{}, nil
}

func (v *Verifier) attestationStage(ctx context.Context, p *pipeline) (verdict, error) {
	fail := func(detail string) (verdict, error) {
		return verdict{deny: models.DenialAttestationFailed, detail: detail}, nil
	}
	if v.attestor == nil {
		return fail("no attestation provider configured")
	}
	nonce, err := attest.BindingNonce(p.req, p.vctx.UserID)
	if err != nil {
		return verdict{}, fmt.Errorf("binding nonce: %w", err)
	}
	q, err := v.attestor.Quote(ctx, nonce)
	if err != nil {
		return fail("attestation quote unavailable")
	}
	if q.Nonce != nonce {
		return fail("attestation quote is bound to a different nonce")
	}
	now := v.now()
	if err := attest.VerifyQuote(q, now); err != nil {
		return fail("attestation quote did not verify")
	}
	signed, err := attest.SignIntent(ctx, v.attestor, p.req, p.vctx.UserID, q, now)
	if err != nil {
		return fail("intent signing failed")
	}
	p.quote = q
	p.signed = signed
	return verdict{}, nil
}

func detailOr(detail string, reason models.DenialReason) string {
	if strings.TrimSpace(detail) != "" {
		return detail
	}
	return reason.Description()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
