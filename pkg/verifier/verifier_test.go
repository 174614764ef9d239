package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/attest"
	"github.com/DisCard-Technologies/discard-sub016/pkg/audit"
	"github.com/DisCard-Technologies/discard-sub016/pkg/events"
	"github.com/DisCard-Technologies/discard-sub016/pkg/fraud"
	"github.com/DisCard-Technologies/discard-sub016/pkg/merchant"
	"github.com/DisCard-Technologies/discard-sub016/pkg/metrics"
	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/DisCard-Technologies/discard-sub016/pkg/velocity"

	"github.com/stretchr/testify/require"
)

type fakeMerchants struct {
	val   merchant.Validation
	err   error
	panic bool
	block bool
	calls int
}

func (f *fakeMerchants) Validate(ctx context.Context, merchantID, mccCode string, policies models.UserPolicies) (merchant.Validation, error) {
	f.calls++
	if f.panic {
		panic("registry decoder exploded")
	}
	if f.block {
		<-ctx.Done()
		return merchant.Validation{}, ctx.Err()
	}
	return f.val, f.err
}

type failingLedger struct{ releases int }

func (f *failingLedger) Reserve(ctx context.Context, userID, cardID string, amount int64, limits models.VelocityLimits) (velocity.Result, velocity.Reservation, error) {
	return velocity.Result{}, velocity.Reservation{}, errors.New("redis: connection refused")
}

func (f *failingLedger) Release(ctx context.Context, r velocity.Reservation) error {
	f.releases++
	return nil
}

// lateLedger commits the reservation, then answers only after delay. A caller
// whose context expires in between sees an error for a committed spend.
type lateLedger struct {
	inner *velocity.Checker
	delay time.Duration
}

func (l *lateLedger) Reserve(ctx context.Context, userID, cardID string, amount int64, limits models.VelocityLimits) (velocity.Result, velocity.Reservation, error) {
	res, r, err := l.inner.Reserve(context.Background(), userID, cardID, amount, limits)
	select {
	case <-ctx.Done():
		return velocity.Result{}, velocity.Reservation{}, ctx.Err()
	case <-time.After(l.delay):
	}
	return res, r, err
}

func (l *lateLedger) Release(ctx context.Context, r velocity.Reservation) error {
	return l.inner.Release(ctx, r)
}

type failingAttestor struct{ attest.Provider }

func (failingAttestor) Quote(ctx context.Context, nonce string) (attest.Quote, error) {
	return attest.Quote{}, errors.New("enclave offline")
}

type memRecorder struct {
	mu   sync.Mutex
	recs []audit.Record
	err  error
}

func (m *memRecorder) Append(ctx context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, evt events.Event) error {
	return errors.New("broker down")
}

type harness struct {
	merchants *fakeMerchants
	checker   *velocity.Checker
	attestor  *attest.LocalProvider
	recorder  *memRecorder
	hub       *events.Hub
	metrics   *metrics.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p, err := attest.GenerateLocalProvider("test-key")
	require.NoError(t, err)
	return &harness{
		merchants: &fakeMerchants{val: merchant.Validation{IsValid: true, RiskTier: models.RiskTierLow}},
		checker:   velocity.NewChecker(velocity.NewMemoryLedger()),
		attestor:  p,
		recorder:  &memRecorder{},
		hub:       events.NewHub(),
		metrics:   metrics.NewRegistry(),
	}
}

func (h *harness) verifier(cfg Config, opts ...Option) *Verifier {
	base := []Option{WithRecorder(h.recorder), WithPublisher(h.hub), WithMetrics(h.metrics)}
	return New(cfg, h.merchants, h.checker, h.attestor, append(base, opts...)...)
}

func request(id string, amount int64) models.VerificationRequest {
	return models.VerificationRequest{
		RequestID:   id,
		IntentID:    "intent-" + id,
		Action:      models.ActionTransfer,
		AmountCents: amount,
		Currency:    "USD",
		SourceType:  "wallet",
		SourceID:    "wallet-1",
		TargetType:  "address",
		TargetID:    "addr-9",
		Timestamp:   1_760_000_000_000,
		Metadata:    models.RequestMetadata{BiometricVerified: true, TwoFactorVerified: true},
	}
}

func cardPayment(id string, amount int64) models.VerificationRequest {
	req := request(id, amount)
	req.Action = models.ActionFundCard
	req.Merchant = &models.MerchantRef{MerchantID: "m-coffee", MCCCode: "5814"}
	return req
}

func context1(limits models.VelocityLimits) models.VerificationContext {
	return models.VerificationContext{UserID: "user-1", CardID: "card-1", Policies: models.UserPolicies{VelocityLimits: limits}}
}

func stageOutcomes(res models.VerificationResult) map[string]string {
	out := map[string]string{}
	for _, s := range res.Stages {
		out[s.Stage] = s.Outcome
	}
	return out
}

func TestVerifyApprovesAndSigns(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(4)
	defer h.hub.Unsubscribe(sub)
	v := h.verifier(Config{})

	req := cardPayment("r1", 2500)
	res := v.Verify(context.Background(), req, context1(models.StandardLimits()))

	require.True(t, res.Approved, "denied: %s %s", res.DenialReason, res.DenialDetail)
	require.Empty(t, res.DenialReason)
	require.False(t, res.RequiresEscalation)
	require.NotEmpty(t, res.AttestationQuote)
	require.NotNil(t, res.SignedIntent)
	require.NoError(t, attest.VerifySignedIntent(h.attestor.PublicKey(), *res.SignedIntent))
	require.Contains(t, res.SignedIntent.Payload, `"requestId":"r1"`)
	require.Len(t, res.Stages, 6)
	require.Equal(t, "skipped", stageOutcomes(res)["fraud"])
	require.Equal(t, "pass", stageOutcomes(res)["attestation"])

	spent, err := h.checker.Spending(context.Background(), "user-1", "card-1")
	require.NoError(t, err)
	require.Equal(t, int64(2500), spent.DailySpentCents)

	require.Len(t, h.recorder.recs, 1)
	require.Equal(t, "approved", h.recorder.recs[0].Outcome)
	select {
	case evt := <-sub:
		require.Equal(t, events.TypeDecision, evt.Type)
		require.NotContains(t, string(evt.Data), "user-1")
	case <-time.After(time.Second):
		t.Fatal("expected decision event")
	}
	require.Equal(t, int64(1), h.metrics.Summary().Approved)
}

func TestVerifyMerchantStage(t *testing.T) {
	t.Run("denial_reason_propagates", func(t *testing.T) {
		h := newHarness(t)
		h.merchants.val = merchant.Validation{Blocked: true, RiskTier: models.RiskTierBlocked, Reason: models.DenialMerchantBlocked, Detail: "merchant risk tier is blocked"}
		res := h.verifier(Config{}).Verify(context.Background(), cardPayment("r1", 1000), context1(models.StandardLimits()))
		require.False(t, res.Approved)
		require.Equal(t, models.DenialMerchantBlocked, res.DenialReason)
		require.Equal(t, "merchant risk tier is blocked", res.DenialDetail)
		require.Len(t, res.Stages, 1)
		spent, _ := h.checker.Spending(context.Background(), "user-1", "card-1")
		require.Zero(t, spent.DailySpentCents)
	})

	t.Run("error_fails_closed_by_default", func(t *testing.T) {
		h := newHarness(t)
		h.merchants.err = errors.New("rpc timeout")
		res := h.verifier(Config{}).Verify(context.Background(), cardPayment("r1", 1000), context1(models.StandardLimits()))
		require.Equal(t, models.DenialInternalError, res.DenialReason)
	})

	t.Run("error_fails_open_when_configured", func(t *testing.T) {
		h := newHarness(t)
		h.merchants.err = errors.New("rpc timeout")
		res := h.verifier(Config{Merchant: FailPolicy{OnError: FailOpen}}).Verify(context.Background(), cardPayment("r1", 1000), context1(models.StandardLimits()))
		require.True(t, res.Approved)
		require.Equal(t, "fail_open", stageOutcomes(res)["merchant"])
	})

	t.Run("no_merchant_skips", func(t *testing.T) {
		h := newHarness(t)
		res := h.verifier(Config{}).Verify(context.Background(), request("r1", 1000), context1(models.StandardLimits()))
		require.True(t, res.Approved)
		require.Equal(t, "skipped", stageOutcomes(res)["merchant"])
		require.Zero(t, h.merchants.calls)
	})
}

func TestVerifyVelocityStage(t *testing.T) {
	t.Run("per_transaction", func(t *testing.T) {
		h := newHarness(t)
		limits := models.VelocityLimits{PerTransaction: 1000, Daily: 100000}
		res := h.verifier(Config{}).Verify(context.Background(), request("r1", 1001), context1(limits))
		require.Equal(t, models.DenialVelocityPerTx, res.DenialReason)
		require.NotEmpty(t, res.DenialDetail)
	})

	t.Run("inclusive_daily_limit", func(t *testing.T) {
		h := newHarness(t)
		v := h.verifier(Config{})
		limits := models.VelocityLimits{Daily: 5000}
		require.True(t, v.Verify(context.Background(), request("r1", 3000), context1(limits)).Approved)
		require.True(t, v.Verify(context.Background(), request("r2", 2000), context1(limits)).Approved)
		res := v.Verify(context.Background(), request("r3", 1), context1(limits))
		require.Equal(t, models.DenialVelocityDaily, res.DenialReason)
	})

	t.Run("non_amount_bearing_skips", func(t *testing.T) {
		h := newHarness(t)
		req := request("r1", 0)
		req.Action = models.ActionFreezeCard
		res := h.verifier(Config{}).Verify(context.Background(), req, context1(models.VelocityLimits{Daily: 1}))
		require.True(t, res.Approved)
		require.Equal(t, "skipped", stageOutcomes(res)["velocity"])
	})

	t.Run("ledger_error_closed_and_open", func(t *testing.T) {
		h := newHarness(t)
		ledger := &failingLedger{}
		closed := New(Config{}, h.merchants, ledger, h.attestor)
		res := closed.Verify(context.Background(), request("r1", 100), context1(models.StandardLimits()))
		require.Equal(t, models.DenialInternalError, res.DenialReason)
		require.Zero(t, ledger.releases, "nothing was reserved")

		open := New(Config{Velocity: FailPolicy{OnError: FailOpen}}, h.merchants, ledger, h.attestor)
		res = open.Verify(context.Background(), request("r2", 100), context1(models.StandardLimits()))
		require.True(t, res.Approved)
		require.Equal(t, "fail_open", stageOutcomes(res)["velocity"])
	})
}

func TestVerifyReleasesReservationWhenNotApproved(t *testing.T) {
	maxAmount := int64(500)
	cases := []struct {
		name   string
		mutate func(*models.VerificationRequest, *models.VerificationContext)
		opts   []Option
		reason models.DenialReason
	}{
		{
			name: "compliance_max_amount",
			mutate: func(r *models.VerificationRequest, c *models.VerificationContext) {
				c.Policies.MaxTransactionAmount = &maxAmount
			},
			reason: models.DenialPolicyViolation,
		},
		{
			name: "compliance_mcc_blocklist",
			mutate: func(r *models.VerificationRequest, c *models.VerificationContext) {
				c.Policies.MCCBlocklist = []string{"5814"}
			},
			reason: models.DenialMCCBlocked,
		},
		{
			name: "compliance_merchant_locking",
			mutate: func(r *models.VerificationRequest, c *models.VerificationContext) {
				c.Policies.MerchantLocking = true
				c.Policies.MerchantAllowlist = []string{"m-grocer"}
			},
			reason: models.DenialMerchantBlocked,
		},
		{
			name: "fraud_flagged",
			mutate: func(r *models.VerificationRequest, c *models.VerificationContext) {
				c.Policies.RequireFraudClearance = true
			},
			opts:   []Option{WithFraudChecker(fraud.StaticChecker{Verdict: fraud.Verdict{Cleared: false, Score: 0.97, Reason: "device velocity anomaly"}})},
			reason: models.DenialFraudFlagged,
		},
		{
			name: "fraud_unavailable",
			mutate: func(r *models.VerificationRequest, c *models.VerificationContext) {
				c.Policies.RequireFraudClearance = true
			},
			opts:   []Option{WithFraudChecker(fraud.StaticChecker{Err: errors.New("503")})},
			reason: models.DenialInternalError,
		},
		{
			name: "escalation",
			mutate: func(r *models.VerificationRequest, c *models.VerificationContext) {
				c.Policies.RequireBiometric = true
				r.Metadata.BiometricVerified = false
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := cardPayment("r1", 1000)
			vctx := context1(models.StandardLimits())
			tc.mutate(&req, &vctx)
			res := h.verifier(Config{}, tc.opts...).Verify(context.Background(), req, vctx)
			require.False(t, res.Approved)
			require.Equal(t, tc.reason, res.DenialReason)
			require.Nil(t, res.SignedIntent)
			spent, err := h.checker.Spending(context.Background(), "user-1", "card-1")
			require.NoError(t, err)
			require.Zero(t, spent.DailySpentCents, "reservation must be released")
		})
	}
}

func TestVerifyEscalatesWithoutDenying(t *testing.T) {
	h := newHarness(t)
	threshold := int64(5000)
	vctx := context1(models.StandardLimits())
	vctx.Policies.RequireBiometric = true
	vctx.Policies.Require2FA = true
	vctx.Policies.Require2FAAboveCents = &threshold

	req := request("r1", 6000)
	req.Metadata = models.RequestMetadata{}
	res := h.verifier(Config{}).Verify(context.Background(), req, vctx)
	require.False(t, res.Approved)
	require.True(t, res.RequiresEscalation)
	require.Empty(t, res.DenialReason)
	require.Equal(t, "biometric verification required; two-factor verification required", res.EscalationReason)
	require.Equal(t, "escalated", res.Outcome())

	req = request("r2", 4000)
	req.Metadata = models.RequestMetadata{BiometricVerified: true}
	res = h.verifier(Config{}).Verify(context.Background(), req, vctx)
	require.True(t, res.Approved, "2FA is only required above the threshold")
	require.Equal(t, int64(1), h.metrics.Summary().Escalated)
}

func TestVerifyAttestationFailure(t *testing.T) {
	h := newHarness(t)
	v := New(Config{}, h.merchants, h.checker, failingAttestor{h.attestor})
	res := v.Verify(context.Background(), request("r1", 1000), context1(models.StandardLimits()))
	require.Equal(t, models.DenialAttestationFailed, res.DenialReason)
	spent, _ := h.checker.Spending(context.Background(), "user-1", "card-1")
	require.Zero(t, spent.DailySpentCents)

	res = New(Config{}, h.merchants, h.checker, nil).Verify(context.Background(), request("r2", 1000), context1(models.StandardLimits()))
	require.Equal(t, models.DenialAttestationFailed, res.DenialReason)
}

func TestVerifyPanicBecomesInternalError(t *testing.T) {
	h := newHarness(t)
	h.merchants.panic = true
	res := h.verifier(Config{Merchant: FailPolicy{OnError: FailOpen}}).Verify(context.Background(), cardPayment("r1", 1000), context1(models.StandardLimits()))
	require.False(t, res.Approved)
	require.Equal(t, models.DenialInternalError, res.DenialReason)
	require.Equal(t, "internal error in merchant stage", res.DenialDetail)
}

func TestVerifyTimeoutIsStageError(t *testing.T) {
	h := newHarness(t)
	h.merchants.block = true
	start := time.Now()
	res := h.verifier(Config{Timeout: 30 * time.Millisecond}).Verify(context.Background(), cardPayment("r1", 1000), context1(models.StandardLimits()))
	require.Equal(t, models.DenialInternalError, res.DenialReason)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSlowReservationIsReleasedWhenRequestTimesOut(t *testing.T) {
	h := newHarness(t)
	ledger := &lateLedger{inner: h.checker, delay: 60 * time.Millisecond}
	v := New(Config{Timeout: 20 * time.Millisecond}, h.merchants, ledger, h.attestor)

	res := v.Verify(context.Background(), request("r1", 1500), context1(models.StandardLimits()))
	spent, err := h.checker.Spending(context.Background(), "user-1", "card-1")
	require.NoError(t, err)
	if res.Approved {
		require.Equal(t, int64(1500), spent.DailySpentCents)
		return
	}
	require.Zero(t, spent.DailySpentCents, "denied request %s left spend booked", res.DenialReason)
}

func TestVerifyRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	v := h.verifier(Config{})

	req := request("r1", 1000)
	req.Action = "launder"
	res := v.Verify(context.Background(), req, context1(models.StandardLimits()))
	require.Equal(t, models.DenialPolicyViolation, res.DenialReason)
	require.Empty(t, res.Stages)

	res = v.Verify(context.Background(), request("r2", 1000), models.VerificationContext{})
	require.Equal(t, models.DenialPolicyViolation, res.DenialReason)
	require.Contains(t, res.DenialDetail, "userId")
}

func TestVerifySideEffectFailuresDoNotChangeDecision(t *testing.T) {
	h := newHarness(t)
	h.recorder.err = errors.New("pg down")
	v := New(Config{}, h.merchants, h.checker, h.attestor, WithRecorder(h.recorder), WithPublisher(failingPublisher{}))
	res := v.Verify(context.Background(), request("r1", 1000), context1(models.StandardLimits()))
	require.True(t, res.Approved)
	require.Len(t, h.recorder.recs, 1)
}

func TestConcurrentTransfersCannotDoubleSpend(t *testing.T) {
	h := newHarness(t)
	v := h.verifier(Config{})
	limits := models.VelocityLimits{Daily: 5000}

	var (
		wg      sync.WaitGroup
		results = make([]models.VerificationResult, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = v.Verify(context.Background(), request(fmt.Sprintf("r%d", i), 4000), context1(limits))
		}(i)
	}
	wg.Wait()

	approved, denied := 0, 0
	for _, res := range results {
		if res.Approved {
			approved++
			continue
		}
		require.Equal(t, models.DenialVelocityDaily, res.DenialReason)
		denied++
	}
	require.Equal(t, 1, approved)
	require.Equal(t, 1, denied)
	spent, _ := h.checker.Spending(context.Background(), "user-1", "card-1")
	require.Equal(t, int64(4000), spent.DailySpentCents)
}

func TestParseFailModeAndConfig(t *testing.T) {
	for raw, want := range map[string]FailMode{"": FailClosed, "closed": FailClosed, " OPEN ": FailOpen, "fail_open": FailOpen} {
		got, err := ParseFailMode(raw)
		require.NoError(t, err)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseFailMode("opne")
	require.Error(t, err)

	cfg := Config{Velocity: FailPolicy{OnError: FailOpen}}
	require.Equal(t, []string{"velocity"}, cfg.FailOpenChecks())
	require.Equal(t, DefaultTimeout, cfg.withDefaults().Timeout)
	require.Equal(t, "closed", FailClosed.String())
	require.Equal(t, "open", FailOpen.String())
}
