package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/attest"
	"github.com/DisCard-Technologies/discard-sub016/pkg/auth"
	"github.com/DisCard-Technologies/discard-sub016/pkg/events"
	"github.com/DisCard-Technologies/discard-sub016/pkg/merchant"
	"github.com/DisCard-Technologies/discard-sub016/pkg/metrics"
	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/DisCard-Technologies/discard-sub016/pkg/policy"
	"github.com/DisCard-Technologies/discard-sub016/pkg/ratelimit"
	"github.com/DisCard-Technologies/discard-sub016/pkg/velocity"
	"github.com/DisCard-Technologies/discard-sub016/pkg/verifier"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

type testServer struct {
	*Server
	provider *attest.LocalProvider
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	provider, err := attest.GenerateLocalProvider("test-key")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	registry := merchant.NewMemoryRegistry(
		models.MerchantRecord{MerchantID: "m-coffee", Name: "Bean Bar", MCCCode: "5814", RiskTier: models.RiskTierLow, IsActive: true, CountryCode: "US"},
		models.MerchantRecord{MerchantID: "m-banned", Name: "Banned", MCCCode: "5999", RiskTier: models.RiskTierBlocked, IsActive: true, CountryCode: "US"},
	)
	merchants := merchant.NewValidator(registry, nil)
	checker := velocity.NewChecker(velocity.NewMemoryLedger())
	reg := metrics.NewRegistry()
	hub := events.NewHub()
	s := &Server{
		Verifier:  verifier.New(verifier.Config{}, merchants, checker, provider, verifier.WithPublisher(hub), verifier.WithMetrics(reg)),
		Merchants: merchants,
		Velocity:  checker,
		Attestor:  provider,
		Plans:     policy.NewEngine(),
		Events:    hub,
		Metrics:   reg,
		Logger:    zerolog.Nop(),
		Started:   time.Now().Add(-time.Minute),
	}
	return &testServer{Server: s, provider: provider, handler: s.routes(config{MaxBodyBytes: 1 << 20}, auth.Middleware(auth.ModeOff, ""), nil)}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case string:
		raw = []byte(b)
	default:
		var err error
		if raw, err = json.Marshal(b); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func sampleVerify(amount int64) verifyRequest {
	return verifyRequest{
		Request: models.VerificationRequest{
			RequestID:   "req-1",
			IntentID:    "intent-1",
			Action:      models.ActionFundCard,
			AmountCents: amount,
			Currency:    "USD",
			Merchant:    &models.MerchantRef{MerchantID: "m-coffee", MCCCode: "5814"},
			SourceType:  "wallet",
			SourceID:    "w-1",
			TargetType:  "card",
			TargetID:    "card-1",
			Timestamp:   1_760_000_000_000,
		},
		Context: models.VerificationContext{
			UserID:   "user-1",
			CardID:   "card-1",
			Policies: models.UserPolicies{VelocityLimits: models.StandardLimits()},
		},
	}
}

func TestVerifyIntentHandler(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/intents/verify", sampleVerify(1500))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var res models.VerificationResult
	decode(t, rec, &res)
	if !res.Approved || res.SignedIntent == nil {
		t.Fatalf("expected approval, got %+v", res)
	}
	if err := attest.VerifySignedIntent(ts.provider.PublicKey(), *res.SignedIntent); err != nil {
		t.Fatalf("signed intent does not verify: %v", err)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}

	denied := sampleVerify(1500)
	denied.Request.RequestID = "req-2"
	denied.Request.Merchant = &models.MerchantRef{MerchantID: "m-banned", MCCCode: "5999"}
	rec = ts.do(t, http.MethodPost, "/v1/intents/verify", denied)
	res = models.VerificationResult{}
	decode(t, rec, &res)
	if rec.Code != http.StatusOK || res.Approved || res.DenialReason != models.DenialMerchantBlocked {
		t.Fatalf("expected 200 MERCHANT_BLOCKED, got %d %+v", rec.Code, res)
	}

	for name, body := range map[string]string{
		"invalid_json":  "{",
		"empty":         "",
		"trailing_data": `{"request":{}} {}`,
	} {
		t.Run(name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodPost, "/v1/intents/verify", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestValidateMerchantHandler(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		name   string
		body   validateMerchantRequest
		status int
		valid  bool
		tier   models.RiskTier
		reason models.DenialReason
	}{
		{"registered", validateMerchantRequest{MerchantID: "m-coffee", MCCCode: "5814"}, 200, true, models.RiskTierLow, ""},
		{"blocked_tier", validateMerchantRequest{MerchantID: "m-banned", MCCCode: "5999"}, 200, false, models.RiskTierBlocked, models.DenialMerchantBlocked},
		{"unregistered_low_risk", validateMerchantRequest{MerchantID: "m-new", MCCCode: "5411"}, 200, true, models.RiskTierMedium, ""},
		{"unregistered_high_risk", validateMerchantRequest{MerchantID: "m-new", MCCCode: "6011"}, 200, false, models.RiskTierHigh, models.DenialMerchantNotRegistered},
		{"user_blocklist", validateMerchantRequest{MerchantID: "m-coffee", MCCCode: "5814", Policies: &models.UserPolicies{MerchantBlocklist: []string{"m-coffee"}}}, 200, false, models.RiskTierBlocked, models.DenialMerchantBlocked},
		{"missing_id", validateMerchantRequest{MCCCode: "5814"}, 400, false, 0, ""},
		{"bad_mcc", validateMerchantRequest{MerchantID: "m-coffee", MCCCode: "58A4"}, 400, false, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/merchants/validate", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			if tc.status != 200 {
				return
			}
			var v merchant.Validation
			decode(t, rec, &v)
			if v.IsValid != tc.valid || v.RiskTier != tc.tier || v.Reason != tc.reason {
				t.Fatalf("got %+v", v)
			}
		})
	}
}

type brokenVelocity struct{}

func (brokenVelocity) Check(context.Context, string, string, int64, models.VelocityLimits) (velocity.Result, error) {
	return velocity.Result{}, errors.New("redis down")
}

func (brokenVelocity) Ping(context.Context) error { return errors.New("redis down") }

func TestCheckVelocityHandler(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/velocity/check", checkVelocityRequest{UserID: "u1", CardID: "c1", AmountCents: 60_000, Preset: "conservative"})
	var res velocity.Result
	decode(t, rec, &res)
	if res.WithinLimits || res.DenialReason != models.DenialVelocityPerTx {
		t.Fatalf("expected per-tx denial, got %+v", res)
	}

	limits := models.VelocityLimits{Daily: 5000}
	rec = ts.do(t, http.MethodPost, "/v1/velocity/check", checkVelocityRequest{UserID: "u1", AmountCents: 5000, Limits: &limits})
	decode(t, rec, &res)
	if !res.WithinLimits || res.CurrentState.Daily.LimitCents != 5000 {
		t.Fatalf("inclusive limit should pass, got %+v", res)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/velocity/check", checkVelocityRequest{UserID: "u1", Preset: "platinum"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown preset: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/velocity/check", checkVelocityRequest{AmountCents: 1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/velocity/check", checkVelocityRequest{UserID: "u1", AmountCents: -1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount: %d", rec.Code)
	}

	ts.Velocity = brokenVelocity{}
	if rec := ts.do(t, http.MethodPost, "/v1/velocity/check", checkVelocityRequest{UserID: "u1", AmountCents: 1}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("store failure: %d", rec.Code)
	}
}

type brokenAttestor struct{}

func (brokenAttestor) Quote(context.Context, string) (attest.Quote, error) {
	return attest.Quote{}, errors.New("enclave offline")
}

func (brokenAttestor) Sign(context.Context, []byte) (attest.Signature, error) {
	return attest.Signature{}, errors.New("enclave offline")
}

func (brokenAttestor) Healthy(context.Context) error { return errors.New("enclave offline") }

func TestAttestationHandler(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/attestation", attestationRequest{Nonce: "abc123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var q attest.Quote
	decode(t, rec, &q)
	if q.Nonce != "abc123" || q.PublicKey == "" || q.ExpiresAt <= q.IssuedAt {
		t.Fatalf("unexpected quote %+v", q)
	}
	if err := attest.VerifyQuote(q, time.Now()); err != nil {
		t.Fatalf("quote does not verify: %v", err)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/attestation", attestationRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty nonce: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/attestation", attestationRequest{Nonce: strings.Repeat("n", maxNonceLength+1)}); rec.Code != http.StatusBadRequest {
		t.Fatalf("long nonce: %d", rec.Code)
	}
	ts.Attestor = brokenAttestor{}
	if rec := ts.do(t, http.MethodPost, "/v1/attestation", attestationRequest{Nonce: "abc"}); rec.Code != http.StatusBadGateway {
		t.Fatalf("provider failure: %d", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/intents/verify", sampleVerify(1000))

	var resp healthResponse
	decode(t, ts.do(t, http.MethodGet, "/v1/health", nil), &resp)
	if resp.Status != StatusHealthy || resp.Metrics != nil || resp.UptimeMs < 60_000 {
		t.Fatalf("unexpected health %+v", resp)
	}

	resp = healthResponse{}
	decode(t, ts.do(t, http.MethodGet, "/v1/health?details=true", nil), &resp)
	if resp.Metrics == nil || resp.Metrics.TotalVerifications != 1 || resp.Metrics.Approved != 1 {
		t.Fatalf("expected metrics block, got %+v", resp)
	}

	ts.Velocity = brokenVelocity{}
	resp = healthResponse{}
	rec := ts.do(t, http.MethodGet, "/v1/health?details=true", nil)
	decode(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.Status != StatusDegraded || resp.Checks["velocity"] != "redis down" || resp.Checks["attestation"] != "ok" {
		t.Fatalf("expected degraded velocity, got %+v", resp)
	}

	ts.Velocity = velocity.NewChecker(velocity.NewMemoryLedger())
	ts.Attestor = brokenAttestor{}
	resp = healthResponse{}
	decode(t, ts.do(t, http.MethodGet, "/v1/health", nil), &resp)
	if resp.Status != StatusDegraded {
		t.Fatalf("expected degraded attestation, got %+v", resp)
	}
}

func TestEvaluatePlanHandler(t *testing.T) {
	ts := newTestServer(t)
	body := evaluatePlanRequest{
		Plan: models.StructuredPlan{
			PlanID:   "plan-1",
			IntentID: "intent-1",
			UserID:   "user-1",
			Steps: []models.StructuredStep{{
				StepID:    "s1",
				Action:    models.ActionFundCard,
				Cost:      models.EstimatedCost{MaxSpendCents: 5000, RiskLevel: models.RiskLow},
				Simulated: true,
			}},
			TotalMaxSpendCents: 5000,
			OverallRiskLevel:   models.RiskLow,
		},
	}
	var res models.PolicyEvaluationResult
	decode(t, ts.do(t, http.MethodPost, "/v1/plans/evaluate", body), &res)
	if !res.Approved || res.ApprovalMode != models.ApprovalAuto || res.CountdownDurationMs == nil || *res.CountdownDurationMs != 5500 {
		t.Fatalf("expected auto approval with 5500ms countdown, got %+v", res)
	}

	body.Policies = []models.Policy{{
		PolicyID:   "no-fund",
		PolicyName: "No card funding",
		PolicyType: models.PolicyUser,
		Rule:       models.Rule{Type: models.RuleBlockedActions, Actions: []models.Action{models.ActionFundCard}},
		Severity:   models.SeverityBlock,
		IsEnabled:  true,
	}}
	res = models.PolicyEvaluationResult{}
	decode(t, ts.do(t, http.MethodPost, "/v1/plans/evaluate", body), &res)
	if res.Approved || res.ApprovalMode != models.ApprovalBlocked || len(res.Violations) != 1 {
		t.Fatalf("expected blocked plan, got %+v", res)
	}
}

func TestDecisionStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/decisions/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var evt events.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil || evt.Type != "ready" {
		t.Fatalf("expected ready event, got %+v err=%v", evt, err)
	}

	raw, _ := json.Marshal(sampleVerify(2000))
	resp, err := http.Post(srv.URL+"/v1/intents/verify", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	resp.Body.Close()

	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read decision: %v", err)
	}
	var d events.Decision
	if err := json.Unmarshal(evt.Data, &d); err != nil {
		t.Fatalf("decision payload: %v", err)
	}
	if evt.Type != events.TypeDecision || d.RequestID != "req-1" || d.Outcome != "approved" || d.UserIDHash == "user-1" {
		t.Fatalf("unexpected decision event %+v", d)
	}
}

func TestRoutesEnforceAuthAndRateLimit(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.routes(config{MaxBodyBytes: 64, RateLimitPerMinute: 1},
		auth.Middleware(auth.ModeServiceToken, "s3cret"), ratelimit.NewInMemory(time.Minute))

	post := func(token, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/attestation", strings.NewReader(body))
		if token != "" {
			req.Header.Set(auth.ServiceTokenHeader, token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := post("", `{"nonce":"n"}`); code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", code)
	}
	if code := post("wrong", `{"nonce":"n"}`); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", code)
	}
	if code := post("s3cret", `{"nonce":"n"}`); code != http.StatusOK {
		t.Fatalf("valid token: %d", code)
	}
	if code := post("s3cret", `{"nonce":"n"}`); code != http.StatusTooManyRequests {
		t.Fatalf("second call should be throttled: %d", code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "soul_") {
		t.Fatalf("metrics must be exposed: %d", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.routes(config{MaxBodyBytes: 32}, auth.Middleware(auth.ModeOff, ""), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/attestation", strings.NewReader(`{"nonce":"`+strings.Repeat("x", 64)+`"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

// Plan daily limits read only the spending context the caller sends; spend
// committed to the velocity ledger is a separate counter.
func TestPlanSpendingIsNotTheVelocityLedger(t *testing.T) {
	ts := newTestServer(t)

	var verified models.VerificationResult
	decode(t, ts.do(t, http.MethodPost, "/v1/intents/verify", sampleVerify(4000)), &verified)
	if !verified.Approved {
		t.Fatalf("expected ledger spend to be approved, got %+v", verified)
	}

	body := evaluatePlanRequest{
		Plan: models.StructuredPlan{
			PlanID:             "plan-2",
			IntentID:           "intent-2",
			UserID:             "user-1",
			Steps:              []models.StructuredStep{{StepID: "s1", Action: models.ActionFundCard, Cost: models.EstimatedCost{MaxSpendCents: 2000, RiskLevel: models.RiskLow}, Simulated: true}},
			TotalMaxSpendCents: 2000,
			OverallRiskLevel:   models.RiskLow,
		},
		Policies: []models.Policy{{
			PolicyID:   "daily-50",
			PolicyName: "Daily $50",
			PolicyType: models.PolicyUser,
			Rule:       models.Rule{Type: models.RuleDailyLimit, ThresholdCents: 5000},
			Severity:   models.SeverityBlock,
			IsEnabled:  true,
		}},
	}
	var res models.PolicyEvaluationResult
	decode(t, ts.do(t, http.MethodPost, "/v1/plans/evaluate", body), &res)
	if !res.Approved {
		t.Fatalf("plan engine should not see ledger spend, got %+v", res)
	}

	body.Spending = models.SpendingContext{DailySpentCents: 4000}
	res = models.PolicyEvaluationResult{}
	decode(t, ts.do(t, http.MethodPost, "/v1/plans/evaluate", body), &res)
	if res.Approved || res.ApprovalMode != models.ApprovalBlocked {
		t.Fatalf("expected caller-supplied spend to block, got %+v", res)
	}
}
