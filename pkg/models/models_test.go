package models

import (
	"errors"
	"testing"
)

func validRequest() VerificationRequest {
	return VerificationRequest{
		RequestID:   "req-1",
		IntentID:    "intent-1",
		Action:      ActionFundCard,
		AmountCents: 2500,
		Currency:    "USD",
		Merchant:    &MerchantRef{MerchantID: "m-1", MCCCode: "5411"},
		Timestamp:   1_700_000_000_000,
	}
}

func TestVerificationRequestValidate(t *testing.T) {
	if err := validRequest().Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	cases := map[string]func(*VerificationRequest){
		"missing request id": func(r *VerificationRequest) { r.RequestID = " " },
		"missing intent id":  func(r *VerificationRequest) { r.IntentID = "" },
		"unknown action":     func(r *VerificationRequest) { r.Action = "mint" },
		"negative amount":    func(r *VerificationRequest) { r.AmountCents = -1 },
		"merchant without id": func(r *VerificationRequest) {
			r.Merchant = &MerchantRef{MCCCode: "5411"}
		},
		"short mcc": func(r *VerificationRequest) { r.Merchant.MCCCode = "541" },
		"zero mcc":  func(r *VerificationRequest) { r.Merchant.MCCCode = "0000" },
		"alpha mcc": func(r *VerificationRequest) { r.Merchant.MCCCode = "54a1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			err := req.Validate()
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestActionAmountBearing(t *testing.T) {
	bearing := []Action{ActionFundCard, ActionTransfer, ActionSwap, ActionWithdrawDeFi, ActionPayBill}
	for _, a := range bearing {
		if !a.AmountBearing() {
			t.Fatalf("expected %s to be amount bearing", a)
		}
	}
	for _, a := range []Action{ActionDeposit, ActionFreezeCard, ActionUpdatePolicy, "unknown"} {
		if a.AmountBearing() {
			t.Fatalf("expected %s not to be amount bearing", a)
		}
	}
	if !ActionFreezeCard.Valid() || Action("unknown").Valid() {
		t.Fatal("unexpected validity")
	}
}

func TestRequires2FA(t *testing.T) {
	p := UserPolicies{}
	if p.Requires2FA(1_000_000) {
		t.Fatal("2FA should be off by default")
	}
	p.Require2FA = true
	if !p.Requires2FA(1) {
		t.Fatal("2FA should apply to every amount without a threshold")
	}
	threshold := int64(10_000)
	p.Require2FAAboveCents = &threshold
	if p.Requires2FA(10_000) {
		t.Fatal("threshold is exclusive")
	}
	if !p.Requires2FA(10_001) {
		t.Fatal("expected 2FA above threshold")
	}
}

func TestLimitsPreset(t *testing.T) {
	l, err := LimitsPreset("Premium")
	if err != nil {
		t.Fatal(err)
	}
	if l.Daily != 2_500_000 || *l.DailyTxCount != 50 {
		t.Fatalf("unexpected premium limits %+v", l)
	}
	if l, _ := LimitsPreset(""); l.PerTransaction != 250_000 {
		t.Fatalf("expected standard default, got %+v", l)
	}
	if _, err := LimitsPreset("platinum"); err == nil {
		t.Fatal("expected unknown preset error")
	}
}

func TestDenialReasons(t *testing.T) {
	reasons := DenialReasons()
	if len(reasons) != 12 {
		t.Fatalf("expected 12 reasons, got %d", len(reasons))
	}
	for _, r := range reasons {
		if !r.Valid() || r.Description() == string(r) {
			t.Fatalf("missing description for %s", r)
		}
	}
	if DenialReason("NOPE").Valid() {
		t.Fatal("unexpected valid reason")
	}
}

func TestMerchantRecordTransactable(t *testing.T) {
	rec := MerchantRecord{IsActive: true, RiskTier: RiskTierHigh}
	if !rec.Transactable() {
		t.Fatal("active tier 3 merchant should be transactable")
	}
	rec.RiskTier = RiskTierBlocked
	if rec.Transactable() {
		t.Fatal("tier 4 merchant must not be transactable")
	}
	rec = MerchantRecord{IsActive: false, RiskTier: RiskTierLow}
	if rec.Transactable() {
		t.Fatal("inactive merchant must not be transactable")
	}
}

func TestPlanValidate(t *testing.T) {
	plan := StructuredPlan{
		PlanID: "p1",
		Steps: []StructuredStep{
			{StepID: "a", Action: ActionSwap, Cost: EstimatedCost{MaxSpendCents: 100}},
			{StepID: "b", Action: ActionFundCard, DependsOn: []string{"a"}, Cost: EstimatedCost{MaxSpendCents: 300}},
		},
		TotalMaxSpendCents: 400,
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("expected valid plan: %v", err)
	}

	bad := plan
	bad.Steps = []StructuredStep{
		{StepID: "a", DependsOn: []string{"b"}},
		{StepID: "b"},
	}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected forward dependency to be rejected, got %v", err)
	}

	bad = plan
	bad.TotalMaxSpendCents = 200
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected total below largest step to be rejected, got %v", err)
	}

	bad = plan
	bad.Steps = []StructuredStep{{StepID: "a"}, {StepID: "a"}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected duplicate id to be rejected, got %v", err)
	}

	if err := (StructuredPlan{}).Validate(); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected empty plan to be rejected, got %v", err)
	}
}
