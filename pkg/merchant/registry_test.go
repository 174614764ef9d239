package merchant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

const seedYAML = `
merchants:
  - merchant_id: m-grocer
    name: Corner Grocer
    mcc_code: "5411"
    risk_tier: 1
    country_code: us
  - merchant_id: m-closed
    name: Closed Shop
    mcc_code: "5812"
    risk_tier: 2
    is_active: false
`

func TestParseSeed(t *testing.T) {
	reg, err := ParseSeed([]byte(seedYAML))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := reg.FetchMerchant(context.Background(), "m-grocer")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.IsActive || rec.CountryCode != "US" || rec.RiskTier != models.RiskTierLow {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec, _ = reg.FetchMerchant(context.Background(), "m-closed")
	if rec.IsActive {
		t.Fatal("expected explicit is_active=false to be honored")
	}
	if _, err := reg.FetchMerchant(context.Background(), "nope"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestParseSeedRejectsBadEntries(t *testing.T) {
	bad := []string{
		"merchants: [{name: x, mcc_code: '5411', risk_tier: 1}]",
		"merchants: [{merchant_id: a, mcc_code: '54', risk_tier: 1}]",
		"merchants: [{merchant_id: a, mcc_code: '5411', risk_tier: 9}]",
		"merchants: {",
	}
	for _, raw := range bad {
		if _, err := ParseSeed([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merchants.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSeedFile(path); err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if _, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestMemoryRegistryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryRegistry().FetchMerchant(ctx, "m"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestMCCLists(t *testing.T) {
	if !IsBlockedMCC("7995") || IsBlockedMCC("5411") {
		t.Fatal("unexpected blocked mcc classification")
	}
	if !IsHighRiskMCC("6011") || IsHighRiskMCC("5812") {
		t.Fatal("unexpected high-risk mcc classification")
	}
}
