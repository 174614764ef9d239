package merchant

import (
	"context"
	"errors"
	"testing"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

type fakeAccountGetter struct {
	accounts map[solana.PublicKey]*rpc.Account
	err      error
}

func (f *fakeAccountGetter) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	acc, ok := f.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: acc}, nil
}

func testProgramID(t *testing.T) solana.PublicKey {
	t.Helper()
	return solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
}

func TestSolanaRegistryFetchMerchant(t *testing.T) {
	programID := testProgramID(t)
	authority := solana.NewWallet().PublicKey()
	getter := &fakeAccountGetter{accounts: map[solana.PublicKey]*rpc.Account{}}
	reg := &SolanaRegistry{client: getter, programID: programID, commitment: rpc.CommitmentConfirmed}

	want := models.MerchantRecord{
		Name:         "Coffee Bar",
		VisaMID:      "VISA-123",
		MCCCode:      "5814",
		RiskTier:     models.RiskTierMedium,
		IsActive:     true,
		CountryCode:  "US",
		RegisteredAt: 1_700_000_000_000,
		UpdatedAt:    1_700_000_500_000,
		MetadataURI:  "ipfs://merchant",
	}
	data, err := EncodeMerchantAccount("m-coffee", want, authority)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := reg.RecordAddress("m-coffee")
	if err != nil {
		t.Fatal(err)
	}
	getter.accounts[addr] = &rpc.Account{Owner: programID, Data: rpc.DataBytesOrJSONFromBytes(data)}

	got, err := reg.FetchMerchant(context.Background(), "m-coffee")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want.MerchantID = "m-coffee"
	want.RegisteredBy = authority.String()
	if *got != want {
		t.Fatalf("decoded record mismatch:\n got %+v\nwant %+v", *got, want)
	}

	if _, err := reg.FetchMerchant(context.Background(), "m-unknown"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestSolanaRegistryRejectsForeignOwner(t *testing.T) {
	programID := testProgramID(t)
	getter := &fakeAccountGetter{accounts: map[solana.PublicKey]*rpc.Account{}}
	reg := &SolanaRegistry{client: getter, programID: programID}
	data, err := EncodeMerchantAccount("m-1", models.MerchantRecord{MCCCode: "5411", RiskTier: models.RiskTierLow, IsActive: true}, solana.PublicKey{})
	if err != nil {
		t.Fatal(err)
	}
	addr, _ := reg.RecordAddress("m-1")
	getter.accounts[addr] = &rpc.Account{Owner: solana.SystemProgramID, Data: rpc.DataBytesOrJSONFromBytes(data)}
	if _, err := reg.FetchMerchant(context.Background(), "m-1"); err == nil || errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ownership error, got %v", err)
	}
}

func TestSolanaRegistryTransportError(t *testing.T) {
	reg := &SolanaRegistry{client: &fakeAccountGetter{err: errors.New("connection refused")}, programID: testProgramID(t)}
	_, err := reg.FetchMerchant(context.Background(), "m-1")
	if err == nil || errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestDecodeMerchantAccountErrors(t *testing.T) {
	if _, err := DecodeMerchantAccount([]byte{1, 2}); err == nil {
		t.Fatal("expected short data error")
	}
	if _, err := DecodeMerchantAccount(make([]byte, 64)); err == nil {
		t.Fatal("expected discriminator mismatch")
	}
	data, _ := EncodeMerchantAccount("m", models.MerchantRecord{MCCCode: "5411", RiskTier: 7}, solana.PublicKey{})
	if _, err := DecodeMerchantAccount(data); err == nil {
		t.Fatal("expected invalid tier error")
	}
}

func TestNewSolanaRegistryValidation(t *testing.T) {
	if _, err := NewSolanaRegistry("http://localhost:8899", "not-base58!"); err == nil {
		t.Fatal("expected program id error")
	}
	if _, err := NewSolanaRegistry("", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"); err == nil {
		t.Fatal("expected rpc url error")
	}
	if _, err := NewSolanaRegistry("http://localhost:8899", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
