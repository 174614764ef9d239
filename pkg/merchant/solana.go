package merchant

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/near/borsh-go"
)

const merchantSeed = "merchant"

// accountDiscriminator prefixes every MerchantRecord account.
var accountDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:MerchantRecord"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

type accountGetter interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
}

// onchainMerchant mirrors the registry program's account layout after the
// discriminator. Field order is the wire order.
type onchainMerchant struct {
	MerchantID   [32]byte
	MerchantName string
	VisaMID      string
	MCCCode      uint16
	RiskTier     uint8
	IsActive     bool
	CountryCode  [2]byte
	RegisteredAt int64
	UpdatedAt    int64
	RegisteredBy [32]byte
	MetadataURI  *string
	Bump         uint8
}

// SolanaRegistry reads merchant records from the on-chain registry program.
type SolanaRegistry struct {
	client     accountGetter
	programID  solana.PublicKey
	commitment rpc.CommitmentType
}

func NewSolanaRegistry(rpcURL, programID string) (*SolanaRegistry, error) {
	pid, err := solana.PublicKeyFromBase58(strings.TrimSpace(programID))
	if err != nil {
		return nil, fmt.Errorf("merchant registry program id: %w", err)
	}
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("merchant registry rpc url required")
	}
	return &SolanaRegistry{client: rpc.New(rpcURL), programID: pid, commitment: rpc.CommitmentConfirmed}, nil
}

// MerchantIDSeed hashes a merchant id down to the 32-byte PDA seed.
func MerchantIDSeed(merchantID string) [32]byte {
	return sha256.Sum256([]byte(merchantID))
}

func (r *SolanaRegistry) RecordAddress(merchantID string) (solana.PublicKey, error) {
	seed := MerchantIDSeed(merchantID)
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(merchantSeed), seed[:]}, r.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive merchant record address: %w", err)
	}
	return addr, nil
}

func (r *SolanaRegistry) FetchMerchant(ctx context.Context, merchantID string) (*models.MerchantRecord, error) {
	addr, err := r.RecordAddress(merchantID)
	if err != nil {
		return nil, err
	}
	res, err := r.client.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: r.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("get merchant account %s: %w", addr, err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, ErrNotRegistered
	}
	if !res.Value.Owner.Equals(r.programID) {
		return nil, fmt.Errorf("merchant account %s owned by %s, want %s", addr, res.Value.Owner, r.programID)
	}
	rec, err := DecodeMerchantAccount(res.Value.Data.GetBinary())
	if err != nil {
		return nil, err
	}
	if rec.MerchantID == "" {
		rec.MerchantID = merchantID
	}
	return rec, nil
}

// DecodeMerchantAccount parses raw account data, discriminator included.
func DecodeMerchantAccount(data []byte) (*models.MerchantRecord, error) {
	if len(data) < len(accountDiscriminator) {
		return nil, fmt.Errorf("merchant account data too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], accountDiscriminator[:]) {
		return nil, errors.New("merchant account discriminator mismatch")
	}
	var raw onchainMerchant
	if err := borsh.Deserialize(&raw, data[8:]); err != nil {
		return nil, fmt.Errorf("decode merchant account: %w", err)
	}
	rec := &models.MerchantRecord{
		Name:         raw.MerchantName,
		VisaMID:      raw.VisaMID,
		MCCCode:      fmt.Sprintf("%04d", raw.MCCCode),
		RiskTier:     models.RiskTier(raw.RiskTier),
		IsActive:     raw.IsActive,
		CountryCode:  strings.TrimRight(string(raw.CountryCode[:]), "\x00"),
		RegisteredAt: raw.RegisteredAt * 1000,
		UpdatedAt:    raw.UpdatedAt * 1000,
		RegisteredBy: solana.PublicKeyFromBytes(raw.RegisteredBy[:]).String(),
	}
	// Only the seed hash is stored on chain; FetchMerchant fills in the id.
	if raw.MetadataURI != nil {
		rec.MetadataURI = *raw.MetadataURI
	}
	if rec.RiskTier < models.RiskTierLow || rec.RiskTier > models.RiskTierBlocked {
		return nil, fmt.Errorf("merchant account has invalid risk tier %d", raw.RiskTier)
	}
	return rec, nil
}

// EncodeMerchantAccount is the inverse of DecodeMerchantAccount; used by
// soulctl fixtures and tests.
func EncodeMerchantAccount(merchantID string, rec models.MerchantRecord, registeredBy solana.PublicKey) ([]byte, error) {
	var mcc uint16
	if _, err := fmt.Sscanf(rec.MCCCode, "%d", &mcc); err != nil {
		return nil, fmt.Errorf("mcc code %q: %w", rec.MCCCode, err)
	}
	raw := onchainMerchant{
		MerchantID:   MerchantIDSeed(merchantID),
		MerchantName: rec.Name,
		VisaMID:      rec.VisaMID,
		MCCCode:      mcc,
		RiskTier:     uint8(rec.RiskTier),
		IsActive:     rec.IsActive,
		RegisteredAt: rec.RegisteredAt / 1000,
		UpdatedAt:    rec.UpdatedAt / 1000,
		RegisteredBy: [32]byte(registeredBy),
	}
	copy(raw.CountryCode[:], rec.CountryCode)
	if rec.MetadataURI != "" {
		uri := rec.MetadataURI
		raw.MetadataURI = &uri
	}
	body, err := borsh.Serialize(raw)
	if err != nil {
		return nil, err
	}
	return append(accountDiscriminator[:], body...), nil
}
