package models

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the kind of financial operation an intent asks for.
type Action string

const (
	ActionFundCard     Action = "fund_card"
	ActionTransfer     Action = "transfer"
	ActionSwap         Action = "swap"
	ActionWithdrawDeFi Action = "withdraw_defi"
	ActionPayBill      Action = "pay_bill"
	ActionDeposit      Action = "deposit"
	ActionFreezeCard   Action = "freeze_card"
	ActionUpdatePolicy Action = "update_policy"
)

var knownActions = map[Action]bool{
	ActionFundCard:     true,
	ActionTransfer:     true,
	ActionSwap:         true,
	ActionWithdrawDeFi: true,
	ActionPayBill:      true,
	ActionDeposit:      false,
	ActionFreezeCard:   false,
	ActionUpdatePolicy: false,
}

// Valid reports whether the action is one the service understands.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// AmountBearing reports whether the action moves value and therefore counts
// against velocity limits.
func (a Action) AmountBearing() bool {
	return knownActions[a]
}

type MerchantRef struct {
	MerchantID   string `json:"merchantId"`
	MCCCode      string `json:"mccCode"`
	MerchantName string `json:"merchantName,omitempty"`
	CountryCode  string `json:"countryCode,omitempty"`
}

// RequestMetadata carries out-of-band proofs collected by the client.
type RequestMetadata struct {
	BiometricVerified bool   `json:"biometricVerified"`
	TwoFactorVerified bool   `json:"twoFactorVerified"`
	DeviceID          string `json:"deviceId,omitempty"`
	IPAddress         string `json:"ipAddress,omitempty"`
}

type VerificationRequest struct {
	RequestID   string          `json:"requestId"`
	IntentID    string          `json:"intentId"`
	Action      Action          `json:"action"`
	AmountCents int64           `json:"amountCents"`
	Currency    string          `json:"currency"`
	Merchant    *MerchantRef    `json:"merchant,omitempty"`
	SourceType  string          `json:"sourceType"`
	SourceID    string          `json:"sourceId"`
	TargetType  string          `json:"targetType"`
	TargetID    string          `json:"targetId"`
	Timestamp   int64           `json:"timestamp"`
	Metadata    RequestMetadata `json:"metadata"`
}

var (
	ErrInvalidRequest = errors.New("invalid verification request")
	ErrInvalidMCC     = errors.New("mcc code must be 4 digits")
)

func (r VerificationRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: requestId required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.IntentID) == "" {
		return fmt.Errorf("%w: intentId required", ErrInvalidRequest)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, r.Action)
	}
	if r.AmountCents < 0 {
		return fmt.Errorf("%w: amountCents must not be negative", ErrInvalidRequest)
	}
	if r.Merchant != nil {
		if strings.TrimSpace(r.Merchant.MerchantID) == "" {
			return fmt.Errorf("%w: merchant.merchantId required", ErrInvalidRequest)
		}
		if err := ValidateMCC(r.Merchant.MCCCode); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// ValidateMCC accepts four-digit codes in 0001..9999.
func ValidateMCC(code string) error {
	if len(code) != 4 {
		return ErrInvalidMCC
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return ErrInvalidMCC
		}
	}
	if code == "0000" {
		return ErrInvalidMCC
	}
	return nil
}

type VerificationContext struct {
	UserID            string       `json:"userId"`
	WalletAddress     string       `json:"walletAddress"`
	SubOrganizationID string       `json:"subOrganizationId"`
	CardID            string       `json:"cardId,omitempty"`
	Policies          UserPolicies `json:"policies"`
}

type UserPolicies struct {
	MerchantAllowlist     []string       `json:"merchantAllowlist,omitempty"`
	MerchantBlocklist     []string       `json:"merchantBlocklist,omitempty"`
	MCCAllowlist          []string       `json:"mccAllowlist,omitempty"`
	MCCBlocklist          []string       `json:"mccBlocklist,omitempty"`
	MerchantLocking       bool           `json:"merchantLocking"`
	VelocityLimits        VelocityLimits `json:"velocityLimits"`
	RequireBiometric      bool           `json:"requireBiometric"`
	Require2FA            bool           `json:"require2FA"`
	Require2FAAboveCents  *int64         `json:"require2FAAboveCents,omitempty"`
	RequireFraudClearance bool           `json:"requireFraudClearance"`
	MaxTransactionAmount  *int64         `json:"maxTransactionAmount,omitempty"`
	MaxMerchantRiskTier   *RiskTier      `json:"maxMerchantRiskTier,omitempty"`
}

// Requires2FA reports whether a second factor is needed for amountCents.
func (p UserPolicies) Requires2FA(amountCents int64) bool {
	if !p.Require2FA {
		return false
	}
	if p.Require2FAAboveCents == nil {
		return true
	}
	return amountCents > *p.Require2FAAboveCents
}

type RiskTier int

const (
	RiskTierLow     RiskTier = 1
	RiskTierMedium  RiskTier = 2
	RiskTierHigh    RiskTier = 3
	RiskTierBlocked RiskTier = 4
)

func (t RiskTier) String() string {
	switch t {
	case RiskTierLow:
		return "low"
	case RiskTierMedium:
		return "medium"
	case RiskTierHigh:
		return "high"
	case RiskTierBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MerchantRecord is the registry view of a merchant. Timestamps are epoch ms.
type MerchantRecord struct {
	MerchantID   string   `json:"merchantId"`
	Name         string   `json:"name"`
	VisaMID      string   `json:"visaMid"`
	MCCCode      string   `json:"mccCode"`
	RiskTier     RiskTier `json:"riskTier"`
	IsActive     bool     `json:"isActive"`
	CountryCode  string   `json:"countryCode"`
	RegisteredAt int64    `json:"registeredAt"`
	UpdatedAt    int64    `json:"updatedAt"`
	RegisteredBy string   `json:"registeredBy,omitempty"`
	MetadataURI  string   `json:"metadataUri,omitempty"`
}

func (m MerchantRecord) Transactable() bool {
	return m.IsActive && m.RiskTier < RiskTierBlocked
}

// SignedIntent is the attested, signed form of an approved request.
type SignedIntent struct {
	Payload         string `json:"payload"`
	PayloadHash     string `json:"payloadHash"`
	AttestationHash string `json:"attestationHash"`
	Signature       string `json:"signature"`
	KeyID           string `json:"keyId"`
	Algorithm       string `json:"algorithm"`
	SignedAt        int64  `json:"signedAt"`
}

type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMs int64  `json:"durationMs"`
	Outcome    string `json:"outcome"`
}

type VerificationResult struct {
	RequestID          string        `json:"requestId"`
	Approved           bool          `json:"approved"`
	DenialReason       DenialReason  `json:"denialReason,omitempty"`
	DenialDetail       string        `json:"denialDetail,omitempty"`
	RequiresEscalation bool          `json:"requiresEscalation"`
	EscalationReason   string        `json:"escalationReason,omitempty"`
	AttestationQuote   string        `json:"attestationQuote,omitempty"`
	SignedIntent       *SignedIntent `json:"signedIntent,omitempty"`
	VerificationTimeMs int64         `json:"verificationTimeMs"`
	Stages             []StageTiming `json:"stages,omitempty"`
}

// Outcome collapses the result into approved, escalated or denied.
func (r VerificationResult) Outcome() string {
	switch {
	case r.Approved:
		return "approved"
	case r.RequiresEscalation:
		return "escalated"
	default:
		return "denied"
	}
}
