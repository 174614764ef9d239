package models

// DenialReason is the closed set of reasons a verification can be refused.
type DenialReason string

const (
	DenialMerchantNotRegistered DenialReason = "MERCHANT_NOT_REGISTERED"
	DenialMerchantBlocked       DenialReason = "MERCHANT_BLOCKED"
	DenialMerchantRiskTooHigh   DenialReason = "MERCHANT_RISK_TOO_HIGH"
	DenialMCCBlocked            DenialReason = "MCC_BLOCKED"
	DenialVelocityDaily         DenialReason = "VELOCITY_DAILY_EXCEEDED"
	DenialVelocityWeekly        DenialReason = "VELOCITY_WEEKLY_EXCEEDED"
	DenialVelocityMonthly       DenialReason = "VELOCITY_MONTHLY_EXCEEDED"
	DenialVelocityPerTx         DenialReason = "VELOCITY_PER_TX_EXCEEDED"
	DenialPolicyViolation       DenialReason = "POLICY_VIOLATION"
	DenialFraudFlagged          DenialReason = "FRAUD_FLAGGED"
	DenialAttestationFailed     DenialReason = "ATTESTATION_FAILED"
	DenialInternalError         DenialReason = "INTERNAL_ERROR"
)

var denialDescriptions = map[DenialReason]string{
	DenialMerchantNotRegistered: "merchant is not present in the registry",
	DenialMerchantBlocked:       "merchant is blocked",
	DenialMerchantRiskTooHigh:   "merchant risk tier exceeds the allowed maximum",
	DenialMCCBlocked:            "merchant category code is blocked",
	DenialVelocityDaily:         "daily spending limit exceeded",
	DenialVelocityWeekly:        "weekly spending limit exceeded",
	DenialVelocityMonthly:       "monthly spending limit exceeded",
	DenialVelocityPerTx:         "per-transaction limit exceeded",
	DenialPolicyViolation:       "request violates user policy",
	DenialFraudFlagged:          "request flagged by fraud screening",
	DenialAttestationFailed:     "attestation or signing failed",
	DenialInternalError:         "internal verification error",
}

// Description returns the default human-readable text for the reason.
func (d DenialReason) Description() string {
	if s, ok := denialDescriptions[d]; ok {
		return s
	}
	return string(d)
}

func (d DenialReason) Valid() bool {
	_, ok := denialDescriptions[d]
	return ok
}

// DenialReasons lists every reason in declaration order.
func DenialReasons() []DenialReason {
	return []DenialReason{
		DenialMerchantNotRegistered,
		DenialMerchantBlocked,
		DenialMerchantRiskTooHigh,
		DenialMCCBlocked,
		DenialVelocityDaily,
		DenialVelocityWeekly,
		DenialVelocityMonthly,
		DenialVelocityPerTx,
		DenialPolicyViolation,
		DenialFraudFlagged,
		DenialAttestationFailed,
		DenialInternalError,
	}
}
