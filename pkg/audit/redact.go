package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.UserID = ""
	rec.RequestRaw = redactRequest(rec.RequestRaw, salt)
	rec.ResultRaw = redactResult(rec.ResultRaw, salt)
	return rec
}

// redactRequest keeps what a reviewer needs to replay the decision and hashes
// identifiers that point at a person or device.
func redactRequest(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var req models.VerificationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return invalidPayload("request_hash", raw, salt)
	}
	redacted := map[string]interface{}{
		"requestId":   req.RequestID,
		"intentId":    req.IntentID,
		"action":      req.Action,
		"amountCents": req.AmountCents,
		"currency":    req.Currency,
		"sourceType":  req.SourceType,
		"sourceId":    hashString(req.SourceID, salt),
		"targetType":  req.TargetType,
		"targetId":    hashString(req.TargetID, salt),
		"timestamp":   req.Timestamp,
		"metadata": map[string]interface{}{
			"biometricVerified": req.Metadata.BiometricVerified,
			"twoFactorVerified": req.Metadata.TwoFactorVerified,
			"deviceIdHash":      hashString(req.Metadata.DeviceID, salt),
			"ipAddressHash":     hashString(req.Metadata.IPAddress, salt),
		},
	}
	if req.Merchant != nil {
		redacted["merchant"] = req.Merchant
	}
	b, _ := json.Marshal(redacted)
	return b
}

// redactResult drops the signed payload, which repeats the user id in clear,
// and keeps its hash.
func redactResult(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var res models.VerificationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return invalidPayload("result_hash", raw, salt)
	}
	if res.SignedIntent != nil {
		signed := *res.SignedIntent
		signed.Payload = ""
		res.SignedIntent = &signed
	}
	b, _ := json.Marshal(res)
	return b
}

func invalidPayload(field string, raw []byte, salt []byte) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{
		field:             hashBytes(raw, salt),
		"redaction_error": "invalid_json",
	})
	return b
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
