// Package attest binds approved intents to an attestation quote and signs them.
package attest

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

const AlgorithmEd25519 = "ed25519"

// DefaultQuoteTTL bounds how long a quote may be presented downstream.
const DefaultQuoteTTL = 5 * time.Minute

var (
	ErrBadSignature = errors.New("signature does not verify")
	ErrQuoteExpired = errors.New("attestation quote expired")
)

// Quote is the provider's signed statement over a nonce. Quote and PublicKey
// are base64; times are epoch ms.
type Quote struct {
	Quote     string `json:"quote"`
	PublicKey string `json:"publicKey"`
	KeyID     string `json:"keyId"`
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Hash is the SHA-256 carried in signed intents as attestationHash.
func (q Quote) Hash() string {
	return models.SHA256Hex([]byte(q.Quote))
}

type Signature struct {
	Value     string `json:"value"`
	KeyID     string `json:"keyId"`
	Algorithm string `json:"algorithm"`
}

type Provider interface {
	Quote(ctx context.Context, nonce string) (Quote, error)
	Sign(ctx context.Context, payload []byte) (Signature, error)
	Healthy(ctx context.Context) error
}

type quoteDocument struct {
	Nonce     string `json:"nonce"`
	KeyID     string `json:"keyId"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

func quoteBytes(nonce, keyID string, issuedAt, expiresAt int64) ([]byte, error) {
	return models.CanonicalJSON(quoteDocument{Nonce: nonce, KeyID: keyID, IssuedAt: issuedAt, ExpiresAt: expiresAt})
}

// VerifyQuote checks the quote signature against its embedded key and expiry.
func VerifyQuote(q Quote, now time.Time) error {
	pub, err := decodePublicKey(q.PublicKey)
	if err != nil {
		return err
	}
	doc, err := quoteBytes(q.Nonce, q.KeyID, q.IssuedAt, q.ExpiresAt)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(q.Quote)
	if err != nil {
		return fmt.Errorf("quote decode: %w", err)
	}
	if !ed25519.Verify(pub, doc, sig) {
		return ErrBadSignature
	}
	if now.UnixMilli() > q.ExpiresAt {
		return ErrQuoteExpired
	}
	return nil
}

type binding struct {
	IntentID    string        `json:"intentId"`
	Action      models.Action `json:"action"`
	AmountCents int64         `json:"amountCents"`
	Timestamp   int64         `json:"timestamp"`
	UserID      string        `json:"userId"`
}

// Binding is the canonical request view an attestation quote commits to.
func Binding(req models.VerificationRequest, userID string) ([]byte, error) {
	return models.CanonicalJSON(binding{
		IntentID:    req.IntentID,
		Action:      req.Action,
		AmountCents: req.AmountCents,
		Timestamp:   req.Timestamp,
		UserID:      userID,
	})
}

// BindingNonce is the quote nonce for req: hex SHA-256 of Binding.
func BindingNonce(req models.VerificationRequest, userID string) (string, error) {
	b, err := Binding(req, userID)
	if err != nil {
		return "", err
	}
	return models.SHA256Hex(b), nil
}

type signedPayload struct {
	binding
	AttestationHash string `json:"attestationHash"`
	RequestID       string `json:"requestId"`
}

// SignedIntentPayload is the exact byte string the intent signature covers.
func SignedIntentPayload(req models.VerificationRequest, userID string, q Quote) ([]byte, error) {
	return models.CanonicalJSON(signedPayload{
		binding: binding{
			IntentID:    req.IntentID,
			Action:      req.Action,
			AmountCents: req.AmountCents,
			Timestamp:   req.Timestamp,
			UserID:      userID,
		},
		AttestationHash: q.Hash(),
		RequestID:       req.RequestID,
	})
}

// SignIntent produces the signed intent for an approved request.
// keyPinnedSigner is implemented by providers with rotating keys; the intent
// is signed by the same key version the quote names.
type keyPinnedSigner interface {
	SignWithKeyID(ctx context.Context, payload []byte, keyID string) (Signature, error)
}

func SignIntent(ctx context.Context, p Provider, req models.VerificationRequest, userID string, q Quote, now time.Time) (*models.SignedIntent, error) {
	payload, err := SignedIntentPayload(req, userID, q)
	if err != nil {
		return nil, fmt.Errorf("build payload: %w", err)
	}
	var sig Signature
	if ks, ok := p.(keyPinnedSigner); ok {
		sig, err = ks.SignWithKeyID(ctx, payload, q.KeyID)
	} else {
		sig, err = p.Sign(ctx, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return &models.SignedIntent{
		Payload:         string(payload),
		PayloadHash:     models.SHA256Hex(payload),
		AttestationHash: q.Hash(),
		Signature:       sig.Value,
		KeyID:           sig.KeyID,
		Algorithm:       sig.Algorithm,
		SignedAt:        now.UnixMilli(),
	}, nil
}

// VerifySignedIntent checks a signed intent offline against pub.
func VerifySignedIntent(pub ed25519.PublicKey, s models.SignedIntent) error {
	if s.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("unsupported algorithm %q", s.Algorithm)
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid ed25519 public key")
	}
	payload := []byte(s.Payload)
	if models.SHA256Hex(payload) != s.PayloadHash {
		return errors.New("payload hash mismatch")
	}
	var body struct {
		AttestationHash string `json:"attestationHash"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("payload decode: %w", err)
	}
	if body.AttestationHash != s.AttestationHash {
		return errors.New("attestation hash mismatch")
	}
	sig, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("signature decode: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrBadSignature
	}
	return nil
}

func decodePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("public key decode: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	return decodePublicKey(b64)
}
