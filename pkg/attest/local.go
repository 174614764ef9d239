package attest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LocalProvider signs in process with an Ed25519 key. It is meant for
// development and tests; production hardening refuses it.
type LocalProvider struct {
	priv  ed25519.PrivateKey
	keyID string
	ttl   time.Duration
	now   func() time.Time
}

type LocalOption func(*LocalProvider)

func WithQuoteTTL(ttl time.Duration) LocalOption {
	return func(p *LocalProvider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) LocalOption {
	return func(p *LocalProvider) { p.now = now }
}

func NewLocalProvider(priv ed25519.PrivateKey, keyID string, opts ...LocalOption) (*LocalProvider, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	if strings.TrimSpace(keyID) == "" {
		keyID = "local"
	}
	p := &LocalProvider{priv: priv, keyID: keyID, ttl: DefaultQuoteTTL, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// GenerateLocalProvider creates a provider with a fresh random key.
func GenerateLocalProvider(keyID string, opts ...LocalOption) (*LocalProvider, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewLocalProvider(priv, keyID, opts...)
}

// LocalProviderFromSeed builds a provider from a base64 32-byte seed.
func LocalProviderFromSeed(seedB64, keyID string, opts ...LocalOption) (*LocalProvider, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(seedB64))
	if err != nil {
		return nil, fmt.Errorf("seed decode: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return NewLocalProvider(ed25519.NewKeyFromSeed(seed), keyID, opts...)
}

func (p *LocalProvider) PublicKey() ed25519.PublicKey {
	return p.priv.Public().(ed25519.PublicKey)
}

func (p *LocalProvider) Quote(ctx context.Context, nonce string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if strings.TrimSpace(nonce) == "" {
		return Quote{}, errors.New("nonce required")
	}
	issued := p.now()
	q := Quote{
		PublicKey: base64.StdEncoding.EncodeToString(p.PublicKey()),
		KeyID:     p.keyID,
		Nonce:     nonce,
		IssuedAt:  issued.UnixMilli(),
		ExpiresAt: issued.Add(p.ttl).UnixMilli(),
	}
	doc, err := quoteBytes(q.Nonce, q.KeyID, q.IssuedAt, q.ExpiresAt)
	if err != nil {
		return Quote{}, err
	}
	q.Quote = base64.StdEncoding.EncodeToString(ed25519.Sign(p.priv, doc))
	return q, nil
}

func (p *LocalProvider) Sign(ctx context.Context, payload []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	return Signature{
		Value:     base64.StdEncoding.EncodeToString(ed25519.Sign(p.priv, payload)),
		KeyID:     p.keyID,
		Algorithm: AlgorithmEd25519,
	}, nil
}

func (p *LocalProvider) Healthy(ctx context.Context) error { return ctx.Err() }
