package attest

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/httpx"
)

// VaultTransitProvider signs with an Ed25519 key held in Vault Transit. The
// private key never leaves Vault.
type VaultTransitProvider struct {
	Client    *http.Client
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Key       string
	Timeout   time.Duration
	QuoteTTL  time.Duration
	Now       func() time.Time

	mu  sync.Mutex
	pub ed25519.PublicKey
	ver int
}

func (v *VaultTransitProvider) endpoint(kind string) (string, error) {
	addr := strings.TrimRight(strings.TrimSpace(v.Addr), "/")
	if addr == "" {
		return "", errors.New("vault addr required")
	}
	if strings.TrimSpace(v.Token) == "" {
		return "", errors.New("vault token required")
	}
	if strings.TrimSpace(v.Key) == "" {
		return "", errors.New("vault transit key required")
	}
	mount := strings.Trim(v.Mount, "/")
	if mount == "" {
		mount = "transit"
	}
	return addr + "/v1/" + mount + "/" + kind + "/" + url.PathEscape(v.Key), nil
}

func (v *VaultTransitProvider) headers() map[string]string {
	h := map[string]string{"X-Vault-Token": v.Token}
	if ns := strings.TrimSpace(v.Namespace); ns != "" {
		h["X-Vault-Namespace"] = ns
	}
	return h
}

func (v *VaultTransitProvider) call(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, resp, err := httpx.RequestJSON(reqCtx, v.Client, method, endpoint, body, v.headers(), 0, 0)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("vault transit key %q not found", v.Key)
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault transit %s failed status=%d", method, status)
	}
	return resp, nil
}

// PublicKey fetches and caches the latest key version's public key.
func (v *VaultTransitProvider) PublicKey(ctx context.Context) (ed25519.PublicKey, int, error) {
	v.mu.Lock()
	if v.pub != nil {
		pub, ver := v.pub, v.ver
		v.mu.Unlock()
		return pub, ver, nil
	}
	v.mu.Unlock()
	pub, ver, err := v.fetchPublicKey(ctx)
	if err != nil {
		return nil, 0, err
	}
	v.mu.Lock()
	v.pub, v.ver = pub, ver
	v.mu.Unlock()
	return pub, ver, nil
}

func (v *VaultTransitProvider) fetchPublicKey(ctx context.Context) (ed25519.PublicKey, int, error) {
	endpoint, err := v.endpoint("keys")
	if err != nil {
		return nil, 0, err
	}
	body, err := v.call(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	return parseTransitPublicKey(body)
}

func (v *VaultTransitProvider) keyID(version int) string {
	return "vault-transit:" + v.Key + ":v" + strconv.Itoa(version)
}

// Sign signs with the cached key version so signatures always match the
// public key handed out in quotes.
func (v *VaultTransitProvider) Sign(ctx context.Context, payload []byte) (Signature, error) {
	_, version, err := v.PublicKey(ctx)
	if err != nil {
		return Signature{}, err
	}
	return v.signVersion(ctx, payload, version)
}

// SignWithKeyID signs with the key version named by a key id from Quote.
func (v *VaultTransitProvider) SignWithKeyID(ctx context.Context, payload []byte, keyID string) (Signature, error) {
	raw, ok := strings.CutPrefix(keyID, "vault-transit:"+v.Key+":v")
	if !ok {
		return Signature{}, fmt.Errorf("key id %q is not a version of vault key %q", keyID, v.Key)
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version <= 0 {
		return Signature{}, fmt.Errorf("key id %q has no valid version", keyID)
	}
	return v.signVersion(ctx, payload, version)
}

func (v *VaultTransitProvider) signVersion(ctx context.Context, payload []byte, version int) (Signature, error) {
	endpoint, err := v.endpoint("sign")
	if err != nil {
		return Signature{}, err
	}
	req, _ := json.Marshal(map[string]any{
		"input":       base64.StdEncoding.EncodeToString(payload),
		"key_version": version,
	})
	body, err := v.call(ctx, http.MethodPost, endpoint, req)
	if err != nil {
		return Signature{}, err
	}
	sig, got, err := parseTransitSignature(body)
	if err != nil {
		return Signature{}, err
	}
	if got != version {
		return Signature{}, fmt.Errorf("vault signed with key v%d, expected v%d", got, version)
	}
	return Signature{Value: sig, KeyID: v.keyID(version), Algorithm: AlgorithmEd25519}, nil
}

func (v *VaultTransitProvider) adopt(pub ed25519.PublicKey, version int) {
	v.mu.Lock()
	v.pub, v.ver = pub, version
	v.mu.Unlock()
}

// Quote signs a quote with the cached key version. If Vault refuses that
// version (retired after a rotation) the key is refetched and the quote is
// rebuilt once under the latest version.
func (v *VaultTransitProvider) Quote(ctx context.Context, nonce string) (Quote, error) {
	if strings.TrimSpace(nonce) == "" {
		return Quote{}, errors.New("nonce required")
	}
	pub, version, err := v.PublicKey(ctx)
	if err != nil {
		return Quote{}, err
	}
	q, err := v.quoteWith(ctx, nonce, pub, version)
	if err == nil {
		return q, nil
	}
	latest, latestVersion, ferr := v.fetchPublicKey(ctx)
	if ferr != nil || latestVersion == version {
		return Quote{}, err
	}
	v.adopt(latest, latestVersion)
	return v.quoteWith(ctx, nonce, latest, latestVersion)
}

func (v *VaultTransitProvider) quoteWith(ctx context.Context, nonce string, pub ed25519.PublicKey, version int) (Quote, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	ttl := v.QuoteTTL
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	issued := now()
	q := Quote{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		KeyID:     v.keyID(version),
		Nonce:     nonce,
		IssuedAt:  issued.UnixMilli(),
		ExpiresAt: issued.Add(ttl).UnixMilli(),
	}
	doc, err := quoteBytes(q.Nonce, q.KeyID, q.IssuedAt, q.ExpiresAt)
	if err != nil {
		return Quote{}, err
	}
	sig, err := v.signVersion(ctx, doc, version)
	if err != nil {
		return Quote{}, err
	}
	q.Quote = sig.Value
	return q, nil
}

// Healthy always goes to Vault so a revoked token surfaces in health checks.
// A rotated key is adopted here, so new quotes move to the latest version.
func (v *VaultTransitProvider) Healthy(ctx context.Context) error {
	pub, version, err := v.fetchPublicKey(ctx)
	if err != nil {
		return err
	}
	v.adopt(pub, version)
	return nil
}

func parseTransitPublicKey(body []byte) (ed25519.PublicKey, int, error) {
	var payload struct {
		Data struct {
			Type          string `json:"type"`
			LatestVersion int    `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("invalid vault response: %w", err)
	}
	if payload.Data.Type != "" && payload.Data.Type != AlgorithmEd25519 {
		return nil, 0, fmt.Errorf("vault key type %q is not ed25519", payload.Data.Type)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, 0, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok {
		return nil, 0, errors.New("vault response missing latest public key")
	}
	pub, err := decodePublicKey(strings.TrimSpace(item.PublicKey))
	if err != nil {
		return nil, 0, fmt.Errorf("vault %w", err)
	}
	return pub, version, nil
}

// parseTransitSignature splits "vault:v<N>:<base64>".
func parseTransitSignature(body []byte) (string, int, error) {
	var payload struct {
		Data struct {
			Signature string `json:"signature"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("invalid vault response: %w", err)
	}
	parts := strings.SplitN(payload.Data.Signature, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" || !strings.HasPrefix(parts[1], "v") {
		return "", 0, errors.New("vault signature has unexpected format")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v"))
	if err != nil {
		return "", 0, fmt.Errorf("vault signature version: %w", err)
	}
	if _, err := base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return "", 0, fmt.Errorf("vault signature decode: %w", err)
	}
	return parts[2], version, nil
}
