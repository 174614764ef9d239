// Package fraud asks an external scoring service whether a request is clear.
package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/httpx"
	"github.com/DisCard-Technologies/discard-sub016/pkg/logging"
	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
)

type Verdict struct {
	Cleared bool    `json:"cleared"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason,omitempty"`
}

type Checker interface {
	Clear(ctx context.Context, req models.VerificationRequest, vctx models.VerificationContext) (Verdict, error)
}

// StaticChecker returns a fixed verdict.
type StaticChecker struct {
	Verdict Verdict
	Err     error
}

func (s StaticChecker) Clear(ctx context.Context, _ models.VerificationRequest, _ models.VerificationContext) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	return s.Verdict, s.Err
}

// HTTPChecker posts a scoring request and reads a Verdict back. It never
// retries; the verifier's deadline bounds the round trip.
type HTTPChecker struct {
	Client  *http.Client
	URL     string
	Token   string
	Timeout time.Duration
}

type scoreRequest struct {
	RequestID   string        `json:"requestId"`
	IntentID    string        `json:"intentId"`
	UserIDHash  string        `json:"userIdHash"`
	Action      models.Action `json:"action"`
	AmountCents int64         `json:"amountCents"`
	Currency    string        `json:"currency"`
	MerchantID  string        `json:"merchantId,omitempty"`
	MCCCode     string        `json:"mccCode,omitempty"`
	DeviceID    string        `json:"deviceId,omitempty"`
	IPAddress   string        `json:"ipAddress,omitempty"`
	Timestamp   int64         `json:"timestamp"`
}

func (h HTTPChecker) Clear(ctx context.Context, req models.VerificationRequest, vctx models.VerificationContext) (Verdict, error) {
	url := strings.TrimSpace(h.URL)
	if url == "" {
		return Verdict{}, errors.New("fraud service url not configured")
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := scoreRequest{
		RequestID:   req.RequestID,
		IntentID:    req.IntentID,
		UserIDHash:  logging.HashID(vctx.UserID),
		Action:      req.Action,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		DeviceID:    req.Metadata.DeviceID,
		IPAddress:   req.Metadata.IPAddress,
		Timestamp:   req.Timestamp,
	}
	if req.Merchant != nil {
		body.MerchantID = req.Merchant.MerchantID
		body.MCCCode = req.Merchant.MCCCode
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Verdict{}, err
	}
	headers := map[string]string{}
	if h.Token != "" {
		headers["Authorization"] = "Bearer " + h.Token
	}
	status, resp, err := httpx.RequestJSON(ctx, h.Client, http.MethodPost, url, raw, headers, 0, 0)
	if err != nil {
		return Verdict{}, fmt.Errorf("fraud service: %w", err)
	}
	if status != http.StatusOK {
		return Verdict{}, fmt.Errorf("fraud service status=%d", status)
	}
	var v Verdict
	if err := json.Unmarshal(resp, &v); err != nil {
		return Verdict{}, fmt.Errorf("fraud service response: %w", err)
	}
	return v, nil
}
