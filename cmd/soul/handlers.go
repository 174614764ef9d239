package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/attest"
	"github.com/DisCard-Technologies/discard-sub016/pkg/events"
	"github.com/DisCard-Technologies/discard-sub016/pkg/httpx"
	"github.com/DisCard-Technologies/discard-sub016/pkg/logging"
	"github.com/DisCard-Technologies/discard-sub016/pkg/metrics"
	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/DisCard-Technologies/discard-sub016/pkg/policy"
	"github.com/DisCard-Technologies/discard-sub016/pkg/velocity"
	"github.com/DisCard-Technologies/discard-sub016/pkg/verifier"

	"github.com/rs/zerolog"
)

const (
	StatusHealthy  = "HEALTHY"
	StatusDegraded = "DEGRADED"

	maxNonceLength = 256
)

type velocityReader interface {
	Check(ctx context.Context, userID, cardID string, amount int64, limits models.VelocityLimits) (velocity.Result, error)
	Ping(ctx context.Context) error
}

type Server struct {
	Verifier         *verifier.Verifier
	Merchants        verifier.MerchantValidator
	Velocity         velocityReader
	Attestor         attest.Provider
	Plans            *policy.Engine
	Events           *events.Hub
	Metrics          *metrics.Registry
	Logger           zerolog.Logger
	Started          time.Time
	Now              func() time.Time
	WSOriginPatterns []string
	HealthTimeout    time.Duration
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type verifyRequest struct {
	Request models.VerificationRequest `json:"request"`
	Context models.VerificationContext `json:"context"`
}

// verifyIntent always answers 200 with a typed result; malformed bodies are
// the only 4xx.
func (s *Server) verifyIntent(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}
	res := s.Verifier.Verify(r.Context(), body.Request, body.Context)
	httpx.WriteJSON(w, http.StatusOK, res)
}

type validateMerchantRequest struct {
	MerchantID string               `json:"merchantId"`
	MCCCode    string               `json:"mccCode"`
	Policies   *models.UserPolicies `json:"policies,omitempty"`
}

func (s *Server) validateMerchant(w http.ResponseWriter, r *http.Request) {
	var body validateMerchantRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.MerchantID) == "" {
		httpx.Error(w, http.StatusBadRequest, "merchantId required")
		return
	}
	if err := models.ValidateMCC(body.MCCCode); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var policies models.UserPolicies
	if body.Policies != nil {
		policies = *body.Policies
	}
	res, err := s.Merchants.Validate(r.Context(), body.MerchantID, body.MCCCode, policies)
	if err != nil {
		s.Logger.Warn().Err(err).Str("merchant_id", body.MerchantID).Msg("merchant registry lookup failed")
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type checkVelocityRequest struct {
	UserID      string                 `json:"userId"`
	CardID      string                 `json:"cardId"`
	AmountCents int64                  `json:"amountCents"`
	Limits      *models.VelocityLimits `json:"limits,omitempty"`
	Preset      string                 `json:"preset,omitempty"`
}

func (s *Server) checkVelocity(w http.ResponseWriter, r *http.Request) {
	var body checkVelocityRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		httpx.Error(w, http.StatusBadRequest, "userId required")
		return
	}
	if body.AmountCents < 0 {
		httpx.Error(w, http.StatusBadRequest, "amountCents must not be negative")
		return
	}
	limits := body.Limits
	if limits == nil {
		preset, err := models.LimitsPreset(body.Preset)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		limits = &preset
	}
	res, err := s.Velocity.Check(r.Context(), body.UserID, body.CardID, body.AmountCents, *limits)
	if err != nil {
		s.Logger.Error().Err(err).Str("user", logging.HashID(body.UserID)).Msg("velocity check failed")
		httpx.Error(w, http.StatusServiceUnavailable, "velocity store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type attestationRequest struct {
	Nonce string `json:"nonce"`
}

func (s *Server) attestation(w http.ResponseWriter, r *http.Request) {
	var body attestationRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}
	nonce := strings.TrimSpace(body.Nonce)
	if nonce == "" || len(nonce) > maxNonceLength {
		httpx.Error(w, http.StatusBadRequest, "nonce must be 1-256 characters")
		return
	}
	if s.Attestor == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "attestation unavailable")
		return
	}
	q, err := s.Attestor.Quote(r.Context(), nonce)
	if err != nil {
		s.Logger.Error().Err(err).Msg("attestation quote failed")
		httpx.Error(w, http.StatusBadGateway, "attestation unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, q)
}

type healthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	UptimeMs int64             `json:"uptimeMs"`
	Checks   map[string]string `json:"checks,omitempty"`
	Metrics  *metrics.Summary  `json:"metrics,omitempty"`
}

// health checks the attestor and the velocity store. Either failing makes
// the service DEGRADED; the response is still 200.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	timeout := s.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := map[string]string{"attestation": "ok", "velocity": "ok"}
	status := StatusHealthy
	if s.Attestor == nil {
		checks["attestation"] = "not configured"
		status = StatusDegraded
	} else if err := s.Attestor.Healthy(ctx); err != nil {
		checks["attestation"] = err.Error()
		status = StatusDegraded
	}
	if s.Velocity == nil {
		checks["velocity"] = "not configured"
		status = StatusDegraded
	} else if err := s.Velocity.Ping(ctx); err != nil {
		checks["velocity"] = err.Error()
		status = StatusDegraded
	}
	if s.Metrics != nil {
		s.Metrics.SetGauge("soul_degraded", boolGauge(status == StatusDegraded))
	}

	resp := healthResponse{Status: status, Service: "soul", UptimeMs: s.now().Sub(s.Started).Milliseconds()}
	if r.URL.Query().Get("details") == "true" {
		resp.Checks = checks
		if s.Metrics != nil {
			summary := s.Metrics.Summary()
			resp.Metrics = &summary
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type evaluatePlanRequest struct {
	Plan       models.StructuredPlan  `json:"plan"`
	Policies   []models.Policy        `json:"policies"`
	Spending   models.SpendingContext `json:"spending"`
	Thresholds *policy.Thresholds     `json:"thresholds,omitempty"`
}

func (s *Server) evaluatePlan(w http.ResponseWriter, r *http.Request) {
	var body evaluatePlanRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}
	res := s.Plans.EvaluatePlan(body.Plan, body.Policies, body.Spending, body.Thresholds)
	evt := s.Logger.Info()
	if !res.Approved {
		evt = s.Logger.Warn()
	}
	evt.Str("plan_id", body.Plan.PlanID).
		Str("approval_mode", string(res.ApprovalMode)).
		Int("violations", len(res.Violations)).
		Msg("plan evaluated")
	httpx.WriteJSON(w, http.StatusOK, res)
}
