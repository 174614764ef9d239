// Package verifier runs the intent verification pipeline: merchant, velocity,
// inline compliance, fraud, authentication proofs, then attestation and
// signing.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/attest"
	"github.com/DisCard-Technologies/discard-sub016/pkg/audit"
	"github.com/DisCard-Technologies/discard-sub016/pkg/events"
	"github.com/DisCard-Technologies/discard-sub016/pkg/fraud"
	"github.com/DisCard-Technologies/discard-sub016/pkg/logging"
	"github.com/DisCard-Technologies/discard-sub016/pkg/merchant"
	"github.com/DisCard-Technologies/discard-sub016/pkg/metrics"
	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/DisCard-Technologies/discard-sub016/pkg/telemetry"
	"github.com/DisCard-Technologies/discard-sub016/pkg/velocity"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

type MerchantValidator interface {
	Validate(ctx context.Context, merchantID, mccCode string, policies models.UserPolicies) (merchant.Validation, error)
}

type VelocityLedger interface {
	Reserve(ctx context.Context, userID, cardID string, amount int64, limits models.VelocityLimits) (velocity.Result, velocity.Reservation, error)
	Release(ctx context.Context, r velocity.Reservation) error
}

// Recorder persists decisions; *audit.Writer satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec audit.Record) error
}

type Verifier struct {
	cfg       Config
	merchants MerchantValidator
	ledger    VelocityLedger
	attestor  attest.Provider
	fraud     fraud.Checker
	recorder  Recorder
	publisher events.Publisher
	metrics   *metrics.Registry
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Verifier)

func WithFraudChecker(c fraud.Checker) Option {
	return func(v *Verifier) { v.fraud = c }
}

func WithRecorder(r Recorder) Option {
	return func(v *Verifier) { v.recorder = r }
}

func WithPublisher(p events.Publisher) Option {
	return func(v *Verifier) { v.publisher = p }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(v *Verifier) { v.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(v *Verifier) { v.logger = l.With().Str("component", "verifier").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(v *Verifier) { v.newID = newID }
}

func New(cfg Config, merchants MerchantValidator, ledger VelocityLedger, attestor attest.Provider, opts ...Option) *Verifier {
	v := &Verifier{
		cfg:       cfg.withDefaults(),
		merchants: merchants,
		ledger:    ledger,
		attestor:  attestor,
		logger:    zerolog.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Config() Config { return v.cfg }

var errInternal = errors.New("internal verification error")

// verdict is what a stage decides. The zero value means pass.
type verdict struct {
	deny     models.DenialReason
	detail   string
	escalate string
	skipped  bool
	failOpen bool
}

func (d verdict) outcome() string {
	switch {
	case d.deny != "":
		return "deny"
	case d.escalate != "":
		return "escalate"
	case d.skipped:
		return "skipped"
	case d.failOpen:
		return "fail_open"
	default:
		return "pass"
	}
}

type pipeline struct {
	req         models.VerificationRequest
	vctx        models.VerificationContext
	reservation velocity.Reservation
	quote       attest.Quote
	signed      *models.SignedIntent
}

type stage struct {
	name string
	run  func(ctx context.Context, p *pipeline) (verdict, error)
}

func (v *Verifier) stages() []stage {
	return []stage{
		{"merchant", v.merchantStage},
		{"velocity", v.velocityStage},
		{"compliance", complianceStage},
		{"fraud", v.fraudStage},
		{"authentication", authenticationStage},
		{"attestation", v.attestationStage},
	}
}

// Verify decides a single request within the configured timeout. It never
// returns an error: every failure becomes a denial.
func (v *Verifier) Verify(ctx context.Context, req models.VerificationRequest, vctx models.VerificationContext) models.VerificationResult {
	start := v.now()
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "soul.verify",
		attribute.String("soul.action", string(req.Action)),
		attribute.Int64("soul.amount_cents", req.AmountCents),
	)

	res := models.VerificationResult{RequestID: req.RequestID}
	p := &pipeline{req: req, vctx: vctx}
	log := v.logger.With().Str("request_id", req.RequestID).Str("user", logging.HashID(vctx.UserID)).Logger()

	if err := validateInput(req, vctx); err != nil {
		res.DenialReason = models.DenialPolicyViolation
		res.DenialDetail = err.Error()
	} else {
		for _, st := range v.stages() {
			stageStart := v.now()
			d, err := v.runStage(ctx, st, p)
			if err != nil {
				log.Error().Err(err).Str("stage", st.name).Msg("verification stage failed")
				d = verdict{deny: models.DenialInternalError, detail: fmt.Sprintf("internal error in %s stage", st.name)}
			}
			elapsed := v.now().Sub(stageStart)
			res.Stages = append(res.Stages, models.StageTiming{Stage: st.name, DurationMs: elapsed.Milliseconds(), Outcome: d.outcome()})
			if v.metrics != nil {
				v.metrics.ObserveStage(st.name, d.outcome(), elapsed)
			}
			if d.failOpen {
				log.Warn().Str("stage", st.name).Msg("dependency error ignored by fail-open policy")
			}
			if d.deny != "" {
				res.DenialReason = d.deny
				res.DenialDetail = d.detail
				break
			}
			if d.escalate != "" {
				res.RequiresEscalation = true
				res.EscalationReason = d.escalate
				break
			}
		}
	}
	if res.DenialReason == "" && !res.RequiresEscalation && p.signed != nil {
		res.Approved = true
		res.AttestationQuote = p.quote.Quote
		res.SignedIntent = p.signed
	}
	if !res.Approved && res.DenialReason == "" && !res.RequiresEscalation {
		res.DenialReason = models.DenialInternalError
		res.DenialDetail = "pipeline ended without a decision"
	}

	post, postCancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.PostDecisionTimeout)
	defer postCancel()
	if !res.Approved && p.reservation.AmountCents > 0 {
		if err := v.ledger.Release(post, p.reservation); err != nil {
			log.Error().Err(err).Msg("velocity reservation release failed")
		}
	}

	elapsed := v.now().Sub(start)
	res.VerificationTimeMs = elapsed.Milliseconds()
	if v.metrics != nil {
		v.metrics.RecordDecision(res.Outcome(), string(res.DenialReason), elapsed)
	}
	span.SetAttributes(attribute.String("soul.outcome", res.Outcome()), attribute.String("soul.denial_reason", string(res.DenialReason)))
	telemetry.EndSpan(span, nil)

	v.afterDecision(post, log, req, vctx, res, start)

	evt := log.Info()
	if !res.Approved {
		evt = log.Warn()
	}
	evt.Str("outcome", res.Outcome()).
		Str("denial_reason", string(res.DenialReason)).
		Int64("verification_ms", res.VerificationTimeMs).
		Msg("intent verified")
	return res
}

func validateInput(req models.VerificationRequest, vctx models.VerificationContext) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if vctx.UserID == "" {
		return fmt.Errorf("%w: context.userId required", models.ErrInvalidRequest)
	}
	return nil
}

func (v *Verifier) runStage(ctx context.Context, st stage, p *pipeline) (d verdict, err error) {
	ctx, span := telemetry.StartSpan(ctx, "soul.verify."+st.name)
	defer func() {
		if rec := recover(); rec != nil {
			d, err = verdict{}, fmt.Errorf("%w: %s stage panicked: %v", errInternal, st.name, rec)
		}
		span.SetAttributes(attribute.String("soul.stage_outcome", d.outcome()))
		telemetry.EndSpan(span, err)
	}()
	return st.run(ctx, p)
}

// afterDecision records and publishes the decision. Failures are logged only.
func (v *Verifier) afterDecision(ctx context.Context, log zerolog.Logger, req models.VerificationRequest, vctx models.VerificationContext, res models.VerificationResult, at time.Time) {
	if v.recorder == nil && v.publisher == nil {
		return
	}
	decisionID := v.newID()
	if v.recorder != nil {
		rec, err := audit.NewRecord(decisionID, req, vctx, res, at)
		if err == nil {
			err = v.recorder.Append(ctx, rec)
		}
		if err != nil {
			log.Error().Err(err).Str("decision_id", decisionID).Msg("audit append failed")
		}
	}
	if v.publisher != nil {
		evt := events.NewDecisionEvent(events.Decision{
			DecisionID:         decisionID,
			RequestID:          req.RequestID,
			IntentID:           req.IntentID,
			UserIDHash:         logging.HashID(vctx.UserID),
			Action:             string(req.Action),
			AmountCents:        req.AmountCents,
			Outcome:            res.Outcome(),
			DenialReason:       string(res.DenialReason),
			EscalationReason:   res.EscalationReason,
			VerificationTimeMs: res.VerificationTimeMs,
		})
		if err := v.publisher.Publish(ctx, evt); err != nil {
			log.Error().Err(err).Str("decision_id", decisionID).Msg("decision event publish failed")
		}
	}
}
