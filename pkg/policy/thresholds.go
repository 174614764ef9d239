package policy

// Thresholds controls approval mode selection and the auto-approve countdown.
// Amounts are cents, durations milliseconds.
type Thresholds struct {
	AutoApproveCents     int64 `json:"autoApproveCents,omitempty" yaml:"auto_approve_cents"`
	ManualApproveCents   int64 `json:"manualApproveCents,omitempty" yaml:"manual_approve_cents"`
	CountdownBaseMs      int64 `json:"countdownBaseMs,omitempty" yaml:"countdown_base_ms"`
	CountdownPerTenUSDMs int64 `json:"countdownPerTenUsdMs,omitempty" yaml:"countdown_per_ten_usd_ms"`
	CountdownMaxMs       int64 `json:"countdownMaxMs,omitempty" yaml:"countdown_max_ms"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApproveCents:     10_000,
		ManualApproveCents:   1_000_000,
		CountdownBaseMs:      5_000,
		CountdownPerTenUSDMs: 100,
		CountdownMaxMs:       30_000,
	}
}

// Merge overlays the non-zero fields of override onto t. Ceiling overrides
// that would put the auto ceiling above the manual ceiling are ignored.
func (t Thresholds) Merge(override *Thresholds) Thresholds {
	if override == nil {
		return t
	}
	out := t
	if override.AutoApproveCents > 0 {
		out.AutoApproveCents = override.AutoApproveCents
	}
	if override.ManualApproveCents > 0 {
		out.ManualApproveCents = override.ManualApproveCents
	}
	if out.AutoApproveCents > out.ManualApproveCents {
		out.AutoApproveCents, out.ManualApproveCents = t.AutoApproveCents, t.ManualApproveCents
	}
	if override.CountdownBaseMs > 0 {
		out.CountdownBaseMs = override.CountdownBaseMs
	}
	if override.CountdownPerTenUSDMs > 0 {
		out.CountdownPerTenUSDMs = override.CountdownPerTenUSDMs
	}
	if override.CountdownMaxMs > 0 {
		out.CountdownMaxMs = override.CountdownMaxMs
	}
	return out
}

// Countdown is base + floor(dollars/10) * step, capped at the maximum. The
// cap is checked before multiplying so large steps cannot overflow.
func (t Thresholds) Countdown(amountCents int64) int64 {
	if amountCents < 0 {
		amountCents = 0
	}
	if t.CountdownBaseMs >= t.CountdownMaxMs {
		return t.CountdownMaxMs
	}
	steps := amountCents / 100 / 10
	if t.CountdownPerTenUSDMs > 0 && steps > (t.CountdownMaxMs-t.CountdownBaseMs)/t.CountdownPerTenUSDMs {
		return t.CountdownMaxMs
	}
	return t.CountdownBaseMs + steps*t.CountdownPerTenUSDMs
}
