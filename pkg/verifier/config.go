package verifier

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTimeout             = 5 * time.Second
	DefaultPostDecisionTimeout = 2 * time.Second
	DefaultLedgerTimeout       = 2 * time.Second
)

type FailMode int

const (
	// FailClosed denies when a dependency errors. It is the zero value.
	FailClosed FailMode = iota
	FailOpen
)

func (m FailMode) String() string {
	if m == FailOpen {
		return "open"
	}
	return "closed"
}

// ParseFailMode reads "open" or "closed"; anything else is an error so a typo
// never silently fails open.
func ParseFailMode(raw string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "closed", "fail_closed":
		return FailClosed, nil
	case "open", "fail_open":
		return FailOpen, nil
	default:
		return FailClosed, fmt.Errorf("unknown fail mode %q", raw)
	}
}

// FailPolicy is declared once per check type.
type FailPolicy struct {
	OnError FailMode
}

func (p FailPolicy) Open() bool { return p.OnError == FailOpen }

type Config struct {
	Timeout             time.Duration
	PostDecisionTimeout time.Duration
	// LedgerTimeout bounds a velocity reservation independently of Timeout.
	LedgerTimeout       time.Duration
	Merchant            FailPolicy
	Velocity            FailPolicy
}

// FailOpenChecks lists the checks configured to fail open.
func (c Config) FailOpenChecks() []string {
	var out []string
	if c.Merchant.Open() {
		out = append(out, "merchant")
	}
	if c.Velocity.Open() {
		out = append(out, "velocity")
	}
	return out
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PostDecisionTimeout <= 0 {
		c.PostDecisionTimeout = DefaultPostDecisionTimeout
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = DefaultLedgerTimeout
	}
	return c
}
