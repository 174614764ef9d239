package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config is the operator policy file.
type Config struct {
	Thresholds Thresholds      `yaml:"thresholds"`
	Policies   []models.Policy `yaml:"policies"`
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read policy config: %w", err)
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy config: %w", err)
	}
	if cfg.Thresholds.AutoApproveCents < 0 || cfg.Thresholds.ManualApproveCents < 0 {
		return Config{}, fmt.Errorf("policy config: thresholds must not be negative")
	}
	auto, manual := DefaultThresholds().AutoApproveCents, DefaultThresholds().ManualApproveCents
	if cfg.Thresholds.AutoApproveCents > 0 {
		auto = cfg.Thresholds.AutoApproveCents
	}
	if cfg.Thresholds.ManualApproveCents > 0 {
		manual = cfg.Thresholds.ManualApproveCents
	}
	if auto > manual {
		return Config{}, fmt.Errorf("policy config: auto ceiling %d above manual ceiling %d", auto, manual)
	}
	seen := map[string]bool{}
	for i, p := range cfg.Policies {
		if p.PolicyID == "" {
			return Config{}, fmt.Errorf("policy config: policy %d has no policy_id", i)
		}
		if seen[p.PolicyID] {
			return Config{}, fmt.Errorf("policy config: duplicate policy_id %q", p.PolicyID)
		}
		seen[p.PolicyID] = true
		if p.PolicyType == models.PolicySystem {
			return Config{}, fmt.Errorf("policy config: %q cannot be a system policy", p.PolicyID)
		}
	}
	return cfg, nil
}

// Options turns the config into engine options.
func (c Config) Options() []Option {
	return []Option{WithThresholds(c.Thresholds), WithDefaultPolicies(c.Policies)}
}
