package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the verification rules an operator may tune without a deploy.
type Policy struct {
	DefaultMaxAttempts int            `yaml:"default_max_attempts"`
	MaxAttempts        map[string]int `yaml:"max_attempts"`
	AttemptLease       time.Duration  `yaml:"attempt_lease"`

	ProviderTimeout        time.Duration `yaml:"provider_timeout"`
	FallbackMatchThreshold float64       `yaml:"fallback_match_threshold"`

	ChallengeTTL             time.Duration `yaml:"challenge_ttl"`
	EnrollmentSatisfiesVoice bool          `yaml:"enrollment_satisfies_voice"`
	LockTimeout              time.Duration `yaml:"lock_timeout"`
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultMaxAttempts:     3,
		MaxAttempts:            map[string]int{},
		AttemptLease:           30 * time.Second,
		ProviderTimeout:        8 * time.Second,
		FallbackMatchThreshold: 0.92,
		ChallengeTTL:           10 * time.Minute,
		LockTimeout:            5 * time.Second,
	}
}

// MaxAttemptsFor returns the configured limit for a step.
func (p Policy) MaxAttemptsFor(step string) int {
	if n, ok := p.MaxAttempts[step]; ok && n > 0 {
		return n
	}
	return p.DefaultMaxAttempts
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if policy.DefaultMaxAttempts <= 0 {
		return Policy{}, fmt.Errorf("default_max_attempts must be positive")
	}
	if policy.ProviderTimeout <= 0 {
		return Policy{}, fmt.Errorf("provider_timeout must be positive")
	}
	if policy.MaxAttempts == nil {
		policy.MaxAttempts = map[string]int{}
	}
	return policy, nil
}
