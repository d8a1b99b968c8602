// Package safety provides the default keyword/intent validator behind the
// SafetyGate. Classification rules live in a YAML policy file so operators
// can tighten them without a rebuild; any external classifier satisfying
// loop.SafetyValidator can replace this one.
package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meridian-labs/coevolve/internal/loop"
)

// Policy is the parsed safety policy document.
type Policy struct {
	Block    []BlockRule    `yaml:"block"`
	Redirect []RedirectRule `yaml:"redirect"`
}

// BlockRule rejects content containing the pattern outright.
type BlockRule struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// RedirectRule rewrites matching content to a safe alternative.
type RedirectRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// LoadPolicy reads and validates the policy YAML.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Policy{}, fmt.Errorf("read safety policy: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse safety policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate checks every rule carries a pattern, and block rules a reason.
func (p Policy) Validate() error {
	for i, r := range p.Block {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("safety policy block[%d]: pattern required", i)
		}
		if strings.TrimSpace(r.Reason) == "" {
			return fmt.Errorf("safety policy block[%d]: reason required", i)
		}
	}
	for i, r := range p.Redirect {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("safety policy redirect[%d]: pattern required", i)
		}
		if strings.TrimSpace(r.Replacement) == "" {
			return fmt.Errorf("safety policy redirect[%d]: replacement required", i)
		}
	}
	return nil
}

// Validator implements loop.SafetyValidator over a static policy. Block rules
// win over redirect rules when both match.
type Validator struct {
	policy Policy
}

// NewValidator wraps a parsed policy.
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// Validate classifies the text against the policy.
func (v *Validator) Validate(ctx context.Context, text string) (loop.SafetyVerdict, error) {
	if err := ctx.Err(); err != nil {
		return loop.SafetyVerdict{}, err
	}
	lower := strings.ToLower(text)
	for _, rule := range v.policy.Block {
		if strings.Contains(lower, strings.ToLower(rule.Pattern)) {
			return loop.SafetyVerdict{BlockReason: rule.Reason}, nil
		}
	}
	for _, rule := range v.policy.Redirect {
		if strings.Contains(lower, strings.ToLower(rule.Pattern)) {
			return loop.SafetyVerdict{RedirectText: rule.Replacement}, nil
		}
	}
	return loop.SafetyVerdict{Safe: true}, nil
}
