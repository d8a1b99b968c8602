package loop

import (
	"context"
	"log"
	"strings"
	"time"
)

// SafetyGate adapts the external safety validator's verdict onto the
// three-way challenge outcome. It is the only component allowed to move a
// challenge out of the pending status, and it does so exactly once.
type SafetyGate struct {
	validator SafetyValidator
	timeout   time.Duration
	logger    *log.Logger
}

// NewSafetyGate wires a gate over the external validator.
func NewSafetyGate(validator SafetyValidator, timeout time.Duration, logger *log.Logger) *SafetyGate {
	if logger == nil {
		logger = log.New(log.Writer(), "[SAFETY] ", log.LstdFlags)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SafetyGate{validator: validator, timeout: timeout, logger: logger}
}

// Check classifies a pending challenge as approved, redirected, or blocked.
// Redirection replaces the content with the validator-supplied alternative;
// that rewrite is the single permitted content change in a challenge's life.
// A challenge in any non-pending status is a programmer error.
func (g *SafetyGate) Check(ctx context.Context, ch Challenge) (Challenge, string, error) {
	if ch.SafetyStatus != SafetyPending {
		return ch, "", ErrInvalidTransition{From: ch.SafetyStatus, To: ch.SafetyStatus}
	}

	vctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	verdict, err := g.validator.Validate(vctx, ch.Content)
	if err != nil {
		// Fail closed: an unreachable validator blocks the challenge rather
		// than letting unvetted content through.
		g.logger.Printf("validator unavailable for challenge %s: %v", ch.ID, err)
		ch.SafetyStatus = SafetyBlocked
		return ch, "safety validator unavailable", nil
	}

	switch {
	case verdict.Safe:
		ch.SafetyStatus = SafetyApproved
		return ch, "", nil
	case strings.TrimSpace(verdict.RedirectText) != "":
		ch.Content = verdict.RedirectText
		ch.SafetyStatus = SafetyRedirected
		g.logger.Printf("challenge %s redirected", ch.ID)
		return ch, "", nil
	default:
		reason := strings.TrimSpace(verdict.BlockReason)
		if reason == "" {
			reason = "unspecified"
		}
		ch.SafetyStatus = SafetyBlocked
		g.logger.Printf("challenge %s blocked: %s", ch.ID, reason)
		return ch, reason, nil
	}
}
