package command

import (
	"context"
	"errors"

	"github.com/UzyOrg/celesta/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HINT COMMAND
// Hints spend stars and never compose events; the count is folded into the
// step's eventual completed_step event.
// ══════════════════════════════════════════════════════════════════════════════

// RequestHintCommand asks for the next hint tier of the current step.
type RequestHintCommand struct{}

// RequestHintResult is the outcome shown to the participant.
type RequestHintResult struct {
	// Granted is false when the request was rejected (no stars, cost too
	// high, or no tiers left); rejection is a no-op on all state.
	Granted bool

	// Reason explains a rejection in user-presentable terms.
	Reason string

	// Text is the hint content when granted.
	Text string

	// Cost is the number of stars spent.
	Cost int

	// StarsRemaining is the balance after the request.
	StarsRemaining int
}

// RequestHint requests the next hint tier for the current step.
func (s *WorkshopSession) RequestHint(ctx context.Context, _ RequestHintCommand) (RequestHintResult, error) {
	if s.closed {
		return RequestHintResult{}, ErrSessionClosed
	}

	grant, err := s.machine.RequestHint()
	if err != nil {
		// Economy rejections are expected outcomes, not failures.
		switch {
		case errors.Is(err, shared.ErrInsufficientStars):
			return RequestHintResult{
				Reason:         "not enough stars",
				StarsRemaining: s.machine.Progress().StarsRemaining,
			}, nil
		case errors.Is(err, shared.ErrNoHintsLeft):
			return RequestHintResult{
				Reason:         "no more hints for this step",
				StarsRemaining: s.machine.Progress().StarsRemaining,
			}, nil
		default:
			return RequestHintResult{}, err
		}
	}
	s.persist(ctx)

	return RequestHintResult{
		Granted:        true,
		Text:           grant.Text,
		Cost:           grant.Cost,
		StarsRemaining: grant.StarsRemaining,
	}, nil
}
