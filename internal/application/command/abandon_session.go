package command

import "context"

// ══════════════════════════════════════════════════════════════════════════════
// ABANDON SESSION COMMAND
// Recorded when the session closes with an in-progress workshop. The event
// goes through the outbox like any other, so an offline teardown still gets
// delivered on a later session's flush.
// ══════════════════════════════════════════════════════════════════════════════

// AbandonSessionCommand closes the session.
type AbandonSessionCommand struct{}

// AbandonSessionResult reports what was recorded.
type AbandonSessionResult struct {
	// Recorded is true when an abandoned_workshop event was composed:
	// the workshop was started but not completed.
	Recorded bool

	// LastStepIndex is the step the participant last reached.
	LastStepIndex int
}

// AbandonSession ends the session, recording abandonment when there is an
// in-progress workshop to record. Further commands on the session fail with
// ErrSessionClosed.
func (s *WorkshopSession) AbandonSession(ctx context.Context, _ AbandonSessionCommand) (AbandonSessionResult, error) {
	if s.closed {
		return AbandonSessionResult{}, ErrSessionClosed
	}
	s.closed = true

	ab, ok := s.machine.Abandon()
	if !ok {
		return AbandonSessionResult{}, nil
	}
	s.persist(ctx)

	ev, composeErr := s.composer.AbandonedWorkshop(s.content.ID, ab)
	s.publish(ctx, ev, composeErr)

	return AbandonSessionResult{
		Recorded:      true,
		LastStepIndex: ab.LastStepIndex,
	}, nil
}
