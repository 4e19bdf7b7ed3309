package command

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/UzyOrg/celesta/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT ANSWER COMMAND
// A failed attempt only mutates local state; a successful attempt authorizes
// exactly one completed_step event (plus completed_workshop on the final
// step) carrying the full attempt and hint history.
// ══════════════════════════════════════════════════════════════════════════════

// SubmitAnswerCommand carries a candidate answer payload for the current step.
type SubmitAnswerCommand struct {
	// Payload is the opaque candidate answer, e.g. {"answer": "42"}.
	Payload json.RawMessage
}

// Validate validates the command.
func (c SubmitAnswerCommand) Validate() error {
	if len(c.Payload) == 0 {
		return errors.New("submit_answer: payload is required")
	}
	if !json.Valid(c.Payload) {
		return errors.New("submit_answer: payload is not valid JSON")
	}
	return nil
}

// SubmitAnswerResult is the immediate local feedback for the participant.
type SubmitAnswerResult struct {
	// Correct reports whether the answer satisfied the validation rule.
	Correct bool

	// StepCompleted is true when this attempt completed the step.
	StepCompleted bool

	// WorkshopCompleted is true when this attempt completed the workshop.
	WorkshopCompleted bool

	// Score is the step score, set when StepCompleted.
	Score int

	// FailedAttempts is the failure count so far on this step.
	FailedAttempts int

	// NextStepIndex is the step to render next, set when StepCompleted but
	// not WorkshopCompleted.
	NextStepIndex int
}

// SubmitAnswer evaluates a candidate answer for the current step.
func (s *WorkshopSession) SubmitAnswer(ctx context.Context, cmd SubmitAnswerCommand) (SubmitAnswerResult, error) {
	if s.closed {
		return SubmitAnswerResult{}, ErrSessionClosed
	}
	if err := cmd.Validate(); err != nil {
		return SubmitAnswerResult{}, err
	}

	attempt, err := s.machine.SubmitAttempt(cmd.Payload)
	if err != nil {
		return SubmitAnswerResult{}, err
	}
	s.persist(ctx)

	p := s.machine.Progress()
	index := p.CurrentStepIndex

	if !attempt.Correct {
		return SubmitAnswerResult{
			FailedAttempts: p.StepState(index).FailedAttempts,
		}, nil
	}

	ev, composeErr := s.composer.CompletedStep(s.content.ID, attempt.Step)
	s.publish(ctx, ev, composeErr)

	result := SubmitAnswerResult{
		Correct:       true,
		StepCompleted: true,
		Score:         attempt.Step.Score,
	}

	if attempt.Workshop != nil {
		result.WorkshopCompleted = true
		wev, composeErr := s.composer.CompletedWorkshop(s.content.ID, attempt.Workshop)
		s.publish(ctx, wev, composeErr)
		return result, nil
	}

	result.NextStepIndex = index + 1
	if err := s.RenderStep(ctx, result.NextStepIndex); err != nil {
		// Content bounds were checked by IsFinalStep; treat as no-op.
		s.log.Warn("advance to next step failed", logger.Err(err))
	}
	return result, nil
}
