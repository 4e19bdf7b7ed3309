package command

import (
	"context"
	"errors"
)

// ══════════════════════════════════════════════════════════════════════════════
// BEGIN WORKSHOP COMMAND
// Resolves the completion authority, enters the current step, and authorizes
// the one-shot started_workshop event on first render.
// ══════════════════════════════════════════════════════════════════════════════

// BeginWorkshopCommand starts (or resumes) the interactive session.
type BeginWorkshopCommand struct {
	// Resolver is consulted before any rendering; remote wins when
	// reachable. Nil skips the check.
	Resolver CompletionResolver
}

// BeginWorkshopResult describes where the participant lands.
type BeginWorkshopResult struct {
	// AlreadyCompleted is true when the authority reports the workshop as
	// done; the session is read-only in that case.
	AlreadyCompleted bool

	// StepIndex is the step the participant resumes at.
	StepIndex int

	// Prompt is the step's prompt, empty when AlreadyCompleted.
	Prompt string

	// StarsRemaining is the current hint currency balance.
	StarsRemaining int
}

// BeginWorkshop enters the session's current step. The started_workshop
// event fires exactly once per session instance, regardless of how many
// times rendering is repeated.
func (s *WorkshopSession) BeginWorkshop(ctx context.Context, cmd BeginWorkshopCommand) (BeginWorkshopResult, error) {
	if s.closed {
		return BeginWorkshopResult{}, ErrSessionClosed
	}
	p := s.machine.Progress()

	if cmd.Resolver != nil {
		completed, err := cmd.Resolver.IsCompleted(ctx, s.sessionID, s.content.ID)
		if err == nil && completed {
			return BeginWorkshopResult{AlreadyCompleted: true}, nil
		}
		// Resolver failures already degraded to local truth inside the
		// handler; an error here means invalid input, which is ours.
		if err != nil {
			return BeginWorkshopResult{}, err
		}
	}
	if p.Completed {
		return BeginWorkshopResult{AlreadyCompleted: true}, nil
	}

	index := p.CurrentStepIndex
	step, err := s.content.Step(index)
	if err != nil {
		return BeginWorkshopResult{}, err
	}

	started, err := s.machine.EnterStep(index)
	if err != nil {
		return BeginWorkshopResult{}, err
	}
	s.persist(ctx)

	if started {
		ev, composeErr := s.composer.StartedWorkshop(s.content.ID, s.content.StepCount(), s.content.StarsInitial)
		s.publish(ctx, ev, composeErr)
	}

	return BeginWorkshopResult{
		StepIndex:      index,
		Prompt:         step.Prompt,
		StarsRemaining: p.StarsRemaining,
	}, nil
}

// RenderStep records the first render of a later step as the participant
// advances. Harmless to call repeatedly.
func (s *WorkshopSession) RenderStep(ctx context.Context, index int) error {
	started, err := s.machine.EnterStep(index)
	if err != nil {
		return err
	}
	s.persist(ctx)

	if started {
		ev, composeErr := s.composer.StartedWorkshop(s.content.ID, s.content.StepCount(), s.content.StarsInitial)
		s.publish(ctx, ev, composeErr)
	}
	return nil
}

// ErrSessionClosed is returned by operations on an ended session.
var ErrSessionClosed = errors.New("command: session closed")
