package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/UzyOrg/celesta/internal/domain/progress"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSER
// ══════════════════════════════════════════════════════════════════════════════

// Composer builds immutable LearningEvents for one (actor, session, class)
// context. Each composition mints a fresh idempotency key; the key then
// travels with the event through every retransmission.
type Composer struct {
	actorID    string
	sessionID  string
	classToken string
	alias      string

	// now and newKey are injectable for tests.
	now    func() time.Time
	newKey func() string
}

// NewComposer creates a Composer for the given identity context.
func NewComposer(actorID, sessionID, classToken string) *Composer {
	return &Composer{
		actorID:    actorID,
		sessionID:  sessionID,
		classToken: classToken,
		now:        time.Now,
		newKey:     func() string { return uuid.NewString() },
	}
}

// WithAlias sets the display alias carried opportunistically in payloads.
func (c *Composer) WithAlias(alias string) *Composer {
	c.alias = alias
	return c
}

// WithClock overrides the composer's clock. Test hook.
func (c *Composer) WithClock(now func() time.Time) *Composer {
	c.now = now
	return c
}

// WithKeyFunc overrides idempotency key generation. Test hook.
func (c *Composer) WithKeyFunc(fn func() string) *Composer {
	c.newKey = fn
	return c
}

// StartedWorkshop composes the one-shot workshop start event.
func (c *Composer) StartedWorkshop(workshopID string, totalSteps, starsInitial int) (*LearningEvent, error) {
	return c.compose(workshopID, "", VerbStartedWorkshop, StartedWorkshopResult{
		TotalSteps:   totalSteps,
		StarsInitial: starsInitial,
		Alias:        c.alias,
	})
}

// CompletedStep composes the single aggregate event for a completed step.
func (c *Composer) CompletedStep(workshopID string, r *progress.StepResult) (*LearningEvent, error) {
	return c.compose(workshopID, r.StepID, VerbCompletedStep, CompletedStepResult{
		Success:          r.Success,
		Score:            r.Score,
		TotalAttempts:    r.TotalAttempts,
		FailedAttempts:   r.FailedAttempts,
		HintsUsed:        r.HintsUsed,
		DurationSeconds:  r.DurationSeconds,
		IncorrectAnswers: r.IncorrectAnswers,
		Alias:            c.alias,
	})
}

// CompletedWorkshop composes the workshop completion event.
func (c *Composer) CompletedWorkshop(workshopID string, r *progress.WorkshopResult) (*LearningEvent, error) {
	return c.compose(workshopID, "", VerbCompletedWorkshop, CompletedWorkshopResult{
		StarsRemaining: r.StarsRemaining,
		TotalSteps:     r.TotalSteps,
		Alias:          c.alias,
	})
}

// AbandonedWorkshop composes the event recorded when a session closes with an
// in-progress workshop.
func (c *Composer) AbandonedWorkshop(workshopID string, r *progress.AbandonResult) (*LearningEvent, error) {
	return c.compose(workshopID, "", VerbAbandonedWorkshop, AbandonedWorkshopResult{
		LastStepIndex:  r.LastStepIndex,
		StarsRemaining: r.StarsRemaining,
	})
}

func (c *Composer) compose(workshopID, stepID string, verb Verb, payload any) (*LearningEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ev := &LearningEvent{
		IdempotencyKey:  c.newKey(),
		ActorID:         c.actorID,
		SessionID:       c.sessionID,
		ClassToken:      c.classToken,
		WorkshopID:      workshopID,
		StepID:          stepID,
		Verb:            verb,
		Result:          raw,
		ClientTimestamp: c.now().UTC(),
	}

	// Payload shapes are validated at composition time so a malformed event
	// can never reach the outbox.
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
