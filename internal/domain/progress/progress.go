// Package progress owns the authoritative-until-synced local record of a
// participant's progress through a workshop: the WorkshopProgress aggregate,
// the per-step state, and the state machine that governs both.
package progress

import (
	"encoding/json"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATES
// ══════════════════════════════════════════════════════════════════════════════

// WorkshopProgress is the progress aggregate for one (session, workshop) pair.
//
// Invariants:
//   - 0 <= StarsRemaining <= StarsInitial
//   - CurrentStepIndex is monotonically non-decreasing while active
//   - once Completed is true the aggregate is read-only
type WorkshopProgress struct {
	// WorkshopID identifies the workshop.
	WorkshopID string `json:"workshop_id"`

	// SessionID is the opaque per-participant, per-class session identifier.
	SessionID string `json:"session_id"`

	// CurrentStepIndex is the index of the step the participant is on.
	CurrentStepIndex int `json:"current_step_index"`

	// StarsRemaining is the current hint currency balance.
	StarsRemaining int `json:"stars_remaining"`

	// StarsInitial is the star pool size the workshop started with.
	StarsInitial int `json:"stars_initial"`

	// StepStates holds per-step state, keyed by step index.
	StepStates map[int]*StepState `json:"step_states"`

	// LastUpdatedAt is bumped on every persisted mutation.
	LastUpdatedAt time.Time `json:"last_updated_at"`

	// Completed is set when the final step completes.
	Completed bool `json:"completed"`
}

// StepState is the lifecycle state of a single step.
//
// Invariants: Completed transitions false->true exactly once; FailedAttempts
// and HintsUsed only increase before completion and are frozen after.
type StepState struct {
	// FailedAttempts counts validation failures before completion.
	FailedAttempts int `json:"failed_attempts"`

	// HintsUsed counts hints taken on this step.
	HintsUsed int `json:"hints_used"`

	// StartedAt is set on first render of the step.
	StartedAt time.Time `json:"started_at"`

	// TotalDurationSeconds is now - StartedAt, computed at completion.
	// Only meaningful once Completed is true.
	TotalDurationSeconds float64 `json:"total_duration_seconds,omitempty"`

	// IncorrectAnswers holds the candidate payloads of failed attempts,
	// in submission order. Payloads are opaque to this package.
	IncorrectAnswers []json.RawMessage `json:"incorrect_answers,omitempty"`

	// Completed marks the terminal state of the step.
	Completed bool `json:"completed"`
}

// New creates a fresh WorkshopProgress for the given pair.
func New(sessionID, workshopID string, starsInitial int) *WorkshopProgress {
	return &WorkshopProgress{
		WorkshopID:     workshopID,
		SessionID:      sessionID,
		StarsRemaining: starsInitial,
		StarsInitial:   starsInitial,
		StepStates:     make(map[int]*StepState),
		LastUpdatedAt:  time.Now().UTC(),
	}
}

// StepState returns the state for a step index, creating it if absent.
func (p *WorkshopProgress) StepState(index int) *StepState {
	if p.StepStates == nil {
		p.StepStates = make(map[int]*StepState)
	}
	st, ok := p.StepStates[index]
	if !ok {
		st = &StepState{}
		p.StepStates[index] = st
	}
	return st
}

// Touch bumps LastUpdatedAt. Called by the store on every save.
func (p *WorkshopProgress) Touch(now time.Time) {
	p.LastUpdatedAt = now.UTC()
}

// Marshal serializes the aggregate for the local durable store.
func (p *WorkshopProgress) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal deserializes an aggregate loaded from the local durable store.
func Unmarshal(data []byte) (*WorkshopProgress, error) {
	var p WorkshopProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.StepStates == nil {
		p.StepStates = make(map[int]*StepState)
	}
	return &p, nil
}
