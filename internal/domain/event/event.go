// Package event defines the LearningEvent wire model shared by the agent and
// the ledger ingestion service, the verb-keyed result payload union, and the
// composer that builds events at the exact points the state machine
// authorizes them.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/UzyOrg/celesta/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VERBS
// ══════════════════════════════════════════════════════════════════════════════

// Verb identifies what a learning event records.
type Verb string

const (
	VerbStartedWorkshop   Verb = "started_workshop"
	VerbSubmittedAnswer   Verb = "submitted_answer"
	VerbRequestedHint     Verb = "requested_hint"
	VerbCompletedStep     Verb = "completed_step"
	VerbCompletedWorkshop Verb = "completed_workshop"
	VerbAbandonedWorkshop Verb = "abandoned_workshop"
)

// KnownVerbs lists every verb the ledger accepts.
var KnownVerbs = []Verb{
	VerbStartedWorkshop,
	VerbSubmittedAnswer,
	VerbRequestedHint,
	VerbCompletedStep,
	VerbCompletedWorkshop,
	VerbAbandonedWorkshop,
}

// Valid reports whether the verb is part of the contract.
func (v Verb) Valid() bool {
	for _, k := range KnownVerbs {
		if v == k {
			return true
		}
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// LEARNING EVENT
// ══════════════════════════════════════════════════════════════════════════════

// LearningEvent is an immutable record of one learning occurrence. It is
// created by the Composer, owned by the outbox until acknowledged by the
// ledger, then discarded.
//
// The idempotency key travels as "client_event_id" on the wire. The same
// logical occurrence must never be composed with two different keys, and
// retransmission must reuse the original key.
type LearningEvent struct {
	// IdempotencyKey is the client-generated, globally unique event id.
	IdempotencyKey string `json:"client_event_id"`

	// ActorID identifies the participant.
	ActorID string `json:"actor_id"`

	// SessionID is the opaque per-participant, per-class session identifier.
	SessionID string `json:"session_id"`

	// ClassToken is the optional class context.
	ClassToken string `json:"class_token,omitempty"`

	// WorkshopID identifies the workshop.
	WorkshopID string `json:"workshop_id"`

	// StepID identifies the step, where the verb is step-scoped.
	StepID string `json:"step_id,omitempty"`

	// Verb is what happened.
	Verb Verb `json:"verb"`

	// Result is the verb-specific payload, or null.
	Result json.RawMessage `json:"result,omitempty"`

	// ClientTimestamp is when the event was composed on the client.
	ClientTimestamp time.Time `json:"client_timestamp"`

	// ServerTimestamp is assigned by the ledger at ingestion.
	ServerTimestamp time.Time `json:"server_timestamp,omitempty"`
}

// Validate checks the fields the ledger requires of every event.
func (e *LearningEvent) Validate() error {
	if e.IdempotencyKey == "" {
		return shared.NewDomainError("event", "Validate", shared.ErrEmptyValue, "client_event_id is required")
	}
	if _, err := uuid.Parse(e.IdempotencyKey); err != nil {
		return shared.NewDomainError("event", "Validate", shared.ErrValidation,
			fmt.Sprintf("client_event_id %q is not a UUID", e.IdempotencyKey))
	}
	if e.SessionID == "" {
		return shared.NewDomainError("event", "Validate", shared.ErrEmptyValue, "session_id is required")
	}
	if e.WorkshopID == "" {
		return shared.NewDomainError("event", "Validate", shared.ErrEmptyValue, "workshop_id is required")
	}
	if !e.Verb.Valid() {
		return shared.NewDomainError("event", "Validate", shared.ErrValidation,
			fmt.Sprintf("unknown verb %q", e.Verb))
	}
	if e.ClientTimestamp.IsZero() {
		return shared.NewDomainError("event", "Validate", shared.ErrEmptyValue, "client_timestamp is required")
	}
	return ValidateResult(e.Verb, e.Result)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESULT PAYLOAD UNION
// ══════════════════════════════════════════════════════════════════════════════

// Result payload shapes, one per verb. The union is keyed by the event's verb
// and validated at composition time and again at ingestion.

// StartedWorkshopResult is the payload of started_workshop.
type StartedWorkshopResult struct {
	TotalSteps   int    `json:"total_steps"`
	StarsInitial int    `json:"stars_initial"`
	Alias        string `json:"alias,omitempty"`
}

// SubmittedAnswerResult is the payload of submitted_answer. The client core
// does not compose this verb (failed attempts are folded into the eventual
// completed_step event); it remains part of the contract for other emitters.
type SubmittedAnswerResult struct {
	Success bool            `json:"success"`
	Answer  json.RawMessage `json:"answer,omitempty"`
	Alias   string          `json:"alias,omitempty"`
}

// RequestedHintResult is the payload of requested_hint. Like
// submitted_answer, contract-only for this client.
type RequestedHintResult struct {
	HintIndex int `json:"hint_index"`
	Cost      int `json:"cost"`
}

// CompletedStepResult is the payload of completed_step.
type CompletedStepResult struct {
	Success          bool              `json:"success"`
	Score            int               `json:"score"`
	TotalAttempts    int               `json:"total_attempts"`
	FailedAttempts   int               `json:"failed_attempts"`
	HintsUsed        int               `json:"hints_used"`
	DurationSeconds  float64           `json:"duration_seconds"`
	IncorrectAnswers []json.RawMessage `json:"incorrect_answers,omitempty"`
	Alias            string            `json:"alias,omitempty"`
}

// CompletedWorkshopResult is the payload of completed_workshop.
type CompletedWorkshopResult struct {
	StarsRemaining int    `json:"stars_remaining"`
	TotalSteps     int    `json:"total_steps"`
	Alias          string `json:"alias,omitempty"`
}

// AbandonedWorkshopResult is the payload of abandoned_workshop.
type AbandonedWorkshopResult struct {
	LastStepIndex  int `json:"last_step_index"`
	StarsRemaining int `json:"stars_remaining"`
}

// ValidateResult checks that a raw result payload matches the shape the verb
// requires. A nil payload is accepted only for verbs with no required fields.
func ValidateResult(verb Verb, raw json.RawMessage) error {
	reject := func(err error) error {
		return shared.NewDomainError("event", "ValidateResult", shared.ErrValidation,
			fmt.Sprintf("result payload for %s: %v", verb, err))
	}
	strict := func(v any) error {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return reject(err)
		}
		return nil
	}

	switch verb {
	case VerbStartedWorkshop:
		if raw == nil {
			return nil
		}
		return strict(&StartedWorkshopResult{})
	case VerbSubmittedAnswer:
		if raw == nil {
			return reject(fmt.Errorf("payload is required"))
		}
		return strict(&SubmittedAnswerResult{})
	case VerbRequestedHint:
		if raw == nil {
			return reject(fmt.Errorf("payload is required"))
		}
		return strict(&RequestedHintResult{})
	case VerbCompletedStep:
		if raw == nil {
			return reject(fmt.Errorf("payload is required"))
		}
		return strict(&CompletedStepResult{})
	case VerbCompletedWorkshop:
		if raw == nil {
			return reject(fmt.Errorf("payload is required"))
		}
		return strict(&CompletedWorkshopResult{})
	case VerbAbandonedWorkshop:
		if raw == nil {
			return reject(fmt.Errorf("payload is required"))
		}
		return strict(&AbandonedWorkshopResult{})
	default:
		return shared.NewDomainError("event", "ValidateResult", shared.ErrValidation,
			fmt.Sprintf("unknown verb %q", verb))
	}
}

// Alias extracts the display alias carried opportunistically in result
// payloads, if any. Best effort: malformed payloads simply report none.
func (e *LearningEvent) Alias() (string, bool) {
	if e.Result == nil {
		return "", false
	}
	var probe struct {
		Alias string `json:"alias"`
	}
	if err := json.Unmarshal(e.Result, &probe); err != nil || probe.Alias == "" {
		return "", false
	}
	return probe.Alias, true
}
