// Package workshop defines the read-only content of a workshop: the ordered
// step definitions, their validation rules, hint ladders, and scoring blocks.
// Content is authored externally and consumed by the progress state machine;
// nothing in this repository ever mutates it.
package workshop

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/UzyOrg/celesta/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONTENT MODEL
// ══════════════════════════════════════════════════════════════════════════════

// Workshop is an ordered multi-step interactive exercise.
type Workshop struct {
	// ID uniquely identifies the workshop across the platform.
	ID string `json:"id"`

	// Title is the display title of the workshop.
	Title string `json:"title"`

	// StarsInitial is the size of the hint star pool a participant starts with.
	StarsInitial int `json:"stars_initial"`

	// Steps are the ordered step definitions.
	Steps []Step `json:"steps"`
}

// StepType identifies the interaction type of a step.
type StepType string

const (
	// StepTypeMultiChoice - pick one option from a fixed set.
	StepTypeMultiChoice StepType = "multi_choice"

	// StepTypeFreeText - type a free-form answer.
	StepTypeFreeText StepType = "free_text"

	// StepTypeNumeric - type a numeric answer.
	StepTypeNumeric StepType = "numeric"
)

// Step is one unit of interaction within a workshop.
type Step struct {
	// ID uniquely identifies the step within the workshop.
	ID string `json:"id"`

	// Type is the interaction type.
	Type StepType `json:"type"`

	// Prompt is the question or instruction shown to the participant.
	Prompt string `json:"prompt"`

	// Validation is the rule a candidate answer must satisfy.
	Validation ValidationRule `json:"validation"`

	// Hints are the ordered hint tiers available on this step.
	Hints []Hint `json:"hints,omitempty"`

	// HintCosts is the ordered cost ladder, indexed by the number of hints
	// already used, clamped to the last entry once exhausted.
	HintCosts []int `json:"hint_costs,omitempty"`

	// Scoring controls how the step score is computed.
	Scoring Scoring `json:"scoring"`
}

// Hint is one tier of assistance for a step.
type Hint struct {
	// Text is the hint content.
	Text string `json:"text"`
}

// ValidationRule decides whether a candidate answer payload is correct.
type ValidationRule struct {
	// Kind selects the matching strategy.
	Kind ValidationKind `json:"kind"`

	// Answer is the expected answer for "exact" matching.
	Answer string `json:"answer,omitempty"`

	// Accepted is the set of accepted answers for "one_of" matching.
	Accepted []string `json:"accepted,omitempty"`

	// CaseSensitive controls string comparison (default: insensitive).
	CaseSensitive bool `json:"case_sensitive,omitempty"`
}

// ValidationKind is the matching strategy of a validation rule.
type ValidationKind string

const (
	// ValidationExact - the answer must equal a single expected value.
	ValidationExact ValidationKind = "exact"

	// ValidationOneOf - the answer must be one of a set of accepted values.
	ValidationOneOf ValidationKind = "one_of"
)

// Scoring is the per-step scoring block.
type Scoring struct {
	// Base is the score for a first-try, no-hint success.
	Base int `json:"base"`

	// AttemptPenalty is subtracted per failed attempt.
	AttemptPenalty int `json:"attempt_penalty"`

	// HintPenalty is subtracted per hint used.
	HintPenalty int `json:"hint_penalty"`

	// Min is the floor of the computed score.
	Min int `json:"min"`
}

// candidateAnswer is the accepted shape of a submitted answer payload.
type candidateAnswer struct {
	Answer string `json:"answer"`
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// StepCount returns the number of steps in the workshop.
func (w *Workshop) StepCount() int {
	return len(w.Steps)
}

// Step returns the step at the given index.
func (w *Workshop) Step(index int) (*Step, error) {
	if index < 0 || index >= len(w.Steps) {
		return nil, shared.NewDomainError("workshop", "Step", shared.ErrValueOutOfRange,
			fmt.Sprintf("step index %d out of range [0,%d)", index, len(w.Steps)))
	}
	return &w.Steps[index], nil
}

// IsFinalStep reports whether index addresses the last step of the workshop.
func (w *Workshop) IsFinalStep(index int) bool {
	return index == len(w.Steps)-1
}

// Check evaluates a candidate answer payload against the step's validation
// rule. Payloads that do not decode are simply incorrect, not an error: the
// participant typed something the rule cannot accept.
func (s *Step) Check(payload json.RawMessage) bool {
	var cand candidateAnswer
	if err := json.Unmarshal(payload, &cand); err != nil {
		return false
	}
	return s.Validation.matches(cand.Answer)
}

func (r ValidationRule) matches(answer string) bool {
	norm := func(v string) string {
		v = strings.TrimSpace(v)
		if !r.CaseSensitive {
			v = strings.ToLower(v)
		}
		return v
	}

	switch r.Kind {
	case ValidationExact:
		return norm(answer) == norm(r.Answer)
	case ValidationOneOf:
		for _, a := range r.Accepted {
			if norm(answer) == norm(a) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// NextHint returns the hint tier and its star cost for a participant who has
// already used hintsUsed hints. The cost ladder is indexed by hintsUsed and
// clamped to its last entry once exhausted.
func (s *Step) NextHint(hintsUsed int) (*Hint, int, error) {
	if hintsUsed < 0 {
		return nil, 0, shared.NewDomainError("workshop", "NextHint", shared.ErrValueOutOfRange,
			"hints used cannot be negative")
	}
	if hintsUsed >= len(s.Hints) {
		return nil, 0, shared.NewDomainError("workshop", "NextHint", shared.ErrNoHintsLeft,
			"all hint tiers exhausted")
	}

	cost := 1
	if len(s.HintCosts) > 0 {
		idx := hintsUsed
		if idx >= len(s.HintCosts) {
			idx = len(s.HintCosts) - 1
		}
		cost = s.HintCosts[idx]
	}

	return &s.Hints[hintsUsed], cost, nil
}

// Score computes the step score from attempt and hint counts.
func (s *Step) Score(failedAttempts, hintsUsed int) int {
	score := s.Scoring.Base - failedAttempts*s.Scoring.AttemptPenalty - hintsUsed*s.Scoring.HintPenalty
	if score < s.Scoring.Min {
		score = s.Scoring.Min
	}
	return score
}

// ══════════════════════════════════════════════════════════════════════════════
// LOADING
// ══════════════════════════════════════════════════════════════════════════════

// Load parses workshop content from JSON and validates it.
func Load(data []byte) (*Workshop, error) {
	var w Workshop
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workshop content: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadFile reads and parses workshop content from a file.
func LoadFile(path string) (*Workshop, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workshop content: %w", err)
	}
	return Load(data)
}

// Validate checks content integrity.
func (w *Workshop) Validate() error {
	if w.ID == "" {
		return shared.NewDomainError("workshop", "Validate", shared.ErrEmptyValue, "workshop id is required")
	}
	if w.StarsInitial < 0 {
		return shared.NewDomainError("workshop", "Validate", shared.ErrValueOutOfRange, "stars_initial cannot be negative")
	}
	if len(w.Steps) == 0 {
		return shared.NewDomainError("workshop", "Validate", shared.ErrEmptyValue, "workshop has no steps")
	}

	seen := make(map[string]struct{}, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == "" {
			return shared.NewDomainError("workshop", "Validate", shared.ErrEmptyValue,
				fmt.Sprintf("step %d has no id", i))
		}
		if _, dup := seen[s.ID]; dup {
			return shared.NewDomainError("workshop", "Validate", shared.ErrValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = struct{}{}

		switch s.Validation.Kind {
		case ValidationExact:
			if s.Validation.Answer == "" {
				return shared.NewDomainError("workshop", "Validate", shared.ErrEmptyValue,
					fmt.Sprintf("step %q: exact validation requires an answer", s.ID))
			}
		case ValidationOneOf:
			if len(s.Validation.Accepted) == 0 {
				return shared.NewDomainError("workshop", "Validate", shared.ErrEmptyValue,
					fmt.Sprintf("step %q: one_of validation requires accepted answers", s.ID))
			}
		default:
			return shared.NewDomainError("workshop", "Validate", shared.ErrValidation,
				fmt.Sprintf("step %q: unknown validation kind %q", s.ID, s.Validation.Kind))
		}

		for _, c := range s.HintCosts {
			if c < 0 {
				return shared.NewDomainError("workshop", "Validate", shared.ErrValueOutOfRange,
					fmt.Sprintf("step %q: hint cost cannot be negative", s.ID))
			}
		}
	}

	return nil
}
