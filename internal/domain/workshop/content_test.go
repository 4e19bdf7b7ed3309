package workshop

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/UzyOrg/celesta/internal/domain/shared"
)

func TestLoad_Parsing(t *testing.T) {
	jsonData := `{
    "id": "ws-fractions",
    "title": "Fractions Basics",
    "stars_initial": 3,
    "steps": [
        {
            "id": "step-1",
            "type": "free_text",
            "prompt": "What is 1/2 + 1/4?",
            "validation": {"kind": "one_of", "accepted": ["3/4", "0.75"]},
            "hints": [{"text": "Find a common denominator."}],
            "hint_costs": [1],
            "scoring": {"base": 100, "attempt_penalty": 10, "hint_penalty": 20, "min": 10}
        },
        {
            "id": "step-2",
            "type": "multi_choice",
            "prompt": "Which is larger, 2/3 or 3/5?",
            "validation": {"kind": "exact", "answer": "2/3"},
            "scoring": {"base": 50, "attempt_penalty": 5, "hint_penalty": 10, "min": 0}
        }
    ]
}`

	w, err := Load([]byte(jsonData))
	assert.NoError(t, err)

	assert.Equal(t, "ws-fractions", w.ID)
	assert.Equal(t, "Fractions Basics", w.Title)
	assert.Equal(t, 3, w.StarsInitial)
	assert.Equal(t, 2, w.StepCount())

	step, err := w.Step(0)
	assert.NoError(t, err)
	assert.Equal(t, "step-1", step.ID)
	assert.Equal(t, StepTypeFreeText, step.Type)
	assert.Equal(t, ValidationOneOf, step.Validation.Kind)
	assert.Len(t, step.Hints, 1)
	assert.Equal(t, 100, step.Scoring.Base)

	assert.False(t, w.IsFinalStep(0))
	assert.True(t, w.IsFinalStep(1))
}

func TestLoad_RejectsBrokenContent(t *testing.T) {
	cases := map[string]string{
		"missing id":        `{"title": "x", "steps": [{"id": "a", "validation": {"kind": "exact", "answer": "1"}}]}`,
		"no steps":          `{"id": "w", "steps": []}`,
		"step without id":   `{"id": "w", "steps": [{"validation": {"kind": "exact", "answer": "1"}}]}`,
		"duplicate step id": `{"id": "w", "steps": [{"id": "a", "validation": {"kind": "exact", "answer": "1"}}, {"id": "a", "validation": {"kind": "exact", "answer": "2"}}]}`,
		"unknown validator": `{"id": "w", "steps": [{"id": "a", "validation": {"kind": "regex"}}]}`,
		"exact w/o answer":  `{"id": "w", "steps": [{"id": "a", "validation": {"kind": "exact"}}]}`,
		"negative cost":     `{"id": "w", "steps": [{"id": "a", "validation": {"kind": "exact", "answer": "1"}, "hint_costs": [-1]}]}`,
	}

	for name, data := range cases {
		_, err := Load([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestStep_Check(t *testing.T) {
	exact := &Step{Validation: ValidationRule{Kind: ValidationExact, Answer: "Paris"}}

	assert.True(t, exact.Check(json.RawMessage(`{"answer": "Paris"}`)))
	assert.True(t, exact.Check(json.RawMessage(`{"answer": "  paris "}`)), "case and whitespace insensitive by default")
	assert.False(t, exact.Check(json.RawMessage(`{"answer": "London"}`)))
	assert.False(t, exact.Check(json.RawMessage(`not json`)), "undecodable payload is just incorrect")

	sensitive := &Step{Validation: ValidationRule{Kind: ValidationExact, Answer: "Paris", CaseSensitive: true}}
	assert.False(t, sensitive.Check(json.RawMessage(`{"answer": "paris"}`)))
	assert.True(t, sensitive.Check(json.RawMessage(`{"answer": "Paris"}`)))

	oneOf := &Step{Validation: ValidationRule{Kind: ValidationOneOf, Accepted: []string{"3/4", "0.75"}}}
	assert.True(t, oneOf.Check(json.RawMessage(`{"answer": "0.75"}`)))
	assert.False(t, oneOf.Check(json.RawMessage(`{"answer": "0.5"}`)))
}

func TestStep_NextHint_CostLadder(t *testing.T) {
	step := &Step{
		Hints:     []Hint{{Text: "first"}, {Text: "second"}, {Text: "third"}},
		HintCosts: []int{1, 2},
	}

	hint, cost, err := step.NextHint(0)
	assert.NoError(t, err)
	assert.Equal(t, "first", hint.Text)
	assert.Equal(t, 1, cost)

	hint, cost, err = step.NextHint(1)
	assert.NoError(t, err)
	assert.Equal(t, "second", hint.Text)
	assert.Equal(t, 2, cost)

	// Ladder shorter than the hint list: cost clamps to the last entry.
	hint, cost, err = step.NextHint(2)
	assert.NoError(t, err)
	assert.Equal(t, "third", hint.Text)
	assert.Equal(t, 2, cost)

	_, _, err = step.NextHint(3)
	assert.ErrorIs(t, err, shared.ErrNoHintsLeft)
}

func TestStep_NextHint_DefaultCost(t *testing.T) {
	step := &Step{Hints: []Hint{{Text: "only"}}}

	_, cost, err := step.NextHint(0)
	assert.NoError(t, err)
	assert.Equal(t, 1, cost)
}

func TestStep_Score(t *testing.T) {
	step := &Step{Scoring: Scoring{Base: 100, AttemptPenalty: 10, HintPenalty: 20, Min: 10}}

	assert.Equal(t, 100, step.Score(0, 0))
	assert.Equal(t, 80, step.Score(2, 0))
	assert.Equal(t, 60, step.Score(2, 1))
	assert.Equal(t, 10, step.Score(9, 3), "score floors at min")
}
