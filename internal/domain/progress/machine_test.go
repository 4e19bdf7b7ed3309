package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/UzyOrg/celesta/internal/domain/shared"
	"github.com/UzyOrg/celesta/internal/domain/workshop"
)

func testWorkshop() *workshop.Workshop {
	return &workshop.Workshop{
		ID:           "ws-1",
		Title:        "Test Workshop",
		StarsInitial: 3,
		Steps: []workshop.Step{
			{
				ID:         "step-1",
				Type:       workshop.StepTypeFreeText,
				Prompt:     "First question",
				Validation: workshop.ValidationRule{Kind: workshop.ValidationExact, Answer: "alpha"},
				Hints:      []workshop.Hint{{Text: "starts with a"}, {Text: "greek letter"}},
				HintCosts:  []int{1, 2},
				Scoring:    workshop.Scoring{Base: 100, AttemptPenalty: 10, HintPenalty: 20, Min: 10},
			},
			{
				ID:         "step-2",
				Type:       workshop.StepTypeFreeText,
				Prompt:     "Second question",
				Validation: workshop.ValidationRule{Kind: workshop.ValidationExact, Answer: "beta"},
				Scoring:    workshop.Scoring{Base: 50, AttemptPenalty: 5, HintPenalty: 10, Min: 0},
			},
		},
	}
}

func answer(s string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"answer": s})
	return raw
}

func TestMachine_StartedWorkshopFiresOnce(t *testing.T) {
	m := NewMachine(testWorkshop(), "sess-1", nil)

	started, err := m.EnterStep(0)
	assert.NoError(t, err)
	assert.True(t, started)

	started, err = m.EnterStep(0)
	assert.NoError(t, err)
	assert.False(t, started, "re-rendering must not re-authorize started_workshop")
}

func TestMachine_FailedAttemptsFoldIntoCompletedStep(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m := NewMachine(testWorkshop(), "sess-1", nil).WithClock(func() time.Time { return now })

	_, err := m.EnterStep(0)
	assert.NoError(t, err)

	// Two wrong answers: state mutates, no event is authorized.
	for _, wrong := range []string{"gamma", "delta"} {
		attempt, err := m.SubmitAttempt(answer(wrong))
		assert.NoError(t, err)
		assert.False(t, attempt.Correct)
		assert.Nil(t, attempt.Step)
	}

	// One hint at cost 1 from a pool of 3.
	grant, err := m.RequestHint()
	assert.NoError(t, err)
	assert.Equal(t, 1, grant.Cost)
	assert.Equal(t, 2, grant.StarsRemaining)

	now = now.Add(90 * time.Second)
	attempt, err := m.SubmitAttempt(answer("alpha"))
	assert.NoError(t, err)
	assert.True(t, attempt.Correct)

	step := attempt.Step
	assert.NotNil(t, step)
	assert.Equal(t, "step-1", step.StepID)
	assert.Equal(t, 2, step.FailedAttempts)
	assert.Equal(t, 3, step.TotalAttempts)
	assert.Equal(t, 1, step.HintsUsed)
	assert.Len(t, step.IncorrectAnswers, 2)
	assert.Equal(t, 90.0, step.DurationSeconds)
	// 100 base - 2*10 attempts - 1*20 hints
	assert.Equal(t, 60, step.Score)

	assert.Nil(t, attempt.Workshop, "first of two steps must not complete the workshop")
}

func TestMachine_FinalStepCompletesWorkshop(t *testing.T) {
	m := NewMachine(testWorkshop(), "sess-1", nil)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)
	_, err = m.SubmitAttempt(answer("alpha"))
	assert.NoError(t, err)

	_, err = m.EnterStep(1)
	assert.NoError(t, err)
	attempt, err := m.SubmitAttempt(answer("beta"))
	assert.NoError(t, err)

	assert.True(t, attempt.Correct)
	assert.NotNil(t, attempt.Workshop)
	assert.Equal(t, 3, attempt.Workshop.StarsRemaining)
	assert.Equal(t, 2, attempt.Workshop.TotalSteps)
	assert.True(t, m.Progress().Completed)

	// The aggregate is read-only now.
	_, err = m.SubmitAttempt(answer("beta"))
	assert.ErrorIs(t, err, shared.ErrReadOnly)
	_, err = m.RequestHint()
	assert.ErrorIs(t, err, shared.ErrReadOnly)
	_, err = m.EnterStep(0)
	assert.ErrorIs(t, err, shared.ErrReadOnly)
}

func TestMachine_HintEconomy(t *testing.T) {
	w := testWorkshop()
	w.StarsInitial = 2
	m := NewMachine(w, "sess-1", nil)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)

	grant, err := m.RequestHint()
	assert.NoError(t, err)
	assert.Equal(t, "starts with a", grant.Text)
	assert.Equal(t, 1, grant.StarsRemaining)

	// Second tier costs 2, only 1 star left: rejected, nothing mutates.
	_, err = m.RequestHint()
	assert.ErrorIs(t, err, shared.ErrInsufficientStars)
	assert.Equal(t, 1, m.Progress().StarsRemaining)
	assert.Equal(t, 1, m.Progress().StepState(0).HintsUsed)
}

func TestMachine_HintTiersExhausted(t *testing.T) {
	w := testWorkshop()
	w.StarsInitial = 10
	m := NewMachine(w, "sess-1", nil)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)

	_, err = m.RequestHint()
	assert.NoError(t, err)
	_, err = m.RequestHint()
	assert.NoError(t, err)

	_, err = m.RequestHint()
	assert.ErrorIs(t, err, shared.ErrNoHintsLeft)
	assert.Equal(t, 7, m.Progress().StarsRemaining)
}

func TestMachine_HintRejectedWithZeroStars(t *testing.T) {
	w := testWorkshop()
	w.StarsInitial = 0
	m := NewMachine(w, "sess-1", nil)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)

	_, err = m.RequestHint()
	assert.ErrorIs(t, err, shared.ErrInsufficientStars)
}

func TestMachine_CurrentStepIndexMonotonic(t *testing.T) {
	m := NewMachine(testWorkshop(), "sess-1", nil)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)
	_, err = m.SubmitAttempt(answer("alpha"))
	assert.NoError(t, err)

	_, err = m.EnterStep(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Progress().CurrentStepIndex)

	// Re-rendering an earlier step never regresses the index.
	_, err = m.EnterStep(0)
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Progress().CurrentStepIndex)
}

func TestMachine_CompletedStepRejectsFurtherWork(t *testing.T) {
	m := NewMachine(testWorkshop(), "sess-1", nil)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)
	_, err = m.SubmitAttempt(answer("alpha"))
	assert.NoError(t, err)

	// Still on step 0 until the next render.
	_, err = m.SubmitAttempt(answer("alpha"))
	assert.ErrorIs(t, err, shared.ErrStateTransition)
	_, err = m.RequestHint()
	assert.ErrorIs(t, err, shared.ErrStateTransition)
}

func TestMachine_Abandon(t *testing.T) {
	m := NewMachine(testWorkshop(), "sess-1", nil)

	// Never entered: nothing to record.
	_, ok := m.Abandon()
	assert.False(t, ok)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)

	ab, ok := m.Abandon()
	assert.True(t, ok)
	assert.Equal(t, 0, ab.LastStepIndex)
	assert.Equal(t, 3, ab.StarsRemaining)
}

func TestMachine_AbandonAfterCompletionIsNoop(t *testing.T) {
	m := NewMachine(testWorkshop(), "sess-1", nil)

	_, err := m.EnterStep(0)
	assert.NoError(t, err)
	_, err = m.SubmitAttempt(answer("alpha"))
	assert.NoError(t, err)
	_, err = m.EnterStep(1)
	assert.NoError(t, err)
	_, err = m.SubmitAttempt(answer("beta"))
	assert.NoError(t, err)

	_, ok := m.Abandon()
	assert.False(t, ok)
}

func TestMachine_ResumesFromPersistedProgress(t *testing.T) {
	w := testWorkshop()
	p := New("sess-1", w.ID, w.StarsInitial)
	p.CurrentStepIndex = 1
	p.StarsRemaining = 2
	st := p.StepState(0)
	st.Completed = true
	st.FailedAttempts = 1

	data, err := p.Marshal()
	assert.NoError(t, err)
	restored, err := Unmarshal(data)
	assert.NoError(t, err)

	m := NewMachine(w, "sess-1", restored)
	started, err := m.EnterStep(restored.CurrentStepIndex)
	assert.NoError(t, err)
	assert.True(t, started, "a fresh machine instance re-authorizes started_workshop")

	attempt, err := m.SubmitAttempt(answer("beta"))
	assert.NoError(t, err)
	assert.True(t, attempt.Correct)
	assert.NotNil(t, attempt.Workshop)
	assert.Equal(t, 2, attempt.Workshop.StarsRemaining)
}
