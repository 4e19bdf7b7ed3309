package progress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/shared"
	"github.com/UzyOrg/celesta/internal/domain/workshop"
)

// ══════════════════════════════════════════════════════════════════════════════
// STEP STATE MACHINE
// ══════════════════════════════════════════════════════════════════════════════

// Machine governs the lifecycle of each step (not-started -> in-progress ->
// completed), the hint economy, and decides which transitions are
// event-worthy. It mutates exactly one WorkshopProgress aggregate and never
// performs I/O; persistence and delivery are the caller's concern.
type Machine struct {
	content  *workshop.Workshop
	progress *WorkshopProgress

	// now is injectable for tests.
	now func() time.Time

	// startedOnce guards the one-shot started_workshop authorization.
	// Deliberately not persisted: duplicates across reloads are tolerated
	// because the ledger is append-only and the verb is not used for gating.
	startedOnce bool
}

// NewMachine creates a state machine over the given content and progress.
// A nil progress starts a fresh aggregate with a full star pool.
func NewMachine(content *workshop.Workshop, sessionID string, p *WorkshopProgress) *Machine {
	if p == nil {
		p = New(sessionID, content.ID, content.StarsInitial)
	}
	return &Machine{
		content:  content,
		progress: p,
		now:      time.Now,
	}
}

// WithClock overrides the machine's clock. Test hook.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Progress exposes the underlying aggregate for persistence.
func (m *Machine) Progress() *WorkshopProgress {
	return m.progress
}

// StepResult aggregates everything a completed_step event carries.
type StepResult struct {
	StepID           string
	StepIndex        int
	Success          bool
	Score            int
	TotalAttempts    int
	FailedAttempts   int
	HintsUsed        int
	DurationSeconds  float64
	IncorrectAnswers []json.RawMessage
}

// WorkshopResult carries the payload of a completed_workshop event.
type WorkshopResult struct {
	StarsRemaining int
	TotalSteps     int
}

// Attempt is the outcome of a submitted answer. Step is non-nil exactly when
// the attempt completed the step; Workshop is non-nil exactly when it also
// completed the workshop.
type Attempt struct {
	Correct  bool
	Step     *StepResult
	Workshop *WorkshopResult
}

// HintGrant is the outcome of an accepted hint request.
type HintGrant struct {
	Text           string
	Cost           int
	HintsUsed      int
	StarsRemaining int
}

// AbandonResult carries the payload of an abandoned_workshop event.
type AbandonResult struct {
	LastStepIndex  int
	StarsRemaining int
}

// EnterStep records the first render of a step, starting its in-progress
// clock. It reports whether a started_workshop event is authorized: exactly
// once per machine instance, on the first render of any step of an
// uncompleted workshop. Re-rendering an earlier step never regresses
// CurrentStepIndex.
func (m *Machine) EnterStep(index int) (startedWorkshop bool, err error) {
	if m.progress.Completed {
		return false, shared.NewDomainError("progress", "EnterStep", shared.ErrReadOnly,
			"workshop already completed")
	}
	if _, err := m.content.Step(index); err != nil {
		return false, err
	}

	if index > m.progress.CurrentStepIndex {
		m.progress.CurrentStepIndex = index
	}

	st := m.progress.StepState(index)
	if st.StartedAt.IsZero() {
		st.StartedAt = m.now().UTC()
	}

	if !m.startedOnce {
		m.startedOnce = true
		return true, nil
	}
	return false, nil
}

// SubmitAttempt evaluates a candidate answer for the current step.
//
// A failed attempt increments FailedAttempts and appends the payload to
// IncorrectAnswers; no event is authorized for it. A successful attempt
// transitions the step to completed, freezes its counters, and authorizes
// exactly one completed_step event carrying the full attempt and hint
// history. Completing the final step additionally authorizes a
// completed_workshop event and retires the aggregate.
func (m *Machine) SubmitAttempt(payload json.RawMessage) (*Attempt, error) {
	if m.progress.Completed {
		return nil, shared.NewDomainError("progress", "SubmitAttempt", shared.ErrReadOnly,
			"workshop already completed")
	}

	index := m.progress.CurrentStepIndex
	step, err := m.content.Step(index)
	if err != nil {
		return nil, err
	}

	st := m.progress.StepState(index)
	if st.Completed {
		return nil, shared.NewDomainError("progress", "SubmitAttempt", shared.ErrStateTransition,
			fmt.Sprintf("step %d already completed", index))
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = m.now().UTC()
	}

	if !step.Check(payload) {
		st.FailedAttempts++
		st.IncorrectAnswers = append(st.IncorrectAnswers, payload)
		return &Attempt{Correct: false}, nil
	}

	st.Completed = true
	st.TotalDurationSeconds = m.now().UTC().Sub(st.StartedAt).Seconds()

	result := &StepResult{
		StepID:           step.ID,
		StepIndex:        index,
		Success:          true,
		Score:            step.Score(st.FailedAttempts, st.HintsUsed),
		TotalAttempts:    st.FailedAttempts + 1,
		FailedAttempts:   st.FailedAttempts,
		HintsUsed:        st.HintsUsed,
		DurationSeconds:  st.TotalDurationSeconds,
		IncorrectAnswers: st.IncorrectAnswers,
	}

	attempt := &Attempt{Correct: true, Step: result}

	if m.content.IsFinalStep(index) {
		m.progress.Completed = true
		attempt.Workshop = &WorkshopResult{
			StarsRemaining: m.progress.StarsRemaining,
			TotalSteps:     m.content.StepCount(),
		}
	}

	return attempt, nil
}

// RequestHint grants the next hint tier for the current step if the star pool
// can afford it. Rejections are returned as errors and leave all state
// untouched; no event is ever authorized for a hint, the count is folded into
// the step's eventual completed_step event.
func (m *Machine) RequestHint() (*HintGrant, error) {
	if m.progress.Completed {
		return nil, shared.NewDomainError("progress", "RequestHint", shared.ErrReadOnly,
			"workshop already completed")
	}

	index := m.progress.CurrentStepIndex
	step, err := m.content.Step(index)
	if err != nil {
		return nil, err
	}

	st := m.progress.StepState(index)
	if st.Completed {
		return nil, shared.NewDomainError("progress", "RequestHint", shared.ErrStateTransition,
			fmt.Sprintf("step %d already completed", index))
	}

	hint, cost, err := step.NextHint(st.HintsUsed)
	if err != nil {
		return nil, err
	}
	if m.progress.StarsRemaining == 0 || cost > m.progress.StarsRemaining {
		return nil, shared.NewDomainError("progress", "RequestHint", shared.ErrInsufficientStars,
			fmt.Sprintf("hint costs %d, %d stars remaining", cost, m.progress.StarsRemaining))
	}

	m.progress.StarsRemaining -= cost
	st.HintsUsed++

	return &HintGrant{
		Text:           hint.Text,
		Cost:           cost,
		HintsUsed:      st.HintsUsed,
		StarsRemaining: m.progress.StarsRemaining,
	}, nil
}

// Abandon authorizes an abandoned_workshop event for a workshop that was
// started but not completed. It reports false when there is nothing to
// record (never entered, or already completed).
func (m *Machine) Abandon() (*AbandonResult, bool) {
	if m.progress.Completed || !m.startedOnce {
		return nil, false
	}
	return &AbandonResult{
		LastStepIndex:  m.progress.CurrentStepIndex,
		StarsRemaining: m.progress.StarsRemaining,
	}, true
}
