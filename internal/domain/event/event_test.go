package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func validEvent() LearningEvent {
	return LearningEvent{
		IdempotencyKey:  uuid.NewString(),
		ActorID:         "actor-1",
		SessionID:       "sess-1",
		WorkshopID:      "ws-1",
		StepID:          "step-1",
		Verb:            VerbCompletedStep,
		Result:          json.RawMessage(`{"success": true, "score": 80, "total_attempts": 2, "failed_attempts": 1, "hints_used": 0, "duration_seconds": 12.5}`),
		ClientTimestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestLearningEvent_Validate(t *testing.T) {
	ev := validEvent()
	assert.NoError(t, ev.Validate())
}

func TestLearningEvent_Validate_Rejections(t *testing.T) {
	cases := map[string]func(*LearningEvent){
		"missing key":        func(e *LearningEvent) { e.IdempotencyKey = "" },
		"non-uuid key":       func(e *LearningEvent) { e.IdempotencyKey = "evt-123" },
		"missing session":    func(e *LearningEvent) { e.SessionID = "" },
		"missing workshop":   func(e *LearningEvent) { e.WorkshopID = "" },
		"unknown verb":       func(e *LearningEvent) { e.Verb = "finished_thing" },
		"zero timestamp":     func(e *LearningEvent) { e.ClientTimestamp = time.Time{} },
		"missing payload":    func(e *LearningEvent) { e.Result = nil },
		"mismatched payload": func(e *LearningEvent) { e.Result = json.RawMessage(`{"last_step_index": 1}`) },
	}

	for name, mutate := range cases {
		ev := validEvent()
		mutate(&ev)
		assert.Error(t, ev.Validate(), name)
	}
}

func TestLearningEvent_WireNames(t *testing.T) {
	ev := validEvent()
	data, err := json.Marshal(&ev)
	assert.NoError(t, err)

	var raw map[string]any
	assert.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "client_event_id")
	assert.Contains(t, raw, "verb")
	assert.NotContains(t, raw, "IdempotencyKey")
}

func TestValidateResult_StartedWorkshopAllowsNil(t *testing.T) {
	assert.NoError(t, ValidateResult(VerbStartedWorkshop, nil))
	assert.Error(t, ValidateResult(VerbCompletedWorkshop, nil))
}

func TestValidateResult_RejectsUnknownFields(t *testing.T) {
	err := ValidateResult(VerbAbandonedWorkshop, json.RawMessage(`{"last_step_index": 1, "stars_remaining": 2, "bonus": true}`))
	assert.Error(t, err)
}

func TestLearningEvent_Alias(t *testing.T) {
	ev := validEvent()
	ev.Result = json.RawMessage(`{"success": true, "score": 1, "total_attempts": 1, "failed_attempts": 0, "hints_used": 0, "duration_seconds": 1, "alias": "Ayana"}`)

	alias, ok := ev.Alias()
	assert.True(t, ok)
	assert.Equal(t, "Ayana", alias)

	ev.Result = json.RawMessage(`{"success": true}`)
	_, ok = ev.Alias()
	assert.False(t, ok)

	ev.Result = nil
	_, ok = ev.Alias()
	assert.False(t, ok)
}

func TestErrorClass_Retryable(t *testing.T) {
	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassUnexpected.Retryable())
	assert.False(t, ClassPayloadTooLarge.Retryable())
	assert.False(t, ClassInvalidPayload.Retryable())
}
