package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/internal/domain/progress"
	"github.com/UzyOrg/celesta/internal/domain/shared"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "celesta.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func queuedEvent(key string) *event.LearningEvent {
	return &event.LearningEvent{
		IdempotencyKey:  key,
		ActorID:         "actor-1",
		SessionID:       "sess-1",
		WorkshopID:      "ws-1",
		Verb:            event.VerbAbandonedWorkshop,
		Result:          json.RawMessage(`{"last_step_index":1,"stars_remaining":3}`),
		ClientTimestamp: time.Now().UTC(),
	}
}

func TestOpen_MigrationsAreRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "celesta.db")

	store, err := Open(path)
	assert.NoError(t, err)
	assert.NoError(t, store.Ping(context.Background()))
	assert.NoError(t, store.Close())

	// Reopening the same file re-applies the schema without error.
	store, err = Open(path)
	assert.NoError(t, err)
	assert.NoError(t, store.Close())
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

func TestProgressRepository_SaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	repo := NewProgressRepository(store)
	ctx := context.Background()

	p := &progress.WorkshopProgress{
		WorkshopID:       "ws-1",
		SessionID:        "sess-1",
		CurrentStepIndex: 2,
		StarsRemaining:   3,
		StarsInitial:     5,
		StepStates: map[int]*progress.StepState{
			0: {Completed: true, FailedAttempts: 2, HintsUsed: 1},
			1: {Completed: true},
		},
	}
	assert.NoError(t, repo.Save(ctx, p))

	loaded, err := repo.Load(ctx, "sess-1", "ws-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentStepIndex)
	assert.Equal(t, 3, loaded.StarsRemaining)
	assert.Equal(t, 2, loaded.StepStates[0].FailedAttempts)
	assert.True(t, loaded.StepStates[1].Completed)
	assert.False(t, loaded.LastUpdatedAt.IsZero())
}

func TestProgressRepository_SaveOverwrites(t *testing.T) {
	store := openTestStore(t)
	repo := NewProgressRepository(store)
	ctx := context.Background()

	p := &progress.WorkshopProgress{WorkshopID: "ws-1", SessionID: "sess-1", StarsRemaining: 5, StarsInitial: 5}
	assert.NoError(t, repo.Save(ctx, p))

	p.StarsRemaining = 2
	p.Completed = true
	assert.NoError(t, repo.Save(ctx, p))

	loaded, err := repo.Load(ctx, "sess-1", "ws-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, loaded.StarsRemaining)
	assert.True(t, loaded.Completed)
}

func TestProgressRepository_LoadUnknownKey(t *testing.T) {
	store := openTestStore(t)
	repo := NewProgressRepository(store)

	_, err := repo.Load(context.Background(), "sess-x", "ws-x")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTBOX REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

func TestOutboxRepository_EnqueueIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	ev := queuedEvent(uuid.NewString())
	_, err := repo.Enqueue(ctx, ev)
	assert.NoError(t, err)

	// Replaying the same composition must not duplicate the row.
	_, err = repo.Enqueue(ctx, ev)
	assert.NoError(t, err)

	pending, err := repo.Pending(ctx)
	assert.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOutboxRepository_PendingPreservesEnqueueOrder(t *testing.T) {
	store := openTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	keys := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, key := range keys {
		_, err := repo.Enqueue(ctx, queuedEvent(key))
		assert.NoError(t, err)
	}

	pending, err := repo.Pending(ctx)
	assert.NoError(t, err)
	assert.Len(t, pending, 3)
	for i, key := range keys {
		assert.Equal(t, key, pending[i].Event.IdempotencyKey)
		assert.False(t, pending[i].EnqueuedAt.IsZero())
	}
}

func TestOutboxRepository_DeleteAcknowledged(t *testing.T) {
	store := openTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	id1, err := repo.Enqueue(ctx, queuedEvent(uuid.NewString()))
	assert.NoError(t, err)
	id2, err := repo.Enqueue(ctx, queuedEvent(uuid.NewString()))
	assert.NoError(t, err)
	survivor := uuid.NewString()
	_, err = repo.Enqueue(ctx, queuedEvent(survivor))
	assert.NoError(t, err)

	assert.NoError(t, repo.Delete(ctx, id1, id2))

	pending, err := repo.Pending(ctx)
	assert.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, survivor, pending[0].Event.IdempotencyKey)

	assert.NoError(t, repo.Delete(ctx), "empty id list is a no-op")
}

func TestOutboxRepository_MoveToDead(t *testing.T) {
	store := openTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	key := uuid.NewString()
	id, err := repo.Enqueue(ctx, queuedEvent(key))
	assert.NoError(t, err)

	assert.NoError(t, repo.MoveToDead(ctx, id, "ledger: invalid_payload (status 422)"))

	pending, err := repo.Pending(ctx)
	assert.NoError(t, err)
	assert.Empty(t, pending)

	dead, err := repo.Dead(ctx)
	assert.NoError(t, err)
	assert.Len(t, dead, 1)
	assert.Equal(t, key, dead[0].Event.IdempotencyKey)
	assert.Equal(t, "ledger: invalid_payload (status 422)", dead[0].Reason)
	assert.False(t, dead[0].DeadAt.IsZero())
}
