package query

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/UzyOrg/celesta/internal/domain/progress"
	"github.com/UzyOrg/celesta/internal/domain/shared"
	"github.com/UzyOrg/celesta/pkg/logger"
)

type fakeLedger struct {
	completed bool
	err       error
	calls     int
}

func (f *fakeLedger) IsWorkshopCompleted(context.Context, string, string) (bool, error) {
	f.calls++
	return f.completed, f.err
}

type fakeProgress struct {
	progress *progress.WorkshopProgress
	err      error
}

func (f *fakeProgress) Load(context.Context, string, string) (*progress.WorkshopProgress, error) {
	return f.progress, f.err
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{Output: io.Discard})
}

func completedQuery() WorkshopCompletedQuery {
	return WorkshopCompletedQuery{SessionID: "sess-1", WorkshopID: "ws-1"}
}

func TestHandle_RemoteWinsOverLocal(t *testing.T) {
	// Local says done, remote says not: the participant cleared their device
	// record or never finished; the ledger answer stands.
	remote := &fakeLedger{completed: false}
	local := &fakeProgress{progress: &progress.WorkshopProgress{Completed: true}}
	h := NewWorkshopCompletedHandler(remote, local, quietLogger())

	done, err := h.Handle(context.Background(), completedQuery())
	assert.NoError(t, err)
	assert.False(t, done)

	// And the other direction: a wiped local store cannot re-earn rewards.
	remote.completed = true
	local.progress = nil
	local.err = shared.ErrNotFound

	done, err = h.Handle(context.Background(), completedQuery())
	assert.NoError(t, err)
	assert.True(t, done)
}

func TestHandle_RemoteFailureFallsBackToLocal(t *testing.T) {
	remote := &fakeLedger{err: errors.New("connection refused")}
	local := &fakeProgress{progress: &progress.WorkshopProgress{Completed: true}}
	h := NewWorkshopCompletedHandler(remote, local, quietLogger())

	done, err := h.Handle(context.Background(), completedQuery())
	assert.NoError(t, err, "degraded lookups never error")
	assert.True(t, done)
	assert.Equal(t, 1, remote.calls, "no synchronous retry")
}

func TestHandle_NoRemoteUsesLocalOnly(t *testing.T) {
	local := &fakeProgress{progress: &progress.WorkshopProgress{Completed: true}}
	h := NewWorkshopCompletedHandler(nil, local, quietLogger())

	done, err := h.Handle(context.Background(), completedQuery())
	assert.NoError(t, err)
	assert.True(t, done)
}

func TestHandle_NothingKnownMeansNotCompleted(t *testing.T) {
	remote := &fakeLedger{err: errors.New("timeout")}
	local := &fakeProgress{err: shared.ErrNotFound}
	h := NewWorkshopCompletedHandler(remote, local, quietLogger())

	done, err := h.Handle(context.Background(), completedQuery())
	assert.NoError(t, err)
	assert.False(t, done)
}

func TestHandle_ValidatesQuery(t *testing.T) {
	h := NewWorkshopCompletedHandler(&fakeLedger{}, &fakeProgress{}, quietLogger())

	_, err := h.Handle(context.Background(), WorkshopCompletedQuery{WorkshopID: "ws-1"})
	assert.Error(t, err)

	_, err = h.Handle(context.Background(), WorkshopCompletedQuery{SessionID: "sess-1"})
	assert.Error(t, err)
}

func TestHandle_RemoteLookupIsBounded(t *testing.T) {
	remote := &slowLedger{delay: 50 * time.Millisecond}
	local := &fakeProgress{progress: &progress.WorkshopProgress{Completed: true}}
	h := NewWorkshopCompletedHandler(remote, local, quietLogger()).WithRemoteTimeout(5 * time.Millisecond)

	done, err := h.Handle(context.Background(), completedQuery())
	assert.NoError(t, err)
	assert.True(t, done, "timed-out remote lookup degrades to local truth")
}

type slowLedger struct {
	delay time.Duration
}

func (s *slowLedger) IsWorkshopCompleted(ctx context.Context, _, _ string) (bool, error) {
	select {
	case <-time.After(s.delay):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
