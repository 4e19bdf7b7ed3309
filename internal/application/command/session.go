// Package command contains write operations (CQRS - Commands) for the
// interactive player: beginning a workshop, rendering steps, submitting
// answers, requesting hints, and abandoning a session.
package command

import (
	"context"
	"errors"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/internal/domain/progress"
	"github.com/UzyOrg/celesta/internal/domain/shared"
	"github.com/UzyOrg/celesta/internal/domain/workshop"
	"github.com/UzyOrg/celesta/pkg/logger"
)

// ProgressStore is the local durable store for WorkshopProgress.
type ProgressStore interface {
	Load(ctx context.Context, sessionID, workshopID string) (*progress.WorkshopProgress, error)
	Save(ctx context.Context, p *progress.WorkshopProgress) error
}

// Publisher hands composed events to the delivery pipeline.
type Publisher interface {
	Publish(ctx context.Context, ev *event.LearningEvent) error
}

// CompletionResolver decides whether a workshop was already completed.
type CompletionResolver interface {
	IsCompleted(ctx context.Context, sessionID, workshopID string) (bool, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKSHOP SESSION
// ══════════════════════════════════════════════════════════════════════════════

// WorkshopSession is the single logical actor of the interactive session:
// it owns the state machine for one (session, workshop) pair and orchestrates
// persistence, composition, and delivery around it. There is exactly one
// writer per progress record, so no locking is needed here.
//
// Local persistence failure degrades the session to memory-only operation;
// delivery failure is absorbed by the outbox. Neither ever interrupts the
// interactive flow.
type WorkshopSession struct {
	content   *workshop.Workshop
	machine   *progress.Machine
	store     ProgressStore
	publisher Publisher
	composer  *event.Composer
	log       *logger.Logger

	sessionID string

	// memoryOnly is set after the first failed save; further saves are
	// skipped for the remainder of the session.
	memoryOnly bool

	// closed is set by AbandonSession.
	closed bool
}

// SessionDeps bundles the collaborators of a WorkshopSession.
type SessionDeps struct {
	Content   *workshop.Workshop
	Store     ProgressStore
	Publisher Publisher
	Composer  *event.Composer
	Logger    *logger.Logger
}

// NewWorkshopSession opens a session over the given workshop, loading
// persisted progress when present. A store failure on load is swallowed:
// the session starts fresh in memory.
func NewWorkshopSession(ctx context.Context, sessionID string, deps SessionDeps) *WorkshopSession {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With(
		logger.Component("session"),
		logger.SessionID(sessionID),
		logger.WorkshopID(deps.Content.ID),
	)

	var p *progress.WorkshopProgress
	if deps.Store != nil {
		loaded, err := deps.Store.Load(ctx, sessionID, deps.Content.ID)
		switch {
		case err == nil:
			p = loaded
		case errors.Is(err, shared.ErrNotFound):
			// First access: the machine creates the aggregate.
		default:
			log.Warn("progress store unavailable, continuing in memory", logger.Err(err))
		}
	}

	return &WorkshopSession{
		content:   deps.Content,
		machine:   progress.NewMachine(deps.Content, sessionID, p),
		store:     deps.Store,
		publisher: deps.Publisher,
		composer:  deps.Composer,
		log:       log,
		sessionID: sessionID,
	}
}

// Progress exposes the current aggregate (read-only use).
func (s *WorkshopSession) Progress() *progress.WorkshopProgress {
	return s.machine.Progress()
}

// persist saves the aggregate, degrading to memory-only on failure. Loss of
// persistence must never throw past this boundary.
func (s *WorkshopSession) persist(ctx context.Context) {
	if s.store == nil || s.memoryOnly {
		return
	}
	if err := s.store.Save(ctx, s.machine.Progress()); err != nil {
		s.memoryOnly = true
		s.log.Warn("progress save failed, continuing in memory", logger.Err(err))
	}
}

// publish hands an event to the outbox. Queue failures are logged, never
// surfaced: the participant sees immediate local feedback regardless.
func (s *WorkshopSession) publish(ctx context.Context, ev *event.LearningEvent, composeErr error) {
	if composeErr != nil {
		s.log.Error("event composition failed", logger.Err(composeErr))
		return
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Error("event publish failed", logger.Err(err),
			logger.Verb(string(ev.Verb)), logger.IdempotencyKey(ev.IdempotencyKey))
	}
}
