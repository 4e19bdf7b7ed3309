// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"errors"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/progress"
	"github.com/UzyOrg/celesta/internal/domain/shared"
	"github.com/UzyOrg/celesta/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// WORKSHOP COMPLETED QUERY
// Completion authority: the remote ledger, when reachable, overrides local
// completion state. Local truth is only a fallback, so a participant cannot
// re-earn rewards by clearing local storage while connected, and the check
// still works offline.
// ══════════════════════════════════════════════════════════════════════════════

// RemoteLedger is the remote half of the completion authority.
type RemoteLedger interface {
	IsWorkshopCompleted(ctx context.Context, sessionID, workshopID string) (bool, error)
}

// LocalProgress is the local fallback.
type LocalProgress interface {
	Load(ctx context.Context, sessionID, workshopID string) (*progress.WorkshopProgress, error)
}

// WorkshopCompletedQuery asks whether a (session, workshop) pair has already
// been completed.
type WorkshopCompletedQuery struct {
	SessionID  string
	WorkshopID string
}

// Validate validates the query.
func (q WorkshopCompletedQuery) Validate() error {
	if q.SessionID == "" {
		return errors.New("workshop_completed: session_id is required")
	}
	if q.WorkshopID == "" {
		return errors.New("workshop_completed: workshop_id is required")
	}
	return nil
}

// WorkshopCompletedHandler resolves completion with remote-wins semantics.
type WorkshopCompletedHandler struct {
	remote RemoteLedger
	local  LocalProgress
	log    *logger.Logger

	// remoteTimeout bounds the ledger lookup so the check never blocks the
	// participant; on expiry it degrades to local truth.
	remoteTimeout time.Duration
}

// NewWorkshopCompletedHandler creates the handler. A nil remote disables the
// remote lookup entirely (unconfigured ledger).
func NewWorkshopCompletedHandler(remote RemoteLedger, local LocalProgress, log *logger.Logger) *WorkshopCompletedHandler {
	if log == nil {
		log = logger.Default()
	}
	return &WorkshopCompletedHandler{
		remote:        remote,
		local:         local,
		log:           log.With(logger.Component("completion_authority")),
		remoteTimeout: 5 * time.Second,
	}
}

// WithRemoteTimeout overrides the remote lookup bound.
func (h *WorkshopCompletedHandler) WithRemoteTimeout(d time.Duration) *WorkshopCompletedHandler {
	if d > 0 {
		h.remoteTimeout = d
	}
	return h
}

// Handle resolves the query. A successful remote answer is authoritative in
// both directions; a failed remote call falls back to the local completed
// flag and never retries synchronously.
func (h *WorkshopCompletedHandler) Handle(ctx context.Context, q WorkshopCompletedQuery) (bool, error) {
	if err := q.Validate(); err != nil {
		return false, err
	}

	if h.remote != nil {
		remoteCtx, cancel := context.WithTimeout(ctx, h.remoteTimeout)
		completed, err := h.remote.IsWorkshopCompleted(remoteCtx, q.SessionID, q.WorkshopID)
		cancel()
		if err == nil {
			return completed, nil
		}
		h.log.Debug("remote completion lookup failed, falling back to local",
			logger.Err(err), logger.SessionID(q.SessionID), logger.WorkshopID(q.WorkshopID))
	}

	return h.localCompleted(ctx, q), nil
}

// IsCompleted adapts Handle to the player's CompletionResolver contract.
func (h *WorkshopCompletedHandler) IsCompleted(ctx context.Context, sessionID, workshopID string) (bool, error) {
	return h.Handle(ctx, WorkshopCompletedQuery{SessionID: sessionID, WorkshopID: workshopID})
}

func (h *WorkshopCompletedHandler) localCompleted(ctx context.Context, q WorkshopCompletedQuery) bool {
	if h.local == nil {
		return false
	}
	p, err := h.local.Load(ctx, q.SessionID, q.WorkshopID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.log.Debug("local completion lookup failed", logger.Err(err))
		}
		return false
	}
	return p.Completed
}
