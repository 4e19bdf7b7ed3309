package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/internal/infrastructure/persistence/redis"
	"github.com/UzyOrg/celesta/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT INGESTION
// ══════════════════════════════════════════════════════════════════════════════

// handleIngest handles POST /v1/events.
//
// The batch is validated as a whole before anything is written: a single
// malformed event rejects the entire request, so a stored batch is always
// exactly what the client sent. Redelivered events collapse on their
// idempotency key and are reported as duplicates, not errors.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, event.MaxBatchBytes)

	var req event.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, event.ClassPayloadTooLarge, "request body exceeds batch size limit")
			return
		}
		writeError(w, http.StatusBadRequest, event.ClassInvalidPayload, "malformed request body")
		return
	}

	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, event.ClassInvalidPayload, "batch contains no events")
		return
	}
	if len(req.Events) > event.MaxBatchEvents {
		writeError(w, http.StatusRequestEntityTooLarge, event.ClassPayloadTooLarge, "batch exceeds event count limit")
		return
	}

	for i := range req.Events {
		if err := req.Events[i].Validate(); err != nil {
			s.logger.Warn("rejecting batch",
				logger.Int("event_index", i),
				logger.Verb(string(req.Events[i].Verb)),
				logger.Err(err),
				logger.String("request_id", getRequestID(r.Context())),
			)
			writeError(w, http.StatusUnprocessableEntity, event.ClassInvalidPayload, "event "+req.Events[i].IdempotencyKey+" failed validation")
			return
		}
	}

	if decision, limited := s.classLimited(r, req.Events); limited {
		retryAfter := int(decision.RetryAfter / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, event.ClassRateLimited, "too many requests for this class")
		return
	}

	result, err := s.deps.Events.InsertBatch(r.Context(), req.Events)
	if err != nil {
		s.logger.Error("batch insert failed",
			logger.BatchSize(len(req.Events)),
			logger.Err(err),
			logger.String("request_id", getRequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, event.ClassUnexpected, "storage failure")
		return
	}

	s.recordAliases(r, req.Events)

	s.logger.Info("batch stored",
		logger.BatchSize(len(req.Events)),
		logger.Int("stored", result.Stored),
		logger.Int("duplicates", result.Duplicates),
	)
	writeJSON(w, http.StatusOK, result)
}

// classLimited applies the second rate-limit window, keyed by
// (address, class). The class token is only known after decoding, so this
// check lives in the handler rather than the middleware. Fails open like
// the per-address window.
func (s *Server) classLimited(r *http.Request, events []event.LearningEvent) (redis.Decision, bool) {
	if s.deps.Limiter == nil {
		return redis.Decision{}, false
	}
	class := events[0].ClassToken
	if class == "" {
		return redis.Decision{}, false
	}

	decision, err := s.deps.Limiter.Allow(r.Context(), getClientIP(r)+"|"+class, "ingest_class")
	if err != nil {
		s.logger.Warn("class rate limit check failed",
			logger.Err(err),
			logger.String("class_token", class),
		)
		return redis.Decision{}, false
	}
	return decision, !decision.Allowed
}

// recordAliases extracts aliases from event payloads into the side
// table. Failures are logged and swallowed; the batch is already stored.
func (s *Server) recordAliases(r *http.Request, events []event.LearningEvent) {
	if s.deps.Aliases == nil {
		return
	}
	for i := range events {
		e := &events[i]
		alias, ok := e.Alias()
		if !ok {
			continue
		}
		if err := s.deps.Aliases.Upsert(r.Context(), e.SessionID, alias, e.ClassToken); err != nil {
			s.logger.Warn("alias upsert failed",
				logger.SessionID(e.SessionID),
				logger.Err(err),
			)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETION LOOKUP
// ══════════════════════════════════════════════════════════════════════════════

// handleCompletion handles GET /v1/completions. The ledger is the
// authority on workshop completion; clients treat this answer as final
// whenever they can reach it.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	workshopID := r.URL.Query().Get("workshop_id")
	if sessionID == "" || workshopID == "" {
		writeError(w, http.StatusBadRequest, event.ClassInvalidPayload, "session_id and workshop_id are required")
		return
	}

	completed, err := s.deps.Completions.HasCompletedWorkshop(r.Context(), sessionID, workshopID)
	if err != nil {
		s.logger.Error("completion lookup failed",
			logger.SessionID(sessionID),
			logger.WorkshopID(workshopID),
			logger.Err(err),
		)
		writeError(w, http.StatusInternalServerError, event.ClassUnexpected, "storage failure")
		return
	}

	writeJSON(w, http.StatusOK, event.CompletionResponse{Completed: completed})
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & READINESS
// ══════════════════════════════════════════════════════════════════════════════

type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth handles GET /health. Liveness only: answers as long as
// the process is serving, regardless of backing stores.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: s.Uptime().Round(time.Second).String(),
	})
}

// handleReady handles GET /ready. Pings every registered dependency and
// reports 503 if any is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.deps.Readiness))
	healthy := true

	for name, checker := range s.deps.Readiness {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := checker.Ping(ctx)
		cancel()

		if err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}

	writeJSON(w, status, healthResponse{
		Status: state,
		Checks: checks,
	})
}
