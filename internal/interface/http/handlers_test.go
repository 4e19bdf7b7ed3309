package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/internal/infrastructure/persistence/redis"
	"github.com/UzyOrg/celesta/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeEvents struct {
	result event.IngestResponse
	err    error
	got    []event.LearningEvent
}

func (f *fakeEvents) InsertBatch(_ context.Context, events []event.LearningEvent) (event.IngestResponse, error) {
	f.got = append(f.got, events...)
	return f.result, f.err
}

type fakeCompletions struct {
	completed bool
	err       error
}

func (f *fakeCompletions) HasCompletedWorkshop(context.Context, string, string) (bool, error) {
	return f.completed, f.err
}

type fakeAliases struct {
	upserts map[string]string
}

func (f *fakeAliases) Upsert(_ context.Context, sessionID, alias, _ string) error {
	if f.upserts == nil {
		f.upserts = make(map[string]string)
	}
	f.upserts[sessionID] = alias
	return nil
}

type fakeLimiter struct {
	decision redis.Decision
	err      error
}

func (f *fakeLimiter) Allow(context.Context, string, string) (redis.Decision, error) {
	return f.decision, f.err
}

type fakeChecker struct {
	err error
}

func (f *fakeChecker) Ping(context.Context) error { return f.err }

func testServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.New(logger.Options{Output: io.Discard})
	}
	return NewServer(DefaultConfig(), deps)
}

// do routes a request through the full middleware chain.
func do(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) event.ErrorResponse {
	t.Helper()
	var resp event.ErrorResponse
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func ingestBody(t *testing.T, events ...event.LearningEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event.IngestRequest{Events: events})
	assert.NoError(t, err)
	return body
}

func storableEvent() event.LearningEvent {
	return event.LearningEvent{
		IdempotencyKey:  uuid.NewString(),
		ActorID:         "actor-1",
		SessionID:       "sess-1",
		WorkshopID:      "ws-1",
		Verb:            event.VerbStartedWorkshop,
		Result:          json.RawMessage(`{"total_steps":4,"stars_initial":5,"alias":"Ayana"}`),
		ClientTimestamp: time.Now().UTC(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// INGESTION
// ══════════════════════════════════════════════════════════════════════════════

func TestHandleIngest_StoresBatch(t *testing.T) {
	events := &fakeEvents{result: event.IngestResponse{Stored: 1, Duplicates: 1}}
	s := testServer(Dependencies{Events: events, Completions: &fakeCompletions{}})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent(), storableEvent()))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp event.IngestResponse
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Stored)
	assert.Equal(t, 1, resp.Duplicates)
	assert.Len(t, events.got, 2)
}

func TestHandleIngest_RecordsAliases(t *testing.T) {
	aliases := &fakeAliases{}
	s := testServer(Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Aliases:     aliases,
	})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ayana", aliases.upserts["sess-1"])
}

func TestHandleIngest_MalformedBody(t *testing.T) {
	s := testServer(Dependencies{Events: &fakeEvents{}, Completions: &fakeCompletions{}})

	rec := do(s, http.MethodPost, "/v1/events", []byte(`{"events": [`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, event.ClassInvalidPayload, decodeError(t, rec).Error)
}

func TestHandleIngest_EmptyBatch(t *testing.T) {
	s := testServer(Dependencies{Events: &fakeEvents{}, Completions: &fakeCompletions{}})

	rec := do(s, http.MethodPost, "/v1/events", []byte(`{"events": []}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, event.ClassInvalidPayload, decodeError(t, rec).Error)
}

func TestHandleIngest_TooManyEvents(t *testing.T) {
	events := make([]event.LearningEvent, event.MaxBatchEvents+1)
	for i := range events {
		events[i] = storableEvent()
	}
	s := testServer(Dependencies{Events: &fakeEvents{}, Completions: &fakeCompletions{}})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, events...))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, event.ClassPayloadTooLarge, decodeError(t, rec).Error)
}

func TestHandleIngest_OversizedBody(t *testing.T) {
	e := storableEvent()
	e.Result = json.RawMessage(`{"alias":"` + strings.Repeat("x", event.MaxBatchBytes) + `"}`)
	s := testServer(Dependencies{Events: &fakeEvents{}, Completions: &fakeCompletions{}})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, e))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, event.ClassPayloadTooLarge, decodeError(t, rec).Error)
}

func TestHandleIngest_InvalidEventRejectsWholeBatch(t *testing.T) {
	store := &fakeEvents{}
	bad := storableEvent()
	bad.IdempotencyKey = "not-a-uuid"
	s := testServer(Dependencies{Events: store, Completions: &fakeCompletions{}})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent(), bad))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, event.ClassInvalidPayload, decodeError(t, rec).Error)
	assert.Empty(t, store.got, "nothing may be written from a rejected batch")
}

func TestHandleIngest_StorageFailure(t *testing.T) {
	s := testServer(Dependencies{
		Events:      &fakeEvents{err: errors.New("connection reset")},
		Completions: &fakeCompletions{},
	})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent()))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, event.ClassUnexpected, decodeError(t, rec).Error)
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION
// ══════════════════════════════════════════════════════════════════════════════

func TestAuth_RejectsMissingAndInvalidKeys(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sk-workshop-1"), bcrypt.MinCost)
	assert.NoError(t, err)

	cfg := DefaultConfig()
	cfg.APIKeyHashes = []string{string(hash)}
	s := NewServer(cfg, Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Logger:      logger.New(logger.Options{Output: io.Discard}),
	})

	// No key.
	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	// The retryable class: clients keep their events queued on auth failure.
	assert.Equal(t, event.ClassUnexpected, decodeError(t, rec).Error)

	// Wrong key.
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(ingestBody(t, storableEvent())))
	req.Header.Set("X-API-Key", "sk-wrong")
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Right key.
	req = httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(ingestBody(t, storableEvent())))
	req.Header.Set("X-API-Key", "sk-workshop-1")
	rr = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuth_HealthEndpointsSkipAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sk-workshop-1"), bcrypt.MinCost)
	assert.NoError(t, err)

	cfg := DefaultConfig()
	cfg.APIKeyHashes = []string{string(hash)}
	s := NewServer(cfg, Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Logger:      logger.New(logger.Options{Output: io.Discard}),
	})

	rec := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITING
// ══════════════════════════════════════════════════════════════════════════════

func TestRateLimit_DeniedRequestGets429(t *testing.T) {
	s := testServer(Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Limiter:     &fakeLimiter{decision: redis.Decision{Allowed: false, RetryAfter: 30 * time.Second}},
	})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent()))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, event.ClassRateLimited, decodeError(t, rec).Error)
}

// classOnlyLimiter passes the per-address window and denies the
// per-(address, class) window.
type classOnlyLimiter struct{}

func (classOnlyLimiter) Allow(_ context.Context, _, action string) (redis.Decision, error) {
	if action == "ingest_class" {
		return redis.Decision{Allowed: false, RetryAfter: 10 * time.Second}, nil
	}
	return redis.Decision{Allowed: true}, nil
}

func TestRateLimit_ClassWindow(t *testing.T) {
	s := testServer(Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Limiter:     classOnlyLimiter{},
	})

	e := storableEvent()
	e.ClassToken = "class-7a"
	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, e))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	// Events without a class token only face the per-address window.
	rec = do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent()))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	s := testServer(Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Limiter:     &fakeLimiter{err: errors.New("redis down")},
	})

	rec := do(s, http.MethodPost, "/v1/events", ingestBody(t, storableEvent()))

	assert.Equal(t, http.StatusOK, rec.Code, "a broken limiter must not block ingestion")
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETIONS
// ══════════════════════════════════════════════════════════════════════════════

func TestHandleCompletion(t *testing.T) {
	s := testServer(Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{completed: true},
	})

	rec := do(s, http.MethodGet, "/v1/completions?session_id=sess-1&workshop_id=ws-1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp event.CompletionResponse
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Completed)
}

func TestHandleCompletion_MissingParams(t *testing.T) {
	s := testServer(Dependencies{Events: &fakeEvents{}, Completions: &fakeCompletions{}})

	rec := do(s, http.MethodGet, "/v1/completions?session_id=sess-1", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, event.ClassInvalidPayload, decodeError(t, rec).Error)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & READINESS
// ══════════════════════════════════════════════════════════════════════════════

func TestHandleReady(t *testing.T) {
	s := testServer(Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Readiness: map[string]ReadinessChecker{
			"postgres": &fakeChecker{},
			"redis":    &fakeChecker{},
		},
	})

	rec := do(s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["postgres"])
}

func TestHandleReady_UnreachableDependency(t *testing.T) {
	s := testServer(Dependencies{
		Events:      &fakeEvents{},
		Completions: &fakeCompletions{},
		Readiness: map[string]ReadinessChecker{
			"postgres": &fakeChecker{err: errors.New("dial timeout")},
		},
	})

	rec := do(s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "not_ready", resp.Status)
}
