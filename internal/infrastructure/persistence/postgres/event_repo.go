package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/UzyOrg/celesta/internal/domain/event"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// EventRepository stores learning events in the append-only ledger.
type EventRepository struct {
	conn *Connection
}

// NewEventRepository creates an event repository backed by the given connection.
func NewEventRepository(conn *Connection) *EventRepository {
	return &EventRepository{conn: conn}
}

const insertEventQuery = `
	INSERT INTO learning_events (
		client_event_id, actor_id, session_id, class_token,
		workshop_id, step_id, verb, result,
		client_timestamp, server_timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (client_event_id) DO NOTHING`

// InsertBatch writes a batch of events in a single transaction.
// Events already present (same client_event_id) are counted as
// duplicates and skipped. The batch is atomic: either every new
// event is stored or none are.
func (r *EventRepository) InsertBatch(ctx context.Context, events []event.LearningEvent) (event.IngestResponse, error) {
	var result event.IngestResponse
	if len(events) == 0 {
		return result, nil
	}

	serverNow := time.Now().UTC()

	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		batch.Queue(insertEventQuery,
			e.IdempotencyKey, e.ActorID, e.SessionID, nullable(e.ClassToken),
			e.WorkshopID, nullable(e.StepID), string(e.Verb), e.Result,
			e.ClientTimestamp, serverNow,
		)
	}

	tx, err := r.conn.Pool().Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("postgres: begin insert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for range events {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return event.IngestResponse{}, fmt.Errorf("postgres: insert event: %w", err)
		}
		if tag.RowsAffected() > 0 {
			result.Stored++
		} else {
			result.Duplicates++
		}
	}
	if err := results.Close(); err != nil {
		return event.IngestResponse{}, fmt.Errorf("postgres: close insert batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return event.IngestResponse{}, fmt.Errorf("postgres: commit insert batch: %w", err)
	}
	return result, nil
}

// HasCompletedWorkshop reports whether the ledger holds a
// completed_workshop event for the session and workshop.
func (r *EventRepository) HasCompletedWorkshop(ctx context.Context, sessionID, workshopID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM learning_events
			WHERE session_id = $1 AND workshop_id = $2 AND verb = $3
		)`

	var completed bool
	err := r.conn.Pool().QueryRow(ctx, query, sessionID, workshopID, string(event.VerbCompletedWorkshop)).Scan(&completed)
	if err != nil {
		return false, fmt.Errorf("postgres: completion lookup: %w", err)
	}
	return completed, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ALIAS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// AliasRepository keeps the session alias side table up to date.
type AliasRepository struct {
	conn *Connection
}

// NewAliasRepository creates an alias repository backed by the given connection.
func NewAliasRepository(conn *Connection) *AliasRepository {
	return &AliasRepository{conn: conn}
}

// Upsert records the latest alias seen for a session. Last write wins.
func (r *AliasRepository) Upsert(ctx context.Context, sessionID, alias, classToken string) error {
	const query = `
		INSERT INTO session_aliases (session_id, alias, class_token, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			alias = EXCLUDED.alias,
			class_token = EXCLUDED.class_token,
			updated_at = NOW()`

	if _, err := r.conn.Pool().Exec(ctx, query, sessionID, alias, nullable(classToken)); err != nil {
		return fmt.Errorf("postgres: upsert alias: %w", err)
	}
	return nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
