package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: LEARNING EVENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Events = `
-- Append-only ledger of learning events.
-- Idempotent on client_event_id: redelivery of a stored event is a no-op.
CREATE TABLE IF NOT EXISTS learning_events (
    id BIGSERIAL PRIMARY KEY,
    client_event_id UUID NOT NULL UNIQUE,
    actor_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    class_token TEXT,
    workshop_id TEXT NOT NULL,
    step_id TEXT,
    verb TEXT NOT NULL,
    result JSONB,
    client_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
    server_timestamp TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_verb CHECK (verb IN (
        'started_workshop', 'submitted_answer', 'requested_hint',
        'completed_step', 'completed_workshop', 'abandoned_workshop'
    ))
);

-- Completion authority point lookup: (session, workshop, verb).
CREATE INDEX IF NOT EXISTS idx_learning_events_completion
    ON learning_events(session_id, workshop_id, verb);

-- Dashboard-side scans by class and time.
CREATE INDEX IF NOT EXISTS idx_learning_events_class_time
    ON learning_events(class_token, server_timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_learning_events_session
    ON learning_events(session_id, server_timestamp DESC);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: ALIASES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Aliases = `
-- Best-effort mapping of session to display alias, extracted
-- opportunistically from event payloads. Never blocks ingestion.
CREATE TABLE IF NOT EXISTS session_aliases (
    session_id TEXT PRIMARY KEY,
    alias TEXT NOT NULL,
    class_token TEXT,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

// migrations are applied in order by Connection.Migrate.
var migrations = []string{
	migration001Events,
	migration002Aliases,
}
