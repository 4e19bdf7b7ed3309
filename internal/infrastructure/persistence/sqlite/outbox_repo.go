package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/internal/outbox"
)

// OutboxRepository is the durable ordered queue of composed events awaiting
// delivery. It implements outbox.Queue.
type OutboxRepository struct {
	store *Store
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{store: store}
}

// Enqueue appends an event to the queue. Re-enqueueing the same idempotency
// key is a no-op so the enqueue-first immediate path cannot duplicate rows.
func (r *OutboxRepository) Enqueue(ctx context.Context, ev *event.LearningEvent) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	res, err := r.store.db.ExecContext(ctx,
		`INSERT INTO outbox (client_event_id, payload, enqueued_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (client_event_id) DO NOTHING`,
		ev.IdempotencyKey, string(payload), nowUTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	return id, nil
}

// Pending returns every queued event in enqueue order.
func (r *OutboxRepository) Pending(ctx context.Context) ([]outbox.QueuedEvent, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, payload, enqueued_at FROM outbox ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	defer rows.Close()

	var queued []outbox.QueuedEvent
	for rows.Next() {
		var (
			id         int64
			payload    string
			enqueuedAt string
		)
		if err := rows.Scan(&id, &payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}

		var ev event.LearningEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode outbox row %d: %w", id, err)
		}

		qe := outbox.QueuedEvent{ID: id, Event: ev}
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			qe.EnqueuedAt = t
		}
		queued = append(queued, qe)
	}
	return queued, rows.Err()
}

// Delete removes acknowledged events from the queue.
func (r *OutboxRepository) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := r.store.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM outbox WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("delete outbox rows: %w", err)
	}
	return nil
}

// MoveToDead moves a permanently rejected event to the dead-letter table.
func (r *OutboxRepository) MoveToDead(ctx context.Context, id int64, reason string) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dead-letter tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_dead (client_event_id, payload, reason, dead_at)
		 SELECT client_event_id, payload, ?, ? FROM outbox WHERE id = ?
		 ON CONFLICT (client_event_id) DO NOTHING`,
		reason, nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("dead-letter insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dead-letter delete: %w", err)
	}

	return tx.Commit()
}

// Dead lists dead-lettered events, oldest first, for operator inspection.
func (r *OutboxRepository) Dead(ctx context.Context) ([]outbox.DeadEvent, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, payload, reason, dead_at FROM outbox_dead ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	defer rows.Close()

	var dead []outbox.DeadEvent
	for rows.Next() {
		var (
			id      int64
			payload string
			reason  string
			deadAt  string
		)
		if err := rows.Scan(&id, &payload, &reason, &deadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}

		var ev event.LearningEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode dead letter %d: %w", id, err)
		}

		de := outbox.DeadEvent{ID: id, Event: ev, Reason: reason}
		if t, err := time.Parse(time.RFC3339Nano, deadAt); err == nil {
			de.DeadAt = t
		}
		dead = append(dead, de)
	}
	return dead, rows.Err()
}
