package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/progress"
)

// ProgressRepository is the local durable store for WorkshopProgress
// aggregates. Overwrite-by-key, last-writer-wins, no merge.
type ProgressRepository struct {
	store *Store
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(store *Store) *ProgressRepository {
	return &ProgressRepository{store: store}
}

// Load returns the aggregate for (session, workshop), or ErrNotFound.
func (r *ProgressRepository) Load(ctx context.Context, sessionID, workshopID string) (*progress.WorkshopProgress, error) {
	var doc string
	err := r.store.db.QueryRowContext(ctx,
		`SELECT document FROM workshop_progress WHERE session_id = ? AND workshop_id = ?`,
		sessionID, workshopID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	p, err := progress.Unmarshal([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return p, nil
}

// Save overwrites the aggregate for its key, bumping last_updated_at.
func (r *ProgressRepository) Save(ctx context.Context, p *progress.WorkshopProgress) error {
	p.Touch(time.Now())

	doc, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	_, err = r.store.db.ExecContext(ctx,
		`INSERT INTO workshop_progress (session_id, workshop_id, document, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, workshop_id) DO UPDATE SET
		   document = excluded.document,
		   updated_at = excluded.updated_at`,
		p.SessionID, p.WorkshopID, string(doc), nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
