package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hls-vault/internal/domain"
	"hls-vault/internal/repository"
)

const createResumeTable = `
CREATE TABLE IF NOT EXISTS resume_state (
	content_key TEXT PRIMARY KEY,
	content_id TEXT NOT NULL,
	quality TEXT NOT NULL,
	last_completed_index INTEGER NOT NULL,
	total_segments INTEGER NOT NULL,
	paused_at DATETIME NOT NULL
);
`

type ResumeRepository struct {
	db *sql.DB
}

func NewResumeRepository(db *sql.DB) repository.ResumeRepository {
	return &ResumeRepository{db: db}
}

func (r *ResumeRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createResumeTable); err != nil {
		return fmt.Errorf("create resume_state table: %w", err)
	}
	return nil
}

func (r *ResumeRepository) Save(ctx context.Context, state domain.ResumeState) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO resume_state (content_key, content_id, quality, last_completed_index, total_segments, paused_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(content_key) DO UPDATE SET
	last_completed_index = excluded.last_completed_index,
	total_segments = excluded.total_segments,
	paused_at = excluded.paused_at`,
		state.Key().String(),
		state.ContentID,
		state.Quality,
		state.LastCompletedIndex,
		state.TotalSegments,
		state.PausedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save resume state: %w", err)
	}
	return nil
}

func (r *ResumeRepository) Get(ctx context.Context, key domain.ContentKey) (*domain.ResumeState, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT content_id, quality, last_completed_index, total_segments, paused_at
FROM resume_state WHERE content_key = ?`, key.String())

	var state domain.ResumeState
	var pausedAt time.Time
	err := row.Scan(&state.ContentID, &state.Quality, &state.LastCompletedIndex, &state.TotalSegments, &pausedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resume state: %w", err)
	}
	state.PausedAt = pausedAt
	return &state, nil
}

func (r *ResumeRepository) Delete(ctx context.Context, key domain.ContentKey) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM resume_state WHERE content_key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete resume state: %w", err)
	}
	return nil
}
