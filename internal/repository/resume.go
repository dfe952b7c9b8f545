package repository

import (
	"context"

	"hls-vault/internal/domain"
)

// ResumeRepository persists download resume checkpoints keyed by ContentKey.
// Records are created on pause, read on the next start for the same key, and
// deleted on completion or cancel.
type ResumeRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, state domain.ResumeState) error
	// Get returns nil without error when no checkpoint exists for the key.
	Get(ctx context.Context, key domain.ContentKey) (*domain.ResumeState, error)
	Delete(ctx context.Context, key domain.ContentKey) error
}
