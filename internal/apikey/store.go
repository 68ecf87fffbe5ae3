package apikey

import (
	"context"
	"time"
)

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, k *Key) error
	Find(ctx context.Context, id string) (*Key, error)
	// ListActive returns keys that are active, unrevoked and unexpired as
	// of now, across all projects. Validation scans this set.
	ListActive(ctx context.Context, now time.Time) ([]*Key, error)
	ListForUser(ctx context.Context, userID, projectID string) ([]*Key, error)
	// TouchLastUsed updates last_used_at; missing keys are a no-op.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	MarkRevoked(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}
