// Package store persists campaign snapshots. Each backend stores the full
// durable representation of a campaign keyed by campaign id.
package store

import (
	"context"
	"fmt"

	"github.com/rcliao/story-memory/internal/model"
)

// Store defines the campaign persistence interface.
type Store interface {
	// Save replaces the stored snapshot of snap.Campaign.ID.
	Save(ctx context.Context, snap *model.Snapshot) error

	// Load returns the stored snapshot. Unknown campaigns yield
	// *model.NotFoundError; undecodable data yields *model.CorruptStateError.
	Load(ctx context.Context, campaignID string) (*model.Snapshot, error)

	// Delete removes a campaign and everything it owns.
	Delete(ctx context.Context, campaignID string) error

	// List returns the stored campaigns ordered by id.
	List(ctx context.Context) ([]model.Campaign, error)

	// Close closes the store.
	Close() error
}

// Options selects a backend.
type Options struct {
	Backend  string // "sqlite" (default) or "redis"
	DBPath   string
	RedisURL string
}

// Open returns the configured backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "sqlite":
		return NewSQLiteStore(opts.DBPath)
	case "redis":
		return NewRedisStore(opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

func notFound(id string) error {
	return &model.NotFoundError{Kind: "campaign", ID: id}
}

func corrupt(id, reason string, err error) error {
	return &model.CorruptStateError{Campaign: id, Reason: reason, Err: err}
}
