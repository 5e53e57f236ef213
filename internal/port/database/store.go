// Package database defines the authority's document store port (interface).
package database

import (
	"context"
	"encoding/json"

	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
)

// MutateFunc derives the next version of a progress record. It runs inside
// the store's transaction and may return an error to abort the change.
type MutateFunc func(current *progress.Record) (*progress.Record, error)

// Store is the port interface for authority-side persistence.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, id string) (*experiment.Session, error)
	PutSession(ctx context.Context, s *experiment.Session) error

	// Progress
	GetProgress(ctx context.Context, sessionID, participantID string) (*progress.Record, error)
	// EnsureProgress returns the existing record or inserts r.
	EnsureProgress(ctx context.Context, r *progress.Record) (*progress.Record, error)
	// MutateProgress locks the record, applies fn and stores the result.
	MutateProgress(ctx context.Context, sessionID, participantID string, fn MutateFunc) (*progress.Record, error)

	// Opaque scenario assets
	GetScenarioDetail(ctx context.Context, id string) (json.RawMessage, error)
	GetWalletAssets(ctx context.Context, id string) (json.RawMessage, error)
	PutScenarioDetail(ctx context.Context, id string, detail json.RawMessage) error
	PutWalletAssets(ctx context.Context, id string, assets json.RawMessage) error
}
