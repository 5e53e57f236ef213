// Package authority defines the port to the remote system of record for
// session definitions and participant progress.
package authority

import (
	"context"
	"encoding/json"

	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
)

// Client is the narrow read/write surface the participant side needs.
// Implementations return domain.ErrNotFound, domain.ErrConflict and
// domain.ErrMalformed for the matching authority outcomes.
type Client interface {
	GetSession(ctx context.Context, id string) (*experiment.Session, error)
	GetProgress(ctx context.Context, sessionID string) (*progress.Record, error)
	UpdateProgress(ctx context.Context, sessionID string, u progress.Update) (*progress.Record, error)

	// Scenario and wallet payloads are passed through untouched.
	GetScenarioDetail(ctx context.Context, id string) (json.RawMessage, error)
	GetWalletAssets(ctx context.Context, id string) (json.RawMessage, error)
}
