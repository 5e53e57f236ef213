// Package event defines the events the authority publishes to live observers.
package event

import (
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
)

// Type identifies the kind of feed event.
type Type string

const TypeProgressUpdated Type = "progress.updated"

// ProgressUpdated is published after the authority accepts a progress change.
type ProgressUpdated struct {
	SessionID      string          `json:"session_id"`
	ParticipantID  string          `json:"participant_id"`
	Status         progress.Status `json:"status"`
	CurrentStageID string          `json:"current_stage_id,omitempty"`
	Completed      int             `json:"completed_stages"`
	At             time.Time       `json:"at"`
}

// FromRecord builds the feed payload for r.
func FromRecord(r *progress.Record, at time.Time) ProgressUpdated {
	return ProgressUpdated{
		SessionID:      r.SessionID,
		ParticipantID:  r.ParticipantID,
		Status:         r.Status,
		CurrentStageID: r.CurrentStageID,
		Completed:      len(r.CompletedStageIDs),
		At:             at,
	}
}
