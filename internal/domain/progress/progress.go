// Package progress defines a participant's durable progress through a session
// and the transition rules the authority applies to it.
package progress

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
)

// Status is the lifecycle state of a progress record.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Record is the progress of one participant through one session.
type Record struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	ParticipantID     string     `json:"participant_id,omitempty"`
	Status            Status     `json:"status"`
	CurrentStageID    string     `json:"current_stage_id,omitempty"`
	CompletedStageIDs []string   `json:"completed_stage_ids"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	Synthetic         bool       `json:"synthetic,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedStageIDs = slices.Clone(r.CompletedStageIDs)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.LastActivityAt = cloneTime(r.LastActivityAt)
	return &c
}

// HasCompleted reports whether stageID is in the completed set.
func (r *Record) HasCompleted(stageID string) bool {
	return slices.Contains(r.CompletedStageIDs, stageID)
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("progress record without session id: %w", domain.ErrMalformed)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("progress record %s: unknown status %q: %w", r.SessionID, r.Status, domain.ErrMalformed)
	}
	if r.Status == StatusCompleted && r.CompletedAt == nil {
		return fmt.Errorf("progress record %s: completed without completed_at: %w", r.SessionID, domain.ErrMalformed)
	}
	if r.Status == StatusNotStarted && len(r.CompletedStageIDs) > 0 {
		return fmt.Errorf("progress record %s: not started with completed stages: %w", r.SessionID, domain.ErrMalformed)
	}
	return nil
}

// Update is a partial change to a progress record. Nil fields are left alone.
type Update struct {
	Status           *Status `json:"status,omitempty"`
	CurrentStageID   *string `json:"current_stage_id,omitempty"`
	CompletedStageID *string `json:"completed_stage_id,omitempty"`
}

// IsEmpty reports whether the update carries no change.
func (u Update) IsEmpty() bool {
	return u.Status == nil && u.CurrentStageID == nil && u.CompletedStageID == nil
}

// Validate checks the update fields.
func (u Update) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, *u.Status)
	}
	if u.CompletedStageID != nil && *u.CompletedStageID == "" {
		return fmt.Errorf("%w: completed_stage_id must not be empty", domain.ErrValidation)
	}
	return nil
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T {
	return &v
}

// ErrRegression is returned by Apply when an update tries to leave the completed state.
var ErrRegression = fmt.Errorf("status regression from completed: %w", domain.ErrConflict)

// Apply returns the record that results from applying u to r at now. r is not
// modified. Completed is absorbing: any other status on a completed record
// yields ErrRegression.
func Apply(r *Record, u Update, now time.Time) (*Record, error) {
	if r == nil {
		return nil, fmt.Errorf("apply to nil record: %w", domain.ErrValidation)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	next := r.Clone()
	if next.Status == "" {
		next.Status = StatusNotStarted
	}

	if u.Status != nil {
		target := *u.Status
		switch {
		case next.Status == StatusCompleted && target != StatusCompleted:
			return nil, ErrRegression
		case target == StatusNotStarted && next.Status != StatusNotStarted:
			return nil, fmt.Errorf("status regression to not_started: %w", domain.ErrConflict)
		}
		next.Status = target
	}

	if u.CurrentStageID != nil {
		next.CurrentStageID = *u.CurrentStageID
	}
	if u.CompletedStageID != nil && !next.HasCompleted(*u.CompletedStageID) {
		next.CompletedStageIDs = append(next.CompletedStageIDs, *u.CompletedStageID)
		if next.Status == StatusNotStarted {
			next.Status = StatusInProgress
		}
	}

	switch next.Status {
	case StatusInProgress:
		if next.StartedAt == nil {
			next.StartedAt = timePtr(now)
		}
	case StatusCompleted:
		if next.StartedAt == nil {
			next.StartedAt = timePtr(now)
		}
		if next.CompletedAt == nil {
			next.CompletedAt = timePtr(now)
		}
	case StatusNotStarted:
	}
	next.LastActivityAt = timePtr(now)

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// New returns a fresh not-started record for a participant.
func New(sessionID, participantID string) *Record {
	return &Record{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		ParticipantID:     participantID,
		Status:            StatusNotStarted,
		CompletedStageIDs: []string{},
	}
}

// fallbackNamespace seeds the ids of fabricated records.
var fallbackNamespace = uuid.MustParse("6f1d8a52-3c0e-4f7b-9a51-2e8d0c4b7a19")

// Fallback returns the record used when the authority cannot be reached and
// nothing better is known. It depends only on sessionID.
func Fallback(sessionID string) *Record {
	return &Record{
		ID:                uuid.NewSHA1(fallbackNamespace, []byte(sessionID)).String(),
		SessionID:         sessionID,
		Status:            StatusNotStarted,
		CompletedStageIDs: []string{},
		Synthetic:         true,
	}
}

// IsRegression reports whether err is a rejected status regression.
func IsRegression(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
