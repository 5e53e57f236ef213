package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/event"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/port/broadcast"
	"github.com/solosolocodes/lablab-sub002/internal/port/database"
	"github.com/solosolocodes/lablab-sub002/internal/port/messagequeue"
)

// SessionLookup resolves session definitions.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*experiment.Session, error)
}

// ProgressService owns the durable progress records. It is the single
// writer that enforces the status rules of progress.Apply.
type ProgressService struct {
	store    database.Store
	sessions SessionLookup
	hub      broadcast.Broadcaster
	queue    messagequeue.Queue
	now      func() time.Time
	log      *slog.Logger
}

// NewProgressService creates a ProgressService. Accepted changes are
// broadcast on hub directly, or through queue when one is set.
func NewProgressService(store database.Store, sessions SessionLookup, hub broadcast.Broadcaster) *ProgressService {
	return &ProgressService{store: store, sessions: sessions, hub: hub, now: time.Now, log: slog.Default()}
}

// SetQueue routes progress events through q so every authority replica
// sees them. RelayEvents must run on each replica to deliver them.
func (s *ProgressService) SetQueue(q messagequeue.Queue) {
	s.queue = q
}

// SetLogger sets the logger.
func (s *ProgressService) SetLogger(l *slog.Logger) {
	s.log = l
}

// SetClock overrides the time source.
func (s *ProgressService) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns the participant's record, creating a not-started one on first access.
func (s *ProgressService) Get(ctx context.Context, sessionID, participantID string) (*progress.Record, error) {
	if _, err := s.resolve(ctx, sessionID, participantID); err != nil {
		return nil, err
	}
	return s.store.EnsureProgress(ctx, progress.New(sessionID, participantID))
}

// Update applies u to the participant's record. Referenced stages must
// belong to the session; leaving the completed state yields domain.ErrConflict.
func (s *ProgressService) Update(ctx context.Context, sessionID, participantID string, u progress.Update) (*progress.Record, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	sess, err := s.resolve(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	for _, id := range []*string{u.CurrentStageID, u.CompletedStageID} {
		if id != nil && *id != "" && sess.IndexOf(*id) < 0 {
			return nil, fmt.Errorf("%w: stage %s is not part of session %s", domain.ErrValidation, *id, sessionID)
		}
	}

	if _, err := s.store.EnsureProgress(ctx, progress.New(sessionID, participantID)); err != nil {
		return nil, err
	}
	now := s.now()
	rec, err := s.store.MutateProgress(ctx, sessionID, participantID, func(cur *progress.Record) (*progress.Record, error) {
		return progress.Apply(cur, u, now)
	})
	if err != nil {
		if progress.IsRegression(err) {
			s.log.InfoContext(ctx, "progress change rejected", "session_id", sessionID, "participant_id", participantID, "error", err)
		}
		return nil, err
	}

	s.publish(ctx, event.FromRecord(rec, now))
	return rec, nil
}

func (s *ProgressService) resolve(ctx context.Context, sessionID, participantID string) (*experiment.Session, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: participant id is required", domain.ErrValidation)
	}
	return s.sessions.GetSession(ctx, sessionID)
}

// publish fans ev out. A queue failure falls back to the local hub.
func (s *ProgressService) publish(ctx context.Context, ev event.ProgressUpdated) {
	if s.queue != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			err = s.queue.Publish(ctx, messagequeue.ProgressSubject(ev.SessionID), data)
		}
		if err == nil {
			return
		}
		s.log.WarnContext(ctx, "progress event publish failed, broadcasting locally", "session_id", ev.SessionID, "error", err)
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, string(event.TypeProgressUpdated), ev)
	}
}

// RelayEvents forwards progress events from the queue to the local hub
// until the returned cancel function is called.
func (s *ProgressService) RelayEvents(ctx context.Context) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectProgressAll, func(ctx context.Context, _ string, data []byte) error {
		var ev event.ProgressUpdated
		if err := json.Unmarshal(data, &ev); err != nil {
			// Malformed payloads are acked and dropped.
			s.log.WarnContext(ctx, "dropping malformed progress event", "error", err)
			return nil
		}
		if s.hub != nil {
			s.hub.BroadcastEvent(ctx, string(event.TypeProgressUpdated), ev)
		}
		return nil
	})
}
