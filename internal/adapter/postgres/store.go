package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sessions ---

func (s *Store) GetSession(ctx context.Context, id string) (*experiment.Session, error) {
	var (
		sess   experiment.Session
		stages []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, start_stage_id, stages FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Name, &sess.Description, &sess.StartStageID, &stages)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", id)
	}
	if err := json.Unmarshal(stages, &sess.Stages); err != nil {
		return nil, fmt.Errorf("get session %s: decode stages: %w", id, errors.Join(domain.ErrMalformed, err))
	}
	return &sess, nil
}

// PutSession inserts or replaces a session definition. The definition is
// validated before it is stored.
func (s *Store) PutSession(ctx context.Context, sess *experiment.Session) error {
	check := *sess
	check.Stages = append([]experiment.Stage(nil), sess.Stages...)
	if err := check.Prepare(); err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	stages, err := json.Marshal(check.Stages)
	if err != nil {
		return fmt.Errorf("put session %s: marshal stages: %w", sess.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, name, description, start_stage_id, stages)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, description = EXCLUDED.description,
		     start_stage_id = EXCLUDED.start_stage_id, stages = EXCLUDED.stages, updated_at = now()`,
		check.ID, check.Name, check.Description, check.StartStageID, stages)
	if err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

// --- Progress ---

const progressColumns = `id, session_id, participant_id, status, current_stage_id, completed_stage_ids,
	started_at, completed_at, last_activity_at`

func scanProgress(row scannable) (*progress.Record, error) {
	var (
		r      progress.Record
		status string
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.ParticipantID, &status, &r.CurrentStageID, &r.CompletedStageIDs,
		&r.StartedAt, &r.CompletedAt, &r.LastActivityAt)
	if err != nil {
		return nil, err
	}
	r.Status = progress.Status(status)
	r.CompletedStageIDs = pgTextArray(r.CompletedStageIDs)
	return &r, nil
}

func (s *Store) GetProgress(ctx context.Context, sessionID, participantID string) (*progress.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM progress WHERE session_id = $1 AND participant_id = $2`,
		sessionID, participantID)
	r, err := scanProgress(row)
	if err != nil {
		return nil, notFoundWrap(err, "get progress %s/%s", sessionID, participantID)
	}
	return r, nil
}

// EnsureProgress inserts r unless a record for its session and participant
// exists, and returns the stored record either way.
func (s *Store) EnsureProgress(ctx context.Context, r *progress.Record) (*progress.Record, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO progress (`+progressColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id, participant_id) DO NOTHING`,
		r.ID, r.SessionID, r.ParticipantID, string(r.Status), r.CurrentStageID, pgTextArray(r.CompletedStageIDs),
		r.StartedAt, r.CompletedAt, r.LastActivityAt)
	if err != nil {
		return nil, constraintWrap(err, "ensure progress %s/%s", r.SessionID, r.ParticipantID)
	}
	return s.GetProgress(ctx, r.SessionID, r.ParticipantID)
}

// MutateProgress locks the record row, applies fn and writes the result in
// one transaction. Concurrent mutations of the same record are serialized.
func (s *Store) MutateProgress(ctx context.Context, sessionID, participantID string, fn database.MutateFunc) (*progress.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("mutate progress: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanProgress(tx.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM progress WHERE session_id = $1 AND participant_id = $2 FOR UPDATE`,
		sessionID, participantID))
	if err != nil {
		return nil, notFoundWrap(err, "mutate progress %s/%s", sessionID, participantID)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE progress
		 SET status = $2, current_stage_id = $3, completed_stage_ids = $4,
		     started_at = $5, completed_at = $6, last_activity_at = $7
		 WHERE id = $1`,
		current.ID, string(next.Status), next.CurrentStageID, pgTextArray(next.CompletedStageIDs),
		next.StartedAt, next.CompletedAt, next.LastActivityAt)
	if err != nil {
		return nil, constraintWrap(err, "mutate progress %s/%s", sessionID, participantID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mutate progress: commit: %w", err)
	}
	next.ID = current.ID
	return next, nil
}

// --- Scenario assets ---

func (s *Store) GetScenarioDetail(ctx context.Context, id string) (json.RawMessage, error) {
	return s.getDocument(ctx, `SELECT detail FROM scenarios WHERE id = $1`, "scenario", id)
}

func (s *Store) GetWalletAssets(ctx context.Context, id string) (json.RawMessage, error) {
	return s.getDocument(ctx, `SELECT assets FROM wallets WHERE id = $1`, "wallet", id)
}

func (s *Store) PutScenarioDetail(ctx context.Context, id string, detail json.RawMessage) error {
	return s.putDocument(ctx,
		`INSERT INTO scenarios (id, detail) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET detail = EXCLUDED.detail, updated_at = now()`,
		"scenario", id, detail)
}

func (s *Store) PutWalletAssets(ctx context.Context, id string, assets json.RawMessage) error {
	return s.putDocument(ctx,
		`INSERT INTO wallets (id, assets) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET assets = EXCLUDED.assets, updated_at = now()`,
		"wallet", id, assets)
}

func (s *Store) getDocument(ctx context.Context, query, kind, id string) (json.RawMessage, error) {
	var doc []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&doc); err != nil {
		return nil, notFoundWrap(err, "get %s %s", kind, id)
	}
	return json.RawMessage(doc), nil
}

func (s *Store) putDocument(ctx context.Context, query, kind, id string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("put %s %s: %w", kind, id, domain.ErrMalformed)
	}
	if _, err := s.pool.Exec(ctx, query, id, []byte(doc)); err != nil {
		return fmt.Errorf("put %s %s: %w", kind, id, err)
	}
	return nil
}
