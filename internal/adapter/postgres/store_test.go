package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/postgres"
	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if _, err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

// createTestSession stores a two-stage session with a random id.
func createTestSession(t *testing.T, store *postgres.Store) *experiment.Session {
	t.Helper()
	s := &experiment.Session{
		ID:   "test-" + uuid.New().String()[:8],
		Name: "integration",
		Stages: []experiment.Stage{
			{ID: "b", Kind: experiment.KindBreak, Order: 2, Payload: experiment.Break{Message: "bye"}},
			{ID: "a", Kind: experiment.KindScenario, Order: 1, DurationSeconds: 60,
				Payload: experiment.Scenario{ScenarioID: "sc-1", WalletID: "w-1", Rounds: 3}},
		},
	}
	if err := store.PutSession(context.Background(), s); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	return s
}

func TestStore_SessionRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	s := createTestSession(t, store)

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Stages) != 2 || got.Stages[0].ID != "a" {
		t.Fatalf("expected stages stored in order, got %+v", got.Stages)
	}
	sc, ok := got.Stages[0].Payload.(experiment.Scenario)
	if !ok || sc.WalletID != "w-1" {
		t.Fatalf("scenario payload lost: %#v", got.Stages[0].Payload)
	}

	if _, err := store.GetSession(ctx, "missing-"+uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PutSessionRejectsMalformed(t *testing.T) {
	store := setupStore(t)
	err := store.PutSession(context.Background(), &experiment.Session{ID: "empty-" + uuid.NewString()[:8]})
	if !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestStore_ProgressLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	s := createTestSession(t, store)

	if _, err := store.GetProgress(ctx, s.ID, "p-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before ensure, got %v", err)
	}

	first, err := store.EnsureProgress(ctx, progress.New(s.ID, "p-1"))
	if err != nil {
		t.Fatalf("EnsureProgress: %v", err)
	}
	again, err := store.EnsureProgress(ctx, progress.New(s.ID, "p-1"))
	if err != nil {
		t.Fatalf("EnsureProgress again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("EnsureProgress replaced the record: %s != %s", again.ID, first.ID)
	}

	updated, err := store.MutateProgress(ctx, s.ID, "p-1", func(cur *progress.Record) (*progress.Record, error) {
		return progress.Apply(cur, progress.Update{
			Status:         progress.Ptr(progress.StatusInProgress),
			CurrentStageID: progress.Ptr("a"),
		}, time.Now())
	})
	if err != nil {
		t.Fatalf("MutateProgress: %v", err)
	}
	if updated.Status != progress.StatusInProgress || updated.StartedAt == nil {
		t.Fatalf("unexpected record %+v", updated)
	}

	got, err := store.GetProgress(ctx, s.ID, "p-1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if got.CurrentStageID != "a" || got.ID != first.ID {
		t.Fatalf("stored record %+v", got)
	}

	boom := errors.New("abort")
	if _, err := store.MutateProgress(ctx, s.ID, "p-1", func(*progress.Record) (*progress.Record, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
}

func TestStore_EnsureProgressUnknownSession(t *testing.T) {
	store := setupStore(t)
	_, err := store.EnsureProgress(context.Background(), progress.New("missing-"+uuid.NewString()[:8], "p-1"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Documents(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := "sc-" + uuid.NewString()[:8]

	if err := store.PutScenarioDetail(ctx, id, json.RawMessage(`{"rounds":3}`)); err != nil {
		t.Fatalf("PutScenarioDetail: %v", err)
	}
	doc, err := store.GetScenarioDetail(ctx, id)
	if err != nil {
		t.Fatalf("GetScenarioDetail: %v", err)
	}
	var v map[string]int
	if err := json.Unmarshal(doc, &v); err != nil || v["rounds"] != 3 {
		t.Fatalf("unexpected document %s (%v)", doc, err)
	}

	if err := store.PutWalletAssets(ctx, id, json.RawMessage(`not json`)); !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := store.GetWalletAssets(ctx, "missing-"+id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
