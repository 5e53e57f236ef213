package fetcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/cachestore"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/fetcher"
)

// fakeSource records asset requests.
type fakeSource struct {
	mu        sync.Mutex
	scenarios []string
	wallets   []string
	failWith  error
}

func (s *fakeSource) GetScenarioDetail(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, id)
	if s.failWith != nil {
		return nil, s.failWith
	}
	return json.RawMessage(`{"id":"` + id + `"}`), nil
}

func (s *fakeSource) GetWalletAssets(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = append(s.wallets, id)
	if s.failWith != nil {
		return nil, s.failWith
	}
	return json.RawMessage(`[]`), nil
}

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scenarios), len(s.wallets)
}

func scenarioSession() *experiment.Session {
	return &experiment.Session{
		ID: "sess-1",
		Stages: []experiment.Stage{
			{ID: "intro", Kind: experiment.KindInstructions, Order: 1, Payload: experiment.Instructions{Content: "hi"}},
			{ID: "s1", Kind: experiment.KindScenario, Order: 2, Payload: experiment.Scenario{ScenarioID: "sc-1", WalletID: "w-1", Rounds: 3}},
			{ID: "s2", Kind: experiment.KindScenario, Order: 3, Payload: experiment.Scenario{ScenarioID: "sc-2"}},
			{ID: "s3", Kind: experiment.KindScenario, Order: 4, Payload: experiment.Scenario{ScenarioID: "sc-1", WalletID: "w-1"}},
		},
	}
}

func TestPrefetchWarmsScenarioAndWalletKeys(t *testing.T) {
	store := cachestore.New()
	src := &fakeSource{}
	p := fetcher.NewPrefetcher(fetcher.New(store), src, fetcher.PrefetchConfig{Delay: -1, Concurrency: 2})

	p.Schedule(context.Background(), scenarioSession())
	p.Wait()

	for _, key := range []string{"scenario:sc-1", "scenario:sc-2", "wallet:w-1:assets"} {
		if !store.Has(key) {
			t.Errorf("expected %s to be warmed", key)
		}
	}
	scenarios, wallets := src.counts()
	if scenarios != 2 || wallets != 1 {
		t.Fatalf("got %d scenario and %d wallet loads, want 2 and 1", scenarios, wallets)
	}
}

func TestPrefetchSkipsWarmEntries(t *testing.T) {
	store := cachestore.New()
	_ = cachestore.Set(store, "scenario:sc-1", json.RawMessage(`{}`), time.Minute)
	src := &fakeSource{}
	p := fetcher.NewPrefetcher(fetcher.New(store), src, fetcher.PrefetchConfig{Delay: -1})

	p.Schedule(context.Background(), scenarioSession())
	p.Wait()

	scenarios, _ := src.counts()
	if scenarios != 1 {
		t.Fatalf("got %d scenario loads, want 1", scenarios)
	}
}

func TestPrefetchFailuresAreIgnored(t *testing.T) {
	store := cachestore.New()
	src := &fakeSource{failWith: errors.New("boom")}
	p := fetcher.NewPrefetcher(fetcher.New(store), src, fetcher.PrefetchConfig{Delay: -1})

	p.Schedule(context.Background(), scenarioSession())
	p.Wait()

	if store.Len() != 0 {
		t.Fatalf("expected nothing cached, got %d entries", store.Len())
	}
}

func TestPrefetchCancelledDuringDelay(t *testing.T) {
	src := &fakeSource{}
	p := fetcher.NewPrefetcher(fetcher.New(cachestore.New()), src, fetcher.PrefetchConfig{Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	p.Schedule(ctx, scenarioSession())
	cancel()
	p.Wait()

	if scenarios, wallets := src.counts(); scenarios+wallets != 0 {
		t.Fatalf("expected no loads after cancel, got %d", scenarios+wallets)
	}
}

func TestPrefetchNoScenarioStages(t *testing.T) {
	src := &fakeSource{}
	p := fetcher.NewPrefetcher(fetcher.New(cachestore.New()), src, fetcher.PrefetchConfig{Delay: -1})

	s := &experiment.Session{ID: "x", Stages: []experiment.Stage{
		{ID: "b", Kind: experiment.KindBreak, Order: 1, Payload: experiment.Break{Message: "rest"}},
	}}
	p.Schedule(context.Background(), s)
	p.Wait()

	if scenarios, _ := src.counts(); scenarios != 0 {
		t.Fatalf("expected no loads, got %d", scenarios)
	}
}
