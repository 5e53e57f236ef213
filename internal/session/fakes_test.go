package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/cachestore"
	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/fetcher"
	"github.com/solosolocodes/lablab-sub002/internal/progresssync"
	"github.com/solosolocodes/lablab-sub002/internal/session"
)

var errOffline = errors.New("authority offline")

// fakeAuthority serves sessions and applies progress updates like the real
// authority does.
type fakeAuthority struct {
	mu       sync.Mutex
	sessions map[string]*experiment.Session
	records  map[string]*progress.Record
	updates  []progress.Update
	offline  bool

	// getHook, when set, runs before GetProgress answers.
	getHook func(ctx context.Context, call int)
	getN    int

	// sessionHook, when set, runs before GetSession answers. A non-nil
	// result is returned as the error.
	sessionHook func(ctx context.Context, call int) error
	sessionN    int
}

func newFakeAuthority(sessions ...*experiment.Session) *fakeAuthority {
	fa := &fakeAuthority{
		sessions: make(map[string]*experiment.Session),
		records:  make(map[string]*progress.Record),
	}
	for _, s := range sessions {
		fa.sessions[s.ID] = s
	}
	return fa
}

func (fa *fakeAuthority) GetSession(ctx context.Context, id string) (*experiment.Session, error) {
	fa.mu.Lock()
	fa.sessionN++
	call, hook := fa.sessionN, fa.sessionHook
	fa.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return nil, err
		}
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.offline {
		return nil, errOffline
	}
	s, ok := fa.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	cp.Stages = append([]experiment.Stage(nil), s.Stages...)
	return &cp, nil
}

func (fa *fakeAuthority) GetProgress(ctx context.Context, id string) (*progress.Record, error) {
	fa.mu.Lock()
	fa.getN++
	call, hook := fa.getN, fa.getHook
	fa.mu.Unlock()
	if hook != nil {
		hook(ctx, call)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.offline {
		return nil, errOffline
	}
	r, ok := fa.records[id]
	if !ok {
		r = progress.New(id, "p-1")
		fa.records[id] = r
	}
	return r.Clone(), nil
}

func (fa *fakeAuthority) UpdateProgress(_ context.Context, id string, u progress.Update) (*progress.Record, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.offline {
		return nil, errOffline
	}
	r, ok := fa.records[id]
	if !ok {
		r = progress.New(id, "p-1")
	}
	next, err := progress.Apply(r, u, time.Now())
	if err != nil {
		return nil, err
	}
	fa.records[id] = next
	fa.updates = append(fa.updates, u)
	return next.Clone(), nil
}

func (fa *fakeAuthority) setRecord(r *progress.Record) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.records[r.SessionID] = r
}

func (fa *fakeAuthority) record(id string) *progress.Record {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.records[id].Clone()
}

func (fa *fakeAuthority) updateCount() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.updates)
}

func (fa *fakeAuthority) setOffline(v bool) {
	fa.mu.Lock()
	fa.offline = v
	fa.mu.Unlock()
}

// newMachine wires a Machine to fa through a real cache, fetcher and
// synchronizer. The machine is closed when the test ends.
func newMachine(t *testing.T, fa *fakeAuthority, opts ...session.Option) *session.Machine {
	t.Helper()
	f := fetcher.New(cachestore.New())
	ps := progresssync.New(fa, f, progresssync.WithTimeout(time.Second))
	m := session.New(fa, f, ps, opts...)
	t.Cleanup(m.Close)
	return m
}

// waitFor reads events until one of type want arrives.
func waitFor(t *testing.T, m *session.Machine, want session.EventType) session.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func threeStageSession() *experiment.Session {
	return &experiment.Session{
		ID:   "sess-3",
		Name: "Pilot",
		Stages: []experiment.Stage{
			{ID: "intro", Kind: experiment.KindInstructions, Order: 1, Payload: experiment.Instructions{Content: "Welcome"}},
			{ID: "survey", Kind: experiment.KindSurvey, Order: 2, Required: true, Payload: experiment.Survey{Questions: []experiment.Question{
				{ID: "q1", Prompt: "How risky was that?", Type: "scale", Required: true},
			}}},
			{ID: "rest", Kind: experiment.KindBreak, Order: 3, Payload: experiment.Break{Message: "Thanks"}},
		},
	}
}

func linearSession(id string, n int) *experiment.Session {
	s := &experiment.Session{ID: id, Name: id}
	for i := range n {
		s.Stages = append(s.Stages, experiment.Stage{
			ID:      "st-" + string(rune('a'+i)),
			Kind:    experiment.KindBreak,
			Order:   i + 1,
			Payload: experiment.Break{Message: "pause"},
		})
	}
	return s
}

// blockingProgress holds Update calls until released.
type blockingProgress struct {
	session.Progress
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingProgress) Update(ctx context.Context, id string, u progress.Update) (progresssync.Outcome, error) {
	if u.CompletedStageID != nil {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.Progress.Update(ctx, id, u)
}
