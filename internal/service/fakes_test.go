package service_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/port/database"
	"github.com/solosolocodes/lablab-sub002/internal/port/messagequeue"
)

// memStore is an in-memory database.Store.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*experiment.Session
	progress map[string]*progress.Record
	docs     map[string]json.RawMessage
	getCalls int
}

var _ database.Store = (*memStore)(nil)

func newMemStore(sessions ...*experiment.Session) *memStore {
	s := &memStore{
		sessions: make(map[string]*experiment.Session),
		progress: make(map[string]*progress.Record),
		docs:     make(map[string]json.RawMessage),
	}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (m *memStore) GetSession(_ context.Context, id string) (*experiment.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	cp.Stages = append([]experiment.Stage(nil), s.Stages...)
	return &cp, nil
}

func (m *memStore) PutSession(_ context.Context, s *experiment.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) sessionLoads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

func progressKey(sessionID, participantID string) string { return sessionID + "/" + participantID }

func (m *memStore) GetProgress(_ context.Context, sessionID, participantID string) (*progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.progress[progressKey(sessionID, participantID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memStore) EnsureProgress(_ context.Context, r *progress.Record) (*progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[r.SessionID]; !ok {
		return nil, domain.ErrNotFound
	}
	key := progressKey(r.SessionID, r.ParticipantID)
	if cur, ok := m.progress[key]; ok {
		return cur.Clone(), nil
	}
	m.progress[key] = r.Clone()
	return r.Clone(), nil
}

func (m *memStore) MutateProgress(_ context.Context, sessionID, participantID string, fn database.MutateFunc) (*progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey(sessionID, participantID)
	cur, ok := m.progress[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	m.progress[key] = next.Clone()
	return next, nil
}

func (m *memStore) GetScenarioDetail(_ context.Context, id string) (json.RawMessage, error) {
	return m.doc("scenario/" + id)
}

func (m *memStore) GetWalletAssets(_ context.Context, id string) (json.RawMessage, error) {
	return m.doc("wallet/" + id)
}

func (m *memStore) PutScenarioDetail(_ context.Context, id string, d json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs["scenario/"+id] = d
	return nil
}

func (m *memStore) PutWalletAssets(_ context.Context, id string, d json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs["wallet/"+id] = d
	return nil
}

func (m *memStore) doc(key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

// memCache is a map-backed cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// recordingHub records broadcast events.
type recordingHub struct {
	mu     sync.Mutex
	events []any
	types  []string
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, eventType)
	h.events = append(h.events, payload)
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *recordingHub) last() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return nil
	}
	return h.events[len(h.events)-1]
}

// loopQueue delivers published messages synchronously to matching subscribers.
type loopQueue struct {
	mu        sync.Mutex
	subs      map[int]sub
	next      int
	published []string
	err       error
}

type sub struct {
	pattern string
	h       messagequeue.Handler
}

var _ messagequeue.Queue = (*loopQueue)(nil)

func newLoopQueue() *loopQueue { return &loopQueue{subs: make(map[int]sub)} }

func (q *loopQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return q.err
	}
	q.published = append(q.published, subject)
	var targets []messagequeue.Handler
	for _, s := range q.subs {
		if matches(s.pattern, subject) {
			targets = append(targets, s.h)
		}
	}
	q.mu.Unlock()
	for _, h := range targets {
		_ = h(ctx, subject, data)
	}
	return nil
}

func (q *loopQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.next
	q.next++
	q.subs[id] = sub{pattern: subject, h: h}
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}, nil
}

func (q *loopQueue) Close() error { return nil }

func matches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return pattern == subject
}

func pilotSession() *experiment.Session {
	return &experiment.Session{
		ID:   "pilot",
		Name: "Pilot",
		Stages: []experiment.Stage{
			{ID: "intro", Kind: experiment.KindInstructions, Order: 1, Payload: experiment.Instructions{Content: "hi"}},
			{ID: "market", Kind: experiment.KindScenario, Order: 2, DurationSeconds: 120,
				Payload: experiment.Scenario{ScenarioID: "sc-1", WalletID: "w-1", Rounds: 5}},
			{ID: "end", Kind: experiment.KindBreak, Order: 3, Payload: experiment.Break{Message: "thanks"}},
		},
	}
}
