package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	lhttp "github.com/solosolocodes/lablab-sub002/internal/adapter/http"
	"github.com/solosolocodes/lablab-sub002/internal/config"
	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/middleware"
	"github.com/solosolocodes/lablab-sub002/internal/session"
)

// --- in-process authority ---

type staticCatalog struct {
	sessions map[string]*experiment.Session
}

func (c *staticCatalog) GetSession(_ context.Context, id string) (*experiment.Session, error) {
	s, ok := c.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (c *staticCatalog) GetScenarioDetail(context.Context, string) (json.RawMessage, error) {
	return nil, domain.ErrNotFound
}

func (c *staticCatalog) GetWalletAssets(context.Context, string) (json.RawMessage, error) {
	return nil, domain.ErrNotFound
}

type memProgress struct {
	mu      sync.Mutex
	records map[string]*progress.Record
}

func (p *memProgress) Get(_ context.Context, sessionID, participantID string) (*progress.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(sessionID, participantID).Clone(), nil
}

func (p *memProgress) getLocked(sessionID, participantID string) *progress.Record {
	key := sessionID + "/" + participantID
	rec, ok := p.records[key]
	if !ok {
		rec = progress.New(sessionID, participantID)
		p.records[key] = rec
	}
	return rec
}

func (p *memProgress) Update(_ context.Context, sessionID, participantID string, u progress.Update) (*progress.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := progress.Apply(p.getLocked(sessionID, participantID), u, time.Now())
	if err != nil {
		return nil, err
	}
	p.records[sessionID+"/"+participantID] = next
	return next.Clone(), nil
}

func surveySession() *experiment.Session {
	return &experiment.Session{
		ID:   "pilot",
		Name: "Pilot",
		Stages: []experiment.Stage{
			{
				ID: "survey", Kind: experiment.KindSurvey, Title: "Questions", Order: 1,
				Payload: experiment.Survey{Questions: []experiment.Question{
					{ID: "q1", Prompt: "Risk appetite?", Type: "scale", Required: true},
				}},
			},
			{ID: "end", Kind: experiment.KindBreak, Order: 2, Payload: experiment.Break{Message: "Thanks"}},
		},
	}
}

func newAuthority(t *testing.T) (*httptest.Server, *memProgress) {
	t.Helper()
	prog := &memProgress{records: make(map[string]*progress.Record)}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	lhttp.MountRoutes(r, &lhttp.Handlers{
		Catalog:  &staticCatalog{sessions: map[string]*experiment.Session{"pilot": surveySession()}},
		Progress: prog,
	}, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, prog
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Authority.BaseURL = baseURL
	cfg.Authority.ParticipantID = "p-1"
	cfg.Authority.Timeout = 2 * time.Second
	cfg.Session.SyncTimeout = 2 * time.Second
	cfg.Cache.SnapshotPath = filepath.Join(t.TempDir(), "cache.json")
	cfg.Cache.Debounce = 10 * time.Millisecond
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- tests ---

func TestConsoleDrivesSessionAgainstAuthority(t *testing.T) {
	srv, prog := newAuthority(t)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	st, err := buildStack(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	gate := newAnswerGate()
	m := session.New(st.client, st.fetch, st.sync, session.WithGate(gate), session.WithLogger(quietLogger()))

	var out bytes.Buffer
	c := &console{m: m, gate: gate, out: &out}

	if err := m.LoadSession(ctx, "pilot"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	if c.handle(ctx, 'n') {
		t.Fatal("n must not quit")
	}
	if !strings.Contains(out.String(), "not answered") {
		t.Fatalf("expected gate message, got %q", out.String())
	}
	if got := m.Snapshot().Index; got != 0 {
		t.Fatalf("index = %d, want 0 while gated", got)
	}

	c.handle(ctx, 'a')
	c.handle(ctx, 'n')
	if got := m.Snapshot().Index; got != 1 {
		t.Fatalf("index = %d, want 1", got)
	}

	c.handle(ctx, 'n')
	if got := m.Snapshot().State; got != session.StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}

	rec, _ := prog.Get(ctx, "pilot", "p-1")
	if rec.Status != progress.StatusCompleted {
		t.Fatalf("authority status = %s, want completed", rec.Status)
	}

	if !c.handle(ctx, 'q') {
		t.Fatal("q must quit")
	}

	m.Close()
	if err := st.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(cfg.Cache.SnapshotPath); err != nil {
		t.Fatalf("cache snapshot not written: %v", err)
	}
}

// flakySource fails the first fails session reads.
type flakySource struct {
	session.SessionSource
	mu    sync.Mutex
	fails int
}

func (f *flakySource) GetSession(ctx context.Context, id string) (*experiment.Session, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("authority unreachable")
	}
	f.mu.Unlock()
	return f.SessionSource.GetSession(ctx, id)
}

func TestConsoleOffersRetryAfterFailedLoad(t *testing.T) {
	tests := []struct {
		name      string
		keys      string
		wantQuit  bool
		wantState session.State
	}{
		{name: "retry", keys: "xr", wantQuit: false, wantState: session.StateReady},
		{name: "quit", keys: "q", wantQuit: true, wantState: session.StateFailed},
		{name: "input closed", keys: "", wantQuit: true, wantState: session.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newAuthority(t)
			cfg := testConfig(t, srv.URL)
			ctx := context.Background()

			st, err := buildStack(ctx, cfg, quietLogger())
			if err != nil {
				t.Fatalf("buildStack: %v", err)
			}
			defer func() { _ = st.close(ctx) }()
			src := &flakySource{SessionSource: st.client, fails: 1}
			m := session.New(src, st.fetch, st.sync, session.WithLogger(quietLogger()))
			defer m.Close()

			var out bytes.Buffer
			c := &console{m: m, gate: newAnswerGate(), out: &out}
			keys := make(chan byte, len(tt.keys))
			for i := range len(tt.keys) {
				keys <- tt.keys[i]
			}
			close(keys)

			quit, err := c.load(ctx, "pilot", keys)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if quit != tt.wantQuit {
				t.Fatalf("quit = %v, want %v", quit, tt.wantQuit)
			}
			if got := m.Snapshot().State; got != tt.wantState {
				t.Fatalf("state = %s, want %s", got, tt.wantState)
			}
			if !strings.Contains(out.String(), "press r to retry") {
				t.Fatalf("expected retry prompt, got %q", out.String())
			}
		})
	}
}

func TestRetreatKeyOutsideInspectMode(t *testing.T) {
	srv, _ := newAuthority(t)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	st, err := buildStack(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	defer func() { _ = st.close(ctx) }()
	m := session.New(st.client, st.fetch, st.sync, session.WithLogger(quietLogger()))
	defer m.Close()

	var out bytes.Buffer
	c := &console{m: m, gate: newAnswerGate(), out: &out}
	if err := m.LoadSession(ctx, "pilot"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	c.handle(ctx, 'b')
	if !strings.Contains(out.String(), session.ErrRetreatNotAllowed.Error()) {
		t.Fatalf("expected retreat error, got %q", out.String())
	}
}

func TestDescribeEvents(t *testing.T) {
	c := &console{out: io.Discard}
	tests := []struct {
		ev   session.Event
		want string
	}{
		{session.Event{Type: session.EventTick, Remaining: 45}, ""},
		{session.Event{Type: session.EventTick, Remaining: 60}, "  1:00 left"},
		{session.Event{Type: session.EventTick, Remaining: 7}, "  0:07 left"},
		{session.Event{Type: session.EventTimerExpired}, "  time is up"},
		{session.Event{Type: session.EventCompleted}, "session completed"},
	}
	for _, tt := range tests {
		if got := c.describe(tt.ev); got != tt.want {
			t.Errorf("describe(%s, %d) = %q, want %q", tt.ev.Type, tt.ev.Remaining, got, tt.want)
		}
	}
}

func TestSnapshotKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"p-1", "participant.p-1"},
		{"alice@lab.example", "participant.alice_lab_example"},
		{"a b*c>", "participant.a_b_c_"},
	}
	for _, tt := range tests {
		if got := snapshotKey(tt.in); got != tt.want {
			t.Errorf("snapshotKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadLineKeys(t *testing.T) {
	keys := make(chan byte)
	go readLineKeys(strings.NewReader("n\n\n  a\nquit\n"), keys)

	var got []byte
	for k := range keys {
		got = append(got, k)
	}
	if string(got) != "naq" {
		t.Fatalf("keys = %q, want %q", got, "naq")
	}
}

func TestCRLFWriter(t *testing.T) {
	var buf bytes.Buffer
	n, err := crlfWriter{&buf}.Write([]byte("a\nb\n"))
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if buf.String() != "a\r\nb\r\n" {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestFormatRemaining(t *testing.T) {
	for in, want := range map[int]string{0: "0:00", 5: "0:05", 125: "2:05", -3: "0:00"} {
		if got := formatRemaining(in); got != want {
			t.Errorf("formatRemaining(%d) = %q, want %q", in, got, want)
		}
	}
}
