// Package progresssync keeps a participant's progress record in step with
// the authority. Every call resolves to a usable record: when the authority
// is unreachable or rejects a change, the last known record, the cached
// record, or a deterministic fallback is returned instead of an error.
package progresssync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/cachestore"
	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/fetcher"
)

// ErrSuperseded is returned when a newer operation for the same session
// replaced this one. The result must be discarded.
var ErrSuperseded = errors.New("progress operation superseded")

const (
	DefaultTimeout = 20 * time.Second
	DefaultTTL     = 5 * time.Minute
)

// Source tells where an Outcome's record came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceCache    Source = "cache"
	SourceMemory   Source = "memory"
	SourceFallback Source = "fallback"
	SourceEcho     Source = "echo"
)

// Outcome is the result of a synchronization call.
type Outcome struct {
	Record    *progress.Record
	Source    Source
	Persisted bool  // confirmed by the authority
	Cause     error // transient failure or rejection behind a non-remote source
}

// Remote is the authority side of progress synchronization.
type Remote interface {
	GetProgress(ctx context.Context, sessionID string) (*progress.Record, error)
	UpdateProgress(ctx context.Context, sessionID string, u progress.Update) (*progress.Record, error)
}

type op struct {
	token  string
	cancel context.CancelFunc
}

// Synchronizer loads and updates progress records with per-session
// cancellation of superseded operations.
type Synchronizer struct {
	remote  Remote
	fetch   *fetcher.Fetcher
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
	metrics *otel.Metrics
	log     *slog.Logger

	mu  sync.Mutex
	ops map[string]op
	mem map[string]*progress.Record
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTimeout bounds every authority call.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTTL sets how long confirmed records stay in the cache.
func WithTTL(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock sets the time source used for optimistic echoes.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithMetrics records operation outcomes on m.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

// New creates a Synchronizer. Confirmed records are cached through f.
func New(remote Remote, f *fetcher.Fetcher, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		remote:  remote,
		fetch:   f,
		timeout: DefaultTimeout,
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     slog.Default(),
		ops:     make(map[string]op),
		mem:     make(map[string]*progress.Record),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load fetches the record for sessionID from the authority. On failure it
// degrades to the in-memory record, then the cached record, then
// progress.Fallback. The error is non-nil only when the call was superseded
// or ctx was cancelled.
func (s *Synchronizer) Load(ctx context.Context, sessionID string) (Outcome, error) {
	ctx, span := otel.StartSyncSpan(ctx, "load", sessionID)
	defer span.End()
	start := time.Now()

	opCtx, token, finish := s.begin(ctx, sessionID)
	defer finish()
	callCtx, cancel := context.WithTimeout(opCtx, s.timeout)
	defer cancel()

	var cause error
	res, err := fetcher.Fetch(callCtx, s.fetch, fetcher.Request[*progress.Record]{
		Key: fetcher.ProgressKey(sessionID),
		Load: func(ctx context.Context) (*progress.Record, error) {
			r, err := s.remote.GetProgress(ctx, sessionID)
			if err == nil && r == nil {
				err = fmt.Errorf("empty progress record: %w", domain.ErrMalformed)
			}
			if err != nil {
				cause = err
			}
			return r, err
		},
		TTL:         s.ttl,
		BypassCache: true,
	})

	if err := s.settle(ctx, sessionID, token); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	switch {
	case err == nil && res.Origin == fetcher.OriginNetwork:
		s.remember(sessionID, res.Value)
		out = Outcome{Record: res.Value.Clone(), Source: SourceRemote, Persisted: true}
	default:
		if cause == nil {
			cause = err
		}
		out = s.degrade(sessionID, cause)
	}

	s.observe(ctx, "load", out, start)
	return out, nil
}

// Update sends u to the authority. Regressions away from completed are
// stripped first; an update left empty is answered locally. When the
// authority cannot be reached or rejects the change, the update is applied
// locally and returned as an unpersisted echo. The error is non-nil only for
// an invalid update, a superseded call, or a cancelled ctx.
func (s *Synchronizer) Update(ctx context.Context, sessionID string, u progress.Update) (Outcome, error) {
	if err := u.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("progress update %s: %w", sessionID, err)
	}

	ctx, span := otel.StartSyncSpan(ctx, "update", sessionID)
	defer span.End()
	start := time.Now()

	base := s.degrade(sessionID, nil)
	if base.Record.Status == progress.StatusCompleted && u.Status != nil && *u.Status != progress.StatusCompleted {
		s.log.DebugContext(ctx, "stripping status regression from completed record",
			"session_id", sessionID, "status", *u.Status)
		u.Status = nil
	}
	if u.IsEmpty() {
		base.Cause = nil
		s.observe(ctx, "update", base, start)
		return base, nil
	}

	opCtx, token, finish := s.begin(ctx, sessionID)
	defer finish()
	callCtx, cancel := context.WithTimeout(opCtx, s.timeout)
	defer cancel()

	rec, err := s.remote.UpdateProgress(callCtx, sessionID, u)
	if err == nil && rec == nil {
		err = fmt.Errorf("empty progress record: %w", domain.ErrMalformed)
	}

	if serr := s.settle(ctx, sessionID, token); serr != nil {
		return Outcome{}, serr
	}

	var out Outcome
	if err == nil {
		s.remember(sessionID, rec)
		if cerr := cachestore.Set(s.fetch.Store(), fetcher.ProgressKey(sessionID), rec, s.ttl); cerr != nil {
			s.log.WarnContext(ctx, "progress cache write failed", "session_id", sessionID, "error", cerr)
		}
		out = Outcome{Record: rec.Clone(), Source: SourceRemote, Persisted: true}
	} else {
		out = s.echo(ctx, sessionID, base.Record, u, err)
	}

	s.observe(ctx, "update", out, start)
	return out, nil
}

// Current returns the last record this Synchronizer saw for sessionID.
func (s *Synchronizer) Current(sessionID string) (*progress.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.mem[sessionID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Cancel aborts the in-flight operation for sessionID, if any. Its caller
// receives ErrSuperseded.
func (s *Synchronizer) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.ops[sessionID]; ok {
		o.cancel()
		delete(s.ops, sessionID)
	}
}

// Forget cancels in-flight work and drops the in-memory record of sessionID.
func (s *Synchronizer) Forget(sessionID string) {
	s.Cancel(sessionID)
	s.mu.Lock()
	delete(s.mem, sessionID)
	s.mu.Unlock()
}

// begin registers a new operation for sessionID and cancels the previous one.
func (s *Synchronizer) begin(ctx context.Context, sessionID string) (context.Context, string, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	token := uuid.NewString()

	s.mu.Lock()
	if prev, ok := s.ops[sessionID]; ok {
		prev.cancel()
	}
	s.ops[sessionID] = op{token: token, cancel: cancel}
	s.mu.Unlock()

	return opCtx, token, func() {
		cancel()
		s.mu.Lock()
		if cur, ok := s.ops[sessionID]; ok && cur.token == token {
			delete(s.ops, sessionID)
		}
		s.mu.Unlock()
	}
}

// settle reports whether the operation identified by token may still
// publish its result.
func (s *Synchronizer) settle(ctx context.Context, sessionID, token string) error {
	s.mu.Lock()
	cur, ok := s.ops[sessionID]
	s.mu.Unlock()
	if !ok || cur.token != token {
		s.log.DebugContext(ctx, "progress result discarded, superseded", "session_id", sessionID)
		return ErrSuperseded
	}
	return ctx.Err()
}

// degrade picks the best local record: memory, then cache, then fallback.
func (s *Synchronizer) degrade(sessionID string, cause error) Outcome {
	if r, ok := s.Current(sessionID); ok {
		return Outcome{Record: r, Source: SourceMemory, Cause: cause}
	}
	if r, ok := cachestore.Get[*progress.Record](s.fetch.Store(), fetcher.ProgressKey(sessionID)); ok && r != nil {
		if err := r.Validate(); err == nil {
			return Outcome{Record: r, Source: SourceCache, Cause: cause}
		}
	}
	return Outcome{Record: progress.Fallback(sessionID), Source: SourceFallback, Cause: cause}
}

func (s *Synchronizer) echo(ctx context.Context, sessionID string, base *progress.Record, u progress.Update, cause error) Outcome {
	next, err := progress.Apply(base, u, s.now())
	if err != nil {
		s.log.WarnContext(ctx, "update cannot be applied locally", "session_id", sessionID, "error", err)
		next = base.Clone()
		cause = errors.Join(cause, err)
	}
	s.remember(sessionID, next)
	s.log.InfoContext(ctx, "progress update not persisted, using local echo",
		"session_id", sessionID, "error", cause)
	return Outcome{Record: next.Clone(), Source: SourceEcho, Cause: cause}
}

func (s *Synchronizer) remember(sessionID string, r *progress.Record) {
	s.mu.Lock()
	s.mem[sessionID] = r.Clone()
	s.mu.Unlock()
}

func (s *Synchronizer) observe(ctx context.Context, op string, out Outcome, start time.Time) {
	if out.Cause != nil && !out.Persisted {
		s.log.DebugContext(ctx, "progress sync degraded", "op", op, "source", out.Source, "error", out.Cause)
	}
	s.metrics.RecordSync(ctx, op, string(out.Source), out.Persisted, time.Since(start).Seconds())
}
