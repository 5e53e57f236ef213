// Package session drives a participant through the stages of one experiment
// session: it positions the stage pointer from stored progress, runs the
// per-stage timer, and reports every transition to the progress synchronizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/fetcher"
	"github.com/solosolocodes/lablab-sub002/internal/logger"
	"github.com/solosolocodes/lablab-sub002/internal/progresssync"
)

var (
	ErrTransitionInFlight = errors.New("transition already in flight")
	ErrGated              = errors.New("stage completion criteria not met")
	ErrRetreatNotAllowed  = errors.New("retreat is only allowed in inspect mode")
	ErrLoadFailed         = errors.New("session load failed")
	ErrNotLoaded          = errors.New("no session loaded")
	ErrClosed             = errors.New("session machine closed")
)

const (
	DefaultTick             = time.Second
	DefaultAutoAdvanceGrace = 1500 * time.Millisecond
	DefaultSessionTTL       = 30 * time.Minute
)

// Mode selects between a live participant run and authoring inspection.
type Mode int

const (
	ModeLive Mode = iota
	ModeInspect
)

func (m Mode) String() string {
	if m == ModeInspect {
		return "inspect"
	}
	return "live"
}

// State is the lifecycle state of a Machine.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
)

// Gate decides whether a scenario or survey stage may be left. The criteria
// belong to the stage's consumer (rounds elapsed, required answers given).
type Gate interface {
	CanAdvance(stage experiment.Stage) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(stage experiment.Stage) bool

// CanAdvance calls f.
func (f GateFunc) CanAdvance(stage experiment.Stage) bool { return f(stage) }

// SessionSource loads session definitions.
type SessionSource interface {
	GetSession(ctx context.Context, id string) (*experiment.Session, error)
}

// Progress is the synchronizer the machine reports to.
type Progress interface {
	Load(ctx context.Context, sessionID string) (progresssync.Outcome, error)
	Update(ctx context.Context, sessionID string, u progress.Update) (progresssync.Outcome, error)
}

// Prefetch warms assets of a loaded session in the background.
type Prefetch interface {
	Schedule(ctx context.Context, s *experiment.Session)
	Wait()
}

// SyncStatus describes the most recent synchronization result.
type SyncStatus struct {
	Op        string
	Source    progresssync.Source
	Persisted bool
	Err       error
	At        time.Time
}

// Snapshot is a consistent copy of the machine's observable state.
type Snapshot struct {
	State        State
	Mode         Mode
	SessionID    string
	Stages       []experiment.Stage
	Index        int
	Remaining    int
	TimerRunning bool
	Expired      bool
	Progress     *progress.Record
	LastSync     SyncStatus
	Err          error
}

// Stage returns the active stage, if a session is loaded.
func (s Snapshot) Stage() (experiment.Stage, bool) {
	if s.Index < 0 || s.Index >= len(s.Stages) {
		return experiment.Stage{}, false
	}
	return s.Stages[s.Index], true
}

// Option configures a Machine.
type Option func(*Machine)

// WithMode sets the run mode.
func WithMode(mode Mode) Option { return func(m *Machine) { m.mode = mode } }

// WithGate sets the completion gate for scenario and survey stages.
func WithGate(g Gate) Option { return func(m *Machine) { m.gate = g } }

// WithTick sets the timer resolution. One tick is one second of stage time.
func WithTick(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithAutoAdvanceGrace sets the pause between an instructions timer expiring
// and the automatic advance.
func WithAutoAdvanceGrace(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// WithSessionTTL sets how long session definitions stay cached.
func WithSessionTTL(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.sessionTTL = d
		}
	}
}

// WithPrefetch schedules asset warm-ups after each load.
func WithPrefetch(p Prefetch) Option { return func(m *Machine) { m.prefetch = p } }

// WithMetrics records transitions on mt.
func WithMetrics(mt *otel.Metrics) Option { return func(m *Machine) { m.metrics = mt } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.log = l } }

// Machine is the session state machine. All methods are safe for concurrent use.
type Machine struct {
	src      SessionSource
	fetch    *fetcher.Fetcher
	sync     Progress
	prefetch Prefetch
	gate     Gate
	mode     Mode

	tick       time.Duration
	grace      time.Duration
	sessionTTL time.Duration
	metrics    *otel.Metrics
	log        *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	inFlight   atomic.Bool

	mu          sync.Mutex
	state       State
	sess        *experiment.Session
	index       int
	rec         *progress.Record
	lastSync    SyncStatus
	loadErr     error
	remaining   int
	expired     bool
	timer       *timerHandle
	gen         uint64 // bumped on every stage entry, timer reset and reload
	loadGen     uint64
	scope       context.Context
	scopeCancel context.CancelFunc
	syncSeq     uint64
	appliedSeq  uint64
	reviewing   bool // retreated from a completed run
	closed      bool

	evMu     sync.Mutex
	evClosed bool
	evQueue  []Event
	evNotify chan struct{}
	evStop   chan struct{}
	evDone   chan struct{}
	events   chan Event
}

// New creates a Machine. Session definitions are fetched through f from src;
// progress goes through p.
func New(src SessionSource, f *fetcher.Fetcher, p Progress, opts ...Option) *Machine {
	root, cancel := context.WithCancel(context.Background())
	m := &Machine{
		src:        src,
		fetch:      f,
		sync:       p,
		tick:       DefaultTick,
		grace:      DefaultAutoAdvanceGrace,
		sessionTTL: DefaultSessionTTL,
		log:        slog.Default(),
		root:       root,
		rootCancel: cancel,
		state:      StateIdle,
		evNotify:   make(chan struct{}, 1),
		evStop:     make(chan struct{}),
		evDone:     make(chan struct{}),
		events:     make(chan Event),
	}
	for _, o := range opts {
		o(m)
	}
	go m.forwardEvents()
	return m
}

// Events returns the event stream. It is closed by Close, which discards
// undelivered events. A lagging consumer sees every state event in order;
// consecutive undelivered ticks collapse into the latest one.
func (m *Machine) Events() <-chan Event { return m.events }

// LoadSession loads session id and its progress, positions the pointer and
// starts the stage timer. A previous load of this machine is cancelled.
func (m *Machine) LoadSession(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.scopeCancel != nil {
		m.scopeCancel()
	}
	m.releaseTimerLocked()
	scope, cancel := context.WithCancel(m.root)
	m.scope, m.scopeCancel = scope, cancel
	m.loadGen++
	lg := m.loadGen
	m.gen++
	m.state = StateLoading
	m.sess, m.rec, m.index, m.loadErr = nil, nil, 0, nil
	m.remaining, m.expired = 0, false
	m.lastSync = SyncStatus{}
	m.mu.Unlock()

	ctx = logger.WithSessionID(ctx, id)
	opCtx, done := bind(ctx, scope)
	defer done()

	sess, err := fetcher.FetchWithCache(opCtx, m.fetch, fetcher.SessionKey(id),
		func(ctx context.Context) (*experiment.Session, error) {
			return m.src.GetSession(ctx, id)
		}, m.sessionTTL, false)
	if err == nil && sess == nil {
		err = fmt.Errorf("empty session %s: %w", id, domain.ErrMalformed)
	}
	if err == nil {
		if err = sess.Prepare(); err != nil {
			m.fetch.Store().Remove(fetcher.SessionKey(id))
		}
	}
	if err != nil {
		if cerr := m.interrupted(opCtx, lg); cerr != nil {
			return cerr
		}
		return m.fail(ctx, lg, id, err)
	}

	outcome, err := m.sync.Load(opCtx, id)
	if err != nil {
		if cerr := m.interrupted(opCtx, lg); cerr != nil {
			return cerr
		}
		m.log.DebugContext(ctx, "progress load discarded", "error", err)
		m.mu.Lock()
		if m.loadGen == lg {
			m.state = StateIdle
		}
		m.mu.Unlock()
		return err
	}
	rec := outcome.Record

	m.mu.Lock()
	if m.closed || m.loadGen != lg {
		m.mu.Unlock()
		return progresssync.ErrSuperseded
	}
	m.sess = sess
	m.rec = rec
	m.reviewing = false
	m.lastSync = syncStatus("load", outcome, time.Now())
	m.gen++

	if rec.Status == progress.StatusCompleted {
		// A finished run is never restarted; the completion screen is shown again.
		m.index = len(sess.Stages) - 1
		m.state = StateCompleted
		m.emitLocked(EventCompleted, nil)
		m.mu.Unlock()
		m.log.InfoContext(ctx, "session already completed")
		return nil
	}

	m.index = 0
	if i := sess.IndexOf(sess.StartStageID); i >= 0 {
		m.index = i
	}
	if rec.CurrentStageID != "" {
		if i := sess.IndexOf(rec.CurrentStageID); i >= 0 {
			m.index = i
		} else {
			m.log.WarnContext(ctx, "progress points at unknown stage, starting over", "stage_id", rec.CurrentStageID)
		}
	}
	m.state = StateReady
	stage := sess.Stages[m.index]
	m.startTimerLocked(scope, stage, m.gen)
	m.emitLocked(EventStageEntered, nil)
	var seq uint64
	if rec.Status == progress.StatusNotStarted {
		seq = m.nextSeqLocked()
	}
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session loaded", "stages", len(sess.Stages), "index", m.index, "progress_source", outcome.Source)

	if seq > 0 {
		_ = m.report(opCtx, id, lg, seq, "start", progress.Update{
			Status:         progress.Ptr(progress.StatusInProgress),
			CurrentStageID: progress.Ptr(stage.ID),
		})
	}

	if m.prefetch != nil {
		m.prefetch.Schedule(scope, sess)
	}
	return nil
}

// Advance moves to the next stage, or completes the session on the last one.
// It returns ErrTransitionInFlight when another transition is running.
func (m *Machine) Advance(ctx context.Context) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		return ErrTransitionInFlight
	}
	defer m.inFlight.Store(false)
	return m.advance(ctx, "manual", 0, false)
}

func (m *Machine) advance(ctx context.Context, trigger string, wantGen uint64, checkGen bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateCompleted:
		m.mu.Unlock()
		return nil
	case StateReady:
	default:
		m.mu.Unlock()
		return ErrNotLoaded
	}
	if checkGen && m.gen != wantGen {
		m.mu.Unlock()
		return nil
	}
	if m.reviewing {
		m.reviewForwardLocked()
		m.mu.Unlock()
		return nil
	}

	sess, lg, scope := m.sess, m.loadGen, m.scope
	stage := sess.Stages[m.index]
	last := m.index == len(sess.Stages)-1

	if m.mode == ModeLive && m.gate != nil && gated(stage.Kind) && !m.gate.CanAdvance(stage) {
		m.mu.Unlock()
		return ErrGated
	}

	var seq uint64
	if last || stage.Kind.ImplicitCompletion() {
		seq = m.nextSeqLocked()
	}
	m.mu.Unlock()

	ctx = logger.WithSessionID(ctx, sess.ID)
	ctx, span := otel.StartTransitionSpan(ctx, sess.ID, stage.ID, trigger)
	defer span.End()
	opCtx, done := bind(ctx, scope)
	defer done()

	if last {
		if err := m.report(opCtx, sess.ID, lg, seq, "complete", progress.Update{
			Status:           progress.Ptr(progress.StatusCompleted),
			CurrentStageID:   progress.Ptr(stage.ID),
			CompletedStageID: progress.Ptr(stage.ID),
		}); err != nil {
			return err
		}

		m.mu.Lock()
		if m.closed || m.loadGen != lg || m.state != StateReady {
			m.mu.Unlock()
			return progresssync.ErrSuperseded
		}
		m.state = StateCompleted
		m.gen++
		m.releaseTimerLocked()
		m.emitLocked(EventCompleted, nil)
		m.mu.Unlock()

		m.metrics.RecordTransition(ctx, trigger)
		m.log.InfoContext(ctx, "session completed", "stage_id", stage.ID, "trigger", trigger)
		return nil
	}

	if stage.Kind.ImplicitCompletion() {
		if err := m.report(opCtx, sess.ID, lg, seq, "stage_done", progress.Update{
			CompletedStageID: progress.Ptr(stage.ID),
		}); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.closed || m.loadGen != lg || m.state != StateReady {
		m.mu.Unlock()
		return progresssync.ErrSuperseded
	}
	m.index++
	m.gen++
	next := sess.Stages[m.index]
	m.startTimerLocked(scope, next, m.gen)
	m.emitLocked(EventStageEntered, nil)
	seq = m.nextSeqLocked()
	m.mu.Unlock()

	m.metrics.RecordTransition(ctx, trigger)
	m.log.InfoContext(ctx, "stage entered", "from", stage.ID, "stage_id", next.ID, "trigger", trigger)

	// The pointer has moved; a discarded enter update does not undo that.
	_ = m.report(opCtx, sess.ID, lg, seq, "enter", progress.Update{
		Status:         progress.Ptr(progress.StatusInProgress),
		CurrentStageID: progress.Ptr(next.ID),
	})
	return nil
}

// Retreat moves back one stage. It is only allowed in inspect mode and
// never reports progress. Retreating from a completed run enters review:
// the run stays completed at the authority and advancing moves the
// pointer locally until it reaches the completion screen again.
func (m *Machine) Retreat() error {
	if m.mode != ModeInspect {
		return ErrRetreatNotAllowed
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return ErrTransitionInFlight
	}
	defer m.inFlight.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.state != StateReady && m.state != StateCompleted {
		return ErrNotLoaded
	}
	if m.index == 0 {
		return nil
	}
	if m.state == StateCompleted {
		m.reviewing = true
	}
	m.index--
	m.state = StateReady
	m.gen++
	m.startTimerLocked(m.scope, m.sess.Stages[m.index], m.gen)
	m.emitLocked(EventStageEntered, nil)
	return nil
}

// reviewForwardLocked steps forward through a completed run without
// reporting. m.mu must be held.
func (m *Machine) reviewForwardLocked() {
	m.gen++
	if m.index == len(m.sess.Stages)-1 {
		m.reviewing = false
		m.state = StateCompleted
		m.releaseTimerLocked()
		m.emitLocked(EventCompleted, nil)
		return
	}
	m.index++
	m.startTimerLocked(m.scope, m.sess.Stages[m.index], m.gen)
	m.emitLocked(EventStageEntered, nil)
}

// ResetTimer restarts the countdown of the active stage.
func (m *Machine) ResetTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateReady {
		return
	}
	m.gen++
	m.startTimerLocked(m.scope, m.sess.Stages[m.index], m.gen)
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:        m.state,
		Mode:         m.mode,
		Index:        m.index,
		Remaining:    m.remaining,
		TimerRunning: m.timer != nil && !m.expired,
		Expired:      m.expired,
		Progress:     m.rec.Clone(),
		LastSync:     m.lastSync,
		Err:          m.loadErr,
	}
	if m.sess != nil {
		s.SessionID = m.sess.ID
		s.Stages = m.sess.Stages
	}
	return s
}

// Close cancels all outstanding work, stops the timer, waits for background
// goroutines and closes the event stream. Undelivered events are discarded.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.releaseTimerLocked()
	m.mu.Unlock()

	m.rootCancel()
	m.wg.Wait()
	if m.prefetch != nil {
		m.prefetch.Wait()
	}

	m.evMu.Lock()
	m.evClosed = true
	m.evQueue = nil
	m.evMu.Unlock()
	close(m.evStop)
	<-m.evDone
}

// report sends u and records the outcome. Synchronization failures are
// absorbed by the synchronizer; only cancellation is returned.
func (m *Machine) report(ctx context.Context, sessionID string, lg, seq uint64, op string, u progress.Update) error {
	out, err := m.sync.Update(ctx, sessionID, u)
	if err != nil {
		if errors.Is(err, progresssync.ErrSuperseded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.log.DebugContext(ctx, "progress update discarded", "op", op, "error", err)
			return err
		}
		m.log.WarnContext(ctx, "progress update rejected", "op", op, "error", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadGen != lg || seq < m.appliedSeq {
		return nil
	}
	m.appliedSeq = seq
	m.rec = out.Record
	m.lastSync = syncStatus(op, out, time.Now())
	return nil
}

// interrupted returns the error to report when a load stopped because it
// was superseded or cancelled.
func (m *Machine) interrupted(ctx context.Context, lg uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadGen != lg {
		return progresssync.ErrSuperseded
	}
	if err := ctx.Err(); err != nil {
		m.state = StateIdle
		return err
	}
	return nil
}

func (m *Machine) fail(ctx context.Context, lg uint64, id string, cause error) error {
	err := fmt.Errorf("%w: %s: %w", ErrLoadFailed, id, cause)
	m.mu.Lock()
	if m.loadGen == lg {
		m.state = StateFailed
		m.loadErr = err
		m.emitLocked(EventLoadFailed, err)
	}
	m.mu.Unlock()
	m.log.WarnContext(ctx, "session load failed", "error", cause)
	return err
}

func (m *Machine) nextSeqLocked() uint64 {
	m.syncSeq++
	return m.syncSeq
}

func gated(k experiment.Kind) bool {
	return k == experiment.KindScenario || k == experiment.KindSurvey
}

func syncStatus(op string, out progresssync.Outcome, at time.Time) SyncStatus {
	return SyncStatus{Op: op, Source: out.Source, Persisted: out.Persisted, Err: out.Cause, At: at}
}

// bind derives a context from ctx that is also cancelled when scope ends.
func bind(ctx, scope context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scope, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
