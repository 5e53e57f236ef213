package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/fetcher"
	"github.com/solosolocodes/lablab-sub002/internal/logger"
	"github.com/solosolocodes/lablab-sub002/internal/session"
)

const participantService = "lablab-participant"

var inspectFlag bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&inspectFlag, "inspect", false, "inspect mode: allow going back, skip completion gates")
}

var runCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Run a session interactively",
	Long: `Loads a session and its progress and drives it from the keyboard:

  n  next stage        b  previous stage (inspect mode)
  r  reset the timer   a  mark the current stage answered
  q  quit`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog := logger.NewWithWriter(cfg.Logging, os.Stderr)
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Setup(ctx, cfg.Otel, participantService)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()

	st, err := buildStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.close(sctx); err != nil {
			log.Warn("cache flush failed", "error", err)
		}
	}()

	mode := session.ModeLive
	if inspectFlag {
		mode = session.ModeInspect
	}
	gate := newAnswerGate()
	m := session.New(st.client, st.fetch, st.sync,
		session.WithMode(mode),
		session.WithGate(gate),
		session.WithTick(cfg.Session.Tick),
		session.WithAutoAdvanceGrace(cfg.Session.AutoAdvanceGrace),
		session.WithSessionTTL(cfg.Cache.SessionTTL),
		session.WithPrefetch(fetcher.NewPrefetcher(st.fetch, st.client, fetcher.PrefetchConfig{
			Delay:       cfg.Session.PrefetchDelay,
			Concurrency: cfg.Session.PrefetchConcurrency,
			TTL:         cfg.Cache.PrefetchTTL,
		})),
		session.WithMetrics(st.metrics),
		session.WithLogger(log),
	)

	keys, restore, err := openKeys(os.Stdin)
	if err != nil {
		m.Close()
		return err
	}
	defer restore()

	out := cmd.OutOrStdout()
	if term.IsTerminal(int(os.Stdin.Fd())) {
		out = crlfWriter{out}
	}
	c := &console{m: m, gate: gate, out: out}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.printEvents()
	}()
	defer func() {
		m.Close()
		wg.Wait()
	}()

	quit, err := c.load(ctx, args[0], keys)
	if err != nil || quit {
		return err
	}
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		case k, ok := <-keys:
			if !ok || c.handle(ctx, k) {
				return nil
			}
		}
	}
}

// answerGate lets a scenario or survey stage be left once it was marked
// answered from the keyboard.
type answerGate struct {
	mu       sync.Mutex
	answered map[string]bool
}

func newAnswerGate() *answerGate {
	return &answerGate{answered: make(map[string]bool)}
}

func (g *answerGate) mark(stageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answered[stageID] = true
}

// CanAdvance implements session.Gate.
func (g *answerGate) CanAdvance(stage experiment.Stage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.answered[stage.ID]
}

// console renders machine events and maps key presses to machine calls.
type console struct {
	m    *session.Machine
	gate *answerGate
	out  io.Writer
	mu   sync.Mutex
}

func (c *console) printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

func (c *console) printHelp() {
	c.printf("keys: n next  b back  r reset timer  a answered  q quit\n")
}

// load loads session id. While loading fails it offers a retry; it reports
// whether the user quit instead.
func (c *console) load(ctx context.Context, id string, keys <-chan byte) (bool, error) {
	for {
		err := c.m.LoadSession(ctx, id)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, session.ErrLoadFailed) {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("load session %s: %w", id, err)
		}
		c.printf("press r to retry, q to quit\n")
		if !c.awaitRetry(ctx, keys) {
			return true, nil
		}
	}
}

// awaitRetry waits for r (true) or q (false). Other keys are ignored.
func (c *console) awaitRetry(ctx context.Context, keys <-chan byte) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case k, ok := <-keys:
			switch {
			case !ok, k == 'q', k == 3:
				return false
			case k == 'r':
				return true
			}
		}
	}
}

// handle runs the action bound to key and reports whether to quit.
func (c *console) handle(ctx context.Context, key byte) bool {
	switch key {
	case 'q', 3: // 3 is Ctrl-C in raw mode
		return true
	case 'n':
		err := c.m.Advance(ctx)
		switch {
		case err == nil, errors.Is(err, session.ErrTransitionInFlight):
		case errors.Is(err, session.ErrGated):
			c.printf("stage not answered yet, press a first\n")
		default:
			c.printf("advance failed: %v\n", err)
		}
	case 'b':
		if err := c.m.Retreat(); err != nil {
			c.printf("%v\n", err)
		}
	case 'r':
		c.m.ResetTimer()
	case 'a':
		stage, ok := c.m.Snapshot().Stage()
		if !ok {
			return false
		}
		c.gate.mark(stage.ID)
		c.printf("marked %s answered\n", stage.ID)
	case 'h', '?':
		c.printHelp()
	}
	return false
}

// printEvents writes one line per machine event until the event stream is
// closed.
func (c *console) printEvents() {
	for ev := range c.m.Events() {
		if line := c.describe(ev); line != "" {
			c.printf("%s\n", line)
		}
	}
}

func (c *console) describe(ev session.Event) string {
	switch ev.Type {
	case session.EventStageEntered:
		snap := c.m.Snapshot()
		if ev.Index < 0 || ev.Index >= len(snap.Stages) {
			return ""
		}
		st := snap.Stages[ev.Index]
		line := fmt.Sprintf("[%d/%d] %s (%s)", ev.Index+1, len(snap.Stages), stageTitle(st), st.Kind)
		if st.Timed() {
			line += " " + formatRemaining(ev.Remaining)
		}
		return line
	case session.EventTick:
		if ev.Remaining > 10 && ev.Remaining%30 != 0 {
			return ""
		}
		return "  " + formatRemaining(ev.Remaining) + " left"
	case session.EventTimerExpired:
		return "  time is up"
	case session.EventCompleted:
		return "session completed"
	case session.EventLoadFailed:
		return fmt.Sprintf("session could not be loaded: %v", ev.Err)
	}
	return ""
}

func stageTitle(st experiment.Stage) string {
	if st.Title != "" {
		return st.Title
	}
	return st.ID
}

func formatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// openKeys streams key presses from in. A terminal is switched to raw mode
// so single keys arrive without Enter; restore undoes that. Other inputs are
// read line by line and the first byte of each line is used.
func openKeys(in *os.File) (<-chan byte, func(), error) {
	keys := make(chan byte)
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return nil, nil, fmt.Errorf("raw terminal: %w", err)
		}
		go func() {
			defer close(keys)
			buf := make([]byte, 1)
			for {
				if _, err := in.Read(buf); err != nil {
					return
				}
				keys <- buf[0]
			}
		}()
		return keys, func() { _ = term.Restore(fd, old) }, nil
	}

	go readLineKeys(in, keys)
	return keys, func() {}, nil
}

func readLineKeys(r io.Reader, keys chan<- byte) {
	defer close(keys)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) > 0 {
			keys <- line[0]
		}
	}
}

// crlfWriter translates newlines for a terminal in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
