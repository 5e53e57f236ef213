package session

import (
	"context"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
)

// timerHandle is the single countdown owned by a Machine.
type timerHandle struct {
	cancel context.CancelFunc
}

// startTimerLocked replaces the running countdown with one for stage.
// Untimed stages get no goroutine. m.mu must be held.
func (m *Machine) startTimerLocked(scope context.Context, stage experiment.Stage, gen uint64) {
	m.releaseTimerLocked()
	m.remaining = stage.DurationSeconds
	m.expired = false
	if !stage.Timed() || scope == nil {
		return
	}

	ctx, cancel := context.WithCancel(scope)
	m.timer = &timerHandle{cancel: cancel}
	m.wg.Add(1)
	go m.runTimer(ctx, scope, stage, gen)
}

// releaseTimerLocked stops the countdown. A tick already waiting on m.mu
// sees the bumped generation and exits. m.mu must be held.
func (m *Machine) releaseTimerLocked() {
	if m.timer == nil {
		return
	}
	m.timer.cancel()
	m.timer = nil
}

func (m *Machine) runTimer(ctx, scope context.Context, stage experiment.Stage, gen uint64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.gen != gen || m.closed {
			m.mu.Unlock()
			return
		}
		m.remaining--
		m.emitLocked(EventTick, nil)
		if m.remaining > 0 {
			m.mu.Unlock()
			continue
		}
		m.expired = true
		m.emitLocked(EventTimerExpired, nil)
		auto := m.mode == ModeLive && stage.Kind.AutoAdvanceOnExpiry()
		if auto {
			m.wg.Add(1)
			go m.autoAdvance(scope, gen)
		}
		m.mu.Unlock()
		return
	}
}

// autoAdvance advances after the grace period unless the stage changed
// in the meantime.
func (m *Machine) autoAdvance(scope context.Context, gen uint64) {
	defer m.wg.Done()

	if m.grace > 0 {
		t := time.NewTimer(m.grace)
		select {
		case <-scope.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer m.inFlight.Store(false)

	if err := m.advance(scope, "timer", gen, true); err != nil {
		m.log.Debug("auto-advance skipped", "error", err)
	}
}
