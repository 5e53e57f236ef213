package session

// EventType identifies a machine event.
type EventType string

const (
	EventStageEntered EventType = "stage_entered"
	EventTick         EventType = "tick"
	EventTimerExpired EventType = "timer_expired"
	EventCompleted    EventType = "completed"
	EventLoadFailed   EventType = "load_failed"
)

// Event is emitted on every observable change of the machine.
type Event struct {
	Type      EventType
	SessionID string
	StageID   string
	Index     int
	Remaining int
	Err       error
}

// emitLocked queues an event describing the current position. State events
// are always delivered in order; a tick directly behind another undelivered
// tick replaces it. m.mu must be held.
func (m *Machine) emitLocked(t EventType, err error) {
	ev := Event{Type: t, Index: m.index, Remaining: m.remaining, Err: err}
	if m.sess != nil {
		ev.SessionID = m.sess.ID
		if m.index < len(m.sess.Stages) {
			ev.StageID = m.sess.Stages[m.index].ID
		}
	}

	m.evMu.Lock()
	if m.evClosed {
		m.evMu.Unlock()
		return
	}
	if n := len(m.evQueue); t == EventTick && n > 0 && m.evQueue[n-1].Type == EventTick {
		m.evQueue[n-1] = ev
	} else {
		m.evQueue = append(m.evQueue, ev)
	}
	m.evMu.Unlock()

	select {
	case m.evNotify <- struct{}{}:
	default:
	}
}

// forwardEvents moves queued events to the consumer until Close. Events
// still queued at Close are discarded.
func (m *Machine) forwardEvents() {
	defer close(m.evDone)
	defer close(m.events)
	for {
		m.evMu.Lock()
		if len(m.evQueue) == 0 {
			m.evMu.Unlock()
			select {
			case <-m.evNotify:
				continue
			case <-m.evStop:
				return
			}
		}
		ev := m.evQueue[0]
		m.evQueue[0] = Event{}
		m.evQueue = m.evQueue[1:]
		m.evMu.Unlock()

		select {
		case m.events <- ev:
		case <-m.evStop:
			return
		}
	}
}
