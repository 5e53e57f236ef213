package experiment

import (
	"fmt"
	"sort"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
)

// Session is an ordered sequence of stages a participant runs through.
type Session struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	Stages       []Stage `json:"stages"`
	StartStageID string  `json:"start_stage_id,omitempty"`
}

// Prepare validates the definition and sorts stages by Order. It is called
// once when the session is loaded; the order is never changed afterwards.
func (s *Session) Prepare() error {
	if s.ID == "" {
		return fmt.Errorf("session without id: %w", domain.ErrMalformed)
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("session %s has no stages: %w", s.ID, domain.ErrMalformed)
	}

	ids := make(map[string]struct{}, len(s.Stages))
	orders := make(map[int]string, len(s.Stages))
	for i := range s.Stages {
		st := &s.Stages[i]
		if st.ID == "" {
			return fmt.Errorf("session %s: stage %d without id: %w", s.ID, i, domain.ErrMalformed)
		}
		if _, dup := ids[st.ID]; dup {
			return fmt.Errorf("session %s: duplicate stage id %s: %w", s.ID, st.ID, domain.ErrMalformed)
		}
		ids[st.ID] = struct{}{}
		if other, dup := orders[st.Order]; dup {
			return fmt.Errorf("session %s: stages %s and %s share order %d: %w", s.ID, other, st.ID, st.Order, domain.ErrMalformed)
		}
		orders[st.Order] = st.ID
		if !st.Kind.Valid() {
			return fmt.Errorf("session %s: stage %s has unknown kind %q: %w", s.ID, st.ID, st.Kind, domain.ErrMalformed)
		}
		if st.Payload == nil || st.Payload.Kind() != st.Kind {
			return fmt.Errorf("session %s: stage %s payload does not match kind %s: %w", s.ID, st.ID, st.Kind, domain.ErrMalformed)
		}
		if st.DurationSeconds < 0 {
			return fmt.Errorf("session %s: stage %s has negative duration: %w", s.ID, st.ID, domain.ErrMalformed)
		}
	}
	if s.StartStageID != "" {
		if _, ok := ids[s.StartStageID]; !ok {
			return fmt.Errorf("session %s: start stage %s not found: %w", s.ID, s.StartStageID, domain.ErrMalformed)
		}
	}

	sort.Slice(s.Stages, func(i, j int) bool { return s.Stages[i].Order < s.Stages[j].Order })
	return nil
}

// IndexOf returns the position of the stage with the given id, or -1.
func (s *Session) IndexOf(stageID string) int {
	if stageID == "" {
		return -1
	}
	for i := range s.Stages {
		if s.Stages[i].ID == stageID {
			return i
		}
	}
	return -1
}

// Last returns the final stage. Prepare guarantees there is one.
func (s *Session) Last() Stage {
	return s.Stages[len(s.Stages)-1]
}

// ScenarioRefs lists the scenario and wallet references of every scenario
// stage, in stage order.
func (s *Session) ScenarioRefs() []Scenario {
	var refs []Scenario
	for i := range s.Stages {
		switch p := s.Stages[i].Payload.(type) {
		case Scenario:
			refs = append(refs, p)
		case Instructions, Survey, Break:
		default:
			panic(fmt.Sprintf("experiment: unhandled payload %T", p))
		}
	}
	return refs
}
