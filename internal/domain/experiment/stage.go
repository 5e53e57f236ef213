// Package experiment defines the session and stage definitions a participant
// progresses through. Definitions are authored elsewhere and are read-only here.
package experiment

import (
	"encoding/json"
	"fmt"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
)

// Kind identifies the type of a stage.
type Kind string

const (
	KindInstructions Kind = "instructions"
	KindScenario     Kind = "scenario"
	KindSurvey       Kind = "survey"
	KindBreak        Kind = "break"
)

// Valid reports whether k is a known stage kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInstructions, KindScenario, KindSurvey, KindBreak:
		return true
	}
	return false
}

// ImplicitCompletion reports whether stages of this kind carry no response
// payload, so leaving them counts as completing them.
func (k Kind) ImplicitCompletion() bool {
	return k == KindInstructions || k == KindBreak
}

// AutoAdvanceOnExpiry reports whether the session may move on by itself when
// the stage timer runs out.
func (k Kind) AutoAdvanceOnExpiry() bool {
	return k == KindInstructions
}

// Payload is the kind-specific part of a stage. The set of implementations is
// closed: Instructions, Scenario, Survey and Break.
type Payload interface {
	Kind() Kind
	sealed()
}

// Instructions is the payload of an instructions stage.
type Instructions struct {
	Content string `json:"content"`
}

// Scenario is the payload of a timed scenario simulation stage.
type Scenario struct {
	ScenarioID string `json:"scenario_id"`
	WalletID   string `json:"wallet_id,omitempty"`
	Rounds     int    `json:"rounds"`
}

// Survey is the payload of a survey stage.
type Survey struct {
	Questions []Question `json:"questions"`
}

// Question is a single survey item.
type Question struct {
	ID       string   `json:"id"`
	Prompt   string   `json:"prompt"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

// Break is the payload of a break stage.
type Break struct {
	Message string `json:"message"`
}

func (Instructions) Kind() Kind { return KindInstructions }
func (Scenario) Kind() Kind     { return KindScenario }
func (Survey) Kind() Kind       { return KindSurvey }
func (Break) Kind() Kind        { return KindBreak }

func (Instructions) sealed() {}
func (Scenario) sealed()     {}
func (Survey) sealed()       {}
func (Break) sealed()        {}

// RequiredQuestions returns the ids of questions that must be answered.
func (s Survey) RequiredQuestions() []string {
	var ids []string
	for _, q := range s.Questions {
		if q.Required {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// Stage is one unit of a session.
type Stage struct {
	ID              string
	Kind            Kind
	Title           string
	Description     string
	DurationSeconds int
	Required        bool
	Order           int
	Payload         Payload
}

// Timed reports whether the stage has a countdown.
func (s Stage) Timed() bool {
	return s.DurationSeconds > 0
}

// stageJSON is the wire form of a Stage.
type stageJSON struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
	Required        bool            `json:"required"`
	Order           int             `json:"order"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the stage with its payload under "payload".
func (s Stage) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if s.Payload != nil {
		if s.Payload.Kind() != s.Kind {
			return nil, fmt.Errorf("stage %s: payload kind %s does not match %s: %w", s.ID, s.Payload.Kind(), s.Kind, domain.ErrMalformed)
		}
		data, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal stage %s payload: %w", s.ID, err)
		}
		raw = data
	}
	return json.Marshal(stageJSON{
		ID:              s.ID,
		Kind:            s.Kind,
		Title:           s.Title,
		Description:     s.Description,
		DurationSeconds: s.DurationSeconds,
		Required:        s.Required,
		Order:           s.Order,
		Payload:         raw,
	})
}

// UnmarshalJSON decodes a stage, selecting the payload type by kind.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var w stageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode stage: %w", domain.ErrMalformed)
	}
	if w.ID == "" {
		return fmt.Errorf("stage without id: %w", domain.ErrMalformed)
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return fmt.Errorf("stage %s: %w", w.ID, err)
	}
	*s = Stage{
		ID:              w.ID,
		Kind:            w.Kind,
		Title:           w.Title,
		Description:     w.Description,
		DurationSeconds: w.DurationSeconds,
		Required:        w.Required,
		Order:           w.Order,
		Payload:         payload,
	}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindInstructions:
		var v Instructions
		err = json.Unmarshal(raw, &v)
		p = v
	case KindScenario:
		var v Scenario
		err = json.Unmarshal(raw, &v)
		if err == nil && v.ScenarioID == "" {
			return nil, fmt.Errorf("scenario stage without scenario_id: %w", domain.ErrMalformed)
		}
		p = v
	case KindSurvey:
		var v Survey
		err = json.Unmarshal(raw, &v)
		p = v
	case KindBreak:
		var v Break
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown stage kind %q: %w", kind, domain.ErrMalformed)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, domain.ErrMalformed)
	}
	return p, nil
}
