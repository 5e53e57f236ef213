package experiment

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
)

func validStages() []Stage {
	return []Stage{
		{ID: "survey", Kind: KindSurvey, Order: 2, Payload: Survey{Questions: []Question{{ID: "q1", Required: true}}}},
		{ID: "intro", Kind: KindInstructions, Order: 1, DurationSeconds: 30, Payload: Instructions{Content: "read me"}},
		{ID: "market", Kind: KindScenario, Order: 3, Payload: Scenario{ScenarioID: "sc-1", WalletID: "w-1", Rounds: 5}},
		{ID: "rest", Kind: KindBreak, Order: 4, Payload: Break{Message: "relax"}},
	}
}

func TestPrepareSortsByOrder(t *testing.T) {
	s := &Session{ID: "s1", Stages: validStages()}
	if err := s.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	want := []string{"intro", "survey", "market", "rest"}
	for i, id := range want {
		if s.Stages[i].ID != id {
			t.Errorf("stage %d = %s, want %s", i, s.Stages[i].ID, id)
		}
	}
	if got := s.IndexOf("market"); got != 2 {
		t.Errorf("IndexOf(market) = %d, want 2", got)
	}
	if got := s.IndexOf("nope"); got != -1 {
		t.Errorf("IndexOf(nope) = %d, want -1", got)
	}
	if s.Last().ID != "rest" {
		t.Errorf("Last = %s, want rest", s.Last().ID)
	}
}

func TestPrepareRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Session)
	}{
		{"no id", func(s *Session) { s.ID = "" }},
		{"no stages", func(s *Session) { s.Stages = nil }},
		{"duplicate id", func(s *Session) { s.Stages[1].ID = s.Stages[0].ID }},
		{"duplicate order", func(s *Session) { s.Stages[1].Order = s.Stages[0].Order }},
		{"negative duration", func(s *Session) { s.Stages[0].DurationSeconds = -1 }},
		{"payload mismatch", func(s *Session) { s.Stages[0].Payload = Break{} }},
		{"missing payload", func(s *Session) { s.Stages[0].Payload = nil }},
		{"unknown kind", func(s *Session) { s.Stages[0].Kind = "video" }},
		{"unknown start stage", func(s *Session) { s.StartStageID = "ghost" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ID: "s1", Stages: validStages()}
			tt.modify(s)
			if err := s.Prepare(); !errors.Is(err, domain.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestStageJSONRoundTripKeepsPayloadType(t *testing.T) {
	in := Session{ID: "s1", Name: "pilot", Stages: validStages()}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if err := out.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	sc, ok := out.Stages[2].Payload.(Scenario)
	if !ok {
		t.Fatalf("expected Scenario payload, got %T", out.Stages[2].Payload)
	}
	if sc.WalletID != "w-1" || sc.Rounds != 5 {
		t.Errorf("scenario payload = %+v", sc)
	}
	sv, ok := out.Stages[1].Payload.(Survey)
	if !ok {
		t.Fatalf("expected Survey payload, got %T", out.Stages[1].Payload)
	}
	if got := sv.RequiredQuestions(); len(got) != 1 || got[0] != "q1" {
		t.Errorf("RequiredQuestions = %v", got)
	}
}

func TestStageUnmarshalRejectsUnknownKind(t *testing.T) {
	var st Stage
	err := json.Unmarshal([]byte(`{"id":"x","kind":"video","order":1}`), &st)
	if !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestStageUnmarshalRejectsScenarioWithoutReference(t *testing.T) {
	var st Stage
	err := json.Unmarshal([]byte(`{"id":"x","kind":"scenario","order":1,"payload":{"rounds":3}}`), &st)
	if !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestKindCapabilities(t *testing.T) {
	tests := []struct {
		kind     Kind
		implicit bool
		auto     bool
	}{
		{KindInstructions, true, true},
		{KindBreak, true, false},
		{KindSurvey, false, false},
		{KindScenario, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.ImplicitCompletion(); got != tt.implicit {
				t.Errorf("ImplicitCompletion = %v, want %v", got, tt.implicit)
			}
			if got := tt.kind.AutoAdvanceOnExpiry(); got != tt.auto {
				t.Errorf("AutoAdvanceOnExpiry = %v, want %v", got, tt.auto)
			}
		})
	}
}

func TestScenarioRefs(t *testing.T) {
	s := &Session{ID: "s1", Stages: validStages()}
	if err := s.Prepare(); err != nil {
		t.Fatal(err)
	}
	refs := s.ScenarioRefs()
	if len(refs) != 1 || refs[0].ScenarioID != "sc-1" || refs[0].WalletID != "w-1" {
		t.Fatalf("ScenarioRefs = %+v", refs)
	}
}
