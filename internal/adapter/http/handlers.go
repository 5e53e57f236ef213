package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/middleware"
)

const (
	defaultBodyLimit = 1 << 20
	healthTimeout    = 2 * time.Second
)

// Catalog serves session definitions and scenario assets.
type Catalog interface {
	GetSession(ctx context.Context, id string) (*experiment.Session, error)
	GetScenarioDetail(ctx context.Context, id string) (json.RawMessage, error)
	GetWalletAssets(ctx context.Context, id string) (json.RawMessage, error)
}

// Progress reads and changes participant progress.
type Progress interface {
	Get(ctx context.Context, sessionID, participantID string) (*progress.Record, error)
	Update(ctx context.Context, sessionID, participantID string, u progress.Update) (*progress.Record, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the authority's HTTP handlers.
type Handlers struct {
	Catalog   Catalog
	Progress  Progress
	Health    map[string]HealthCheck
	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Catalog.GetSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetProgress handles GET /api/v1/sessions/{id}/progress. A participant
// without a record gets a fresh not_started one.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	participant := middleware.ParticipantID(r.Context())
	if !requireField(w, participant, middleware.HeaderParticipantID) {
		return
	}
	rec, err := h.Progress.Get(r.Context(), urlParam(r, "id"), participant)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateProgress handles POST /api/v1/sessions/{id}/progress. A change
// that leaves the completed state is answered with 409.
func (h *Handlers) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	participant := middleware.ParticipantID(r.Context())
	if !requireField(w, participant, middleware.HeaderParticipantID) {
		return
	}
	u, ok := readJSON[progress.Update](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if u.IsEmpty() {
		writeError(w, http.StatusBadRequest, "update carries no change")
		return
	}
	rec, err := h.Progress.Update(r.Context(), urlParam(r, "id"), participant, u)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetScenario handles GET /api/v1/scenarios/{id}.
func (h *Handlers) GetScenario(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Catalog.GetScenarioDetail(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "scenario not found")
		return
	}
	writeRaw(w, http.StatusOK, doc)
}

// GetWalletAssets handles GET /api/v1/wallets/{id}/assets.
func (h *Handlers) GetWalletAssets(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Catalog.GetWalletAssets(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "wallet not found")
		return
	}
	writeRaw(w, http.StatusOK, doc)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// GetHealth handles GET /health. Any failing check yields 503.
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Health))}
	status := http.StatusOK
	for name, check := range h.Health {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
