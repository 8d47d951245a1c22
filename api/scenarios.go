package api

import (
	"net/http"

	"github.com/warp/settlement-engine/seed"
)

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ListScenarios handles GET /api/scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, seed.Scenarios)
}

// LoadScenario handles POST /api/scenarios/load. It resets the store first,
// so the route is only mounted when demo mode is enabled.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Scenarios.Load(r.Context(), req.ScenarioID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
