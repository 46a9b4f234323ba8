package handler

import (
	"net/http"

	"github.com/reconpoint/engine/internal/app/engine"
)

// StageHandler serves the stage catalog.
type StageHandler struct {
	service *engine.Service
}

// NewStageHandler creates a new StageHandler.
func NewStageHandler(service *engine.Service) *StageHandler {
	return &StageHandler{service: service}
}

// StageResponse represents one stage definition.
type StageResponse struct {
	Name               string   `json:"name"`
	DependsOn          []string `json:"depends_on,omitempty"`
	StandaloneEligible bool     `json:"standalone_eligible"`
	Tools              []string `json:"tools"`
	DefaultTool        string   `json:"default_tool"`
}

// ListStages handles GET /api/v1/stages
// @Summary      List stages
// @Description  Return the static stage catalog with dependencies and tooling
// @Tags         Stages
// @Produce      json
// @Success      200  {object}  ListResponse[StageResponse]
// @Router       /stages [get]
func (h *StageHandler) ListStages(w http.ResponseWriter, r *http.Request) {
	defs := h.service.Stages()

	items := make([]StageResponse, len(defs))
	for i, d := range defs {
		deps := make([]string, len(d.DependsOn))
		for j, dep := range d.DependsOn {
			deps[j] = dep.String()
		}
		items[i] = StageResponse{
			Name:               d.Name.String(),
			DependsOn:          deps,
			StandaloneEligible: d.StandaloneEligible,
			Tools:              d.Tools,
			DefaultTool:        d.DefaultTool,
		}
	}

	writeJSON(w, http.StatusOK, ListResponse[StageResponse]{
		Data:  items,
		Count: len(items),
	})
}
