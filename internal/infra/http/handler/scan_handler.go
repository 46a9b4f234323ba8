package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reconpoint/engine/internal/app/engine"
	"github.com/reconpoint/engine/pkg/apierror"
	"github.com/reconpoint/engine/pkg/domain/profile"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
	"github.com/reconpoint/engine/pkg/validator"
)

// ScanHandler handles HTTP requests for scan runs.
type ScanHandler struct {
	service   *engine.Service
	validator *validator.Validator
	logger    *logger.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(service *engine.Service, v *validator.Validator, log *logger.Logger) *ScanHandler {
	return &ScanHandler{
		service:   service,
		validator: v,
		logger:    log.With("handler", "scan"),
	}
}

// --- Request/Response Types ---

// CreateScanRequest represents the request body for starting a scan.
type CreateScanRequest struct {
	Targets []string `json:"targets" validate:"required,min=1,max=1000,dive,scan_target"`
	// Profile is the YAML scan profile: shared settings plus per-stage
	// overrides. An empty profile runs every stage with defaults.
	Profile string `json:"profile"`
}

// CreateSubscanRequest represents the request body for starting a
// single-stage subscan.
type CreateSubscanRequest struct {
	Stage   string   `json:"stage" validate:"required,stage_name"`
	Targets []string `json:"targets" validate:"required,min=1,max=1000,dive,scan_target"`
	Profile string   `json:"profile"`
}

// JobResponse represents one stage execution within a run.
type JobResponse struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Wave        int        `json:"wave"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// RunResponse represents a scan run.
type RunResponse struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Status      string        `json:"status"`
	Targets     []string      `json:"targets"`
	Waves       [][]string    `json:"waves"`
	CurrentWave int           `json:"current_wave"`
	Stats       scan.Stats    `json:"stats"`
	Jobs        []JobResponse `json:"jobs"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// ChunkResponse represents one output chunk in a replay response.
type ChunkResponse struct {
	Sequence  uint64    `json:"sequence"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateScan handles POST /api/v1/scans
// @Summary      Start scan
// @Description  Resolve the profile, build the wave plan and launch a full scan run
// @Tags         Scans
// @Accept       json
// @Produce      json
// @Param        request  body      CreateScanRequest  true  "Scan request"
// @Success      202  {object}  RunResponse
// @Failure      400  {object}  apierror.Error
// @Failure      422  {object}  apierror.Error
// @Router       /scans [post]
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req CreateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.BadRequest("Invalid request body").WriteJSON(w)
		return
	}

	if err := h.validator.Validate(req); err != nil {
		h.handleValidationError(w, err)
		return
	}

	run, err := h.service.StartScan(r.Context(), engine.StartScanInput{
		Targets:     req.Targets,
		ProfileYAML: []byte(req.Profile),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	// The run is accepted, not finished; execution continues on its
	// own goroutine.
	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

// CreateSubscan handles POST /api/v1/subscans
// @Summary      Start subscan
// @Description  Launch one standalone-eligible stage against explicit targets as an independent run
// @Tags         Scans
// @Accept       json
// @Produce      json
// @Param        request  body      CreateSubscanRequest  true  "Subscan request"
// @Success      202  {object}  RunResponse
// @Failure      400  {object}  apierror.Error
// @Failure      404  {object}  apierror.Error
// @Router       /subscans [post]
func (h *ScanHandler) CreateSubscan(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.BadRequest("Invalid request body").WriteJSON(w)
		return
	}

	if err := h.validator.Validate(req); err != nil {
		h.handleValidationError(w, err)
		return
	}

	// The stage runs directly against these targets, so each one must
	// be a shape the stage's tools can take.
	if err := h.validator.Targets().ForStage(stage.Name(req.Stage), req.Targets); err != nil {
		apierror.BadRequest(err.Error()).WriteJSON(w)
		return
	}

	run, err := h.service.StartSubscan(r.Context(), engine.StartSubscanInput{
		Stage:       stage.Name(req.Stage),
		Targets:     req.Targets,
		ProfileYAML: []byte(req.Profile),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

// GetRun handles GET /api/v1/scans/{id}
// @Summary      Get run
// @Description  Get the live or persisted state of a run
// @Tags         Scans
// @Produce      json
// @Param        id   path      string  true  "Run ID"
// @Success      200  {object}  RunResponse
// @Failure      404  {object}  apierror.Error
// @Router       /scans/{id} [get]
func (h *ScanHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		apierror.BadRequest("Invalid run ID").WriteJSON(w)
		return
	}

	run, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// ListRuns handles GET /api/v1/scans
// @Summary      List runs
// @Description  List persisted runs, newest first
// @Tags         Scans
// @Produce      json
// @Param        kind    query     string  false  "Filter by kind (scan, subscan)"
// @Param        status  query     string  false  "Filter by status, comma separated"
// @Param        limit   query     int     false  "Max results"  default(100)
// @Param        offset  query     int     false  "Offset"       default(0)
// @Success      200  {object}  ListResponse[RunResponse]
// @Router       /scans [get]
func (h *ScanHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := scan.RunFilter{
		Kind:   scan.RunKind(r.URL.Query().Get("kind")),
		Limit:  parseQueryInt(r.URL.Query().Get("limit"), 100),
		Offset: parseQueryInt(r.URL.Query().Get("offset"), 0),
	}
	for _, s := range parseQueryArray(r.URL.Query().Get("status")) {
		filter.Statuses = append(filter.Statuses, scan.RunStatus(s))
	}

	runs, err := h.service.ListRuns(r.Context(), filter)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	items := make([]*RunResponse, len(runs))
	for i, run := range runs {
		items[i] = toRunResponse(run)
	}

	writeJSON(w, http.StatusOK, ListResponse[*RunResponse]{
		Data:   items,
		Count:  len(items),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// AbortRun handles DELETE /api/v1/scans/{id}
// @Summary      Abort run
// @Description  Cancel a live run; running tools are killed, pending jobs end cancelled
// @Tags         Scans
// @Produce      json
// @Param        id   path      string  true  "Run ID"
// @Success      202  {object}  RunResponse
// @Failure      409  {object}  apierror.Error
// @Router       /scans/{id} [delete]
func (h *ScanHandler) AbortRun(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		apierror.BadRequest("Invalid run ID").WriteJSON(w)
		return
	}

	if err := h.service.Abort(r.Context(), id); err != nil {
		h.handleServiceError(w, err)
		return
	}

	run, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

// ReplayOutput handles GET /api/v1/scans/{id}/jobs/{jobID}/output
// @Summary      Replay job output
// @Description  Return persisted output chunks of a job feed after the given sequence number
// @Tags         Scans
// @Produce      json
// @Param        id      path      string  true   "Run ID"
// @Param        jobID   path      string  true   "Job ID"
// @Param        after   query     int     false  "Return chunks with sequence greater than this"  default(0)
// @Param        limit   query     int     false  "Max chunks"  default(1000)
// @Success      200  {object}  ListResponse[ChunkResponse]
// @Failure      400  {object}  apierror.Error
// @Router       /scans/{id}/jobs/{jobID}/output [get]
func (h *ScanHandler) ReplayOutput(w http.ResponseWriter, r *http.Request) {
	jobID, err := shared.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		apierror.BadRequest("Invalid job ID").WriteJSON(w)
		return
	}

	after := parseQueryUint64(r.URL.Query().Get("after"), 0)
	limit := parseQueryInt(r.URL.Query().Get("limit"), 1000)

	chunks, err := h.service.ReplayOutput(r.Context(), jobID, after, limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	items := make([]ChunkResponse, len(chunks))
	for i, c := range chunks {
		items[i] = ChunkResponse{
			Sequence:  c.Sequence,
			Kind:      string(c.Kind),
			Payload:   string(c.Payload),
			ExitCode:  c.ExitCode,
			Timestamp: c.Timestamp,
		}
	}

	writeJSON(w, http.StatusOK, ListResponse[ChunkResponse]{
		Data:  items,
		Count: len(items),
		Limit: limit,
	})
}

// toRunResponse converts a run snapshot to its response shape. Jobs are
// ordered by wave, then stage name, matching the plan order.
func toRunResponse(run *scan.Run) *RunResponse {
	resp := &RunResponse{
		ID:          run.ID.String(),
		Kind:        string(run.Kind),
		Status:      string(run.Status),
		Targets:     run.Targets,
		CurrentWave: run.CurrentWave,
		Stats:       run.Stats,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}

	resp.Waves = make([][]string, len(run.Plan.Waves))
	for i, wave := range run.Plan.Waves {
		names := make([]string, len(wave))
		for j, name := range wave {
			names[j] = name.String()
		}
		resp.Waves[i] = names
	}

	for _, wave := range run.Plan.Waves {
		for _, name := range wave {
			j, ok := run.Jobs[name]
			if !ok {
				continue
			}
			resp.Jobs = append(resp.Jobs, JobResponse{
				ID:          j.ID.String(),
				Stage:       j.Stage.String(),
				Wave:        j.Wave,
				Status:      string(j.Status),
				Attempt:     j.Attempt,
				MaxAttempts: j.MaxAttempts,
				Error:       j.Error,
				ExitCode:    j.ExitCode,
				StartedAt:   j.StartedAt,
				FinishedAt:  j.FinishedAt,
			})
		}
	}

	return resp
}

// handleValidationError converts validator errors to API errors.
func (h *ScanHandler) handleValidationError(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		apiErrors := make([]apierror.ValidationError, len(validationErrors))
		for i, ve := range validationErrors {
			apiErrors[i] = apierror.ValidationError{
				Field:   ve.Field,
				Message: ve.Message,
			}
		}
		apierror.ValidationFailed("Validation failed", apiErrors).WriteJSON(w)
		return
	}
	apierror.BadRequest("Validation error").WriteJSON(w)
}

// handleServiceError converts service errors to API errors.
func (h *ScanHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case profile.IsConfigError(err):
		apierror.BadRequest(err.Error()).WriteJSON(w)
	case errors.Is(err, scan.ErrRunNotActive):
		apierror.Conflict("Run is not active").WriteJSON(w)
	case errors.Is(err, shared.ErrNotFound):
		apierror.NotFound("Run").WriteJSON(w)
	case errors.Is(err, shared.ErrAlreadyExists):
		apierror.Conflict("Run already exists").WriteJSON(w)
	case errors.Is(err, shared.ErrConflict):
		apierror.Conflict(err.Error()).WriteJSON(w)
	case errors.Is(err, shared.ErrValidation):
		apierror.BadRequest(err.Error()).WriteJSON(w)
	default:
		h.logger.Error("service error", "error", err)
		apierror.InternalError(err).WriteJSON(w)
	}
}
