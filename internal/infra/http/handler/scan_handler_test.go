package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/internal/app/engine"
	"github.com/reconpoint/engine/internal/infra/pool"
	"github.com/reconpoint/engine/pkg/apierror"
	"github.com/reconpoint/engine/pkg/domain/profile"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
	"github.com/reconpoint/engine/pkg/validator"
)

// newTestScanHandler builds a handler whose requests fail validation
// before any service call, so the service can stay nil.
func newTestScanHandler(t *testing.T) *ScanHandler {
	t.Helper()
	return NewScanHandler(nil, validator.New(stage.NewRegistry()), logger.NewNop())
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) apierror.Response {
	t.Helper()
	var resp apierror.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// okRunner succeeds immediately for every stage.
type okRunner struct{}

func (okRunner) Run(context.Context, shared.ID, shared.ID, *atomic.Uint64, stage.Definition, profile.StageConfig, []string) (*scan.JobOutput, error) {
	return &scan.JobOutput{}, nil
}

type stubRunRepo struct {
	mu sync.Mutex
	m  map[shared.ID]*scan.Run
}

func (r *stubRunRepo) Create(_ context.Context, run *scan.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[run.ID] = run.Clone()
	return nil
}

func (r *stubRunRepo) Update(ctx context.Context, run *scan.Run) error {
	return r.Create(ctx, run)
}

func (r *stubRunRepo) Get(_ context.Context, id shared.ID) (*scan.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.m[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return run.Clone(), nil
}

func (r *stubRunRepo) List(context.Context, scan.RunFilter) ([]*scan.Run, error) { return nil, nil }

func (r *stubRunRepo) MarkStale(context.Context, int) (int64, error) { return 0, nil }

type stubChunkRepo struct{}

func (stubChunkRepo) Publish(context.Context, scan.OutputChunk) error { return nil }
func (stubChunkRepo) Append(context.Context, scan.OutputChunk) error  { return nil }
func (stubChunkRepo) Replay(context.Context, shared.ID, uint64, int) ([]scan.OutputChunk, error) {
	return nil, nil
}
func (stubChunkRepo) DeleteOlderThan(context.Context, int) (int64, error) { return 0, nil }

// newLiveScanHandler wires the handler to a real engine so accepted
// requests flow through to a run.
func newLiveScanHandler(t *testing.T) *ScanHandler {
	t.Helper()
	reg := stage.NewRegistry()
	runs := &stubRunRepo{m: make(map[shared.ID]*scan.Run)}
	chunks := stubChunkRepo{}

	p := pool.New(pool.Config{MinWorkers: 1, MaxWorkers: 4, IdleTimeout: time.Second}, logger.NewNop())
	exec := engine.NewExecutor(reg, p, okRunner{}, chunks, runs, engine.NewAdapterRegistry(logger.NewNop()), logger.NewNop())
	svc := engine.NewService(reg, exec, runs, chunks, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = p.Shutdown(ctx)
	})
	return NewScanHandler(svc, validator.New(reg), logger.NewNop())
}

func TestCreateScan_ReturnsAccepted(t *testing.T) {
	h := newLiveScanHandler(t)

	body := `{"targets":["example.com"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateScan(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp RunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, string(scan.KindScan), resp.Kind)
}

func TestCreateSubscan_ReturnsAccepted(t *testing.T) {
	h := newLiveScanHandler(t)

	body := `{"stage":"port_scan","targets":["example.com"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscans", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateSubscan(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp RunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, string(scan.KindSubscan), resp.Kind)
}

func TestCreateScan_InvalidBody(t *testing.T) {
	h := newTestScanHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	h.CreateScan(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierror.CodeBadRequest, decodeErrorResponse(t, rec).Code)
}

func TestCreateScan_MissingTargets(t *testing.T) {
	h := newTestScanHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", strings.NewReader(`{"profile":""}`))
	rec := httptest.NewRecorder()

	h.CreateScan(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, apierror.CodeValidationFailed, resp.Code)
	assert.Contains(t, fmt.Sprint(resp.Details), "targets")
}

func TestCreateScan_RejectsBadTarget(t *testing.T) {
	h := newTestScanHandler(t)

	body := `{"targets":["example.com","127.0.0.1"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateScan(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateSubscan_RejectsWrongTargetKind(t *testing.T) {
	h := newTestScanHandler(t)

	// osint tools take domains; a URL cannot be harvested.
	body := `{"stage":"osint","targets":["https://example.com/app"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscans", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateSubscan(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Contains(t, resp.Message, "osint")
}

func TestCreateSubscan_UnknownStage(t *testing.T) {
	h := newTestScanHandler(t)

	body := `{"stage":"reverse_shell","targets":["example.com"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscans", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateSubscan(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Contains(t, fmt.Sprint(resp.Details), "stage")
}

func TestGetRun_InvalidID(t *testing.T) {
	h := newTestScanHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	h.GetRun(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortRun_InvalidID(t *testing.T) {
	h := newTestScanHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/scans/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	h.AbortRun(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleServiceError_Mapping(t *testing.T) {
	h := newTestScanHandler(t)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not active", fmt.Errorf("run x: %w", scan.ErrRunNotActive), http.StatusConflict},
		{"not found", fmt.Errorf("run: %w", shared.ErrNotFound), http.StatusNotFound},
		{"already exists", fmt.Errorf("run: %w", shared.ErrAlreadyExists), http.StatusConflict},
		{"validation", fmt.Errorf("bad plan: %w", shared.ErrValidation), http.StatusBadRequest},
		{"cyclic plan", scan.ErrCyclicDependency, http.StatusBadRequest},
		{"unknown stage", stage.ErrUnknownStage, http.StatusNotFound},
		{"internal", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.handleServiceError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestToRunResponse_OrdersJobsByPlan(t *testing.T) {
	registry := stage.NewRegistry()
	plan, err := scan.BuildPlan(registry, []stage.Name{
		stage.SubdomainDiscovery, stage.PortScan, stage.VulnerabilityScan,
	})
	require.NoError(t, err)

	run, err := scan.NewRun(scan.KindScan, []string{"example.com"}, plan, nil)
	require.NoError(t, err)

	resp := toRunResponse(run)

	require.Len(t, resp.Jobs, 3)
	assert.Equal(t, stage.SubdomainDiscovery.String(), resp.Jobs[0].Stage)
	assert.Equal(t, stage.PortScan.String(), resp.Jobs[1].Stage)
	assert.Equal(t, stage.VulnerabilityScan.String(), resp.Jobs[2].Stage)

	require.Len(t, resp.Waves, 3)
	assert.Equal(t, []string{stage.SubdomainDiscovery.String()}, resp.Waves[0])
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, 3, resp.Stats.Total)
}

func TestListStages(t *testing.T) {
	svc := engine.NewService(stage.NewRegistry(), nil, nil, nil, logger.NewNop())
	h := NewStageHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stages", nil)
	rec := httptest.NewRecorder()

	h.ListStages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListResponse[StageResponse]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Data)
	assert.Equal(t, len(resp.Data), resp.Count)

	byName := make(map[string]StageResponse, len(resp.Data))
	for _, s := range resp.Data {
		byName[s.Name] = s
	}

	port, ok := byName[stage.PortScan.String()]
	require.True(t, ok)
	assert.True(t, port.StandaloneEligible)
	assert.Contains(t, port.DependsOn, stage.SubdomainDiscovery.String())
	assert.Equal(t, "naabu", port.DefaultTool)

	shot, ok := byName[stage.Screenshot.String()]
	require.True(t, ok)
	assert.False(t, shot.StandaloneEligible)
}
