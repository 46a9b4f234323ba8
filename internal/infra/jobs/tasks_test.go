package jobs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/internal/app/engine"
	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/logger"
)

type fakeLauncher struct {
	gotTargets []string
	gotProfile string
	err        error
}

func (f *fakeLauncher) StartScan(_ context.Context, in engine.StartScanInput) (*scan.Run, error) {
	f.gotTargets = in.Targets
	f.gotProfile = string(in.ProfileYAML)
	if f.err != nil {
		return nil, f.err
	}
	return &scan.Run{ID: shared.NewID()}, nil
}

func TestHandleScheduledScan(t *testing.T) {
	launcher := &fakeLauncher{}
	h := NewScanTaskHandler(launcher, logger.NewNop())

	task, err := NewScheduledScanTask(ScheduledScanPayload{
		Targets: []string{"example.com"},
		Profile: "osint: {}\n",
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeScheduledScan, task.Type())

	require.NoError(t, h.HandleScheduledScan(context.Background(), task))
	assert.Equal(t, []string{"example.com"}, launcher.gotTargets)
	assert.Equal(t, "osint: {}\n", launcher.gotProfile)
}

func TestHandleScheduledScan_BadPayload(t *testing.T) {
	h := NewScanTaskHandler(&fakeLauncher{}, logger.NewNop())

	task := asynq.NewTask(TypeScheduledScan, []byte("{not json"))
	assert.Error(t, h.HandleScheduledScan(context.Background(), task))
}

type fakeRunRepo struct {
	scan.RunRepository
	gotCutoff int
}

func (r *fakeRunRepo) MarkStale(_ context.Context, cutoffSeconds int) (int64, error) {
	r.gotCutoff = cutoffSeconds
	return 2, nil
}

type fakeChunkRepo struct {
	scan.ChunkRepository
	gotCutoff int
}

func (r *fakeChunkRepo) DeleteOlderThan(_ context.Context, cutoffSeconds int) (int64, error) {
	r.gotCutoff = cutoffSeconds
	return 5, nil
}

func TestMaintenanceHandlers_UseConfiguredCutoffs(t *testing.T) {
	runs := &fakeRunRepo{}
	chunks := &fakeChunkRepo{}
	cfg := config.EngineConfig{
		StaleRunAge:    2 * time.Hour,
		ChunkRetention: 24 * time.Hour,
	}
	h := NewMaintenanceTaskHandler(runs, chunks, cfg, logger.NewNop())

	require.NoError(t, h.HandleReapStaleRuns(context.Background(), NewReapStaleRunsTask()))
	assert.Equal(t, 7200, runs.gotCutoff)

	require.NoError(t, h.HandleCleanupChunks(context.Background(), NewCleanupChunksTask()))
	assert.Equal(t, 86400, chunks.gotCutoff)
}

func TestHandleRunWebhook_SignsAndDelivers(t *testing.T) {
	const secret = "hook-secret"

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Engine-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewWebhookTaskHandler(config.WebhookConfig{
		URL:     srv.URL,
		Secret:  secret,
		Timeout: 5 * time.Second,
	}, logger.NewNop())

	payload := RunWebhookPayload{RunID: "abc", Status: "completed"}
	task, err := NewRunWebhookTask(payload)
	require.NoError(t, err)

	require.NoError(t, h.HandleRunWebhook(context.Background(), task))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)

	var delivered RunWebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &delivered))
	assert.Equal(t, "abc", delivered.RunID)
}

func TestHandleRunWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewWebhookTaskHandler(config.WebhookConfig{URL: srv.URL}, logger.NewNop())

	task, err := NewRunWebhookTask(RunWebhookPayload{RunID: "abc"})
	require.NoError(t, err)

	assert.Error(t, h.HandleRunWebhook(context.Background(), task))
}

func TestHandleRunWebhook_Unconfigured(t *testing.T) {
	h := NewWebhookTaskHandler(config.WebhookConfig{}, logger.NewNop())

	task, err := NewRunWebhookTask(RunWebhookPayload{RunID: "abc"})
	require.NoError(t, err)

	// Nothing to deliver to; the task is dropped without error so asynq
	// does not retry it forever.
	assert.NoError(t, h.HandleRunWebhook(context.Background(), task))
}

type fakeArchiver struct {
	gotRunID shared.ID
	keys     []string
	err      error
}

func (f *fakeArchiver) ArchiveRun(_ context.Context, runID shared.ID) ([]string, error) {
	f.gotRunID = runID
	return f.keys, f.err
}

func TestHandleArchiveOutput(t *testing.T) {
	archiver := &fakeArchiver{keys: []string{"runs/abc/osint.ndjson"}}
	h := NewArchiveTaskHandler(archiver, logger.NewNop())

	runID := shared.NewID()
	task, err := NewArchiveOutputTask(ArchiveOutputPayload{RunID: runID.String()})
	require.NoError(t, err)

	require.NoError(t, h.HandleArchiveOutput(context.Background(), task))
	assert.Equal(t, runID, archiver.gotRunID)
}

func TestHandleArchiveOutput_BadRunID(t *testing.T) {
	h := NewArchiveTaskHandler(&fakeArchiver{}, logger.NewNop())

	task, err := NewArchiveOutputTask(ArchiveOutputPayload{RunID: "not-a-uuid"})
	require.NoError(t, err)

	assert.Error(t, h.HandleArchiveOutput(context.Background(), task))
}
