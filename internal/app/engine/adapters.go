package engine

import (
	"context"
	"sync"

	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
)

// Adapter consumes a stage's accumulated raw output once the job's
// terminal chunk has been published. Parsing and persistence of findings
// happen behind this interface; the engine only learns success or
// failure.
type Adapter interface {
	HandleStageOutput(ctx context.Context, runID shared.ID, st stage.Name, out *scan.JobOutput) error
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, runID shared.ID, st stage.Name, out *scan.JobOutput) error

func (f AdapterFunc) HandleStageOutput(ctx context.Context, runID shared.ID, st stage.Name, out *scan.JobOutput) error {
	return f(ctx, runID, st, out)
}

// AdapterRegistry holds the per-stage adapter callbacks. Registration
// happens at wiring time; invocation is concurrent-safe.
type AdapterRegistry struct {
	mu  sync.RWMutex
	m   map[stage.Name][]Adapter
	log *logger.Logger
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry(log *logger.Logger) *AdapterRegistry {
	if log == nil {
		log = logger.NewNop()
	}
	return &AdapterRegistry{
		m:   make(map[stage.Name][]Adapter),
		log: log.With("component", "adapters"),
	}
}

// Register adds an adapter for a stage.
func (r *AdapterRegistry) Register(st stage.Name, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[st] = append(r.m[st], a)
}

// Dispatch invokes every adapter registered for the stage. Adapter
// failures are logged, never propagated: a broken parser must not fail
// a job that already succeeded.
func (r *AdapterRegistry) Dispatch(ctx context.Context, runID shared.ID, st stage.Name, out *scan.JobOutput) {
	r.mu.RLock()
	adapters := append([]Adapter(nil), r.m[st]...)
	r.mu.RUnlock()

	for _, a := range adapters {
		if err := a.HandleStageOutput(ctx, runID, st, out); err != nil {
			r.log.Error("stage adapter failed",
				"run_id", runID.String(), "stage", st.String(), "error", err)
		}
	}
}
