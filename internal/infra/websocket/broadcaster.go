package websocket

import (
	"context"
	"time"

	"github.com/reconpoint/engine/pkg/domain/scan"
)

// Broadcaster bridges engine events onto hub channels. It is a
// scan.ChunkSink for job output and the target of the executor's run
// update callbacks.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a broadcaster on the hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// chunkEvent is the wire shape of one output chunk on job:{id}.
type chunkEvent struct {
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	Sequence  uint64    `json:"sequence"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publish pushes one chunk to the job's channel. Slow subscribers drop
// messages rather than backpressure the scan; the durable feed is the
// replay API.
func (b *Broadcaster) Publish(_ context.Context, c scan.OutputChunk) error {
	b.hub.BroadcastEvent(MakeChannel(ChannelTypeJob, c.JobID.String()), chunkEvent{
		RunID:     c.RunID.String(),
		JobID:     c.JobID.String(),
		Sequence:  c.Sequence,
		Kind:      string(c.Kind),
		Payload:   string(c.Payload),
		ExitCode:  c.ExitCode,
		Timestamp: c.Timestamp,
	})
	return nil
}

// runEvent is the wire shape of a run snapshot on scan:{id} and runs.
type runEvent struct {
	RunID       string     `json:"run_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	CurrentWave int        `json:"current_wave"`
	Stats       scan.Stats `json:"stats"`
	Jobs        []jobEvent `json:"jobs"`
}

type jobEvent struct {
	JobID   string `json:"job_id"`
	Stage   string `json:"stage"`
	Wave    int    `json:"wave"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// RunUpdated pushes a run snapshot to its scan channel and the global
// runs channel.
func (b *Broadcaster) RunUpdated(run *scan.Run) {
	ev := runEvent{
		RunID:       run.ID.String(),
		Kind:        string(run.Kind),
		Status:      string(run.Status),
		CurrentWave: run.CurrentWave,
		Stats:       run.Stats,
	}
	for _, j := range run.Jobs {
		ev.Jobs = append(ev.Jobs, jobEvent{
			JobID:   j.ID.String(),
			Stage:   j.Stage.String(),
			Wave:    j.Wave,
			Status:  string(j.Status),
			Attempt: j.Attempt,
			Error:   j.Error,
		})
	}
	b.hub.BroadcastEvent(MakeChannel(ChannelTypeScan, run.ID.String()), ev)
	b.hub.BroadcastEvent(MakeChannel(ChannelTypeRuns, ""), ev)
}
