// Package toolrunner launches external reconnaissance tools and streams
// their output as ordered chunks. Processes run in their own process
// group so cancellation can take the whole tool tree down, helpers and
// all.
package toolrunner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/reconpoint/engine/internal/metrics"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/logger"
)

// maxLineSize bounds a single output chunk. Tools that emit longer
// lines (embedded JSON blobs) get the first maxLineSize bytes; the
// remainder of the line is drained and dropped so the pipe never
// stalls on it.
const maxLineSize = 1 << 20

// Command is one tool invocation.
type Command struct {
	Tool string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Tool, c.Args)
}

// StreamResult reports one finished invocation.
type StreamResult struct {
	ExitCode int
	Output   []byte
	Chunks   uint64
}

// Streamer runs commands and publishes their combined stdout/stderr as
// data chunks. Terminal sentinels are the caller's responsibility so a
// job that fans out into several processes still ends with exactly one.
type Streamer struct {
	sink  scan.ChunkSink
	log   *logger.Logger
	grace time.Duration

	mu    sync.Mutex
	pgids map[shared.ID]map[int]struct{}
}

// NewStreamer creates a streamer publishing to sink. grace is how long
// a process group gets between SIGTERM and SIGKILL on cancellation.
func NewStreamer(sink scan.ChunkSink, grace time.Duration, log *logger.Logger) *Streamer {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Streamer{
		sink:  sink,
		log:   log.With("component", "streamer"),
		grace: grace,
		pgids: make(map[shared.ID]map[int]struct{}),
	}
}

// Publish forwards a chunk to the sink, recording metrics. The executor
// uses it directly for terminal sentinels.
func (s *Streamer) Publish(ctx context.Context, c scan.OutputChunk) error {
	start := time.Now()
	err := s.sink.Publish(ctx, c)
	metrics.ChunkPublishDuration.Observe(time.Since(start).Seconds())
	metrics.ChunksEmittedTotal.WithLabelValues(string(c.Kind)).Inc()
	if err != nil {
		s.log.Error("chunk publish failed",
			"job_id", c.JobID.String(), "sequence", c.Sequence, "error", err)
	}
	return err
}

// Stream launches cmd and publishes each output line as a data chunk,
// taking sequence numbers from seq so concurrent invocations of the
// same job stay strictly increasing. It blocks until the process exits.
//
// Error classification drives the retry policy upstream: launch
// failures and signal deaths are crashes, deadline hits are timeouts,
// non-zero exits are tool rejections, and context cancellation surfaces
// as context.Canceled.
func (s *Streamer) Stream(ctx context.Context, runID, jobID shared.ID, seq *atomic.Uint64, cmd Command) (*StreamResult, error) {
	c := exec.Command(cmd.Tool, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	if err := c.Start(); err != nil {
		return nil, scan.CrashError(fmt.Errorf("launch %s: %v", cmd.Tool, err))
	}
	pgid := c.Process.Pid
	s.track(jobID, pgid)
	defer s.untrack(jobID, pgid)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- c.Wait()
		_ = pw.Close()
	}()

	killDone := make(chan struct{})
	defer close(killDone)
	go func() {
		select {
		case <-ctx.Done():
			s.killGroup(pgid)
		case <-killDone:
		}
	}()

	res := &StreamResult{}
	var out bytes.Buffer
	var readErr error
	rd := bufio.NewReaderSize(pr, 64*1024)
	for {
		line, rerr := readLine(rd)
		if ctx.Err() != nil {
			// Killed: whatever is still buffered in the pipe was not
			// emitted before cancellation and must not appear.
			break
		}
		if rerr == nil || len(line) > 0 {
			out.Write(line)
			out.WriteByte('\n')
			_ = s.Publish(ctx, scan.NewDataChunk(runID, jobID, seq.Add(1), line))
			res.Chunks++
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrClosedPipe) {
				readErr = rerr
			}
			break
		}
	}
	_ = pr.Close()
	waitErr := <-waitCh

	res.Output = out.Bytes()
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, scan.TimeoutError(fmt.Errorf("%s exceeded stage timeout", cmd.Tool))
	case errors.Is(ctx.Err(), context.Canceled):
		return res, context.Canceled
	}

	if readErr != nil {
		return res, scan.CrashError(fmt.Errorf("read %s output: %v", cmd.Tool, readErr))
	}
	if waitErr != nil {
		if res.ExitCode < 0 {
			return res, scan.CrashError(fmt.Errorf("%s died: %v", cmd.Tool, waitErr))
		}
		return res, scan.RejectedError(fmt.Errorf("%s exited with status %d", cmd.Tool, res.ExitCode))
	}
	return res, nil
}

// readLine returns the next line without its terminator, capped at
// maxLineSize. A line longer than the cap is truncated but still read
// to its newline, so one huge line cannot wedge the stream. The final
// unterminated line comes back with io.EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		if room := maxLineSize - len(line); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			line = append(line, frag...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return trimEOL(line), err
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// KillJob terminates every live process group of a job.
func (s *Streamer) KillJob(jobID shared.ID) {
	s.mu.Lock()
	groups := make([]int, 0, len(s.pgids[jobID]))
	for pgid := range s.pgids[jobID] {
		groups = append(groups, pgid)
	}
	s.mu.Unlock()
	for _, pgid := range groups {
		s.killGroup(pgid)
	}
}

// KillAll terminates every tracked process group. Called on shutdown.
func (s *Streamer) KillAll() {
	s.mu.Lock()
	var groups []int
	for _, m := range s.pgids {
		for pgid := range m {
			groups = append(groups, pgid)
		}
	}
	s.mu.Unlock()
	for _, pgid := range groups {
		s.killGroup(pgid)
	}
}

func (s *Streamer) track(jobID shared.ID, pgid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pgids[jobID] == nil {
		s.pgids[jobID] = make(map[int]struct{})
	}
	s.pgids[jobID][pgid] = struct{}{}
}

func (s *Streamer) untrack(jobID shared.ID, pgid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pgids[jobID], pgid)
	if len(s.pgids[jobID]) == 0 {
		delete(s.pgids, jobID)
	}
}

// killGroup escalates SIGTERM to SIGKILL after the grace period. The
// negative pid addresses the whole group.
func (s *Streamer) killGroup(pgid int) {
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return // already gone
	}
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Signal 0 probes for liveness.
			if err := syscall.Kill(-pgid, syscall.Signal(0)); err != nil {
				return
			}
		case <-timer.C:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return
		}
	}
}
