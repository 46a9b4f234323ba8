package toolrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/reconpoint/engine/pkg/domain/profile"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
	"github.com/reconpoint/engine/pkg/validator"
)

// maxPerTargetFanout caps how many hosts a CIDR target may expand to
// for per-target stages. One process per host; beyond this the stage
// refuses rather than fork-bomb the box.
const maxPerTargetFanout = 1024

// StageRunner turns a resolved stage config into tool invocations and
// runs them: per-target stages fan out one process per target, bounded
// by the stage thread count and rate limit; batch stages get the target
// list in a scratch file, one process per selected tool.
type StageRunner struct {
	streamer *Streamer
	log      *logger.Logger

	// ScratchDir holds per-job target lists, removed after the attempt.
	ScratchDir string
	// WordlistDir and TemplatesDir resolve relative wordlist and
	// template names from profiles.
	WordlistDir  string
	TemplatesDir string
}

// NewStageRunner creates a stage runner on top of streamer.
func NewStageRunner(streamer *Streamer, scratchDir string, log *logger.Logger) *StageRunner {
	if log == nil {
		log = logger.NewNop()
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &StageRunner{
		streamer:   streamer,
		log:        log.With("component", "stage_runner"),
		ScratchDir: scratchDir,
	}
}

// Run executes all invocations of one stage job attempt. seq is the
// job's chunk sequence counter; it survives retries so the feed keeps
// increasing. The first classified error wins and cancels the rest of
// the fan-out.
func (r *StageRunner) Run(ctx context.Context, runID, jobID shared.ID, seq *atomic.Uint64, def stage.Definition, cfg profile.StageConfig, targets []string) (*scan.JobOutput, error) {
	cmds, cleanup, err := r.buildInvocations(def, cfg, targets)
	if err != nil {
		return nil, scan.CrashError(err)
	}
	defer cleanup()

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	sem := semaphore.NewWeighted(int64(cfg.Threads))

	var mu sync.Mutex
	combined := &scan.JobOutput{}

	g, gctx := errgroup.WithContext(ctx)
	for _, cmd := range cmds {
		cmd := cmd
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return classifyCtx(ctx, err)
			}
			defer sem.Release(1)
			if err := limiter.Wait(gctx); err != nil {
				return classifyCtx(ctx, err)
			}

			r.log.Debug("launching tool",
				"run_id", runID.String(), "job_id", jobID.String(),
				"stage", def.Name.String(), "command", cmd.String())
			res, err := r.streamer.Stream(gctx, runID, jobID, seq, cmd)
			if res != nil {
				mu.Lock()
				combined.Raw = append(combined.Raw, res.Output...)
				if combined.ExitCode == 0 {
					combined.ExitCode = res.ExitCode
				}
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// An errgroup sibling failure cancels gctx; report the original
		// cause, not the induced cancellation, when the parent is live.
		return combined, classifyCtx(ctx, err)
	}
	return combined, nil
}

// classifyCtx maps an error observed under the group context back to
// the parent's intent: parent deadline means timeout, parent cancel
// means abort, anything else passes through.
func classifyCtx(parent context.Context, err error) error {
	switch parent.Err() {
	case context.DeadlineExceeded:
		return scan.TimeoutError(err)
	case context.Canceled:
		return context.Canceled
	}
	return err
}

func (r *StageRunner) buildInvocations(def stage.Definition, cfg profile.StageConfig, targets []string) ([]Command, func(), error) {
	cleanup := func() {}
	if def.PerTarget {
		// Per-target tools take one host each; CIDR targets become
		// their member addresses here.
		expanded, err := validator.ExpandCIDRTargets(targets, maxPerTargetFanout)
		if err != nil {
			return nil, cleanup, err
		}
		var cmds []Command
		for _, tool := range cfg.Tools {
			for _, target := range expanded {
				cmds = append(cmds, Command{
					Tool: tool,
					Args: r.argsFor(tool, cfg, target, ""),
				})
			}
		}
		return cmds, cleanup, nil
	}

	listFile, err := r.writeTargetFile(targets)
	if err != nil {
		return nil, cleanup, err
	}
	cleanup = func() { _ = os.Remove(listFile) }

	tools := cfg.Tools
	if def.Name == stage.FetchURL && !cfg.EnableHTTPCrawl {
		tools = passiveURLSources(tools)
	}

	cmds := make([]Command, 0, len(tools))
	for _, tool := range tools {
		cmds = append(cmds, Command{
			Tool: tool,
			Args: r.argsFor(tool, cfg, "", listFile),
		})
	}
	return cmds, cleanup, nil
}

// passiveURLSources drops the crawlers that make live requests to the
// targets. katana stays; argsFor switches it to passive sources. A
// selection with nothing passive left runs as configured rather than
// silently doing nothing.
func passiveURLSources(tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if t == "gospider" || t == "hakrawler" {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return tools
	}
	return out
}

func (r *StageRunner) writeTargetFile(targets []string) (string, error) {
	f, err := os.CreateTemp(r.ScratchDir, "targets-*.txt")
	if err != nil {
		return "", fmt.Errorf("create target file: %w", err)
	}
	defer f.Close()
	for _, t := range targets {
		if _, err := fmt.Fprintln(f, t); err != nil {
			return "", fmt.Errorf("write target file: %w", err)
		}
	}
	return f.Name(), nil
}

// argsFor builds the invocation arguments. Tool flag sets drift; the
// extra_flags option is the escape hatch for anything not covered.
func (r *StageRunner) argsFor(tool string, cfg profile.StageConfig, target, listFile string) []string {
	threads := strconv.Itoa(cfg.Threads)
	rateLimit := strconv.Itoa(cfg.RateLimit)

	var args []string
	switch tool {
	case "subfinder":
		args = []string{"-dL", listFile, "-t", threads, "-silent"}
	case "naabu":
		args = []string{"-list", listFile, "-rate", rateLimit, "-silent"}
		if ports, ok := cfg.StringOption("ports"); ok {
			args = append(args, "-port", ports)
		}
		if top, ok := cfg.Option("top_ports"); ok {
			args = append(args, "-top-ports", fmt.Sprintf("%v", top))
		}
	case "nmap":
		args = []string{"-iL", listFile, "-oG", "-"}
		if ports, ok := cfg.StringOption("ports"); ok {
			args = append(args, "-p", ports)
		}
	case "katana":
		args = []string{"-list", listFile, "-c", threads}
		if !cfg.EnableHTTPCrawl {
			args = append(args, "-passive")
		}
		if cfg.CustomHeader != "" {
			args = append(args, "-H", cfg.CustomHeader)
		}
	case "gospider", "hakrawler", "gau", "waybackurls":
		args = []string{"-list", listFile, "-c", threads}
		if cfg.CustomHeader != "" {
			args = append(args, "-H", cfg.CustomHeader)
		}
	case "nuclei":
		args = []string{"-l", listFile, "-rl", rateLimit, "-c", threads, "-silent"}
		if r.TemplatesDir != "" {
			args = append(args, "-t", r.TemplatesDir)
		}
		if sev, ok := cfg.StringOption("severity"); ok {
			args = append(args, "-severity", sev)
		}
		if cfg.CustomHeader != "" {
			args = append(args, "-H", cfg.CustomHeader)
		}
	case "ffuf":
		args = []string{"-u", "https://" + target + "/FUZZ", "-w", r.wordlist(cfg), "-rate", rateLimit}
		if cfg.CustomHeader != "" {
			args = append(args, "-H", cfg.CustomHeader)
		}
	case "feroxbuster":
		args = []string{"-u", "https://" + target, "-w", r.wordlist(cfg), "-t", threads}
	case "dirsearch":
		args = []string{"-u", "https://" + target, "-w", r.wordlist(cfg)}
	case "wafw00f":
		args = []string{"https://" + target}
	case "gowitness":
		args = []string{"scan", "single", "--url", "https://" + target}
	case "eyewitness":
		args = []string{"--single", "https://" + target, "--no-prompt"}
	case "theharvester":
		args = []string{"-d", target, "-b", "all"}
	case "h8mail":
		args = []string{"-t", target}
	default:
		if target != "" {
			args = []string{target}
		} else {
			args = []string{"-l", listFile}
		}
	}

	if extra, ok := cfg.StringOption("extra_flags"); ok {
		args = append(args, strings.Fields(extra)...)
	}
	return args
}

func (r *StageRunner) wordlist(cfg profile.StageConfig) string {
	name, ok := cfg.StringOption("wordlist")
	if !ok || name == "" {
		name = "default.txt"
	}
	if filepath.IsAbs(name) || r.WordlistDir == "" {
		return name
	}
	return filepath.Join(r.WordlistDir, name)
}
