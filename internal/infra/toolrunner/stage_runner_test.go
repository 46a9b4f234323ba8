package toolrunner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/pkg/domain/profile"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
)

func testStageRunner(t *testing.T) *StageRunner {
	t.Helper()
	s := NewStreamer(newMemorySink(), time.Second, logger.NewNop())
	return NewStageRunner(s, t.TempDir(), logger.NewNop())
}

func stageDef(t *testing.T, name stage.Name) stage.Definition {
	t.Helper()
	def, err := stage.NewRegistry().Get(name)
	require.NoError(t, err)
	return def
}

func toolsOf(cmds []Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Tool
	}
	return out
}

func TestBuildInvocationsHonorsHTTPCrawlFlag(t *testing.T) {
	r := testStageRunner(t)
	def := stageDef(t, stage.FetchURL)

	base := profile.StageConfig{
		Stage:     stage.FetchURL,
		Tools:     []string{"katana", "gospider", "gau"},
		Threads:   10,
		RateLimit: 50,
		Options:   map[string]any{},
	}

	t.Run("crawl disabled drops active crawlers", func(t *testing.T) {
		cfg := base
		cfg.EnableHTTPCrawl = false
		cmds, cleanup, err := r.buildInvocations(def, cfg, []string{"example.com"})
		require.NoError(t, err)
		defer cleanup()

		assert.Equal(t, []string{"katana", "gau"}, toolsOf(cmds))
		assert.Contains(t, cmds[0].Args, "-passive", "katana switches to passive sources")
	})

	t.Run("crawl enabled runs everything actively", func(t *testing.T) {
		cfg := base
		cfg.EnableHTTPCrawl = true
		cmds, cleanup, err := r.buildInvocations(def, cfg, []string{"example.com"})
		require.NoError(t, err)
		defer cleanup()

		assert.Equal(t, []string{"katana", "gospider", "gau"}, toolsOf(cmds))
		assert.NotContains(t, cmds[0].Args, "-passive")
	})

	t.Run("crawler-only selection still runs", func(t *testing.T) {
		cfg := base
		cfg.Tools = []string{"gospider"}
		cfg.EnableHTTPCrawl = false
		cmds, cleanup, err := r.buildInvocations(def, cfg, []string{"example.com"})
		require.NoError(t, err)
		defer cleanup()

		assert.Equal(t, []string{"gospider"}, toolsOf(cmds))
	})
}

func TestBuildInvocationsExpandsCIDRForPerTargetStages(t *testing.T) {
	r := testStageRunner(t)
	def := stageDef(t, stage.WAFDetection)
	cfg := profile.StageConfig{
		Stage:     stage.WAFDetection,
		Tools:     []string{"wafw00f"},
		Threads:   5,
		RateLimit: 50,
		Options:   map[string]any{},
	}

	t.Run("one process per expanded host", func(t *testing.T) {
		cmds, cleanup, err := r.buildInvocations(def, cfg,
			[]string{"example.com", "203.0.113.0/30"})
		require.NoError(t, err)
		defer cleanup()

		require.Len(t, cmds, 3)
		assert.Equal(t, []string{"https://example.com"}, cmds[0].Args)
		assert.Equal(t, []string{"https://203.0.113.1"}, cmds[1].Args)
		assert.Equal(t, []string{"https://203.0.113.2"}, cmds[2].Args)
	})

	t.Run("oversized expansion is refused", func(t *testing.T) {
		_, _, err := r.buildInvocations(def, cfg, []string{"203.0.113.0/21"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hosts")
	})
}
