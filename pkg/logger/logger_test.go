package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormats(t *testing.T) {
	t.Run("json output", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: "info", Format: "json", Output: &buf})
		log.Info("scan started", "run_id", "abc")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "scan started", entry["msg"])
		assert.Equal(t, "abc", entry["run_id"])
	})

	t.Run("text output", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: "debug", Format: "text", Output: &buf})
		log.Debug("wave advanced", "wave", 2)
		assert.Contains(t, buf.String(), "wave advanced")
		assert.Contains(t, buf.String(), "wave=2")
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: "warn", Format: "json", Output: &buf})
		log.Info("dropped")
		log.Warn("kept")
		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})
}

func TestSensitiveAttributesAreMasked(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"custom_header", "Authorization: Bearer abc123"},
		{"api_key", "supersecret"},
		{"redis_password", "hunter2"},
		{"webhook_secret", "whsec_xxx"},
		{"tool_api_key", "partial match too"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(Config{Level: "info", Format: "json", Output: &buf})
			log.Info("configured", tc.key, tc.value)

			out := buf.String()
			assert.Contains(t, out, "[REDACTED]")
			assert.NotContains(t, out, tc.value)
		})
	}

	t.Run("ordinary keys pass through", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: "info", Format: "json", Output: &buf})
		log.Info("job done", "stage", "port_scan")
		assert.Contains(t, buf.String(), "port_scan")
	})
}

func TestSampling(t *testing.T) {
	t.Run("threshold passes then drops", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{
			Level:  "info",
			Format: "json",
			Output: &buf,
			Sampling: SamplingConfig{
				Enabled:   true,
				Tick:      time.Minute,
				Threshold: 5,
				Rate:      0,
			},
		})
		for i := 0; i < 100; i++ {
			log.Info("chunk published")
		}
		lines := strings.Count(buf.String(), "\n")
		assert.Equal(t, 5, lines)
	})

	t.Run("warnings bypass sampling at full error rate", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{
			Level:  "info",
			Format: "json",
			Output: &buf,
			Sampling: SamplingConfig{
				Enabled:   true,
				Tick:      time.Minute,
				Threshold: 1,
				Rate:      0,
				ErrorRate: 1.0,
			},
		})
		for i := 0; i < 10; i++ {
			log.Warn("tool failed")
		}
		assert.Equal(t, 10, strings.Count(buf.String(), "\n"))
	})

	t.Run("distinct messages count separately", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{
			Level:  "info",
			Format: "json",
			Output: &buf,
			Sampling: SamplingConfig{
				Enabled:   true,
				Tick:      time.Minute,
				Threshold: 1,
				Rate:      0,
			},
		})
		log.Info("first message")
		log.Info("second message")
		assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	})
}

func TestFromContext(t *testing.T) {
	log := NewNop()
	ctx := ToContext(t.Context(), log)
	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(t.Context()))
}
