// Package profile parses YAML scan profiles and resolves them into
// per-stage configurations. A profile has one section per stage plus an
// optional shared section; resolution applies stage values over shared
// values over built-in defaults.
package profile

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
)

// ErrConfig marks any profile validation failure.
var ErrConfig = fmt.Errorf("invalid scan profile: %w", shared.ErrValidation)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConfig)...)
}

// IsConfigError reports whether err is a profile validation failure.
func IsConfigError(err error) bool {
	return err != nil && shared.IsValidation(err)
}

// Shared section key names.
const (
	keyEnable          = "enable"
	keyEnableHTTPCrawl = "enable_http_crawl"
	keyTimeout         = "timeout"
	keyRateLimit       = "rate_limit"
	keyRetries         = "retries"
	keyRetryDelay      = "retry_delay"
	keyCustomHeader    = "custom_header"
	keyThreads         = "threads"
	keyUsesTools       = "uses_tools"
)

// Built-in defaults, lowest precedence.
const (
	DefaultThreads         = 30
	DefaultTimeout         = 30 * time.Minute
	DefaultRateLimit       = 150
	DefaultRetries         = 1
	DefaultRetryDelay      = 5 * time.Second
	DefaultEnableHTTPCrawl = true
)

// Profile is a parsed but unresolved scan profile. Sections are kept as
// raw key/value maps; unknown sections and keys survive parsing and are
// ignored at resolution time so newer profiles keep working.
type Profile struct {
	sections map[string]map[string]any
}

// Parse decodes YAML into a Profile. Only the YAML shape is checked
// here; semantic validation happens in Resolve.
func Parse(data []byte) (*Profile, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErrorf("parse yaml: %v", err)
	}
	p := &Profile{sections: make(map[string]map[string]any, len(doc))}
	for name, v := range doc {
		if v == nil {
			// An empty section still enables the stage with defaults.
			p.sections[name] = map[string]any{}
			continue
		}
		sec, ok := v.(map[string]any)
		if !ok {
			return nil, configErrorf("section %q must be a mapping", name)
		}
		p.sections[name] = sec
	}
	return p, nil
}

// Section returns the raw key/value map for name, or nil.
func (p *Profile) Section(name string) map[string]any {
	return p.sections[name]
}

// HasSection reports whether the profile declares section name.
func (p *Profile) HasSection(name string) bool {
	_, ok := p.sections[name]
	return ok
}

// StageConfig is the immutable resolved configuration for one enabled
// stage. The executor and tool runner read from it, never write.
type StageConfig struct {
	Stage           stage.Name
	Tools           []string
	Threads         int
	Timeout         time.Duration
	RateLimit       int
	Retries         int
	RetryDelay      time.Duration
	CustomHeader    string
	EnableHTTPCrawl bool

	// Options holds the remaining stage-specific keys (ports, wordlist,
	// severity filters and so on) passed through to the tool runner.
	Options map[string]any
}

// MaxAttempts is Retries plus the initial attempt.
func (c StageConfig) MaxAttempts() int {
	return c.Retries + 1
}

// Option returns a stage-specific option value.
func (c StageConfig) Option(key string) (any, bool) {
	v, ok := c.Options[key]
	return v, ok
}

// StringOption returns a stage-specific option as a string.
func (c StageConfig) StringOption(key string) (string, bool) {
	v, ok := c.Options[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
