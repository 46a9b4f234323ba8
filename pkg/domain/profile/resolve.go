package profile

import (
	"time"

	"github.com/reconpoint/engine/pkg/domain/stage"
)

// Shared section name. Stage sections use the catalog stage names.
const sharedSection = "shared"

// Keys a stage section may not combine. Both present is a ConfigError
// even when the stage is otherwise valid.
var exclusiveOptions = map[stage.Name][][2]string{
	stage.PortScan:    {{"ports", "top_ports"}},
	stage.DirFileFuzz: {{"wordlist", "wordlist_url"}},
}

// Resolve produces one StageConfig per enabled stage, in lexical stage
// order. A stage is enabled when its section is present and its enable
// key is absent or true. A profile that names no catalog stage at all,
// including an empty one, enables every default-enabled stage; shared
// values still apply to them. Keys outside the known set are collected
// into Options for stage sections and ignored in the shared section.
func (p *Profile) Resolve(reg *stage.Registry) ([]StageConfig, error) {
	shared := p.sections[sharedSection]
	useDefaults := !p.namesAnyStage(reg)

	var configs []StageConfig
	for _, name := range reg.Names() {
		def, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		sec, ok := p.sections[name.String()]
		if !ok {
			if !useDefaults || !def.DefaultEnabled {
				continue
			}
			sec = map[string]any{}
		}
		if enabled, found, err := boolValue(sec, keyEnable); err != nil {
			return nil, configErrorf("stage %s: %v", name, err)
		} else if found && !enabled {
			continue
		}

		cfg, err := resolveStage(def, sec, shared)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// namesAnyStage reports whether the profile declares a section for at
// least one catalog stage. Unknown sections do not count.
func (p *Profile) namesAnyStage(reg *stage.Registry) bool {
	for name := range p.sections {
		if name != sharedSection && reg.Has(stage.Name(name)) {
			return true
		}
	}
	return false
}

// ResolveStage resolves a single stage regardless of enable flags,
// used by subscans where the stage choice is explicit.
func (p *Profile) ResolveStage(def stage.Definition) (StageConfig, error) {
	sec := p.sections[def.Name.String()]
	if sec == nil {
		sec = map[string]any{}
	}
	return resolveStage(def, sec, p.sections[sharedSection])
}

func resolveStage(def stage.Definition, sec, shared map[string]any) (StageConfig, error) {
	cfg := StageConfig{
		Stage:           def.Name,
		Threads:         DefaultThreads,
		Timeout:         DefaultTimeout,
		RateLimit:       DefaultRateLimit,
		Retries:         DefaultRetries,
		RetryDelay:      DefaultRetryDelay,
		EnableHTTPCrawl: DefaultEnableHTTPCrawl,
		Options:         map[string]any{},
	}

	// Shared first, stage second, so stage values win.
	for _, src := range []map[string]any{shared, sec} {
		if src == nil {
			continue
		}
		if v, found, err := intValue(src, keyTimeout); err != nil {
			return cfg, configErrorf("stage %s: %v", def.Name, err)
		} else if found {
			cfg.Timeout = time.Duration(v) * time.Second
		}
		if v, found, err := intValue(src, keyRateLimit); err != nil {
			return cfg, configErrorf("stage %s: %v", def.Name, err)
		} else if found {
			cfg.RateLimit = v
		}
		if v, found, err := intValue(src, keyRetries); err != nil {
			return cfg, configErrorf("stage %s: %v", def.Name, err)
		} else if found {
			cfg.Retries = v
		}
		if v, found, err := intValue(src, keyRetryDelay); err != nil {
			return cfg, configErrorf("stage %s: %v", def.Name, err)
		} else if found {
			cfg.RetryDelay = time.Duration(v) * time.Second
		}
		if v, found, err := stringValue(src, keyCustomHeader); err != nil {
			return cfg, configErrorf("stage %s: %v", def.Name, err)
		} else if found {
			cfg.CustomHeader = v
		}
		if v, found, err := boolValue(src, keyEnableHTTPCrawl); err != nil {
			return cfg, configErrorf("stage %s: %v", def.Name, err)
		} else if found {
			cfg.EnableHTTPCrawl = v
		}
	}

	if v, found, err := intValue(sec, keyThreads); err != nil {
		return cfg, configErrorf("stage %s: %v", def.Name, err)
	} else if found {
		cfg.Threads = v
	}

	tools, found, err := stringListValue(sec, keyUsesTools)
	if err != nil {
		return cfg, configErrorf("stage %s: %v", def.Name, err)
	}
	if found {
		for _, t := range tools {
			if !def.HasTool(t) {
				return cfg, configErrorf("stage %s: unknown tool %q", def.Name, t)
			}
		}
		cfg.Tools = tools
	} else {
		cfg.Tools = []string{def.DefaultTool}
	}

	// Everything else in the stage section is an opaque option.
	known := map[string]bool{
		keyEnable: true, keyEnableHTTPCrawl: true, keyTimeout: true,
		keyRateLimit: true, keyRetries: true, keyRetryDelay: true,
		keyCustomHeader: true, keyThreads: true, keyUsesTools: true,
	}
	for k, v := range sec {
		if !known[k] {
			cfg.Options[k] = v
		}
	}

	if err := validateStageConfig(def, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateStageConfig(def stage.Definition, cfg StageConfig) error {
	if cfg.Threads <= 0 {
		return configErrorf("stage %s: threads must be positive, got %d", def.Name, cfg.Threads)
	}
	if cfg.Timeout <= 0 {
		return configErrorf("stage %s: timeout must be positive, got %s", def.Name, cfg.Timeout)
	}
	if cfg.RateLimit <= 0 {
		return configErrorf("stage %s: rate_limit must be positive, got %d", def.Name, cfg.RateLimit)
	}
	if cfg.Retries < 0 {
		return configErrorf("stage %s: retries must not be negative, got %d", def.Name, cfg.Retries)
	}
	if cfg.RetryDelay < 0 {
		return configErrorf("stage %s: retry_delay must not be negative", def.Name)
	}
	if len(cfg.Tools) == 0 {
		return configErrorf("stage %s: uses_tools must not be empty", def.Name)
	}
	for _, pair := range exclusiveOptions[def.Name] {
		_, a := cfg.Options[pair[0]]
		_, b := cfg.Options[pair[1]]
		if a && b {
			return configErrorf("stage %s: %s and %s are mutually exclusive", def.Name, pair[0], pair[1])
		}
	}
	return nil
}

// YAML scalar coercion. yaml.v3 decodes integers as int and floats as
// float64; accept whole floats since profiles are often hand-edited.

func intValue(m map[string]any, key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, true, configErrorf("%s must be an integer", key)
		}
		return int(n), true, nil
	default:
		return 0, true, configErrorf("%s must be an integer, got %T", key, v)
	}
}

func boolValue(m map[string]any, key string) (bool, bool, error) {
	v, ok := m[key]
	if !ok {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, true, configErrorf("%s must be a boolean, got %T", key, v)
	}
	return b, true, nil
}

func stringValue(m map[string]any, key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, configErrorf("%s must be a string, got %T", key, v)
	}
	return s, true, nil
}

func stringListValue(m map[string]any, key string) ([]string, bool, error) {
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, true, configErrorf("%s must be a list, got %T", key, v)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, true, configErrorf("%s entries must be strings, got %T", key, item)
		}
		out = append(out, s)
	}
	return out, true, nil
}
