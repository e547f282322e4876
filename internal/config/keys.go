package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TETHER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TETHER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TETHER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "TETHER_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "TETHER_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "commit.mode", typ: kString, env: "TETHER_COMMIT_MODE",
		apply:   func(cfg *Config, v any) { cfg.Commit.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Commit.Mode },
	},
	{
		key: "commit.base_url", typ: kString, env: "TETHER_COMMIT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Commit.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Commit.BaseURL },
	},
	{
		key: "commit.api_key", typ: kString, env: "TETHER_COMMIT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Commit.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Commit.APIKey },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "TETHER_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.interval", typ: kDuration, env: "TETHER_CONNECTIVITY_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.Interval },
	},
	{
		key: "pipeline.extract_timeout", typ: kDuration, env: "TETHER_PIPELINE_EXTRACT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ExtractTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ExtractTimeout },
	},
	{
		key: "pipeline.commit_timeout", typ: kDuration, env: "TETHER_PIPELINE_COMMIT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.CommitTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.CommitTimeout },
	},
	{
		key: "log.level", typ: kString, env: "TETHER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a textual value into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return raw, nil
	}
}

// coerce converts a value decoded from TOML into the key's Go type.
func (s keySpec) coerce(v any) (any, error) {
	switch s.typ {
	case kInt:
		switch n := v.(type) {
		case int64:
			return int(n), nil
		case string:
			return strconv.Atoi(n)
		}
	case kDuration:
		switch d := v.(type) {
		case string:
			return time.ParseDuration(d)
		case int64:
			return time.Duration(d) * time.Second, nil
		}
	case kString:
		if str, ok := v.(string); ok {
			return str, nil
		}
	}
	return nil, fmt.Errorf("unexpected type %T", v)
}

// persisted returns the form written back to the TOML file.
func (s keySpec) persisted(v any) any {
	switch s.typ {
	case kInt:
		return int64(v.(int))
	case kDuration:
		return v.(time.Duration).String()
	default:
		return v
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Get(s.key)
		if !ok {
			continue
		}
		v, err := s.coerce(raw)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
