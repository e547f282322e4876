// Package config loads tether settings from defaults, a TOML file, the
// platform secret store and TETHER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// errSecretNotFound means the secret store has no entry for a key. Any other
// secret store error is reported as a warning.
var errSecretNotFound = errors.New("secret not found")

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Ollama       OllamaConfig
	Commit       CommitConfig
	Connectivity ConnectivityConfig
	Pipeline     PipelineConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken protects the HTTP API. Empty disables auth.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

// Commit modes.
const (
	CommitLocal  = "local"
	CommitRemote = "remote"
)

type CommitConfig struct {
	Mode    string
	BaseURL string
	APIKey  string
}

type ConnectivityConfig struct {
	// ProbeURL is probed with HEAD. Empty means always online.
	ProbeURL string
	Interval time.Duration
}

type PipelineConfig struct {
	ExtractTimeout time.Duration
	CommitTimeout  time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
		Commit: CommitConfig{Mode: CommitLocal},
		Connectivity: ConnectivityConfig{
			Interval: 15 * time.Second,
		},
		Pipeline: PipelineConfig{
			ExtractTimeout: 60 * time.Second,
			CommitTimeout:  15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the TOML file at $XDG_CONFIG_HOME/tether/config.toml,
// the platform secret store, and TETHER_* environment variables. Environment
// variables win.
func Load() (Config, error) {
	return loadFromPath(configFilePath(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadFromPath(path string, kc keychain) (Config, error) {
	b, err := openTOMLBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, kc)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg, kc)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills empty secrets from the platform secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		v, err := kc.Get("tether", s.key)
		if err != nil {
			if !errors.Is(err, errSecretNotFound) {
				fmt.Fprintf(os.Stderr, "[WARN] could not read %s from the secret store: %v\n", s.key, err)
			}
			continue
		}
		if v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Ollama.Model == "" {
		errs = append(errs, errors.New("ollama.model is required"))
	}
	switch c.Commit.Mode {
	case CommitLocal:
	case CommitRemote:
		if c.Commit.BaseURL == "" {
			errs = append(errs, errors.New("commit.base_url is required when commit.mode is remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("commit.mode %q must be %q or %q", c.Commit.Mode, CommitLocal, CommitRemote))
	}
	if c.Connectivity.Interval <= 0 {
		errs = append(errs, errors.New("connectivity.interval must be positive"))
	}
	if c.Pipeline.ExtractTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.extract_timeout must be positive"))
	}
	if c.Pipeline.CommitTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.commit_timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
