package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ConfigBackend abstracts where persisted settings live. Keys are dotted
// paths such as "server.port".
type ConfigBackend interface {
	Get(key string) (val any, ok bool)
	Set(key string, val any) error
}

// tomlBackend stores settings in a TOML file, one table per key prefix.
type tomlBackend struct {
	path string
	data map[string]any
}

func openTOMLBackend(path string) (*tomlBackend, error) {
	b := &tomlBackend{path: path, data: map[string]any{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&b.data); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return b, nil
}

func (b *tomlBackend) Get(key string) (any, bool) {
	table, leaf := splitKey(key)
	t, ok := b.data[table].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := t[leaf]
	return v, ok
}

func (b *tomlBackend) Set(key string, val any) error {
	table, leaf := splitKey(key)
	t, ok := b.data[table].(map[string]any)
	if !ok {
		t = map[string]any{}
		b.data[table] = t
	}
	t[leaf] = val
	return b.save()
}

func (b *tomlBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := toml.Marshal(b.data)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, out, 0o600)
}

func splitKey(key string) (table, leaf string) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "tether", "config.toml")
}
