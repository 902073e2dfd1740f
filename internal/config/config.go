// Package config loads the engine daemon's configuration, following the
// teacher's plain-struct-plus-Default idiom but sourced from an optional
// YAML file (gopkg.in/yaml.v3) layered over defaults, since a daemon with
// pluggable backends needs more surface than a single server address.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendConfig configures one registered backend variant.
type BackendConfig struct {
	Name        string `yaml:"name"`
	Concurrency int64  `yaml:"concurrency"`

	// LocalRoot is the working-directory root for the "local" backend.
	LocalRoot string `yaml:"local_root,omitempty"`

	// BVBRCServiceURL and BVBRCUsername configure the "bvbrc" backend; its
	// token is resolved separately at startup (env var or credential file),
	// never stored in the config file.
	BVBRCServiceURL string `yaml:"bvbrc_service_url,omitempty"`
	BVBRCUsername   string `yaml:"bvbrc_username,omitempty"`
}

// Config is the engine daemon's top-level configuration.
type Config struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DBPath    string `yaml:"db_path"`

	// WorkRoot is the local backend's default workflow_root, used when the
	// local backend entry sets no local_root and the submission sets no
	// workflow_root.
	WorkRoot string `yaml:"work_root"`

	DefaultBackend string          `yaml:"default_backend"`
	Backends       []BackendConfig `yaml:"backends"`

	MaxConcurrentWorkflows int64 `yaml:"max_concurrent_workflows"`
}

// Default returns sensible defaults for a single local engine instance.
func Default() Config {
	return Config{
		Addr:                   ":8080",
		LogLevel:               "info",
		LogFormat:              "text",
		DBPath:                 "gwengine.db",
		WorkRoot:               "./gwengine-work",
		DefaultBackend:         "local",
		Backends:               []BackendConfig{{Name: "local", Concurrency: 8}},
		MaxConcurrentWorkflows: 16,
	}
}

// Load reads a YAML config file at path, merging it over Default. A missing
// path is not an error; Load simply returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// BackendConcurrency returns the per-backend concurrency map the Supervisor
// expects, derived from Backends.
func (c Config) BackendConcurrency() map[string]int64 {
	m := make(map[string]int64, len(c.Backends))
	for _, b := range c.Backends {
		if b.Concurrency > 0 {
			m[b.Name] = b.Concurrency
		}
	}
	return m
}

// Backend looks up a single backend's configuration by name.
func (c Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}
