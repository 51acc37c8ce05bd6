// Package config loads the optional agentrun configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Fallback substitutes a harness/model pair when the model router cannot
// match a model identifier. Both fields must be set for the fallback to apply.
type Fallback struct {
	Harness string `json:"harness,omitempty" yaml:"harness,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

type Config struct {
	// LogsRoot overrides the state directory holding the index and run
	// artifact directories.
	LogsRoot string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`

	Fallback Fallback `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// TimeoutMS is the default wall-clock limit for a run; zero means no limit.
	TimeoutMS int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// GracePeriodMS is the delay between SIGTERM and SIGKILL on timeout.
	GracePeriodMS int `json:"grace_period_ms,omitempty" yaml:"grace_period_ms,omitempty"`

	// ArchiveAfterDays is the default age threshold for `agentrun maintain`.
	ArchiveAfterDays int `json:"archive_after_days,omitempty" yaml:"archive_after_days,omitempty"`

	// LockTimeoutMS bounds the wait for the index lock before the writer
	// proceeds unlocked with a warning.
	LockTimeoutMS int `json:"lock_timeout_ms,omitempty" yaml:"lock_timeout_ms,omitempty"`
}

const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "logs_root": {"type": "string"},
    "fallback": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "harness": {"type": "string", "enum": ["", "claude", "codex", "gemini"]},
        "model": {"type": "string"}
      }
    },
    "timeout_ms": {"type": "integer", "minimum": 0},
    "grace_period_ms": {"type": "integer", "minimum": 0},
    "archive_after_days": {"type": "integer", "minimum": 0},
    "lock_timeout_ms": {"type": "integer", "minimum": 0}
  }
}`

func Default() *Config {
	return &Config{
		GracePeriodMS:    5_000,
		ArchiveAfterDays: 30,
		LockTimeoutMS:    10_000,
	}
}

func (c *Config) Timeout() time.Duration     { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c *Config) GracePeriod() time.Duration { return time.Duration(c.GracePeriodMS) * time.Millisecond }
func (c *Config) LockTimeout() time.Duration { return time.Duration(c.LockTimeoutMS) * time.Millisecond }

// Load reads and validates a config file. YAML is the default encoding; a
// .json extension selects strict JSON.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := Default()
	// Re-marshal through JSON so YAML and JSON inputs decode identically.
	jb, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(jb, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads $AGENTRUN_CONFIG if set, else <stateRoot>/config.yaml if
// present, else built-in defaults.
func LoadDefault(stateRoot string) (*Config, error) {
	if p := strings.TrimSpace(os.Getenv("AGENTRUN_CONFIG")); p != "" {
		return Load(p)
	}
	p := filepath.Join(stateRoot, "config.yaml")
	cfg, err := Load(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func validate(raw map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", strings.NewReader(configSchema)); err != nil {
		return err
	}
	schema, err := c.Compile("config.json")
	if err != nil {
		return err
	}
	// The schema library wants JSON-decoded values; YAML decoding yields
	// map[string]any already, but integers may arrive as int. Normalize
	// through a JSON round trip.
	jb, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(jb, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
