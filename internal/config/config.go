// Package config loads the engine configuration from YAML: the backend
// catalog, the pipeline step declarations, generation settings, and logging
// options. Credentials support ${ENV} expansion so keys stay out of the
// file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tavern/internal/llm"
	"tavern/internal/types"
)

// Settings parameterizes generation, read once per step.
type Settings struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LoggingConfig controls the category log files.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Dir   string `yaml:"dir"`
}

// Config is the root configuration document.
type Config struct {
	DataDir  string               `yaml:"data_dir"`
	Logging  LoggingConfig        `yaml:"logging"`
	Backends []llm.BackendConfig  `yaml:"backends"`
	Steps    []types.PipelineStep `yaml:"steps"`
	Settings Settings             `yaml:"settings"`
	Lorebook string               `yaml:"lorebook"`
}

// DefaultSettings are used when the settings block is absent.
var DefaultSettings = Settings{Temperature: 0.7, MaxTokens: 512}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = ".tavern"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = filepath.Join(c.DataDir, "logs")
	}
	if c.Settings == (Settings{}) {
		c.Settings = DefaultSettings
	}
	if c.Lorebook == "" {
		c.Lorebook = "default"
	}
}

func (c *Config) expandEnv() {
	for i := range c.Backends {
		c.Backends[i].APIKey = os.ExpandEnv(c.Backends[i].APIKey)
		c.Backends[i].URL = os.ExpandEnv(c.Backends[i].URL)
	}
}

// Validate checks structural sanity. A step bound to an unknown backend is
// allowed here: the pipeline reports it per turn as a step-level error
// rather than refusing to start.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if strings.TrimSpace(b.ID) == "" {
			return fmt.Errorf("backend with empty id")
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		if strings.TrimSpace(b.URL) == "" {
			return fmt.Errorf("backend %q: url must be provided", b.ID)
		}
		switch b.Variant {
		case llm.VariantKobold, llm.VariantOpenAI:
		default:
			return fmt.Errorf("backend %q: unknown variant %q", b.ID, b.Variant)
		}
	}

	roles := make(map[types.StepRole]bool, len(c.Steps))
	for _, s := range c.Steps {
		switch s.Role {
		case types.StepNarrator, types.StepCharacter, types.StepExtractor:
		default:
			return fmt.Errorf("step with unknown role %q", s.Role)
		}
		if roles[s.Role] {
			return fmt.Errorf("duplicate step role %q", s.Role)
		}
		roles[s.Role] = true
	}
	return nil
}

// StepsInOrder returns the configured steps sorted into the fixed role
// order: narrator, character, extractor.
func (c *Config) StepsInOrder() []types.PipelineStep {
	order := []types.StepRole{types.StepNarrator, types.StepCharacter, types.StepExtractor}
	out := make([]types.PipelineStep, 0, len(c.Steps))
	for _, role := range order {
		for _, s := range c.Steps {
			if s.Role == role {
				out = append(out, s)
			}
		}
	}
	return out
}
