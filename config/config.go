// Package config handles boomerang configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/boomerang/agentloop"
	"github.com/martinemde/boomerang/unifiedllm"
)

// DefaultSearchPaths returns the config file search order:
// ./boomerang.yaml, ~/.config/boomerang/config.yaml, /etc/boomerang/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"boomerang.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "boomerang", "config.yaml"))
	}
	return append(paths, "/etc/boomerang/config.yaml")
}

// ErrNoConfig is returned by FindConfig when no file exists on the search
// path. Callers usually fall back to Default.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all boomerang configuration.
type Config struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	DataDir   string `yaml:"data_dir"`
	Workspace string `yaml:"workspace"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	Mode      string `yaml:"mode"`
	MaxTokens int    `yaml:"max_tokens"`

	CustomModes        []ModeConfig `yaml:"custom_modes"`
	CustomInstructions string       `yaml:"custom_instructions"`

	ConsecutiveMistakeLimit int           `yaml:"consecutive_mistake_limit"`
	UsageDrainTimeout       time.Duration `yaml:"usage_drain_timeout"`
	CommandTimeout          time.Duration `yaml:"command_timeout"`
	LoopDetectionWindow     int           `yaml:"loop_detection_window"`

	Retry       RetryConfig       `yaml:"retry"`
	AutoApprove AutoApproveConfig `yaml:"auto_approve"`
}

// ModeConfig defines a custom mode. A slug matching a built-in mode
// replaces it.
type ModeConfig struct {
	Slug               string   `yaml:"slug"`
	Name               string   `yaml:"name"`
	RoleDefinition     string   `yaml:"role_definition"`
	WhenToUse          string   `yaml:"when_to_use"`
	Groups             []string `yaml:"groups"`
	CustomInstructions string   `yaml:"custom_instructions"`
	FileRegex          string   `yaml:"file_regex"`
}

// RetryConfig tunes retries of failed API requests.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// AutoApproveConfig lists the tool groups that run without asking.
type AutoApproveConfig struct {
	Read     bool `yaml:"read"`
	Edit     bool `yaml:"edit"`
	Command  bool `yaml:"command"`
	Modes    bool `yaml:"modes"`
	Subtasks bool `yaml:"subtasks"`
}

// Default returns a default configuration.
func Default() *Config {
	agent := agentloop.DefaultControllerConfig()
	return &Config{
		Provider:                "anthropic",
		LogLevel:                "info",
		LogFormat:               "text",
		Mode:                    agent.DefaultMode,
		MaxTokens:               8192,
		ConsecutiveMistakeLimit: agent.ConsecutiveMistakeLimit,
		UsageDrainTimeout:       agent.DrainTimeout,
		CommandTimeout:          agent.CommandTimeout,
		LoopDetectionWindow:     agent.RepetitionWindow,
		Retry: RetryConfig{
			MaxRetries: agent.Retry.MaxRetries,
			BaseDelay:  agent.Retry.BaseDelay,
			MaxDelay:   agent.Retry.MaxDelay,
		},
		AutoApprove: AutoApproveConfig{Read: true},
	}
}

// Load reads configuration from a YAML file on top of Default. Environment
// variables in the file are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var validGroups = map[string]agentloop.ToolGroup{
	"read":    agentloop.GroupRead,
	"edit":    agentloop.GroupEdit,
	"command": agentloop.GroupCommand,
	"modes":   agentloop.GroupModes,
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.ConsecutiveMistakeLimit < 0 {
		return errors.New("consecutive_mistake_limit must not be negative")
	}
	if c.UsageDrainTimeout < 0 || c.CommandTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return errors.New("retry.base_delay exceeds retry.max_delay")
	}
	seen := make(map[string]bool)
	for i, m := range c.CustomModes {
		if m.Slug == "" {
			return fmt.Errorf("custom_modes[%d]: slug is required", i)
		}
		if seen[m.Slug] {
			return fmt.Errorf("custom_modes[%d]: duplicate slug %q", i, m.Slug)
		}
		seen[m.Slug] = true
		if m.RoleDefinition == "" {
			return fmt.Errorf("custom mode %q: role_definition is required", m.Slug)
		}
		for _, g := range m.Groups {
			if _, ok := validGroups[g]; !ok {
				return fmt.Errorf("custom mode %q: unknown group %q", m.Slug, g)
			}
		}
	}
	if c.Mode != "" {
		if _, ok := c.Modes().Get(c.Mode); !ok {
			return fmt.Errorf("unknown mode %q", c.Mode)
		}
	}
	return nil
}

// Modes builds the mode registry: built-ins overlaid with CustomModes.
func (c *Config) Modes() *agentloop.ModeRegistry {
	custom := make([]agentloop.Mode, 0, len(c.CustomModes))
	for _, m := range c.CustomModes {
		groups := make([]agentloop.ToolGroup, 0, len(m.Groups))
		for _, g := range m.Groups {
			if group, ok := validGroups[g]; ok {
				groups = append(groups, group)
			}
		}
		custom = append(custom, agentloop.Mode{
			Slug:               m.Slug,
			Name:               m.Name,
			RoleDefinition:     m.RoleDefinition,
			WhenToUse:          m.WhenToUse,
			Groups:             groups,
			CustomInstructions: m.CustomInstructions,
			FileRegex:          m.FileRegex,
		})
	}
	return agentloop.NewModeRegistry(custom...)
}

// DatabasePath returns the SQLite file under DataDir, or the store's
// default location when DataDir is empty.
func (c *Config) DatabasePath(fallback func() (string, error)) (string, error) {
	if c.DataDir != "" {
		return filepath.Join(c.DataDir, "tasks.db"), nil
	}
	return fallback()
}

// ControllerConfig converts c to the engine's settings. Workspace falls
// back to the current directory.
func (c *Config) ControllerConfig() (agentloop.ControllerConfig, error) {
	out := agentloop.DefaultControllerConfig()
	workspace := c.Workspace
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return out, fmt.Errorf("resolve workspace: %w", err)
		}
		workspace = wd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return out, fmt.Errorf("resolve workspace: %w", err)
	}

	out.Provider = c.Provider
	out.Model = c.Model
	out.Workspace = abs
	if c.Mode != "" {
		out.DefaultMode = c.Mode
	}
	out.CustomInstructions = c.CustomInstructions
	if c.ConsecutiveMistakeLimit > 0 {
		out.ConsecutiveMistakeLimit = c.ConsecutiveMistakeLimit
	}
	if c.UsageDrainTimeout > 0 {
		out.DrainTimeout = c.UsageDrainTimeout
	}
	if c.CommandTimeout > 0 {
		out.CommandTimeout = c.CommandTimeout
	}
	out.RepetitionWindow = c.LoopDetectionWindow
	out.Retry = unifiedllm.DefaultRetryPolicy()
	out.Retry.MaxRetries = c.Retry.MaxRetries
	if c.Retry.BaseDelay > 0 {
		out.Retry.BaseDelay = c.Retry.BaseDelay
	}
	if c.Retry.MaxDelay > 0 {
		out.Retry.MaxDelay = c.Retry.MaxDelay
	}
	out.AutoApprove = agentloop.AutoApprove{
		Read:     c.AutoApprove.Read,
		Edit:     c.AutoApprove.Edit,
		Command:  c.AutoApprove.Command,
		Modes:    c.AutoApprove.Modes,
		Subtasks: c.AutoApprove.Subtasks,
	}
	return out, nil
}
