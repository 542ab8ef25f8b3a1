package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/boomerang/agentloop"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boomerang.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Setenv("BOOMERANG_TEST_KEY", "sk-test")
	path := writeConfig(t, `
provider: openai
model: gpt-4o
api_key: ${BOOMERANG_TEST_KEY}
mode: architect
usage_drain_timeout: 5s
retry:
  max_retries: 4
auto_approve:
  edit: true
custom_modes:
  - slug: reviewer
    name: Reviewer
    role_definition: You review diffs.
    groups: [read]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-test" {
		t.Errorf("expected env expansion, got %q", cfg.APIKey)
	}
	if cfg.UsageDrainTimeout != 5*time.Second {
		t.Errorf("expected 5s drain timeout, got %v", cfg.UsageDrainTimeout)
	}
	if cfg.CommandTimeout != 120*time.Second {
		t.Errorf("expected the default command timeout, got %v", cfg.CommandTimeout)
	}
	if !cfg.AutoApprove.Read || !cfg.AutoApprove.Edit {
		t.Errorf("expected read (default) and edit auto-approval, got %+v", cfg.AutoApprove)
	}

	reviewer, ok := cfg.Modes().Get("reviewer")
	if !ok {
		t.Fatal("expected the custom mode to be registered")
	}
	if len(reviewer.Groups) != 1 || reviewer.Groups[0] != agentloop.GroupRead {
		t.Errorf("unexpected groups %v", reviewer.Groups)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"mistake limit", func(c *Config) { c.ConsecutiveMistakeLimit = -1 }},
		{"retry delays", func(c *Config) { c.Retry.BaseDelay = time.Minute; c.Retry.MaxDelay = time.Second }},
		{"unknown mode", func(c *Config) { c.Mode = "nope" }},
		{"mode without slug", func(c *Config) { c.CustomModes = []ModeConfig{{RoleDefinition: "x"}} }},
		{"unknown group", func(c *Config) {
			c.CustomModes = []ModeConfig{{Slug: "x", RoleDefinition: "x", Groups: []string{"network"}}}
		}},
		{"duplicate slug", func(c *Config) {
			c.CustomModes = []ModeConfig{{Slug: "x", RoleDefinition: "x"}, {Slug: "x", RoleDefinition: "y"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestCustomModeOverridesBuiltin(t *testing.T) {
	cfg := Default()
	cfg.CustomModes = []ModeConfig{{Slug: "code", Name: "Strict Code", RoleDefinition: "Only write Go."}}
	code, _ := cfg.Modes().Get("code")
	if code.Name != "Strict Code" || code.RoleDefinition != "Only write Go." {
		t.Errorf("expected the override, got %+v", code)
	}
}

func TestFindConfig(t *testing.T) {
	path := writeConfig(t, "provider: anthropic\n")
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig(explicit) = %q, %v", got, err)
	}
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing explicit path")
	}

	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	if _, err := FindConfig(""); err != nil && !errors.Is(err, ErrNoConfig) {
		t.Errorf("expected ErrNoConfig, got %v", err)
	}
}

func TestControllerConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Workspace = dir
	cfg.Model = "claude-sonnet-4-5"
	cfg.Retry.MaxRetries = 0
	cfg.LoopDetectionWindow = 0
	cfg.AutoApprove = AutoApproveConfig{Command: true, Subtasks: true}

	out, err := cfg.ControllerConfig()
	if err != nil {
		t.Fatalf("ControllerConfig: %v", err)
	}
	if out.Workspace != dir || out.Model != "claude-sonnet-4-5" || out.DefaultMode != "code" {
		t.Errorf("unexpected settings %+v", out)
	}
	if out.Retry.MaxRetries != 0 || out.RepetitionWindow != 0 {
		t.Errorf("expected retries and loop detection disabled, got %+v", out)
	}
	if out.AutoApprove.Read || !out.AutoApprove.Command || !out.AutoApprove.Subtasks {
		t.Errorf("unexpected auto-approve %+v", out.AutoApprove)
	}
	if out.DrainTimeout != agentloop.DefaultDrainTimeout {
		t.Errorf("expected the default drain timeout, got %v", out.DrainTimeout)
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	fallback := func() (string, error) { return "/default/tasks.db", nil }
	if got, _ := cfg.DatabasePath(fallback); got != "/default/tasks.db" {
		t.Errorf("expected the fallback, got %q", got)
	}
	cfg.DataDir = "/data"
	if got, _ := cfg.DatabasePath(fallback); got != filepath.Join("/data", "tasks.db") {
		t.Errorf("unexpected path %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestNewLoggerRendersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "json")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "stream chunk", "task_id", "t1")
	out := buf.String()
	if !strings.Contains(out, `"level":"TRACE"`) || !strings.Contains(out, `"task_id":"t1"`) {
		t.Errorf("unexpected log line %q", out)
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}
