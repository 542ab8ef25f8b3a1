package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuildSystemPromptFiltersToolsByMode(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	modes := NewModeRegistry()
	tools := DefaultToolRegistry(1000)

	ask, _ := modes.Get("ask")
	prompt := BuildSystemPrompt(env, ask, tools, modes, "Prefer tabs.")
	if !strings.HasPrefix(prompt, ask.RoleDefinition) {
		t.Error("expected the role definition first")
	}
	if !strings.Contains(prompt, "## read_file") || strings.Contains(prompt, "## write_to_file") {
		t.Error("expected ask mode to list read tools only")
	}
	if !strings.Contains(prompt, "Prefer tabs.") {
		t.Error("expected custom instructions")
	}
	if !strings.Contains(prompt, `"Orchestrator" mode (orchestrator)`) {
		t.Error("expected the mode list")
	}
}

func TestBuildSystemPromptIncludesProjectDocs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Run make lint."), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _ := NewModeRegistry().Get("code")
	prompt := BuildSystemPrompt(NewLocalExecutionEnvironment(dir), code, DefaultToolRegistry(1000), NewModeRegistry(), "")
	if !strings.Contains(prompt, "Run make lint.") {
		t.Error("expected AGENTS.md content in the prompt")
	}
}

func TestBuildEnvironmentDetails(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	if err := env.WriteFile("src/main.go", "package main"); err != nil {
		t.Fatal(err)
	}
	code, _ := NewModeRegistry().Get("code")
	now := time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)

	full := BuildEnvironmentDetails(env, code, now, true)
	if !strings.HasPrefix(full, "<environment_details>") || !strings.HasSuffix(full, "</environment_details>") {
		t.Errorf("unexpected framing %q", full)
	}
	if !strings.Contains(full, "<slug>code</slug>") || !strings.Contains(full, "src/main.go") {
		t.Errorf("expected mode and file listing, got %q", full)
	}

	short := BuildEnvironmentDetails(env, code, now, false)
	if strings.Contains(short, "src/main.go") {
		t.Error("expected no file listing in short details")
	}
}

func TestLimitToolResult(t *testing.T) {
	long := strings.Repeat("x", toolResultLimits["write_to_file"].Chars+5000)
	out := limitToolResult("write_to_file", long)
	if len(out) >= len(long) || !strings.Contains(out, "first 5000 characters were dropped") {
		t.Errorf("expected the head to be dropped, got %d chars", len(out))
	}
	if got := limitToolResult("read_file", "short"); got != "short" {
		t.Errorf("expected short output unchanged, got %q", got)
	}

	middle := clipChars("aaaa"+strings.Repeat("-", 10)+"bbbb", 8, false)
	if !strings.HasPrefix(middle, "aaaa") || !strings.HasSuffix(middle, "bbbb") || !strings.Contains(middle, "10 characters") {
		t.Errorf("expected the middle to be dropped, got %q", middle)
	}

	lines := strings.TrimSuffix(strings.Repeat("line\n", 300), "\n")
	clipped := limitToolResult("execute_command", lines)
	if !strings.Contains(clipped, "[... 44 lines omitted ...]") {
		t.Errorf("expected line clipping, got %d lines", strings.Count(clipped, "\n")+1)
	}
}
