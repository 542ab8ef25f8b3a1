package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadFileLineRange(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	if err := env.WriteFile("notes.txt", "one\ntwo\nthree\n"); err != nil {
		t.Fatal(err)
	}
	got, err := env.ReadFile("notes.txt", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2 | two\n3 | three\n" {
		t.Errorf("unexpected content %q", got)
	}
	got, _ = env.ReadFile("notes.txt", 0, 1)
	if got != "1 | one\n" {
		t.Errorf("unexpected content %q", got)
	}
	if _, err := env.ReadFile("missing.txt", 0, 0); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestListFilesSkipsVendoredDirs(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	for _, p := range []string{"a.go", "pkg/b.go", "node_modules/x/index.js", ".git/HEAD"} {
		if err := env.WriteFile(p, "x"); err != nil {
			t.Fatal(err)
		}
	}
	entries, truncated, err := env.ListFiles(".", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if truncated {
		t.Error("expected a complete listing")
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["a.go"] || !names["pkg"] || !names["pkg/b.go"] {
		t.Errorf("missing entries in %v", names)
	}
	if names["node_modules"] || names[".git/HEAD"] {
		t.Errorf("expected skipped directories to be absent, got %v", names)
	}

	flat, _, _ := env.ListFiles(".", false, 0)
	for _, e := range flat {
		if strings.Contains(e.Name, "/") {
			t.Errorf("non-recursive listing descended into %s", e.Name)
		}
	}

	_, truncated, _ = env.ListFiles(".", true, 1)
	if !truncated {
		t.Error("expected the limit to truncate")
	}
}

func TestSearchFiles(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalExecutionEnvironment(dir)
	env.WriteFile("main.go", "package main\n\nfunc main() {}\n")
	env.WriteFile("util/util.go", "package util\n\nfunc Helper() {}\n")
	env.WriteFile("README.md", "func in prose\n")
	if err := os.WriteFile(filepath.Join(dir, "blob.go"), []byte("func\x00binary"), 0o644); err != nil {
		t.Fatal(err)
	}

	matches, err := env.SearchFiles(context.Background(), ".", `^func \w+`, "*.go", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matches)
	}
	for _, m := range matches {
		if m.Line != 3 || !strings.HasPrefix(m.Text, "func ") {
			t.Errorf("unexpected match %+v", m)
		}
	}

	limited, _ := env.SearchFiles(context.Background(), ".", "func", "", 1)
	if len(limited) != 1 {
		t.Errorf("expected the limit to apply, got %d", len(limited))
	}

	nested, _ := env.SearchFiles(context.Background(), ".", "func", "util/**/*.go", 0)
	if len(nested) != 1 || nested[0].Path != "util/util.go" {
		t.Errorf("expected the path glob to select util only, got %+v", nested)
	}
	either, _ := env.SearchFiles(context.Background(), ".", "func", "*.{go,md}", 0)
	if len(either) != 3 {
		t.Errorf("expected matches in main.go, util.go and README.md, got %+v", either)
	}

	if _, err := env.SearchFiles(context.Background(), ".", "(", "", 0); err == nil {
		t.Error("expected an invalid regex to fail")
	}
}

func TestFormatSearchMatches(t *testing.T) {
	if got := formatSearchMatches(nil); got != "Found 0 results." {
		t.Errorf("unexpected empty output %q", got)
	}
	got := formatSearchMatches([]SearchMatch{
		{Path: "a.go", Line: 1, Text: "x"},
		{Path: "a.go", Line: 4, Text: "y"},
		{Path: "b.go", Line: 2, Text: "z"},
	})
	want := "Found 3 result(s).\n\n# a.go\n1 | x\n4 | y\n\n# b.go\n2 | z\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalExecutionEnvironment(dir)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := env.RunCommand(context.Background(), "echo out; echo err >&2; exit 2", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 2 || !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = env.RunCommand(context.Background(), "pwd", "sub", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Output), "sub") {
		t.Errorf("expected to run in sub, got %q", res.Output)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	res, err := env.RunCommand(context.Background(), "echo started; sleep 10", "", 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("expected a timeout, got %+v", res)
	}
	if !strings.Contains(res.Output, "started") {
		t.Errorf("expected partial output, got %q", res.Output)
	}
	if res.Duration > 5*time.Second {
		t.Errorf("expected the process group to be killed promptly, took %s", res.Duration)
	}
}

func TestRunCommandCancelled(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.RunCommand(ctx, "sleep 5", "", 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCommandEnvHidesSecrets(t *testing.T) {
	t.Setenv("BOOMERANG_API_KEY", "sk-test")
	t.Setenv("BOOMERANG_VISIBLE", "yes")
	env := strings.Join(commandEnv(), "\n")
	if strings.Contains(env, "sk-test") {
		t.Error("expected the api key to be withheld")
	}
	if !strings.Contains(env, "BOOMERANG_VISIBLE=yes") {
		t.Error("expected ordinary variables to pass through")
	}
}

func TestDirsBetween(t *testing.T) {
	got := dirsBetween("/repo", "/repo/a/b")
	want := []string{"/repo", "/repo/a", "/repo/a/b"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := dirsBetween("/repo", "/elsewhere"); len(got) != 1 {
		t.Errorf("expected root only, got %v", got)
	}
}
