package agentloop

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ExecResult is the outcome of one shell command. Output interleaves
// stdout and stderr in the order they were written.
type ExecResult struct {
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// DirEntry is one path of a workspace listing, slash separated and
// relative to the listed directory.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// SearchMatch is one line matched by SearchFiles.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// ExecutionEnvironment is the workspace the tools act on. Relative paths
// resolve against WorkingDirectory.
type ExecutionEnvironment interface {
	// ReadFile returns line-numbered content. startLine and endLine are
	// 1-based and inclusive; zero means unbounded.
	ReadFile(path string, startLine, endLine int) (string, error)
	ReadFileRaw(path string) (string, error)
	WriteFile(path string, content string) error
	RemoveFile(path string) error
	FileExists(path string) bool

	// ListFiles walks path. It returns at most limit entries and reports
	// whether the listing was cut short.
	ListFiles(path string, recursive bool, limit int) ([]DirEntry, bool, error)
	// SearchFiles matches pattern against every text file under dir
	// selected by glob (any file when glob is empty). A glob containing a
	// slash is matched against the path relative to dir, otherwise against
	// the base name.
	SearchFiles(ctx context.Context, dir, pattern, glob string, limit int) ([]SearchMatch, error)
	RunCommand(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error)

	WorkingDirectory() string
	SystemInfo() string
}

// skippedDirs are never descended into by listings or searches.
var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "__pycache__": true,
	".venv": true, "dist": true, "build": true, ".idea": true, "target": true,
}

// commandShell runs every command.
const commandShell = "/bin/sh"

// Files larger than this are not searched.
const maxSearchFileBytes = 1 << 20

// LocalExecutionEnvironment is a workspace directory on this machine.
type LocalExecutionEnvironment struct {
	dir string
}

// NewLocalExecutionEnvironment roots an environment at dir, or at the
// process working directory when dir is empty.
func NewLocalExecutionEnvironment(dir string) *LocalExecutionEnvironment {
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return &LocalExecutionEnvironment{dir: dir}
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string { return e.dir }

func (e *LocalExecutionEnvironment) SystemInfo() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func (e *LocalExecutionEnvironment) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.dir, path)
}

func (e *LocalExecutionEnvironment) ReadFile(path string, startLine, endLine int) (string, error) {
	raw, err := e.ReadFileRaw(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSuffix(raw, "\n"), "\n")
	from := max(startLine, 1)
	to := len(lines)
	if endLine > 0 {
		to = min(endLine, to)
	}
	var sb strings.Builder
	for n := from; n <= to; n++ {
		fmt.Fprintf(&sb, "%d | %s\n", n, lines[n-1])
	}
	return sb.String(), nil
}

func (e *LocalExecutionEnvironment) ReadFileRaw(path string) (string, error) {
	data, err := os.ReadFile(e.abs(path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func (e *LocalExecutionEnvironment) WriteFile(path string, content string) error {
	target := e.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (e *LocalExecutionEnvironment) RemoveFile(path string) error {
	err := os.Remove(e.abs(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (e *LocalExecutionEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.abs(path))
	return err == nil
}

// walk visits every entry below root except skipped directories. fn
// returning filepath.SkipAll stops the walk.
func walk(root string, recursive bool, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		switch {
		case err != nil && p == root:
			return err
		case err != nil:
			return nil
		case p == root:
			return nil
		case d.IsDir() && skippedDirs[d.Name()]:
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			rel = p
		}
		if err := fn(filepath.ToSlash(rel), d); err != nil {
			return err
		}
		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
}

func (e *LocalExecutionEnvironment) ListFiles(path string, recursive bool, limit int) ([]DirEntry, bool, error) {
	var entries []DirEntry
	truncated := false
	err := walk(e.abs(path), recursive, func(rel string, d fs.DirEntry) error {
		if limit > 0 && len(entries) >= limit {
			truncated = true
			return filepath.SkipAll
		}
		entry := DirEntry{Name: rel, IsDir: d.IsDir()}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("list %s: %w", path, err)
	}
	return entries, truncated, nil
}

func (e *LocalExecutionEnvironment) SearchFiles(ctx context.Context, dir, pattern, glob string, limit int) ([]SearchMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	root := e.abs(dir)
	if glob != "" && !doublestar.ValidatePattern(glob) {
		return nil, fmt.Errorf("invalid file pattern %q", glob)
	}
	var matches []SearchMatch
	err = walk(root, true, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !globMatch(glob, rel, d.Name()) {
			return nil
		}
		found, err := searchFile(filepath.Join(root, filepath.FromSlash(rel)), rel, re, limit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if limit > 0 && len(matches) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", dir, err)
	}
	return matches, nil
}

func globMatch(glob, rel, name string) bool {
	if glob == "" {
		return true
	}
	target := name
	if strings.Contains(glob, "/") {
		target = rel
	}
	ok, err := doublestar.Match(glob, target)
	return err == nil && ok
}

// searchFile returns up to limit matching lines of a text file. Binary
// and oversized files yield nothing.
func searchFile(path, rel string, re *regexp.Regexp, limit int) ([]SearchMatch, error) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) > maxSearchFileBytes || bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
		return nil, err
	}
	var out []SearchMatch
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxSearchFileBytes)
	for n := 1; sc.Scan(); n++ {
		if re.Match(sc.Bytes()) {
			out = append(out, SearchMatch{Path: rel, Line: n, Text: sc.Text()})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// secretEnvMarkers mark environment variables withheld from commands.
var secretEnvMarkers = []string{"API_KEY", "SECRET", "TOKEN", "PASSWORD", "CREDENTIAL"}

// commandEnv is the process environment minus anything that looks like a
// credential.
func commandEnv() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(name)
		secret := false
		for _, marker := range secretEnvMarkers {
			if strings.Contains(upper, marker) {
				secret = true
				break
			}
		}
		if !secret {
			out = append(out, kv)
		}
	}
	return out
}

// RunCommand runs command through the shell in cwd (relative to the
// workspace). A command still running at timeout has its whole process
// group killed; its partial output is kept.
func (e *LocalExecutionEnvironment) RunCommand(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, commandShell, "-c", command)
	cmd.Dir = e.dir
	if cwd != "" {
		cmd.Dir = e.abs(cwd)
	}
	cmd.Env = commandEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{Output: out.String(), Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run %q: %w", command, err)
	}
	return res, nil
}
