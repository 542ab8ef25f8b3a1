package agentloop

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// EditSession tracks one in-progress file edit. The proposed content is
// written immediately so the user can inspect it; Revert restores the
// snapshot taken by Open, Commit keeps the change.
type EditSession struct {
	env ExecutionEnvironment

	mu       sync.Mutex
	path     string
	original string
	existed  bool
	active   bool
}

// NewEditSession creates an idle session over env.
func NewEditSession(env ExecutionEnvironment) *EditSession {
	return &EditSession{env: env}
}

// Open snapshots path and writes content in its place. Only one edit may
// be open at a time.
func (s *EditSession) Open(path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return fmt.Errorf("edit of %s already in progress", s.path)
	}
	existed := s.env.FileExists(path)
	original := ""
	if existed {
		raw, err := s.env.ReadFileRaw(path)
		if err != nil {
			return err
		}
		original = raw
	}
	if err := s.env.WriteFile(path, content); err != nil {
		return err
	}
	s.path, s.original, s.existed, s.active = path, original, existed, true
	return nil
}

// Active reports whether an edit is open.
func (s *EditSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Path returns the file of the open edit.
func (s *EditSession) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Commit keeps the written content and closes the session.
func (s *EditSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Revert restores the snapshot, removing files the edit created. It is a
// no-op when no edit is open.
func (s *EditSession) Revert() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	defer s.reset()
	if !s.existed {
		return s.env.RemoveFile(s.path)
	}
	return s.env.WriteFile(s.path, s.original)
}

func (s *EditSession) reset() {
	s.path, s.original, s.existed, s.active = "", "", false, false
}

// Search/replace markers used by edit_file.
const (
	searchMarker  = "<<<<<<< SEARCH"
	dividerMarker = "======="
	replaceMarker = ">>>>>>> REPLACE"
)

type searchReplace struct {
	search  string
	replace string
}

var errMalformedDiff = errors.New("malformed diff: expected <<<<<<< SEARCH / ======= / >>>>>>> REPLACE blocks")

// parseSearchReplace splits a diff into its SEARCH/REPLACE blocks.
func parseSearchReplace(diff string) ([]searchReplace, error) {
	lines := strings.Split(diff, "\n")
	var blocks []searchReplace
	for i := 0; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != searchMarker {
			continue
		}
		var search, replace []string
		j := i + 1
		for j < len(lines) && strings.TrimSpace(lines[j]) != dividerMarker {
			search = append(search, lines[j])
			j++
		}
		if j == len(lines) {
			return nil, errMalformedDiff
		}
		j++
		for j < len(lines) && strings.TrimSpace(lines[j]) != replaceMarker {
			replace = append(replace, lines[j])
			j++
		}
		if j == len(lines) {
			return nil, errMalformedDiff
		}
		blocks = append(blocks, searchReplace{
			search:  strings.Join(search, "\n"),
			replace: strings.Join(replace, "\n"),
		})
		i = j
	}
	if len(blocks) == 0 {
		return nil, errMalformedDiff
	}
	return blocks, nil
}

// applySearchReplace applies blocks in order. Each search text must occur
// exactly once in the current content.
func applySearchReplace(content string, blocks []searchReplace) (string, error) {
	for n, b := range blocks {
		if b.search == "" {
			return "", fmt.Errorf("block %d: empty search text", n+1)
		}
		switch count := strings.Count(content, b.search); {
		case count == 0:
			return "", fmt.Errorf("block %d: search text not found", n+1)
		case count > 1:
			return "", fmt.Errorf("block %d: search text found %d times; include more context to make it unique", n+1, count)
		}
		content = strings.Replace(content, b.search, b.replace, 1)
	}
	return content, nil
}
