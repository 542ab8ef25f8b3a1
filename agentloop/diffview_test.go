package agentloop

import (
	"errors"
	"testing"
)

func TestEditSessionRevertRestoresFile(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	if err := env.WriteFile("a.txt", "original\n"); err != nil {
		t.Fatal(err)
	}
	s := NewEditSession(env)
	if err := s.Open("a.txt", "changed\n"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got, _ := env.ReadFileRaw("a.txt"); got != "changed\n" {
		t.Errorf("expected the proposed content on disk, got %q", got)
	}
	if err := s.Open("b.txt", "x"); err == nil {
		t.Error("expected a second concurrent edit to fail")
	}
	if err := s.Revert(); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if got, _ := env.ReadFileRaw("a.txt"); got != "original\n" {
		t.Errorf("expected the original content, got %q", got)
	}
	if s.Active() {
		t.Error("expected the session to be idle")
	}
}

func TestEditSessionRevertRemovesCreatedFile(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	s := NewEditSession(env)
	if err := s.Open("new/file.txt", "x"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Path() != "new/file.txt" {
		t.Errorf("unexpected path %q", s.Path())
	}
	if err := s.Revert(); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if env.FileExists("new/file.txt") {
		t.Error("expected the created file to be removed")
	}
	if err := s.Revert(); err != nil {
		t.Errorf("expected an idle revert to be a no-op, got %v", err)
	}
}

func TestEditSessionCommitKeepsFile(t *testing.T) {
	env := NewLocalExecutionEnvironment(t.TempDir())
	s := NewEditSession(env)
	if err := s.Open("a.txt", "kept"); err != nil {
		t.Fatal(err)
	}
	s.Commit()
	if err := s.Revert(); err != nil {
		t.Fatal(err)
	}
	if got, _ := env.ReadFileRaw("a.txt"); got != "kept" {
		t.Errorf("expected committed content to survive, got %q", got)
	}
}

func TestApplySearchReplace(t *testing.T) {
	diff := "<<<<<<< SEARCH\nfoo\n=======\nbar\n>>>>>>> REPLACE\n<<<<<<< SEARCH\nbaz\n=======\nqux\n>>>>>>> REPLACE"
	blocks, err := parseSearchReplace(diff)
	if err != nil {
		t.Fatalf("parseSearchReplace: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	got, err := applySearchReplace("foo\nbaz\n", blocks)
	if err != nil {
		t.Fatalf("applySearchReplace: %v", err)
	}
	if got != "bar\nqux\n" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestApplySearchReplaceErrors(t *testing.T) {
	if _, err := parseSearchReplace("no markers here"); !errors.Is(err, errMalformedDiff) {
		t.Errorf("expected errMalformedDiff, got %v", err)
	}
	if _, err := parseSearchReplace("<<<<<<< SEARCH\nfoo\n=======\nbar"); !errors.Is(err, errMalformedDiff) {
		t.Errorf("expected errMalformedDiff for an unterminated block, got %v", err)
	}

	blocks := []searchReplace{{search: "x", replace: "y"}}
	if _, err := applySearchReplace("abc", blocks); err == nil {
		t.Error("expected not-found error")
	}
	if _, err := applySearchReplace("x x", blocks); err == nil {
		t.Error("expected ambiguous-match error")
	}
	if _, err := applySearchReplace("x", []searchReplace{{search: ""}}); err == nil {
		t.Error("expected empty-search error")
	}
}
