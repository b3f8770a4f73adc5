// Package gitexport mirrors an identity's commit log into a plain git
// repository so snippets can be inspected with ordinary git tooling.
package gitexport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codeflow/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	trailerKey  = "Codeflow-Commit"
	snippetStem = "snippet"
	branchName  = "main"
	emailDomain = "local.codeflow.dev"
	defaultExt  = "txt"
)

var extensions = map[string]string{
	"JavaScript": "js",
	"Python":     "py",
	"Java":       "java",
	"C++":        "cpp",
	"C":          "c",
	"Go":         "go",
	"HTML":       "html",
	"SQL":        "sql",
	"Rust":       "rs",
	"Swift":      "swift",
}

// Report describes one export run.
type Report struct {
	Path     string `json:"path"`
	Exported int    `json:"exported"`
	Skipped  int    `json:"skipped"`
	Head     string `json:"head,omitempty"`
}

type Exporter struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Exporter {
	return &Exporter{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

// Export appends every commit not yet mirrored to the owner's repository,
// oldest first. Commits are recognized across runs by a trailer carrying
// their id, so exporting the same log twice adds nothing.
func (x *Exporter) Export(owner string, commits []store.Commit) (Report, error) {
	lock := x.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	path := x.RepoPath(owner)
	report := Report{Path: path}
	repo, err := openOrInit(path)
	if err != nil {
		return report, err
	}
	done, err := exportedIDs(repo)
	if err != nil {
		return report, err
	}

	for i := len(commits) - 1; i >= 0; i-- {
		commit := commits[i]
		if _, ok := done[commit.ID]; ok {
			report.Skipped++
			continue
		}
		if err := writeCommit(repo, commit); err != nil {
			return report, err
		}
		done[commit.ID] = struct{}{}
		report.Exported++
	}

	if head, err := repo.Head(); err == nil {
		report.Head = head.Hash().String()
	}
	return report, nil
}

// RepoPath is where the owner's repository lives.
func (x *Exporter) RepoPath(owner string) string {
	return filepath.Join(x.baseDir, sanitizeSegment(owner))
}

func (x *Exporter) ownerLock(owner string) *sync.Mutex {
	x.lockMu.Lock()
	defer x.lockMu.Unlock()
	lock, ok := x.locks[owner]
	if !ok {
		lock = &sync.Mutex{}
		x.locks[owner] = lock
	}
	return lock
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

func exportedIDs(repo *git.Repository) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if id := trailerID(c.Message); id != "" {
			ids[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return ids, nil
}

func trailerID(message string) string {
	prefix := trailerKey + ": "
	for _, line := range strings.Split(message, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func writeCommit(repo *git.Repository, commit store.Commit) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	name := SnippetFile(commit.Language)

	stale, err := filepath.Glob(filepath.Join(root, snippetStem+".*"))
	if err != nil {
		return fmt.Errorf("list snippet files: %w", err)
	}
	for _, path := range stale {
		if filepath.Base(path) == name {
			continue
		}
		if _, err := worktree.Remove(filepath.Base(path)); err != nil {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
			}
		}
	}

	if err := os.WriteFile(filepath.Join(root, name), []byte(commit.Code), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return fmt.Errorf("git add %s: %w", name, err)
	}

	author := commit.Author
	if author == "" {
		author = "Guest"
	}
	message := fmt.Sprintf("%s\n\n%s: %s\n", commit.Message, trailerKey, commit.ID)
	_, err = worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@%s", sanitizeEmail(author), emailDomain),
			When:  commit.Timestamp,
		},
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", commit.ID, err)
	}
	return nil
}

// SnippetFile names the file holding code in the given language.
func SnippetFile(language string) string {
	ext, ok := extensions[language]
	if !ok {
		ext = defaultExt
	}
	return snippetStem + "." + ext
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range strings.ToLower(input) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			out = append(out, '.')
		}
	}
	trimmed := strings.Trim(string(out), ".")
	if trimmed == "" {
		return "user"
	}
	return trimmed
}

func sanitizeSegment(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == 0 {
			return '_'
		}
		return r
	}, input)
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "_"
	}
	return cleaned
}
