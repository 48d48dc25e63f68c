// Package history keeps a git repository per document with one commit for
// every summary, content or status change.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	mainBranch   = "main"
	statusFile   = "STATUS"
	summaryFile  = "summary.md"
	documentFile = "document.md"
)

var (
	// ErrNoHistory is returned when a document has no repository yet.
	ErrNoHistory = errors.New("document has no history")
	// ErrRevisionNotFound is returned for a hash that names no commit.
	ErrRevisionNotFound = errors.New("revision not found")
)

// Revision is the tracked state of a document at one commit.
// CommitInfo describes one commit in a document's history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Revision struct {
	Status  string  `json:"status"`
	Summary *string `json:"summary"`
	Content *string `json:"content"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit writes rev to the document's repository, creating it on first use.
// A commit is recorded even when no file changed so status-only steps show
// up in the log.
func (s *Service) Commit(documentID string, rev Revision, author, message string) (CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	status := rev.Status
	files := []struct {
		name  string
		value *string
	}{
		{statusFile, &status},
		{summaryFile, rev.Summary},
		{documentFile, rev.Content},
	}
	for _, file := range files {
		stage, err := writeTracked(root, file.name, file.value)
		if err != nil {
			return CommitInfo{}, err
		}
		if !stage {
			continue
		}
		if _, err := worktree.Add(file.name); err != nil {
			return CommitInfo{}, fmt.Errorf("git add %s: %w", file.name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@docforge.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit revision: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits newest first. A document without a repository has
// an empty history.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Revision reads the tracked files at hash (full or abbreviated).
func (s *Service) Revision(documentID, hash string) (Revision, CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Revision{}, CommitInfo{}, ErrNoHistory
	}
	if err != nil {
		return Revision{}, CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Revision{}, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return Revision{}, CommitInfo{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	if err != nil {
		return Revision{}, CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	var rev Revision
	status, err := readTracked(commitObj, statusFile)
	if err != nil {
		return Revision{}, CommitInfo{}, err
	}
	if status != nil {
		rev.Status = *status
	}
	if rev.Summary, err = readTracked(commitObj, summaryFile); err != nil {
		return Revision{}, CommitInfo{}, err
	}
	if rev.Content, err = readTracked(commitObj, documentFile); err != nil {
		return Revision{}, CommitInfo{}, err
	}
	return rev, toCommitInfo(commitObj), nil
}

// Tag marks the current head, e.g. when a document is completed.
func (s *Service) Tag(documentID, name string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve head: %w", err)
	}
	_, err = repo.CreateTag(name, head.Hash(), &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "docforge",
			Email: "docforge@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Remove deletes the document's repository.
func (s *Service) Remove(documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
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
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(mainBranch)},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, filepath.Base(documentID))
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

// writeTracked writes value to name byte for byte, or removes the file when
// value is nil.
// It reports whether the path needs staging.
func writeTracked(root, name string, value *string) (bool, error) {
	path := filepath.Join(root, name)
	if value == nil {
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("remove %s: %w", name, err)
		}
		return true, nil
	}
	if err := os.WriteFile(path, []byte(*value), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", name, err)
	}
	return true, nil
}

func readTracked(commitObj *object.Commit, name string) (*string, error) {
	file, err := commitObj.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return &contents, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	return *resolved, nil
}
