package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/fclairamb/notrition/internal/apperrors"
	"github.com/fclairamb/notrition/internal/converter"
	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/nutrition"
	"github.com/fclairamb/notrition/internal/recipe"
	"github.com/fclairamb/notrition/internal/snapshot"
)

const (
	// File and directory permissions.
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------

	pagesDir = "pages"
)

// ArchiveConfig configures the git history of cached pages.
type ArchiveConfig struct {
	Path      string // Local repository path (NTR_ARCHIVE_PATH)
	RemoteURL string // Optional remote (NTR_ARCHIVE_REMOTE_URL)
	Password  string // Password/token for HTTPS remotes (NTR_ARCHIVE_PASSWORD)
	Branch    string // Target branch (NTR_ARCHIVE_BRANCH)
	User      string // Commit author name
	Email     string // Commit author email
}

// IsRemoteEnabled returns true if a remote is configured.
func (c *ArchiveConfig) IsRemoteEnabled() bool {
	return c != nil && c.RemoteURL != ""
}

// IsSSH returns true if the remote URL is an SSH URL.
func (c *ArchiveConfig) IsSSH() bool {
	return strings.HasPrefix(c.RemoteURL, "git@") || strings.HasPrefix(c.RemoteURL, "ssh://")
}

// GetAuth returns the authentication method for the remote URL.
func (c *ArchiveConfig) GetAuth() (transport.AuthMethod, error) {
	if !c.IsRemoteEnabled() {
		return nil, apperrors.ErrRemoteNotConfigured
	}

	if c.IsSSH() {
		auth, err := ssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil, fmt.Errorf("create SSH agent auth: %w", err)
		}
		return auth, nil
	}

	if c.Password == "" {
		return nil, apperrors.ErrHTTPSPasswordRequired
	}

	return &http.BasicAuth{
		Username: "oauth2",
		Password: c.Password,
	}, nil
}

// Archive decorates a Store and commits every written page to a git repository, as JSON and
// as a Markdown rendition, giving a browsable history of snapshot changes. Access tokens are
// never archived.
type Archive struct {
	Store
	cfg       ArchiveConfig
	repo      *git.Repository
	mu        sync.Mutex
	logger    *slog.Logger
	onCommit  func()
	converter *converter.Converter
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithArchiveLogger sets a custom logger for the archive.
func WithArchiveLogger(l *slog.Logger) ArchiveOption {
	return func(a *Archive) {
		a.logger = l
	}
}

// WithCommitHook registers a function called after every commit, e.g. to schedule a push.
func WithCommitHook(fn func()) ArchiveOption {
	return func(a *Archive) {
		a.onCommit = fn
	}
}

// NewArchive opens or creates the repository at cfg.Path and wraps inner.
func NewArchive(inner Store, cfg ArchiveConfig, opts ...ArchiveOption) (*Archive, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("archive path: %w", apperrors.ErrEmptyInput)
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.User == "" {
		cfg.User = "notrition"
	}
	if cfg.Email == "" {
		cfg.Email = "notrition@local"
	}

	archive := &Archive{
		Store:     inner,
		cfg:       cfg,
		logger:    slog.Default(),
		converter: converter.NewConverter(),
	}
	for _, opt := range opts {
		opt(archive)
	}

	repo, err := archive.openOrCreateRepo()
	if err != nil {
		return nil, err
	}
	archive.repo = repo
	return archive, nil
}

// InsertPage inserts into the inner store, then archives the new row.
func (a *Archive) InsertPage(ctx context.Context, page *RecipePage) error {
	if err := a.Store.InsertPage(ctx, page); err != nil {
		return err
	}
	a.record(ctx, "insert "+page.NotionPageID, []RecipePage{*page}, nil)
	return nil
}

// UpdatePage updates the inner store, then archives the updated rows.
func (a *Archive) UpdatePage(ctx context.Context, update PageUpdate, filter PageFilter) error {
	if err := a.Store.UpdatePage(ctx, update, filter); err != nil {
		return err
	}

	pages, err := a.Store.SelectPages(ctx, filter)
	if err != nil {
		a.logger.WarnContext(ctx, "archive: reload updated pages failed", "error", err)
		return nil
	}
	a.record(ctx, "update "+describe(pages), pages, nil)
	return nil
}

// DeletePages deletes from the inner store, then removes the archived rows.
func (a *Archive) DeletePages(ctx context.Context, filter PageFilter) (int64, error) {
	pages, selectErr := a.Store.SelectPages(ctx, filter)

	n, err := a.Store.DeletePages(ctx, filter)
	if err != nil {
		return n, err
	}
	if selectErr != nil {
		a.logger.WarnContext(ctx, "archive: list deleted pages failed", "error", selectErr)
		return n, nil
	}
	a.record(ctx, "delete "+describe(pages), nil, pages)
	return n, nil
}

// Push pushes local commits to the remote repository, if one is configured.
func (a *Archive) Push(ctx context.Context) error {
	if !a.cfg.IsRemoteEnabled() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	auth, err := a.cfg.GetAuth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	a.logger.InfoContext(ctx, "pushing archive", "url", a.cfg.RemoteURL, "branch", a.cfg.Branch)

	err = a.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			a.logger.InfoContext(ctx, "nothing to push")
			return nil
		}
		return fmt.Errorf("push: %w", err)
	}

	a.logger.InfoContext(ctx, "push complete")
	return nil
}

// PagePath is the repository path of a page's JSON file.
func PagePath(page *RecipePage) string {
	return filepath.Join(pagesDir, page.UserID, page.NotionPageID+".json")
}

// MarkdownPath is the repository path of a page's Markdown rendition.
func MarkdownPath(page *RecipePage) string {
	return filepath.Join(pagesDir, page.UserID, page.NotionPageID+".md")
}

// document decodes the snapshots of a page for rendering. It returns false when the
// Notion snapshot cannot be decoded.
func document(page *RecipePage) (*converter.Document, bool) {
	var content notion.PageContent
	if err := page.NotionSnapshot.Decode(snapshot.KindNotion, &content); err != nil {
		return nil, false
	}

	doc := &converter.Document{
		NotionPageID: page.NotionPageID,
		PublicID:     page.PublicID,
		UpdatedAt:    page.UpdatedAt,
		Content:      &content,
	}

	var data recipe.Data
	if !page.RecipeSnapshot.IsEmpty() && page.RecipeSnapshot.Decode(snapshot.KindRecipe, &data) == nil {
		doc.Recipe = &data
	}

	switch {
	case page.NutritionSnapshot.IsEmpty():
	case page.NutritionSnapshot.IsError():
		doc.NutritionError = page.NutritionSnapshot.ErrorMessage()
	default:
		var result nutrition.Result
		if page.NutritionSnapshot.Decode(snapshot.KindNutrition, &result) == nil {
			doc.Nutrition = &result
		}
	}
	return doc, true
}

func describe(pages []RecipePage) string {
	switch len(pages) {
	case 0:
		return "nothing"
	case 1:
		return pages[0].NotionPageID
	}
	return fmt.Sprintf("%d pages", len(pages))
}

// record commits written and removed pages. Archive failures never fail the store write.
func (a *Archive) record(ctx context.Context, message string, written, removed []RecipePage) {
	committed, err := a.commit(message, written, removed)
	if err != nil {
		a.logger.WarnContext(ctx, "archive commit failed", "message", message, "error", err)
		return
	}
	if committed && a.onCommit != nil {
		a.onCommit()
	}
}

func (a *Archive) commit(message string, written, removed []RecipePage) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	worktree, err := a.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("get worktree: %w", err)
	}

	for i := range written {
		if err := a.writePage(worktree, &written[i]); err != nil {
			return false, err
		}
	}
	for i := range removed {
		if err := a.removePage(worktree, &removed[i]); err != nil {
			return false, err
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return false, fmt.Errorf("get status: %w", err)
	}

	hasChanges := false
	for _, s := range status {
		if s.Staging != git.Unmodified && s.Staging != git.Untracked {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return false, nil
	}

	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  a.cfg.User,
			Email: a.cfg.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (a *Archive) writePage(worktree *git.Worktree, page *RecipePage) error {
	content, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal page %s: %w", page.NotionPageID, err)
	}
	if err := a.writeFile(worktree, PagePath(page), append(content, '\n')); err != nil {
		return err
	}

	doc, ok := document(page)
	if !ok {
		return nil
	}
	return a.writeFile(worktree, MarkdownPath(page), a.converter.Convert(doc))
}

func (a *Archive) writeFile(worktree *git.Worktree, path string, content []byte) error {
	fullPath := filepath.Join(a.cfg.Path, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), dirPerm); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(fullPath, content, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := worktree.Add(path); err != nil {
		return fmt.Errorf("git add %s: %w", path, err)
	}
	return nil
}

func (a *Archive) removePage(worktree *git.Worktree, page *RecipePage) error {
	for _, path := range []string{PagePath(page), MarkdownPath(page)} {
		if err := os.Remove(filepath.Join(a.cfg.Path, path)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		// Ignore errors if the file wasn't tracked
		_, _ = worktree.Remove(path)
	}
	return nil
}

// openOrCreateRepo opens an existing repository or creates a new one.
func (a *Archive) openOrCreateRepo() (*git.Repository, error) {
	if err := os.MkdirAll(a.cfg.Path, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err := git.PlainOpen(a.cfg.Path)
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("open git repo: %w", err)
		}
		repo, err = git.PlainInitWithOptions(a.cfg.Path, &git.PlainInitOptions{
			InitOptions: git.InitOptions{
				DefaultBranch: plumbing.NewBranchReferenceName(a.cfg.Branch),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init git repo: %w", err)
		}
	}

	if !a.cfg.IsRemoteEnabled() {
		return repo, nil
	}
	if _, err := repo.Remote("origin"); err == nil {
		return repo, nil
	}

	a.logger.Info("adding remote origin to archive", "url", a.cfg.RemoteURL)
	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{a.cfg.RemoteURL},
	})
	if err != nil {
		return nil, fmt.Errorf("add remote origin: %w", err)
	}
	return repo, nil
}
