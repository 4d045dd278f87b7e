package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/snapshot"
)

func commitMessages(t *testing.T, path string) []string {
	t.Helper()

	repo, err := git.PlainOpen(path)
	require.NoError(t, err)

	iter, err := repo.Log(&git.LogOptions{})
	require.NoError(t, err)

	var messages []string
	require.NoError(t, iter.ForEach(func(c *object.Commit) error {
		messages = append(messages, c.Message)
		return nil
	}))
	return messages
}

func TestArchiveCommitsPageHistory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	commits := 0
	archive, err := NewArchive(NewMemoryStore(), ArchiveConfig{Path: dir}, WithCommitHook(func() { commits++ }))
	require.NoError(t, err)

	page := &RecipePage{UserID: "alice", NotionPageID: "p1", AccessTokenID: "tok", NotionSnapshot: "n1"}
	require.NoError(t, archive.InsertPage(ctx, page))

	content, err := os.ReadFile(filepath.Join(dir, PagePath(page)))
	require.NoError(t, err)

	var archived RecipePage
	require.NoError(t, json.Unmarshal(content, &archived))
	assert.Equal(t, page.PublicID, archived.PublicID)

	require.NoError(t, archive.UpdatePage(ctx,
		PageUpdate{NotionSnapshot: payload("n2")},
		PageFilter{UserID: "alice", NotionPageID: "p1"}))

	content, err = os.ReadFile(filepath.Join(dir, PagePath(page)))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"notion_data": "n2"`)

	n, err := archive.DeletePages(ctx, PageFilter{UserID: "alice", NotionPageID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = os.Stat(filepath.Join(dir, PagePath(page)))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []string{"delete p1", "update p1", "insert p1"}, commitMessages(t, dir))
	assert.Equal(t, 3, commits)
}

func TestArchiveNeverStoresTokens(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	archive, err := NewArchive(NewMemoryStore(), ArchiveConfig{Path: dir})
	require.NoError(t, err)

	require.NoError(t, archive.InsertToken(ctx, &AccessToken{UserID: "alice", AccessToken: "secret_abc"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, ".git", entry.Name())
	}
}

func TestArchiveReopensRepository(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewArchive(NewMemoryStore(), ArchiveConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, first.InsertPage(ctx, &RecipePage{UserID: "u", NotionPageID: "p1"}))

	second, err := NewArchive(NewMemoryStore(), ArchiveConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, second.InsertPage(ctx, &RecipePage{UserID: "u", NotionPageID: "p2"}))

	assert.Len(t, commitMessages(t, dir), 2)
	assert.NoError(t, second.Push(ctx), "push without a remote is a no-op")
}

func TestArchiveRendersMarkdown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	archive, err := NewArchive(NewMemoryStore(), ArchiveConfig{Path: dir})
	require.NoError(t, err)

	content := notion.PageContent{
		Page: &notion.Page{Properties: notion.Properties{
			"title": {Type: "title", Title: []notion.RichText{{PlainText: "Leek soup"}}},
		}},
		Children: []notion.Block{
			{Type: notion.BlockTypeBulletedListItem, BulletedListItem: &notion.TextBlock{
				RichText: []notion.RichText{{PlainText: "1 leek"}},
			}},
		},
	}
	notionSnapshot, err := snapshot.Encode(snapshot.KindNotion, content)
	require.NoError(t, err)

	page := &RecipePage{UserID: "alice", NotionPageID: "p1", AccessTokenID: "tok", NotionSnapshot: notionSnapshot}
	require.NoError(t, archive.InsertPage(ctx, page))

	markdown, err := os.ReadFile(filepath.Join(dir, MarkdownPath(page)))
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "# Leek soup\n")
	assert.Contains(t, string(markdown), "- 1 leek\n")
	assert.NotContains(t, string(markdown), "Nutrition facts")

	failed := snapshot.EncodeError(snapshot.KindNutrition, errors.New("quota exceeded"))
	require.NoError(t, archive.UpdatePage(ctx,
		PageUpdate{NutritionSnapshot: &failed},
		PageFilter{UserID: "alice", NotionPageID: "p1"}))

	markdown, err = os.ReadFile(filepath.Join(dir, MarkdownPath(page)))
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "Nutrition could not be computed: quota exceeded")

	_, err = archive.DeletePages(ctx, PageFilter{UserID: "alice"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, MarkdownPath(page)))
	assert.True(t, os.IsNotExist(err))
}
