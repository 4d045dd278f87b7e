package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fclairamb/notrition/internal/apperrors"
)

// MemoryStore keeps everything in process memory. Rows are returned in insertion order.
type MemoryStore struct {
	mu     sync.RWMutex
	pages  []RecipePage
	tokens []AccessToken
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// SelectPages returns copies of the matching pages.
func (s *MemoryStore) SelectPages(_ context.Context, filter PageFilter) ([]RecipePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pages := []RecipePage{}
	for i := range s.pages {
		if filter.Matches(&s.pages[i]) {
			pages = append(pages, s.pages[i])
		}
	}
	return pages, nil
}

// InsertPage adds a page; (user, page) and the public ID must be unique.
func (s *MemoryStore) InsertPage(_ context.Context, page *RecipePage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := prepareInsert(page, s.now()); err != nil {
		return err
	}

	for i := range s.pages {
		existing := &s.pages[i]
		if (existing.UserID == page.UserID && existing.NotionPageID == page.NotionPageID) ||
			existing.PublicID == page.PublicID {
			return fmt.Errorf("insert page %s: %w", page.NotionPageID, apperrors.ErrRecipePageExists)
		}
	}

	s.pages = append(s.pages, *page)
	return nil
}

// UpdatePage applies update to the matching pages.
func (s *MemoryStore) UpdatePage(_ context.Context, update PageUpdate, filter PageFilter) error {
	if filter.IsEmpty() {
		return apperrors.ErrUnfilteredWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := false
	now := s.now()
	for i := range s.pages {
		if !filter.Matches(&s.pages[i]) {
			continue
		}
		matched = true
		if update.IsEmpty() {
			continue
		}
		update.Apply(&s.pages[i])
		s.pages[i].UpdatedAt = now
	}

	if !matched {
		return apperrors.ErrRecipePageNotFound
	}
	return nil
}

// DeletePages removes the matching pages.
func (s *MemoryStore) DeletePages(_ context.Context, filter PageFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, apperrors.ErrUnfilteredWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pages[:0]
	var deleted int64
	for i := range s.pages {
		if filter.Matches(&s.pages[i]) {
			deleted++
			continue
		}
		kept = append(kept, s.pages[i])
	}
	s.pages = kept
	return deleted, nil
}

// InsertToken adds a token.
func (s *MemoryStore) InsertToken(_ context.Context, token *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := prepareToken(token, s.now()); err != nil {
		return err
	}
	s.tokens = append(s.tokens, *token)
	return nil
}

// SelectTokens returns the matching tokens, oldest first.
func (s *MemoryStore) SelectTokens(_ context.Context, filter TokenFilter) ([]AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := []AccessToken{}
	for i := range s.tokens {
		if filter.Matches(&s.tokens[i]) {
			tokens = append(tokens, s.tokens[i])
		}
	}
	return tokens, nil
}

// DeleteTokens removes the matching tokens.
func (s *MemoryStore) DeleteTokens(_ context.Context, filter TokenFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, apperrors.ErrUnfilteredWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tokens[:0]
	var deleted int64
	for i := range s.tokens {
		if filter.Matches(&s.tokens[i]) {
			deleted++
			continue
		}
		kept = append(kept, s.tokens[i])
	}
	s.tokens = kept
	return deleted, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
