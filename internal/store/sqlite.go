package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fclairamb/notrition/internal/apperrors"
)

// SQLStore is a gorm backed store. OpenSQLite uses the pure-Go glebarez driver.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the SQLite database at path. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path: %w", apperrors.ErrEmptyInput)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// SQLite serializes writers; an in-memory database also lives in a single connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RecipePage{}, &AccessToken{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLStore{db: db}, nil
}

func pageScope(filter PageFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if filter.UserID != "" {
			db = db.Where("user_id = ?", filter.UserID)
		}
		if filter.NotionPageID != "" {
			db = db.Where("notion_page_id = ?", filter.NotionPageID)
		}
		if filter.PublicID != "" {
			db = db.Where("public_id = ?", filter.PublicID)
		}
		return db
	}
}

func tokenScope(filter TokenFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if filter.ID != "" {
			db = db.Where("id = ?", filter.ID)
		}
		if filter.UserID != "" {
			db = db.Where("user_id = ?", filter.UserID)
		}
		return db
	}
}

// SelectPages returns the matching pages, oldest first.
func (s *SQLStore) SelectPages(ctx context.Context, filter PageFilter) ([]RecipePage, error) {
	pages := []RecipePage{}
	err := s.db.WithContext(ctx).
		Scopes(pageScope(filter)).
		Order("created_at, notion_page_id").
		Find(&pages).Error
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	return pages, nil
}

// InsertPage adds a page.
func (s *SQLStore) InsertPage(ctx context.Context, page *RecipePage) error {
	if err := prepareInsert(page, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(page).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert page %s: %w", page.NotionPageID, apperrors.ErrRecipePageExists)
		}
		return fmt.Errorf("insert page %s: %w", page.NotionPageID, err)
	}
	return nil
}

// UpdatePage applies update to the matching pages.
func (s *SQLStore) UpdatePage(ctx context.Context, update PageUpdate, filter PageFilter) error {
	if filter.IsEmpty() {
		return apperrors.ErrUnfilteredWrite
	}

	cols := update.columns()
	cols["updated_at"] = time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&RecipePage{}).
		Scopes(pageScope(filter)).
		Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("update page: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrRecipePageNotFound
	}
	return nil
}

// DeletePages removes the matching pages.
func (s *SQLStore) DeletePages(ctx context.Context, filter PageFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, apperrors.ErrUnfilteredWrite
	}

	result := s.db.WithContext(ctx).Scopes(pageScope(filter)).Delete(&RecipePage{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete pages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// InsertToken adds a token.
func (s *SQLStore) InsertToken(ctx context.Context, token *AccessToken) error {
	if err := prepareToken(token, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// SelectTokens returns the matching tokens, oldest first.
func (s *SQLStore) SelectTokens(ctx context.Context, filter TokenFilter) ([]AccessToken, error) {
	tokens := []AccessToken{}
	err := s.db.WithContext(ctx).
		Scopes(tokenScope(filter)).
		Order("created_at, id").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("select tokens: %w", err)
	}
	return tokens, nil
}

// DeleteTokens removes the matching tokens.
func (s *SQLStore) DeleteTokens(ctx context.Context, filter TokenFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, apperrors.ErrUnfilteredWrite
	}

	result := s.db.WithContext(ctx).Scopes(tokenScope(filter)).Delete(&AccessToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
