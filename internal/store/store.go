// Package store provides the recipe page cache and the Notion access token storage.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fclairamb/notrition/internal/apperrors"
	"github.com/fclairamb/notrition/internal/snapshot"
)

// RecipePage is one cached recipe page, unique per (user, Notion page).
type RecipePage struct {
	UserID            string           `gorm:"column:user_id;primaryKey"                 json:"user_id"`
	NotionPageID      string           `gorm:"column:notion_page_id;primaryKey"          json:"notion_page_id"`
	AccessTokenID     string           `gorm:"column:notion_access_token_id;not null"    json:"notion_access_token_id"`
	NotionSnapshot    snapshot.Payload `gorm:"column:notion_data;type:text;not null"     json:"notion_data"`
	RecipeSnapshot    snapshot.Payload `gorm:"column:recipe_data;type:text;not null"     json:"recipe_data"`
	NutritionSnapshot snapshot.Payload `gorm:"column:extra_data;type:text;not null"      json:"extra_data"`
	PublicID          string           `gorm:"column:public_id;uniqueIndex;not null"     json:"public_id"`
	CreatedAt         time.Time        `gorm:"column:created_at;not null"                json:"created_at"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;not null"                json:"updated_at"`
}

// TableName keeps the table name stable regardless of gorm's naming strategy.
func (RecipePage) TableName() string {
	return "recipe_page"
}

// AccessToken is a Notion credential. The secret is never serialized.
type AccessToken struct {
	ID            string    `gorm:"column:id;primaryKey"              json:"id"`
	UserID        string    `gorm:"column:user_id;index;not null"     json:"user_id"`
	AccessToken   string    `gorm:"column:access_token;not null"      json:"-"`
	WorkspaceID   string    `gorm:"column:workspace_id"               json:"workspace_id"`
	WorkspaceName string    `gorm:"column:workspace_name"             json:"workspace_name"`
	BotID         string    `gorm:"column:bot_id"                     json:"bot_id"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"        json:"created_at"`
}

// TableName keeps the table name stable regardless of gorm's naming strategy.
func (AccessToken) TableName() string {
	return "notion_access_token"
}

// PageFilter selects pages by field equality. Empty fields are ignored.
type PageFilter struct {
	UserID       string
	NotionPageID string
	PublicID     string
}

// IsEmpty reports whether the filter would match every row.
func (f PageFilter) IsEmpty() bool {
	return f.UserID == "" && f.NotionPageID == "" && f.PublicID == ""
}

// Matches reports whether a page satisfies the filter.
func (f PageFilter) Matches(p *RecipePage) bool {
	return (f.UserID == "" || f.UserID == p.UserID) &&
		(f.NotionPageID == "" || f.NotionPageID == p.NotionPageID) &&
		(f.PublicID == "" || f.PublicID == p.PublicID)
}

// PageUpdate is a partial update: nil fields are left untouched.
type PageUpdate struct {
	AccessTokenID     *string
	NotionSnapshot    *snapshot.Payload
	RecipeSnapshot    *snapshot.Payload
	NutritionSnapshot *snapshot.Payload
}

// IsEmpty reports whether the update changes nothing.
func (u PageUpdate) IsEmpty() bool {
	return u.AccessTokenID == nil && u.NotionSnapshot == nil && u.RecipeSnapshot == nil && u.NutritionSnapshot == nil
}

// Apply copies the set fields onto p.
func (u PageUpdate) Apply(p *RecipePage) {
	if u.AccessTokenID != nil {
		p.AccessTokenID = *u.AccessTokenID
	}
	if u.NotionSnapshot != nil {
		p.NotionSnapshot = *u.NotionSnapshot
	}
	if u.RecipeSnapshot != nil {
		p.RecipeSnapshot = *u.RecipeSnapshot
	}
	if u.NutritionSnapshot != nil {
		p.NutritionSnapshot = *u.NutritionSnapshot
	}
}

// columns returns the column values of the set fields.
func (u PageUpdate) columns() map[string]any {
	cols := map[string]any{}
	if u.AccessTokenID != nil {
		cols["notion_access_token_id"] = *u.AccessTokenID
	}
	if u.NotionSnapshot != nil {
		cols["notion_data"] = string(*u.NotionSnapshot)
	}
	if u.RecipeSnapshot != nil {
		cols["recipe_data"] = string(*u.RecipeSnapshot)
	}
	if u.NutritionSnapshot != nil {
		cols["extra_data"] = string(*u.NutritionSnapshot)
	}
	return cols
}

// TokenFilter selects access tokens by field equality. Empty fields are ignored.
type TokenFilter struct {
	ID     string
	UserID string
}

// IsEmpty reports whether the filter would match every row.
func (f TokenFilter) IsEmpty() bool {
	return f.ID == "" && f.UserID == ""
}

// Matches reports whether a token satisfies the filter.
func (f TokenFilter) Matches(t *AccessToken) bool {
	return (f.ID == "" || f.ID == t.ID) && (f.UserID == "" || f.UserID == t.UserID)
}

// PageStore is the recipe page cache contract.
type PageStore interface {
	SelectPages(ctx context.Context, filter PageFilter) ([]RecipePage, error)
	InsertPage(ctx context.Context, page *RecipePage) error
	UpdatePage(ctx context.Context, update PageUpdate, filter PageFilter) error
	DeletePages(ctx context.Context, filter PageFilter) (int64, error)
}

// TokenStore holds the Notion credentials of each user.
type TokenStore interface {
	InsertToken(ctx context.Context, token *AccessToken) error
	SelectTokens(ctx context.Context, filter TokenFilter) ([]AccessToken, error)
	DeleteTokens(ctx context.Context, filter TokenFilter) (int64, error)
}

// Store is a complete backend.
type Store interface {
	PageStore
	TokenStore
	Close() error
}

// GetPage returns the single page matching filter, or ErrRecipePageNotFound.
func GetPage(ctx context.Context, s PageStore, filter PageFilter) (*RecipePage, error) {
	pages, err := s.SelectPages(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, apperrors.ErrRecipePageNotFound
	}
	return &pages[0], nil
}

// prepareInsert validates a new page and fills in its public ID and timestamps.
func prepareInsert(page *RecipePage, now time.Time) error {
	if page.UserID == "" {
		return apperrors.ErrUserIDRequired
	}
	if page.NotionPageID == "" {
		return apperrors.ErrPageIDRequired
	}
	if page.PublicID == "" {
		page.PublicID = uuid.NewString()
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now
	return nil
}

// prepareToken validates a new token and fills in its ID and creation time.
func prepareToken(token *AccessToken, now time.Time) error {
	if token.UserID == "" {
		return apperrors.ErrUserIDRequired
	}
	if token.AccessToken == "" {
		return fmt.Errorf("access token secret: %w", apperrors.ErrEmptyInput)
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	return nil
}

// Resolver resolves credential IDs to bearer secrets, scoped to the owning user.
type Resolver struct {
	Tokens TokenStore
}

// ResolveToken returns the secret of the credential, or ErrAccessTokenNotFound.
func (r Resolver) ResolveToken(ctx context.Context, userID, credentialID string) (string, error) {
	if userID == "" {
		return "", apperrors.ErrUserIDRequired
	}
	if credentialID == "" {
		return "", apperrors.ErrAccessTokenNotFound
	}
	tokens, err := r.Tokens.SelectTokens(ctx, TokenFilter{ID: credentialID, UserID: userID})
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", apperrors.ErrAccessTokenNotFound
	}
	return tokens[0].AccessToken, nil
}

// CredentialIDs lists the IDs of a user's tokens, oldest first.
func CredentialIDs(ctx context.Context, s TokenStore, userID string) ([]string, error) {
	tokens, err := s.SelectTokens(ctx, TokenFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tokens))
	for i := range tokens {
		ids = append(ids, tokens[i].ID)
	}
	return ids, nil
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open creates the backend named by driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownStoreDriver, driver)
}
