package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/fclairamb/notrition/internal/apperrors"
)

const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS recipe_page (
	user_id                TEXT        NOT NULL,
	notion_page_id         TEXT        NOT NULL,
	notion_access_token_id TEXT        NOT NULL DEFAULT '',
	notion_data            TEXT        NOT NULL DEFAULT '',
	recipe_data            TEXT        NOT NULL DEFAULT '',
	extra_data             TEXT        NOT NULL DEFAULT '',
	public_id              TEXT        NOT NULL UNIQUE,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, notion_page_id)
);

CREATE TABLE IF NOT EXISTS notion_access_token (
	id             TEXT        PRIMARY KEY,
	user_id        TEXT        NOT NULL,
	access_token   TEXT        NOT NULL,
	workspace_id   TEXT        NOT NULL DEFAULT '',
	workspace_name TEXT        NOT NULL DEFAULT '',
	bot_id         TEXT        NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS notion_access_token_user_id_idx ON notion_access_token (user_id);
`

const pageColumns = `user_id, notion_page_id, notion_access_token_id, notion_data, recipe_data, extra_data, public_id, created_at, updated_at`

const tokenColumns = `id, user_id, access_token, workspace_id, workspace_name, bot_id, created_at`

// PostgresStore is a PostgreSQL backed store using the pgx database/sql driver.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// conditions builds a WHERE clause from column/value pairs, skipping empty values. Placeholders
// are numbered after the first offset arguments.
func conditions(offset int, pairs ...string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		args = append(args, pairs[i+1])
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pairs[i], offset+len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func pageConditions(offset int, filter PageFilter) (string, []any) {
	return conditions(offset,
		"user_id", filter.UserID,
		"notion_page_id", filter.NotionPageID,
		"public_id", filter.PublicID,
	)
}

// SelectPages returns the matching pages, oldest first.
func (s *PostgresStore) SelectPages(ctx context.Context, filter PageFilter) ([]RecipePage, error) {
	where, args := pageConditions(0, filter)
	q := `SELECT ` + pageColumns + ` FROM recipe_page` + where + ` ORDER BY created_at, notion_page_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	pages := []RecipePage{}
	for rows.Next() {
		var p RecipePage
		if err := rows.Scan(&p.UserID, &p.NotionPageID, &p.AccessTokenID,
			&p.NotionSnapshot, &p.RecipeSnapshot, &p.NutritionSnapshot,
			&p.PublicID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// InsertPage adds a page.
func (s *PostgresStore) InsertPage(ctx context.Context, page *RecipePage) error {
	if err := prepareInsert(page, time.Now().UTC()); err != nil {
		return err
	}

	const q = `INSERT INTO recipe_page (` + pageColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, q,
		page.UserID, page.NotionPageID, page.AccessTokenID,
		string(page.NotionSnapshot), string(page.RecipeSnapshot), string(page.NutritionSnapshot),
		page.PublicID, page.CreatedAt, page.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("insert page %s: %w", page.NotionPageID, apperrors.ErrRecipePageExists)
		}
		return fmt.Errorf("insert page %s: %w", page.NotionPageID, err)
	}
	return nil
}

// UpdatePage applies update to the matching pages.
func (s *PostgresStore) UpdatePage(ctx context.Context, update PageUpdate, filter PageFilter) error {
	if filter.IsEmpty() {
		return apperrors.ErrUnfilteredWrite
	}

	cols := update.columns()
	cols["updated_at"] = time.Now().UTC()

	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+3)
	for _, name := range names {
		args = append(args, cols[name])
		sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
	}

	where, whereArgs := pageConditions(len(args), filter)
	args = append(args, whereArgs...)

	q := `UPDATE recipe_page SET ` + strings.Join(sets, ", ") + where

	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.ErrRecipePageNotFound
	}
	return nil
}

// DeletePages removes the matching pages.
func (s *PostgresStore) DeletePages(ctx context.Context, filter PageFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, apperrors.ErrUnfilteredWrite
	}

	where, args := pageConditions(0, filter)
	result, err := s.db.ExecContext(ctx, `DELETE FROM recipe_page`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete pages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// InsertToken adds a token.
func (s *PostgresStore) InsertToken(ctx context.Context, token *AccessToken) error {
	if err := prepareToken(token, time.Now().UTC()); err != nil {
		return err
	}

	const q = `INSERT INTO notion_access_token (` + tokenColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, q,
		token.ID, token.UserID, token.AccessToken,
		token.WorkspaceID, token.WorkspaceName, token.BotID, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// SelectTokens returns the matching tokens, oldest first.
func (s *PostgresStore) SelectTokens(ctx context.Context, filter TokenFilter) ([]AccessToken, error) {
	where, args := conditions(0, "id", filter.ID, "user_id", filter.UserID)
	q := `SELECT ` + tokenColumns + ` FROM notion_access_token` + where + ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select tokens: %w", err)
	}
	defer rows.Close()

	tokens := []AccessToken{}
	for rows.Next() {
		var t AccessToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.AccessToken,
			&t.WorkspaceID, &t.WorkspaceName, &t.BotID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// DeleteTokens removes the matching tokens.
func (s *PostgresStore) DeleteTokens(ctx context.Context, filter TokenFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, apperrors.ErrUnfilteredWrite
	}

	where, args := conditions(0, "id", filter.ID, "user_id", filter.UserID)
	result, err := s.db.ExecContext(ctx, `DELETE FROM notion_access_token`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
