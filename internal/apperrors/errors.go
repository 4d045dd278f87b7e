// Package apperrors provides common static errors used throughout the application.
package apperrors

import (
	"errors"
	"fmt"
)

// HTTPError represents an HTTP error with a status code.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(statusCode int, body string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Body: body}
}

// Common static errors used throughout the application.
var (
	// ErrPageIDRequired is returned when a page ID or URL is required but not provided.
	ErrPageIDRequired = errors.New("page ID or URL required")

	// ErrUserIDRequired is returned when an operation needs the owning user and none was given.
	ErrUserIDRequired = errors.New("user ID required")

	// ErrMaxRetriesExceeded is returned when the maximum number of retries is exceeded.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrEmptyInput is returned when an empty input is provided.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidParams is returned when the parameters of an operation contradict each other.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrInvalidPageIDFormat is returned when a page ID has an invalid format.
	ErrInvalidPageIDFormat = errors.New("invalid page ID format")

	// ErrRecipePageNotFound is returned when no cached recipe page matches a lookup.
	ErrRecipePageNotFound = errors.New("recipe page not found")

	// ErrRecipePageExists is returned when inserting a page that is already cached for the user.
	ErrRecipePageExists = errors.New("recipe page already cached")

	// ErrAccessTokenNotFound is returned when a credential ID does not resolve to a stored token.
	ErrAccessTokenNotFound = errors.New("access token not found")

	// ErrUnfilteredWrite is returned when an update or delete is attempted without any filter field.
	ErrUnfilteredWrite = errors.New("refusing to write without a filter")

	// ErrNoCredentials is returned when a sync is started without any credential to try.
	ErrNoCredentials = errors.New("no Notion credentials available")

	// ErrNoCredentialReachedPage is returned when none of the candidate credentials could fetch the page.
	ErrNoCredentialReachedPage = errors.New("no access token could find that page")

	// ErrSyncInProgress is returned when a sync for the same user and page is already running.
	ErrSyncInProgress = errors.New("sync already in progress for this page")

	// ErrAlreadyRunning is returned when a tracker is asked to start while a run is active.
	ErrAlreadyRunning = errors.New("a tracked run is already in progress")

	// ErrNutritionNotConfigured is returned when Edamam credentials are missing.
	ErrNutritionNotConfigured = errors.New("nutrition API credentials not configured (NTR_EDAMAM_APP_ID, NTR_EDAMAM_APP_KEY)")

	// ErrOAuthNotConfigured is returned when the Notion OAuth client is not configured.
	ErrOAuthNotConfigured = errors.New("notion OAuth not configured (NTR_NOTION_CLIENT_ID, NTR_NOTION_CLIENT_SECRET)")

	// ErrSessionSecretRequired is returned when no signing secret is configured for sessions.
	ErrSessionSecretRequired = errors.New("session secret required (NTR_SESSION_SECRET)")

	// ErrInvalidSession is returned when a session token cannot be validated.
	ErrInvalidSession = errors.New("invalid session token")

	// ErrUnknownStoreDriver is returned when NTR_STORE_DRIVER names an unsupported backend.
	ErrUnknownStoreDriver = errors.New("unknown store driver")

	// ErrRemoteNotConfigured is returned when a remote operation is attempted without a remote URL.
	ErrRemoteNotConfigured = errors.New("remote not configured (NTR_ARCHIVE_REMOTE_URL not set)")

	// ErrHTTPSPasswordRequired is returned when HTTPS remote URL is used without a password.
	ErrHTTPSPasswordRequired = errors.New("NTR_ARCHIVE_PASSWORD required for HTTPS remote")

	// ErrInvalidSnapshot is returned when a stored snapshot cannot be decoded.
	ErrInvalidSnapshot = errors.New("invalid snapshot payload")
)
