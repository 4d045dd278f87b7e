package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fclairamb/notrition/internal/apperrors"
	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/nutrition"
)

// Error codes of the API, on top of the Notion codes relayed by the proxy.
const (
	codeValidation    = "validation_error"
	codeNotFound      = notion.CodeObjectNotFound
	codeUnauthorized  = notion.CodeUnauthorized
	codeConflict      = "conflict"
	codeNotConfigured = "not_configured"
	codeNutrition     = "nutrition_error"
	codeOAuth         = "oauth_error"
	codeInternal      = "internal_server_error"
)

// errorBody has the shape of a Notion error so that API clients decode both the same way.
type errorBody struct {
	Object  string `json:"object"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(ctx context.Context, logger *slog.Logger, writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		logger.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func writeError(ctx context.Context, logger *slog.Logger, writer http.ResponseWriter, status int, code, message string) {
	writeJSON(ctx, logger, writer, status, errorBody{Object: "error", Status: status, Code: code, Message: message})
}

// writeErr maps err to a status and code.
func writeErr(ctx context.Context, logger *slog.Logger, writer http.ResponseWriter, err error) {
	body := newErrorBody(ctx, logger, err)
	writeJSON(ctx, logger, writer, body.Status, body)
}

// newErrorBody describes err. Unexpected errors are logged and not detailed.
func newErrorBody(ctx context.Context, logger *slog.Logger, err error) errorBody {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "error", err)
		message = http.StatusText(status)
	}
	return errorBody{Object: "error", Status: status, Code: code, Message: message}
}

//nolint:cyclop // one case per error family
func classify(err error) (int, string) {
	// Wraps the last Notion error, which would otherwise win.
	if errors.Is(err, apperrors.ErrNoCredentialReachedPage) {
		return http.StatusNotFound, codeNotFound
	}

	var notionErr *notion.APIError
	if errors.As(err, &notionErr) && notionErr.Status >= http.StatusBadRequest {
		return notionErr.Status, notionErr.Code
	}

	var nutritionErr *nutrition.APIError
	if errors.As(err, &nutritionErr) {
		return http.StatusBadGateway, codeNutrition
	}

	switch {
	case errors.Is(err, apperrors.ErrInvalidSession):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, apperrors.ErrRecipePageNotFound),
		errors.Is(err, apperrors.ErrAccessTokenNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, apperrors.ErrSyncInProgress),
		errors.Is(err, apperrors.ErrAlreadyRunning),
		errors.Is(err, apperrors.ErrRecipePageExists):
		return http.StatusConflict, codeConflict
	case errors.Is(err, apperrors.ErrPageIDRequired),
		errors.Is(err, apperrors.ErrUserIDRequired),
		errors.Is(err, apperrors.ErrEmptyInput),
		errors.Is(err, apperrors.ErrInvalidPageIDFormat),
		errors.Is(err, apperrors.ErrInvalidParams),
		errors.Is(err, apperrors.ErrNoCredentials):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, apperrors.ErrNutritionNotConfigured),
		errors.Is(err, apperrors.ErrOAuthNotConfigured):
		return http.StatusServiceUnavailable, codeNotConfigured
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, notion.CodeRequestTimeout
	}
	return http.StatusInternalServerError, codeInternal
}
