package nutrition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fclairamb/notrition/internal/apperrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient("app", "key-123",
		WithBaseURL(server.URL),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 1)))
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewClient("", "key")
	require.ErrorIs(t, err, apperrors.ErrNutritionNotConfigured)
}

func TestGetNutritionFacts(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, detailsPath, r.URL.Path)
		assert.Equal(t, "app", r.URL.Query().Get("app_id"))
		assert.Equal(t, "key-123", r.URL.Query().Get("app_key"))

		var req detailsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Pancakes", req.Title)
		assert.Equal(t, []string{"2 eggs", "1 cup flour"}, req.Ingr)

		_, _ = fmt.Fprint(w, `{
			"calories": 612,
			"totalWeight": 245.5,
			"dietLabels": ["BALANCED"],
			"healthLabels": ["VEGETARIAN"],
			"totalNutrients": {
				"ENERC_KCAL": {"label": "Energy", "quantity": 612.4, "unit": "kcal"},
				"FAT": {"label": "Fat", "quantity": 12.37, "unit": "g"}
			}
		}`)
	})

	result, err := client.GetNutritionFacts(context.Background(), "Pancakes", []string{"2 eggs", "1 cup flour"})
	require.NoError(t, err)

	assert.InDelta(t, 612.0, result.Calories, 0.001)
	assert.InDelta(t, 245.5, result.TotalWeight, 0.001)
	assert.Equal(t, []string{"BALANCED"}, result.DietLabels)
	assert.Equal(t, Nutrient{Code: "FAT", Quantity: 12.37, Unit: "g"}, result.Nutrients["Fat"])
	assert.InDelta(t, 612.4, result.Nutrients["Energy"].Quantity, 0.001)
}

func TestGetNutritionFactsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "low quality",
			status:     http.StatusUnprocessableEntity,
			body:       `{"error":"low_quality","message":"We cannot calculate the nutrition"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "low_quality",
		},
		{
			name:       "unauthorized plain text",
			status:     http.StatusUnauthorized,
			body:       "Unauthorized app_id = app",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			})

			_, err := client.GetNutritionFacts(context.Background(), "Soup", nil)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestGetNutritionFactsMalformed(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"calories": "lots"`)
	})

	_, err := client.GetNutritionFacts(context.Background(), "Soup", []string{"water"})
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "decode nutrition response")
}

func TestTransportErrorHidesKey(t *testing.T) {
	t.Parallel()

	client, err := NewClient("app", "key-123",
		WithBaseURL("http://127.0.0.1:1"),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 1)))
	require.NoError(t, err)

	_, err = client.GetNutritionFacts(context.Background(), "Soup", []string{"water"})
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "key-123"), err.Error())
}
