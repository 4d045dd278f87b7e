package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fclairamb/notrition/internal/apperrors"
	"github.com/fclairamb/notrition/internal/auth"
	"github.com/fclairamb/notrition/internal/invalidate"
	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/store"
	"github.com/fclairamb/notrition/internal/sync"
	"github.com/fclairamb/notrition/internal/version"
)

const (
	maxBodySize       = 1 << 20
	eventsKeepAlive   = 30 * time.Second
	ndjsonContentType = "application/x-ndjson"
)

// Deps are the collaborators of the API handlers. Nutrition and OAuth are optional.
type Deps struct {
	Store     store.Store
	Engine    *sync.Engine
	Trackers  *sync.TrackerRegistry
	Sessions  *auth.Sessions
	Notion    *notion.TokenConnector
	Nutrition sync.NutritionFetcher
	OAuth     *notion.OAuthExchanger
	Bus       invalidate.Bus
}

// Handler serves the notrition API.
type Handler struct {
	deps   Deps
	logger *slog.Logger

	// background is the parent context of tracked refreshes, canceled on shutdown.
	background context.Context
}

// NewHandler creates the API handler.
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Trackers == nil {
		deps.Trackers = sync.NewTrackerRegistry()
	}
	return &Handler{
		deps:       deps,
		logger:     logger,
		background: context.Background(),
	}
}

// Routes returns the API routes.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/version", h.HandleVersion)

	mux.HandleFunc("POST "+notion.ProxyPath, h.HandleProxy)
	mux.HandleFunc("POST /api/nutritionFacts", h.withUser(h.HandleNutritionFacts))

	mux.HandleFunc("GET /api/accessTokens", h.withUser(h.HandleListTokens))
	mux.HandleFunc("POST /api/accessTokens", h.withUser(h.HandleCreateToken))
	mux.HandleFunc("DELETE /api/accessTokens/{id}", h.withUser(h.HandleDeleteToken))
	mux.HandleFunc("GET /api/authorizeUrl", h.withUser(h.HandleAuthorizeURL))
	mux.HandleFunc("GET /authorize", h.HandleAuthorize)

	mux.HandleFunc("GET /api/recipes", h.withUser(h.HandleListRecipes))
	mux.HandleFunc("POST /api/recipes", h.withUser(h.HandleSyncRecipe))
	mux.HandleFunc("GET /api/recipes/{pageId}", h.withUser(h.HandleGetRecipe))
	mux.HandleFunc("DELETE /api/recipes/{pageId}", h.withUser(h.HandleDeleteRecipe))
	mux.HandleFunc("POST /api/recipes/{pageId}/refresh", h.withUser(h.HandleStartRefresh))
	mux.HandleFunc("GET /api/recipes/{pageId}/refresh", h.withUser(h.HandleRefreshState))

	mux.HandleFunc("GET /public/{publicId}", h.HandlePublicRecipe)
	mux.HandleFunc("GET /api/events", h.withUser(h.HandleEvents))
	return mux
}

type userHandler func(writer http.ResponseWriter, req *http.Request, userID string)

// withUser rejects requests without a valid session.
func (h *Handler) withUser(next userHandler) http.HandlerFunc {
	return func(writer http.ResponseWriter, req *http.Request) {
		userID, err := h.deps.Sessions.ValidateRequest(req)
		if err != nil {
			h.logger.DebugContext(req.Context(), "rejected session", "path", req.URL.Path, "error", err)
			writeErr(req.Context(), h.logger, writer, err)
			return
		}
		next(writer, req.WithContext(auth.WithUserID(req.Context(), userID)), userID)
	}
}

func decodeBody(writer http.ResponseWriter, req *http.Request, value any) error {
	if err := json.NewDecoder(http.MaxBytesReader(writer, req.Body, maxBodySize)).Decode(value); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", apperrors.ErrEmptyInput, err)
	}
	return nil
}

// HandleVersion handles the /api/version endpoint.
func (h *Handler) HandleVersion(writer http.ResponseWriter, req *http.Request) {
	writeJSON(req.Context(), h.logger, writer, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.GitTime,
	})
}

// HandleHealth handles the /health endpoint for health checks.
func (h *Handler) HandleHealth(writer http.ResponseWriter, req *http.Request) {
	writeJSON(req.Context(), h.logger, writer, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleProxy relays a Notion API request with a stored credential of the session's user.
// Upstream answers are relayed with their status and body untouched.
func (h *Handler) HandleProxy(writer http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	userID, err := h.deps.Sessions.ValidateRequest(req)
	if err != nil {
		writeError(ctx, h.logger, writer, http.StatusUnauthorized, notion.CodeProxyUnauthorized, "a valid session is required")
		return
	}

	var proxyReq notion.ProxyRequest
	if err := decodeBody(writer, req, &proxyReq); err != nil {
		writeError(ctx, h.logger, writer, http.StatusBadRequest, notion.CodeProxyBadRequest, err.Error())
		return
	}
	if msg := validateProxyRequest(&proxyReq); msg != "" {
		writeError(ctx, h.logger, writer, http.StatusBadRequest, notion.CodeProxyBadRequest, msg)
		return
	}

	token, err := store.Resolver{Tokens: h.deps.Store}.ResolveToken(ctx, userID, proxyReq.NotionAccessTokenID)
	if err != nil {
		if errors.Is(err, apperrors.ErrAccessTokenNotFound) {
			writeError(ctx, h.logger, writer, http.StatusNotFound, notion.CodeProxyTokenNotFound,
				"unknown access token "+proxyReq.NotionAccessTokenID)
			return
		}
		writeErr(ctx, h.logger, writer, err)
		return
	}

	status, body, err := h.deps.Notion.Client(token).Perform(ctx, proxyReq.NotionAPIRequest)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if _, err := writer.Write(body); err != nil {
		h.logger.WarnContext(ctx, "failed to relay proxy response", "error", err)
	}
}

func validateProxyRequest(req *notion.ProxyRequest) string {
	if req.NotionAccessTokenID == "" {
		return "notionAccessTokenId is required"
	}
	switch req.NotionAPIRequest.Method {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Sprintf("unsupported method %q", req.NotionAPIRequest.Method)
	}
	path := req.NotionAPIRequest.Path
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.Contains(path, "..") {
		return fmt.Sprintf("invalid path %q", path)
	}
	return ""
}

type nutritionFactsRequest struct {
	RecipeName  string   `json:"recipe_name"`
	Ingredients []string `json:"ingredients"`
}

// HandleNutritionFacts analyzes an ingredient list without caching anything.
func (h *Handler) HandleNutritionFacts(writer http.ResponseWriter, req *http.Request, _ string) {
	ctx := req.Context()

	var body nutritionFactsRequest
	if err := decodeBody(writer, req, &body); err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	if strings.TrimSpace(body.RecipeName) == "" || body.Ingredients == nil {
		writeError(ctx, h.logger, writer, http.StatusBadRequest, codeValidation, "recipe_name and ingredients are required")
		return
	}
	if h.deps.Nutrition == nil {
		writeErr(ctx, h.logger, writer, apperrors.ErrNutritionNotConfigured)
		return
	}

	result, err := h.deps.Nutrition.GetNutritionFacts(ctx, body.RecipeName, body.Ingredients)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	writeJSON(ctx, h.logger, writer, http.StatusOK, result)
}

// HandleListTokens lists the user's tokens, without their secrets.
func (h *Handler) HandleListTokens(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	tokens, err := h.deps.Store.SelectTokens(ctx, store.TokenFilter{UserID: userID})
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	writeJSON(ctx, h.logger, writer, http.StatusOK, map[string]any{"tokens": tokens})
}

type createTokenRequest struct {
	AccessToken   string `json:"access_token"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
	BotID         string `json:"bot_id"`
}

// HandleCreateToken registers an internal integration token.
func (h *Handler) HandleCreateToken(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	var body createTokenRequest
	if err := decodeBody(writer, req, &body); err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}

	token := &store.AccessToken{
		UserID:        userID,
		AccessToken:   strings.TrimSpace(body.AccessToken),
		WorkspaceID:   body.WorkspaceID,
		WorkspaceName: body.WorkspaceName,
		BotID:         body.BotID,
	}
	if err := h.deps.Store.InsertToken(ctx, token); err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}

	h.logger.InfoContext(ctx, "access token registered", "user_id", userID, "credential_id", token.ID)
	writeJSON(ctx, h.logger, writer, http.StatusCreated, token)
}

// HandleDeleteToken removes one of the user's tokens.
func (h *Handler) HandleDeleteToken(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	n, err := h.deps.Store.DeleteTokens(ctx, store.TokenFilter{ID: req.PathValue("id"), UserID: userID})
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	if n == 0 {
		writeErr(ctx, h.logger, writer, apperrors.ErrAccessTokenNotFound)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// HandleAuthorizeURL returns the Notion consent URL. The state is a short-lived token only
// accepted by the callback, so that it knows which user granted access.
func (h *Handler) HandleAuthorizeURL(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	if h.deps.OAuth == nil {
		writeErr(ctx, h.logger, writer, apperrors.ErrOAuthNotConfigured)
		return
	}
	state, err := h.deps.Sessions.IssueState(userID)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	writeJSON(ctx, h.logger, writer, http.StatusOK, map[string]string{"url": h.deps.OAuth.AuthCodeURL(state)})
}

// HandleAuthorize is the OAuth redirect target. It stores the token Notion granted.
func (h *Handler) HandleAuthorize(writer http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	query := req.URL.Query()

	if h.deps.OAuth == nil {
		writeErr(ctx, h.logger, writer, apperrors.ErrOAuthNotConfigured)
		return
	}
	if oauthErr := query.Get("error"); oauthErr != "" {
		writeError(ctx, h.logger, writer, http.StatusBadRequest, codeOAuth, oauthErr)
		return
	}

	userID, err := h.deps.Sessions.ValidateState(query.Get("state"))
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	code := query.Get("code")
	if code == "" {
		writeError(ctx, h.logger, writer, http.StatusBadRequest, codeValidation, "code is required")
		return
	}

	grant, err := h.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		h.logger.WarnContext(ctx, "oauth exchange failed", "user_id", userID, "error", err)
		writeError(ctx, h.logger, writer, http.StatusBadGateway, codeOAuth, "could not exchange the authorization code")
		return
	}

	token := &store.AccessToken{
		UserID:        userID,
		AccessToken:   grant.AccessToken,
		WorkspaceID:   grant.WorkspaceID,
		WorkspaceName: grant.WorkspaceName,
		BotID:         grant.BotID,
	}
	if err := h.deps.Store.InsertToken(ctx, token); err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}

	h.logger.InfoContext(ctx, "workspace authorized",
		"user_id", userID,
		"credential_id", token.ID,
		"workspace_name", token.WorkspaceName)
	writeJSON(ctx, h.logger, writer, http.StatusCreated, token)
}

// HandleListRecipes lists the user's cached pages.
func (h *Handler) HandleListRecipes(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	pages, err := h.deps.Store.SelectPages(ctx, store.PageFilter{UserID: userID})
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	writeJSON(ctx, h.logger, writer, http.StatusOK, map[string]any{"pages": pages})
}

// pageParam returns the normalized page ID of the request path.
func pageParam(req *http.Request) (string, error) {
	return notion.ParsePageIDOrURL(req.PathValue("pageId"))
}

// HandleGetRecipe returns one cached page.
func (h *Handler) HandleGetRecipe(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	pageID, err := pageParam(req)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	page, err := store.GetPage(ctx, h.deps.Store, store.PageFilter{UserID: userID, NotionPageID: pageID})
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	writeJSON(ctx, h.logger, writer, http.StatusOK, page)
}

type syncRecipeRequest struct {
	Page            string `json:"page"`
	UpdateNutrition bool   `json:"updateNutrition"`
}

// HandleSyncRecipe syncs a page with any of the user's credentials and streams the phases as
// newline-delimited JSON. A failure after the stream started is sent as a final error line.
func (h *Handler) HandleSyncRecipe(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	var body syncRecipeRequest
	if err := decodeBody(writer, req, &body); err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	pageID, err := notion.ParsePageIDOrURL(body.Page)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	credentials, err := store.CredentialIDs(ctx, h.deps.Store, userID)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	if len(credentials) == 0 {
		writeErr(ctx, h.logger, writer, apperrors.ErrNoCredentials)
		return
	}

	h.streamProgress(ctx, writer, h.deps.Engine.Sync(ctx, sync.Params{
		NotionPageID:    pageID,
		UserID:          userID,
		Access:          sync.CandidateCredentials(credentials),
		UpdateNutrition: body.UpdateNutrition,
	}))
}

func (h *Handler) streamProgress(ctx context.Context, writer http.ResponseWriter, seq iter.Seq2[sync.Progress, error]) {
	controller := http.NewResponseController(writer)
	encoder := json.NewEncoder(writer)
	started := false

	for progress, err := range seq {
		if err != nil {
			if !started {
				writeErr(ctx, h.logger, writer, err)
				return
			}
			if encErr := encoder.Encode(newErrorBody(ctx, h.logger, err)); encErr != nil {
				h.logger.WarnContext(ctx, "failed to stream error", "error", encErr)
			}
			return
		}

		if !started {
			writer.Header().Set("Content-Type", ndjsonContentType)
			writer.WriteHeader(http.StatusOK)
			started = true
		}
		if err := encoder.Encode(progress); err != nil {
			// The client went away: stop consuming, which stops the sync.
			h.logger.DebugContext(ctx, "progress stream closed", "error", err)
			return
		}
		_ = controller.Flush()
	}
}

type trackerView struct {
	IsRunning bool           `json:"is_running"`
	Error     string         `json:"error,omitempty"`
	Progress  *sync.Progress `json:"progress,omitempty"`
}

func newTrackerView(state sync.TrackerState) trackerView {
	view := trackerView{IsRunning: state.IsRunning, Progress: state.Progress}
	if state.Err != nil {
		view.Error = state.Err.Error()
	}
	return view
}

// HandleStartRefresh starts a tracked background refresh of a cached page.
func (h *Handler) HandleStartRefresh(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	pageID, err := pageParam(req)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	updateNutrition, _ := strconv.ParseBool(req.URL.Query().Get("updateNutrition"))

	seq, err := h.deps.Engine.Refresh(h.background, userID, pageID, updateNutrition)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}

	tracker := h.deps.Trackers.Get(userID, pageID)
	if err := tracker.Start(h.background, seq); err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}

	h.logger.InfoContext(ctx, "refresh started", "user_id", userID, "page_id", pageID, "update_nutrition", updateNutrition)
	writeJSON(ctx, h.logger, writer, http.StatusAccepted, newTrackerView(tracker.State()))
}

// HandleRefreshState reports the state of the last refresh of a page.
func (h *Handler) HandleRefreshState(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	pageID, err := pageParam(req)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	tracker := h.deps.Trackers.Lookup(userID, pageID)
	if tracker == nil {
		writeError(ctx, h.logger, writer, http.StatusNotFound, codeNotFound, "no refresh was started for this page")
		return
	}
	writeJSON(ctx, h.logger, writer, http.StatusOK, newTrackerView(tracker.State()))
}

// HandleDeleteRecipe removes a cached page.
func (h *Handler) HandleDeleteRecipe(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()

	pageID, err := pageParam(req)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	filter := store.PageFilter{UserID: userID, NotionPageID: pageID}
	page, err := store.GetPage(ctx, h.deps.Store, filter)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	if _, err := h.deps.Store.DeletePages(ctx, filter); err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	h.deps.Trackers.Forget(userID, pageID)

	if h.deps.Bus != nil {
		if err := invalidate.PublishPage(ctx, h.deps.Bus, page.AccessTokenID, pageID); err != nil {
			h.logger.WarnContext(ctx, "publish invalidation failed", "page_id", pageID, "error", err)
		}
	}

	h.logger.InfoContext(ctx, "recipe page deleted", "user_id", userID, "page_id", pageID)
	writer.WriteHeader(http.StatusNoContent)
}

// HandlePublicRecipe serves the shareable view of a page. No session is needed.
func (h *Handler) HandlePublicRecipe(writer http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	publicID := req.PathValue("publicId")
	if publicID == "" {
		writeErr(ctx, h.logger, writer, apperrors.ErrRecipePageNotFound)
		return
	}
	page, err := store.GetPage(ctx, h.deps.Store, store.PageFilter{PublicID: publicID})
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}

	view, err := newPublicRecipe(page)
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	writeJSON(ctx, h.logger, writer, http.StatusOK, view)
}

// HandleEvents streams invalidation events of one of the user's credentials as server-sent
// events. page defaults to the credential's page list.
func (h *Handler) HandleEvents(writer http.ResponseWriter, req *http.Request, userID string) {
	ctx := req.Context()
	query := req.URL.Query()

	if h.deps.Bus == nil {
		writeError(ctx, h.logger, writer, http.StatusServiceUnavailable, codeNotConfigured, "no invalidation bus")
		return
	}

	credential := query.Get("credential")
	tokens, err := h.deps.Store.SelectTokens(ctx, store.TokenFilter{ID: credential, UserID: userID})
	if err != nil {
		writeErr(ctx, h.logger, writer, err)
		return
	}
	if credential == "" || len(tokens) == 0 {
		writeErr(ctx, h.logger, writer, apperrors.ErrAccessTokenNotFound)
		return
	}

	key := invalidate.Key{Credential: credential, PageID: invalidate.AllPages}
	if page := query.Get("page"); page != "" && page != invalidate.AllPages {
		if key.PageID, err = notion.ParsePageIDOrURL(page); err != nil {
			writeErr(ctx, h.logger, writer, err)
			return
		}
	}

	events, cancel := h.deps.Bus.Subscribe(ctx, key)
	defer cancel()

	controller := http.NewResponseController(writer)
	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.WriteHeader(http.StatusOK)
	_ = controller.Flush()

	keepAlive := time.NewTicker(eventsKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(writer, ": keepalive\n\n"); err != nil {
				return
			}
			_ = controller.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.ErrorContext(ctx, "failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(writer, "event: invalidate\ndata: %s\n\n", data); err != nil {
				return
			}
			_ = controller.Flush()
		}
	}
}
