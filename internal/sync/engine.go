// Package sync keeps cached recipe pages in step with Notion and the nutrition API.
//
// A sync walks a fixed sequence of phases and only writes what changed: the Notion snapshot
// when the page content differs, and the recipe and nutrition snapshots when the Notion
// snapshot was just created or updated and the caller asked for nutrition.
package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	gosync "sync"

	"golang.org/x/sync/semaphore"

	"github.com/fclairamb/notrition/internal/apperrors"
	"github.com/fclairamb/notrition/internal/invalidate"
	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/nutrition"
	"github.com/fclairamb/notrition/internal/recipe"
	"github.com/fclairamb/notrition/internal/snapshot"
	"github.com/fclairamb/notrition/internal/store"
)

// Phase is one step of a sync.
type Phase string

// Phases, in the order they can be visited.
const (
	PhaseReadCache       Phase = "read_cache"
	PhaseFetchNotion     Phase = "fetch_notion"
	PhaseCreate          Phase = "create"
	PhaseUpdateNotion    Phase = "update_notion"
	PhaseFetchNutrition  Phase = "fetch_nutrition"
	PhaseUpdateNutrition Phase = "update_nutrition"
	PhaseDone            Phase = "done"
)

// Progress is yielded when a phase starts. The done progress carries the final row.
type Progress struct {
	Phase            Phase             `json:"phase"`
	RecipePage       *store.RecipePage `json:"recipe_page,omitempty"`
	Created          bool              `json:"created"`
	UpdatedNotion    bool              `json:"updated_notion"`
	UpdatedNutrition bool              `json:"updated_nutrition"`
}

// Params describes one sync.
type Params struct {
	NotionPageID    string
	UserID          string
	Access          Access
	CachedPage      *store.RecipePage // skips read_cache when set
	UpdateNutrition bool
}

// NutritionFetcher analyzes a recipe.
type NutritionFetcher interface {
	GetNutritionFacts(ctx context.Context, recipeName string, ingredients []string) (*nutrition.Result, error)
}

// EngineConfig holds the collaborators of an Engine.
type EngineConfig struct {
	Store     store.PageStore
	Connector notion.Connector
	Nutrition NutritionFetcher // nil records every nutrition attempt as an error
	Bus       invalidate.Bus   // optional
	Logger    *slog.Logger
}

// Engine runs syncs. It allows at most one concurrent sync per (user, page).
type Engine struct {
	store     store.PageStore
	connector notion.Connector
	nutrition NutritionFetcher
	bus       invalidate.Bus
	logger    *slog.Logger

	mu      gosync.Mutex
	running map[pageKey]*semaphore.Weighted
}

type pageKey struct {
	userID string
	pageID string
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     cfg.Store,
		connector: cfg.Connector,
		nutrition: cfg.Nutrition,
		bus:       cfg.Bus,
		logger:    logger,
		running:   make(map[pageKey]*semaphore.Weighted),
	}
}

// tryLock claims the (user, page) slot. The returned function releases it.
func (e *Engine) tryLock(key pageKey) (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sem, ok := e.running[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		e.running[key] = sem
	}
	if !sem.TryAcquire(1) {
		return nil, false
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		sem.Release(1)
		delete(e.running, key)
	}, true
}

// Sync returns the phases of a sync as a lazy sequence. Nothing runs until the sequence is
// ranged over, and breaking out of the loop stops before the next phase. A fatal error is
// yielded once, as the last element.
func (e *Engine) Sync(ctx context.Context, params Params) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		pageID, err := normalizeParams(&params)
		if err != nil {
			yield(Progress{}, err)
			return
		}

		unlock, ok := e.tryLock(pageKey{userID: params.UserID, pageID: pageID})
		if !ok {
			yield(Progress{}, fmt.Errorf("page %s: %w", pageID, apperrors.ErrSyncInProgress))
			return
		}
		defer unlock()

		r := &run{
			engine: e,
			params: params,
			pageID: pageID,
			yield:  yield,
			logger: e.logger.With("page_id", pageID, "user_id", params.UserID),
		}
		if params.CachedPage != nil {
			cached := *params.CachedPage
			r.page = &cached
		}
		r.execute(notion.WithPageID(ctx, pageID))
	}
}

// Run consumes a sync, calling onProgress for every phase, and returns the final row.
func (e *Engine) Run(ctx context.Context, params Params, onProgress func(Progress)) (*store.RecipePage, error) {
	var last Progress
	for progress, err := range e.Sync(ctx, params) {
		if err != nil {
			return nil, err
		}
		last = progress
		if onProgress != nil {
			onProgress(progress)
		}
	}
	return last.RecipePage, nil
}

// Refresh returns the sync of an already cached page, using the credential recorded on it.
func (e *Engine) Refresh(ctx context.Context, userID, pageID string, updateNutrition bool) (iter.Seq2[Progress, error], error) {
	page, err := store.GetPage(ctx, e.store, store.PageFilter{UserID: userID, NotionPageID: pageID})
	if err != nil {
		return nil, fmt.Errorf("refresh page %s: %w", pageID, err)
	}
	return e.Sync(ctx, Params{
		NotionPageID:    pageID,
		UserID:          userID,
		Access:          KnownCredential(page.AccessTokenID),
		CachedPage:      page,
		UpdateNutrition: updateNutrition,
	}), nil
}

func normalizeParams(params *Params) (string, error) {
	if params.UserID == "" {
		return "", apperrors.ErrUserIDRequired
	}
	if params.NotionPageID == "" {
		return "", apperrors.ErrPageIDRequired
	}
	pageID, err := notion.ParsePageIDOrURL(params.NotionPageID)
	if err != nil {
		return "", err
	}
	if params.CachedPage != nil && params.CachedPage.UserID != params.UserID {
		return "", fmt.Errorf("cached page belongs to another user: %w", apperrors.ErrRecipePageNotFound)
	}
	if params.CachedPage != nil && strings.ToLower(notion.NormalizeID(params.CachedPage.NotionPageID)) != pageID {
		return "", fmt.Errorf("cached page %s is not page %s: %w",
			params.CachedPage.NotionPageID, pageID, apperrors.ErrInvalidParams)
	}
	return pageID, nil
}

// run is the state of one sync.
type run struct {
	engine *Engine
	params Params
	pageID string
	yield  func(Progress, error) bool
	logger *slog.Logger

	page       *store.RecipePage
	content    *notion.PageContent
	credential string
	state      Progress
}

// enter reports a phase to the consumer. It returns false when the consumer stopped.
func (r *run) enter(phase Phase) bool {
	r.state.Phase = phase
	r.state.RecipePage = nil
	if r.page != nil {
		page := *r.page
		r.state.RecipePage = &page
	}
	return r.yield(r.state, nil)
}

func (r *run) fail(err error) {
	r.logger.Warn("sync failed", "phase", r.state.Phase, "error", err)
	r.yield(Progress{Phase: r.state.Phase}, err)
}

//nolint:cyclop,funlen // the phase sequence reads best in one place
func (r *run) execute(ctx context.Context) {
	filter := store.PageFilter{UserID: r.params.UserID, NotionPageID: r.pageID}

	if r.page == nil {
		if !r.enter(PhaseReadCache) {
			return
		}
		pages, err := r.engine.store.SelectPages(ctx, filter)
		if err != nil {
			r.fail(fmt.Errorf("read cache: %w", err))
			return
		}
		if len(pages) > 0 {
			r.page = &pages[0]
		}
	}

	if !r.enter(PhaseFetchNotion) {
		return
	}
	if err := r.fetchNotion(ctx); err != nil {
		r.fail(err)
		return
	}

	notionSnapshot, err := snapshot.Encode(snapshot.KindNotion, r.content)
	if err != nil {
		r.fail(err)
		return
	}

	if r.page == nil {
		if !r.enter(PhaseCreate) {
			return
		}
		page := &store.RecipePage{
			UserID:         r.params.UserID,
			NotionPageID:   r.pageID,
			AccessTokenID:  r.credential,
			NotionSnapshot: notionSnapshot,
		}
		if err := r.engine.store.InsertPage(ctx, page); err != nil {
			r.fail(fmt.Errorf("create page: %w", err))
			return
		}
		r.page = page
		r.state.Created = true
		r.logger.InfoContext(ctx, "recipe page created", "credential_id", r.credential, "public_id", page.PublicID)
		r.invalidate(ctx)
	} else if !notionSnapshot.Equal(r.page.NotionSnapshot) {
		if !r.enter(PhaseUpdateNotion) {
			return
		}
		update := store.PageUpdate{NotionSnapshot: &notionSnapshot}
		if err := r.engine.store.UpdatePage(ctx, update, filter); err != nil {
			r.fail(fmt.Errorf("update notion snapshot: %w", err))
			return
		}
		update.Apply(r.page)
		r.state.UpdatedNotion = true
		r.logger.InfoContext(ctx, "notion snapshot updated")
		r.invalidate(ctx)
	}

	if !r.params.UpdateNutrition || !(r.state.Created || r.state.UpdatedNotion) {
		r.enter(PhaseDone)
		return
	}

	data := recipe.Extract(r.content.Page, r.content.Children)
	recipeSnapshot, err := snapshot.Encode(snapshot.KindRecipe, data)
	if err != nil {
		r.fail(err)
		return
	}

	if recipeSnapshot.Equal(r.page.RecipeSnapshot) &&
		!r.page.NutritionSnapshot.IsEmpty() && !r.page.NutritionSnapshot.IsError() {
		r.logger.DebugContext(ctx, "recipe unchanged, keeping nutrition")
		r.enter(PhaseDone)
		return
	}

	if !r.enter(PhaseFetchNutrition) {
		return
	}
	nutritionSnapshot := r.fetchNutrition(ctx, data)

	if !r.enter(PhaseUpdateNutrition) {
		return
	}
	update := store.PageUpdate{RecipeSnapshot: &recipeSnapshot, NutritionSnapshot: &nutritionSnapshot}
	if err := r.engine.store.UpdatePage(ctx, update, filter); err != nil {
		r.fail(fmt.Errorf("update nutrition snapshot: %w", err))
		return
	}
	update.Apply(r.page)
	r.state.UpdatedNutrition = true
	r.logger.InfoContext(ctx, "nutrition updated",
		"ingredients", len(data.Ingredients),
		"nutrition_error", nutritionSnapshot.IsError())
	r.invalidate(ctx)

	r.enter(PhaseDone)
}

// fetchNotion reads the page with the first credential that can reach it.
func (r *run) fetchNotion(ctx context.Context) error {
	var cachedCredential string
	if r.page != nil {
		cachedCredential = r.page.AccessTokenID
	}

	ids := candidates(r.params.Access, cachedCredential)
	if len(ids) == 0 {
		return apperrors.ErrNoCredentials
	}

	// A known credential is authoritative: its failure is the sync's failure.
	if len(ids) == 1 && (cachedCredential != "" || isKnown(r.params.Access)) {
		content, err := r.fetchWith(ctx, ids[0])
		if err != nil {
			return err
		}
		r.content, r.credential = content, ids[0]
		return nil
	}

	var lastErr error
	for _, id := range ids {
		content, err := r.fetchWith(ctx, id)
		if err == nil {
			r.content, r.credential = content, id
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Rate limiting or an outage says nothing about whether this credential can read the page.
		if notion.IsTransientError(err) {
			return fmt.Errorf("page %s: %w", r.pageID, err)
		}
		r.logger.DebugContext(ctx, "credential cannot read page", "credential_id", id, "error", err)
		lastErr = err
	}

	return fmt.Errorf("page %s: %w (last error: %w)", r.pageID, apperrors.ErrNoCredentialReachedPage, lastErr)
}

func isKnown(access Access) bool {
	_, ok := access.(KnownCredential)
	return ok
}

func (r *run) fetchWith(ctx context.Context, credentialID string) (*notion.PageContent, error) {
	src, err := r.engine.connector.ForCredential(ctx, r.params.UserID, credentialID)
	if err != nil {
		return nil, err
	}
	content, err := notion.FetchContent(ctx, src, r.pageID)
	if err != nil {
		return nil, fmt.Errorf("fetch notion page with %s: %w", credentialID, err)
	}
	return content, nil
}

// fetchNutrition returns the nutrition snapshot, or an error marker when the analysis failed.
func (r *run) fetchNutrition(ctx context.Context, data recipe.Data) snapshot.Payload {
	if r.engine.nutrition == nil {
		return snapshot.EncodeError(snapshot.KindNutrition, apperrors.ErrNutritionNotConfigured)
	}

	result, err := r.engine.nutrition.GetNutritionFacts(ctx, data.Title, data.Ingredients)
	if err != nil {
		r.logger.WarnContext(ctx, "nutrition analysis failed", "error", err)
		return snapshot.EncodeError(snapshot.KindNutrition, err)
	}

	payload, err := snapshot.Encode(snapshot.KindNutrition, result)
	if err != nil {
		return snapshot.EncodeError(snapshot.KindNutrition, err)
	}
	return payload
}

// invalidate tells observers of the page and of the credential's page list to reload.
func (r *run) invalidate(ctx context.Context) {
	if r.engine.bus == nil {
		return
	}
	if err := invalidate.PublishPage(ctx, r.engine.bus, r.credential, r.pageID); err != nil &&
		!errors.Is(err, context.Canceled) {
		r.logger.WarnContext(ctx, "publish invalidation failed", "error", err)
	}
}
