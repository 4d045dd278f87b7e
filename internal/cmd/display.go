package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fclairamb/notrition/internal/recipe"
	"github.com/fclairamb/notrition/internal/snapshot"
	"github.com/fclairamb/notrition/internal/store"
	"github.com/fclairamb/notrition/internal/sync"
)

const (
	// Time duration constants for relative time formatting.
	hoursPerDay  = 24
	daysPerWeek  = 7
	daysPerMonth = 30
)

// displayProgress prints one sync phase.
//
//nolint:forbidigo // CLI user output function
func displayProgress(progress sync.Progress) {
	fmt.Printf("  %s\n", progress.Phase)
}

// recipeTitle returns the title of the cached recipe, or "" when no recipe was extracted.
func recipeTitle(page *store.RecipePage) string {
	var data recipe.Data
	if page.RecipeSnapshot.IsEmpty() || page.RecipeSnapshot.Decode(snapshot.KindRecipe, &data) != nil {
		return ""
	}
	return data.Title
}

// nutritionStatus describes the nutrition snapshot of a page.
func nutritionStatus(page *store.RecipePage) string {
	switch {
	case page.NutritionSnapshot.IsEmpty():
		return "no nutrition"
	case page.NutritionSnapshot.IsError():
		return "nutrition failed: " + page.NutritionSnapshot.ErrorMessage()
	default:
		return "nutrition ok"
	}
}

// displayRecipePage prints the result of a sync.
//
//nolint:forbidigo // CLI user output function
func displayRecipePage(page *store.RecipePage) {
	if page == nil {
		fmt.Println("Sync stopped before completion")
		return
	}

	fmt.Println()
	fmt.Printf("Page:       %s\n", page.NotionPageID)
	if title := recipeTitle(page); title != "" {
		fmt.Printf("Title:      %s\n", title)
	}
	fmt.Printf("Public ID:  %s\n", page.PublicID)
	fmt.Printf("Credential: %s\n", page.AccessTokenID)
	fmt.Printf("Nutrition:  %s\n", nutritionStatus(page))
}

// displayPageList prints cached pages, most recently updated first.
//
//nolint:forbidigo // CLI user output function
func displayPageList(pages []store.RecipePage) {
	if len(pages) == 0 {
		fmt.Println("No recipe pages cached yet.")
		fmt.Println("Run 'notrition sync <page_id_or_url>' to add one.")
		return
	}

	sortByUpdate(pages)

	fmt.Printf("Recipe pages (%d):\n", len(pages))
	for i := range pages {
		page := &pages[i]
		title := recipeTitle(page)
		if title == "" {
			title = "(recipe not extracted)"
		}
		fmt.Printf("  %s - %q (updated: %s, %s)\n",
			page.NotionPageID,
			title,
			formatTimeSince(page.UpdatedAt),
			nutritionStatus(page))
	}
}

func sortByUpdate(pages []store.RecipePage) {
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].UpdatedAt.After(pages[j].UpdatedAt) })
}

// displayToken prints a token without its secret.
//
//nolint:forbidigo // CLI user output function
func displayToken(token *store.AccessToken) {
	workspace := token.WorkspaceName
	if workspace == "" {
		workspace = "-"
	}
	fmt.Printf("  %s  workspace=%s  created %s\n", token.ID, workspace, formatTimeSince(token.CreatedAt))
}

// displaySession prints a session token.
//
//nolint:forbidigo // CLI user output function
func displaySession(token string) {
	fmt.Println(strings.TrimSpace(token))
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return plural(int(duration.Minutes()), "minute")
	case duration < hoursPerDay*time.Hour:
		return plural(int(duration.Hours()), "hour")
	case duration < daysPerWeek*hoursPerDay*time.Hour:
		return plural(int(duration.Hours()/hoursPerDay), "day")
	case duration < daysPerMonth*hoursPerDay*time.Hour:
		return plural(int(duration.Hours()/hoursPerDay/daysPerWeek), "week")
	default:
		return plural(int(duration.Hours()/hoursPerDay/daysPerMonth), "month")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
