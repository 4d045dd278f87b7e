package server

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/nutrition"
	"github.com/fclairamb/notrition/internal/recipe"
	"github.com/fclairamb/notrition/internal/snapshot"
	"github.com/fclairamb/notrition/internal/store"
)

// publicNutrient is a nutrient rounded for display.
type publicNutrient struct {
	Label    string  `json:"label"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

// publicRecipe is what anyone holding the public ID may see.
type publicRecipe struct {
	PublicID       string           `json:"public_id"`
	Title          string           `json:"title"`
	Ingredients    []string         `json:"ingredients"`
	Calories       *float64         `json:"calories,omitempty"`
	Nutrients      []publicNutrient `json:"nutrients"`
	NutritionError string           `json:"nutrition_error,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func newPublicRecipe(page *store.RecipePage) (*publicRecipe, error) {
	data, err := recipeData(page)
	if err != nil {
		return nil, err
	}

	view := &publicRecipe{
		PublicID:    page.PublicID,
		Title:       data.Title,
		Ingredients: data.Ingredients,
		Nutrients:   []publicNutrient{},
		UpdatedAt:   page.UpdatedAt,
	}

	switch {
	case page.NutritionSnapshot.IsEmpty():
	case page.NutritionSnapshot.IsError():
		view.NutritionError = page.NutritionSnapshot.ErrorMessage()
	default:
		var result nutrition.Result
		if err := page.NutritionSnapshot.Decode(snapshot.KindNutrition, &result); err != nil {
			return nil, fmt.Errorf("page %s: %w", page.NotionPageID, err)
		}
		calories := math.Round(result.Calories)
		view.Calories = &calories
		for label, nutrient := range result.Nutrients {
			view.Nutrients = append(view.Nutrients, publicNutrient{
				Label:    label,
				Quantity: math.Round(nutrient.Quantity),
				Unit:     nutrient.Unit,
			})
		}
		sort.Slice(view.Nutrients, func(i, j int) bool { return view.Nutrients[i].Label < view.Nutrients[j].Label })
	}

	return view, nil
}

// recipeData reads the recipe snapshot, or extracts it from the Notion snapshot when
// nutrition was never requested.
func recipeData(page *store.RecipePage) (recipe.Data, error) {
	var data recipe.Data
	if !page.RecipeSnapshot.IsEmpty() {
		if err := page.RecipeSnapshot.Decode(snapshot.KindRecipe, &data); err != nil {
			return data, fmt.Errorf("page %s: %w", page.NotionPageID, err)
		}
		return data, nil
	}

	var content notion.PageContent
	if err := page.NotionSnapshot.Decode(snapshot.KindNotion, &content); err != nil {
		return data, fmt.Errorf("page %s: %w", page.NotionPageID, err)
	}
	return recipe.Extract(content.Page, content.Children), nil
}
