// Package recipe turns Notion page content into recipe data.
package recipe

import (
	"strings"

	"github.com/fclairamb/notrition/internal/notion"
)

// IngredientsHeading is the heading text, compared case-insensitively, that opens the
// ingredient section.
const IngredientsHeading = "ingredients"

// Data is the recipe derived from a page.
type Data struct {
	Title       string   `json:"title"`
	Ingredients []string `json:"ingredients"`
}

// Extract builds the recipe data of a page from its top-level blocks.
func Extract(page *notion.Page, blocks []notion.Block) Data {
	return Data{
		Title:       page.Title(),
		Ingredients: ExtractIngredients(blocks),
	}
}

// ExtractIngredients returns the text of the blocks between the first "Ingredients" heading
// and the next heading, in document order. It returns an empty slice when there is no such
// heading.
func ExtractIngredients(blocks []notion.Block) []string {
	ingredients := []string{}
	inside := false

	for i := range blocks {
		block := &blocks[i]

		runs, ok := block.RichText()
		if !ok {
			continue
		}
		text := notion.ParseRichText(runs)

		if !inside {
			if block.IsHeading() && strings.ToLower(text) == IngredientsHeading {
				inside = true
			}
			continue
		}

		if block.IsHeading() {
			break
		}
		if text == "" {
			continue
		}
		ingredients = append(ingredients, text)
	}

	return ingredients
}
