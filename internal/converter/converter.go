// Package converter renders cached recipe pages as Markdown.
package converter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/nutrition"
	"github.com/fclairamb/notrition/internal/recipe"
	"github.com/fclairamb/notrition/internal/version"
)

// Document is everything known about one cached page.
type Document struct {
	NotionPageID   string
	PublicID       string
	UpdatedAt      time.Time
	Content        *notion.PageContent
	Recipe         *recipe.Data      // nil until nutrition was requested
	Nutrition      *nutrition.Result // nil when not computed or failed
	NutritionError string
}

// Converter converts recipe documents to Markdown.
type Converter struct {
	// IncludeFrontmatter controls whether to include YAML frontmatter.
	IncludeFrontmatter bool
}

// NewConverter creates a new converter with default settings.
func NewConverter() *Converter {
	return &Converter{
		IncludeFrontmatter: true,
	}
}

// Convert renders the page content, followed by the nutrition facts when there are any.
func (c *Converter) Convert(doc *Document) []byte {
	var builder strings.Builder

	page := doc.page()
	if c.IncludeFrontmatter {
		builder.WriteString(c.generateFrontmatter(doc, page))
	}

	builder.WriteString(fmt.Sprintf("# %s\n\n", page.Title()))

	var blocks []notion.Block
	if doc.Content != nil {
		blocks = doc.Content.Children
	}
	for i := range blocks {
		block := &blocks[i]
		content := c.convertBlock(block)
		builder.WriteString(content)

		// Add spacing between blocks (but not after last block)
		if i < len(blocks)-1 && content != "" {
			// Don't add extra newline after list items if next is also a list item
			if !isListItem(block) || !isListItem(&blocks[i+1]) {
				builder.WriteString("\n")
			}
		}
	}

	builder.WriteString(c.convertNutrition(doc))
	return []byte(builder.String())
}

func (d *Document) page() *notion.Page {
	if d.Content != nil && d.Content.Page != nil {
		return d.Content.Page
	}
	return &notion.Page{ID: d.NotionPageID}
}

func (c *Converter) generateFrontmatter(doc *Document, page *notion.Page) string {
	var builder strings.Builder
	builder.WriteString("---\n")
	builder.WriteString(fmt.Sprintf("notrition_version: %s\n", version.Version))
	builder.WriteString(fmt.Sprintf("notion_id: %s\n", doc.NotionPageID))
	builder.WriteString(fmt.Sprintf("title: %q\n", page.Title()))

	if doc.PublicID != "" {
		builder.WriteString(fmt.Sprintf("public_id: %s\n", doc.PublicID))
	}
	if !page.LastEditedTime.IsZero() {
		builder.WriteString(fmt.Sprintf("last_edited: %s\n", page.LastEditedTime.Format(time.RFC3339)))
	}
	if !doc.UpdatedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("last_synced: %s\n", doc.UpdatedAt.Format(time.RFC3339)))
	}
	if iconStr := formatIcon(page.Icon); iconStr != "" {
		builder.WriteString(fmt.Sprintf("icon: %q\n", iconStr))
	}
	if page.URL != "" {
		builder.WriteString(fmt.Sprintf("notion_url: %s\n", page.URL))
	}

	if doc.Recipe != nil {
		builder.WriteString(fmt.Sprintf("ingredients: %d\n", len(doc.Recipe.Ingredients)))
	}
	if doc.Nutrition != nil {
		builder.WriteString(fmt.Sprintf("calories: %.0f\n", math.Round(doc.Nutrition.Calories)))
	}

	builder.WriteString("---\n\n")
	return builder.String()
}

// convertBlock converts a single block to Markdown.
//
//nolint:cyclop,funlen // One case per Notion block type
func (c *Converter) convertBlock(block *notion.Block) string {
	switch block.Type {
	case notion.BlockTypeParagraph:
		if block.Paragraph == nil {
			return "\n"
		}
		text := richTextToMarkdown(block.Paragraph.RichText)
		if text == "" {
			return "\n"
		}
		return text + "\n"

	case notion.BlockTypeHeading1, notion.BlockTypeHeading2, notion.BlockTypeHeading3:
		return c.convertHeading(block)

	case notion.BlockTypeBulletedListItem:
		if block.BulletedListItem == nil {
			return ""
		}
		return fmt.Sprintf("- %s\n", richTextToMarkdown(block.BulletedListItem.RichText))

	case notion.BlockTypeNumberedListItem:
		if block.NumberedListItem == nil {
			return ""
		}
		return fmt.Sprintf("1. %s\n", richTextToMarkdown(block.NumberedListItem.RichText))

	case notion.BlockTypeToDo:
		if block.ToDo == nil {
			return ""
		}
		checkbox := "[ ]"
		if block.ToDo.Checked {
			checkbox = "[x]"
		}
		return fmt.Sprintf("- %s %s\n", checkbox, richTextToMarkdown(block.ToDo.RichText))

	case notion.BlockTypeToggle:
		if block.Toggle == nil {
			return ""
		}
		return fmt.Sprintf("**%s**\n", richTextToMarkdown(block.Toggle.RichText))

	case notion.BlockTypeCode:
		if block.Code == nil {
			return ""
		}
		text := notion.ParseRichText(block.Code.RichText) // No markdown formatting inside code
		lang := block.Code.Language
		if lang == "plain text" {
			lang = ""
		}
		return fmt.Sprintf("```%s\n%s\n```\n", lang, text)

	case notion.BlockTypeQuote:
		if block.Quote == nil {
			return ""
		}
		return quoteLines(richTextToMarkdown(block.Quote.RichText), "")

	case notion.BlockTypeCallout:
		if block.Callout == nil {
			return ""
		}
		emoji := ""
		if block.Callout.Icon != nil && block.Callout.Icon.Emoji != "" {
			emoji = block.Callout.Icon.Emoji + " "
		}
		return quoteLines(richTextToMarkdown(block.Callout.RichText), emoji)

	case notion.BlockTypeDivider:
		return "---\n"

	case "equation":
		if block.Equation == nil {
			return ""
		}
		return fmt.Sprintf("$$\n%s\n$$\n", block.Equation.Expression)

	case "child_page":
		if block.ChildPage == nil {
			return ""
		}
		return fmt.Sprintf("- %s<!-- page_id:%s -->\n", block.ChildPage.Title, strings.ReplaceAll(block.ID, "-", ""))

	default:
		// Unknown block type - skip
		return ""
	}
}

func (c *Converter) convertHeading(block *notion.Block) string {
	var heading *notion.HeadingBlock
	var level int
	switch block.Type {
	case notion.BlockTypeHeading1:
		heading, level = block.Heading1, 1
	case notion.BlockTypeHeading2:
		heading, level = block.Heading2, 2
	default:
		heading, level = block.Heading3, 3
	}
	if heading == nil {
		return ""
	}
	return fmt.Sprintf("%s %s\n", strings.Repeat("#", level), richTextToMarkdown(heading.RichText))
}

// convertNutrition renders the nutrients table, or the recorded failure.
func (c *Converter) convertNutrition(doc *Document) string {
	if doc.Nutrition == nil && doc.NutritionError == "" {
		return ""
	}

	var builder strings.Builder
	builder.WriteString("\n## Nutrition facts\n\n")

	if doc.Nutrition == nil {
		builder.WriteString(fmt.Sprintf("> Nutrition could not be computed: %s\n", doc.NutritionError))
		return builder.String()
	}

	labels := make([]string, 0, len(doc.Nutrition.Nutrients))
	for label := range doc.Nutrition.Nutrients {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	builder.WriteString(fmt.Sprintf("Calories: %.0f kcal\n\n", math.Round(doc.Nutrition.Calories)))
	builder.WriteString("| Nutrient | Quantity |\n")
	builder.WriteString("| --- | --- |\n")
	for _, label := range labels {
		nutrient := doc.Nutrition.Nutrients[label]
		builder.WriteString(fmt.Sprintf("| %s | %.0f %s |\n", label, math.Round(nutrient.Quantity), nutrient.Unit))
	}
	return builder.String()
}

func quoteLines(text, firstPrefix string) string {
	var builder strings.Builder
	for i, line := range strings.Split(text, "\n") {
		prefix := "> "
		if i == 0 {
			prefix += firstPrefix
		}
		builder.WriteString(prefix + line + "\n")
	}
	return builder.String()
}

// isListItem checks if a block is a list item.
func isListItem(block *notion.Block) bool {
	return block.Type == notion.BlockTypeBulletedListItem ||
		block.Type == notion.BlockTypeNumberedListItem ||
		block.Type == notion.BlockTypeToDo
}

// formatIcon formats an icon for frontmatter output.
func formatIcon(icon *notion.Icon) string {
	if icon == nil || icon.Type != "emoji" {
		return ""
	}
	return "emoji:" + icon.Emoji
}

// richTextToMarkdown applies the text annotations and links of each run.
func richTextToMarkdown(richText []notion.RichText) string {
	var builder strings.Builder
	for i := range richText {
		run := &richText[i]
		text := run.PlainText
		if text == "" {
			continue
		}

		if ann := run.Annotations; ann != nil {
			if ann.Code {
				text = "`" + text + "`"
			}
			if ann.Bold {
				text = "**" + text + "**"
			}
			if ann.Italic {
				text = "*" + text + "*"
			}
			if ann.Strikethrough {
				text = "~~" + text + "~~"
			}
		}

		if run.Href != nil && *run.Href != "" {
			text = fmt.Sprintf("[%s](%s)", text, *run.Href)
		}
		builder.WriteString(text)
	}
	return builder.String()
}
