// Package notion provides a client for the Notion API.
package notion

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Page represents a Notion page.
type Page struct {
	Object         string     `json:"object"`
	ID             string     `json:"id"`
	CreatedTime    time.Time  `json:"created_time"`
	LastEditedTime time.Time  `json:"last_edited_time"`
	Parent         Parent     `json:"parent"`
	Archived       bool       `json:"archived"`
	InTrash        bool       `json:"in_trash"`
	Icon           *Icon      `json:"icon,omitempty"`
	Properties     Properties `json:"properties"`
	URL            string     `json:"url"`
	PublicURL      *string    `json:"public_url,omitempty"`
}

// Title extracts the title from page properties.
func (p *Page) Title() string {
	if p == nil {
		return defaultTitle
	}
	if title, ok := p.Properties["title"]; ok && len(title.Title) > 0 {
		return ParseRichText(title.Title)
	}
	if title, ok := p.Properties["Name"]; ok && len(title.Title) > 0 {
		return ParseRichText(title.Title)
	}
	// Try to find any title property
	for key := range p.Properties {
		prop := p.Properties[key]
		if prop.Type == "title" && len(prop.Title) > 0 {
			return ParseRichText(prop.Title)
		}
	}
	return defaultTitle
}

const defaultTitle = "Untitled"

// Parent represents the parent of a page or block.
type Parent struct {
	Type       string `json:"type"`
	PageID     string `json:"page_id,omitempty"`
	DatabaseID string `json:"database_id,omitempty"`
	BlockID    string `json:"block_id,omitempty"`
	Workspace  bool   `json:"workspace,omitempty"`
}

// Properties is a map of property name to property value.
type Properties map[string]Property

// Property represents a page property. Only the property kinds that can carry a recipe
// title or short text are decoded; others are kept as their id and type.
type Property struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Title    []RichText `json:"title,omitempty"`
	RichText []RichText `json:"rich_text,omitempty"`
	Number   *float64   `json:"number,omitempty"`
	URL      *string    `json:"url,omitempty"`
}

// Block represents a Notion block.
type Block struct {
	Object         string    `json:"object"`
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	CreatedTime    time.Time `json:"created_time"`
	LastEditedTime time.Time `json:"last_edited_time"`
	HasChildren    bool      `json:"has_children"`
	Archived       bool      `json:"archived"`
	InTrash        bool      `json:"in_trash"`

	// Block type specific content
	Paragraph        *TextBlock      `json:"paragraph,omitempty"`
	Heading1         *HeadingBlock   `json:"heading_1,omitempty"`
	Heading2         *HeadingBlock   `json:"heading_2,omitempty"`
	Heading3         *HeadingBlock   `json:"heading_3,omitempty"`
	BulletedListItem *TextBlock      `json:"bulleted_list_item,omitempty"`
	NumberedListItem *TextBlock      `json:"numbered_list_item,omitempty"`
	ToDo             *ToDoBlock      `json:"to_do,omitempty"`
	Toggle           *TextBlock      `json:"toggle,omitempty"`
	Quote            *TextBlock      `json:"quote,omitempty"`
	Callout          *CalloutBlock   `json:"callout,omitempty"`
	Code             *CodeBlock      `json:"code,omitempty"`
	Divider          *DividerBlock   `json:"divider,omitempty"`
	ChildPage        *ChildPageBlock `json:"child_page,omitempty"`
	Equation         *EquationBlock  `json:"equation,omitempty"`
}

// Block types used when interpreting page content.
const (
	BlockTypeParagraph        = "paragraph"
	BlockTypeHeading1         = "heading_1"
	BlockTypeHeading2         = "heading_2"
	BlockTypeHeading3         = "heading_3"
	BlockTypeBulletedListItem = "bulleted_list_item"
	BlockTypeNumberedListItem = "numbered_list_item"
	BlockTypeToDo             = "to_do"
	BlockTypeToggle           = "toggle"
	BlockTypeQuote            = "quote"
	BlockTypeCallout          = "callout"
	BlockTypeCode             = "code"
	BlockTypeDivider          = "divider"
)

// IsHeading reports whether the block is a heading of any level.
func (b *Block) IsHeading() bool {
	switch b.Type {
	case BlockTypeHeading1, BlockTypeHeading2, BlockTypeHeading3:
		return true
	}
	return false
}

// RichText returns the rich text runs carried by the block, and false when the block
// type has no text content (dividers, child pages, unsupported types...).
//
//nolint:cyclop // one case per text-bearing block type
func (b *Block) RichText() ([]RichText, bool) {
	switch {
	case b.Paragraph != nil:
		return b.Paragraph.RichText, true
	case b.Heading1 != nil:
		return b.Heading1.RichText, true
	case b.Heading2 != nil:
		return b.Heading2.RichText, true
	case b.Heading3 != nil:
		return b.Heading3.RichText, true
	case b.BulletedListItem != nil:
		return b.BulletedListItem.RichText, true
	case b.NumberedListItem != nil:
		return b.NumberedListItem.RichText, true
	case b.ToDo != nil:
		return b.ToDo.RichText, true
	case b.Toggle != nil:
		return b.Toggle.RichText, true
	case b.Quote != nil:
		return b.Quote.RichText, true
	case b.Callout != nil:
		return b.Callout.RichText, true
	case b.Code != nil:
		return b.Code.RichText, true
	}
	return nil, false
}

// TextBlock contains the content of paragraphs, list items, toggles and quotes.
type TextBlock struct {
	RichText []RichText `json:"rich_text"`
	Color    string     `json:"color,omitempty"`
}

// HeadingBlock contains heading content.
type HeadingBlock struct {
	RichText     []RichText `json:"rich_text"`
	Color        string     `json:"color,omitempty"`
	IsToggleable bool       `json:"is_toggleable"`
}

// ToDoBlock contains to-do content.
type ToDoBlock struct {
	RichText []RichText `json:"rich_text"`
	Checked  bool       `json:"checked"`
	Color    string     `json:"color,omitempty"`
}

// CalloutBlock contains callout content.
type CalloutBlock struct {
	RichText []RichText `json:"rich_text"`
	Icon     *Icon      `json:"icon,omitempty"`
	Color    string     `json:"color,omitempty"`
}

// CodeBlock contains code content.
type CodeBlock struct {
	RichText []RichText `json:"rich_text"`
	Language string     `json:"language"`
}

// DividerBlock is an empty struct for dividers.
type DividerBlock struct{}

// ChildPageBlock references a child page.
type ChildPageBlock struct {
	Title string `json:"title"`
}

// EquationBlock contains equation content.
type EquationBlock struct {
	Expression string `json:"expression"`
}

// Icon represents an emoji icon. External and file icons carry expiring URLs and are
// reduced to their type.
type Icon struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

// RichText represents formatted text.
type RichText struct {
	Type        string       `json:"type"`
	PlainText   string       `json:"plain_text"`
	Href        *string      `json:"href"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Text        *TextContent `json:"text,omitempty"`
}

// TextContent contains text content.
type TextContent struct {
	Content string `json:"content"`
	Link    *Link  `json:"link"`
}

// Link represents a URL link.
type Link struct {
	URL string `json:"url"`
}

// Annotations contains text formatting.
type Annotations struct {
	Bold          bool   `json:"bold"`
	Italic        bool   `json:"italic"`
	Strikethrough bool   `json:"strikethrough"`
	Underline     bool   `json:"underline"`
	Code          bool   `json:"code"`
	Color         string `json:"color"`
}

// ParseRichText converts rich text array to plain string.
func ParseRichText(richText []RichText) string {
	var builder strings.Builder
	for i := range richText {
		builder.WriteString(richText[i].PlainText)
	}
	return builder.String()
}

// BlockChildrenResponse represents the response from block children endpoint.
type BlockChildrenResponse struct {
	Object     string  `json:"object"`
	Results    []Block `json:"results"`
	NextCursor *string `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
	Type       string  `json:"type"`
}

// PageContent is a page together with its top-level child blocks.
type PageContent struct {
	Page     *Page   `json:"page"`
	Children []Block `json:"children"`
}

// Error codes added by the proxy on top of the ones Notion itself returns.
const (
	CodeProxyUnauthorized  = "proxy_unauthorized"
	CodeProxyTokenNotFound = "proxy_token_not_found"
	CodeProxyBadRequest    = "proxy_bad_request"
	CodeRequestTimeout     = "request_timeout"
	CodeObjectNotFound     = "object_not_found"
	CodeUnauthorized       = "unauthorized"
)

// APIError represents a Notion API error.
type APIError struct {
	Object  string `json:"object"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// IsPermanent returns true if this error will never resolve by retrying.
// These are errors where the resource doesn't exist, isn't shared with the
// integration, or is the wrong type.
func (e *APIError) IsPermanent() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		return e.Code == "validation_error"
	}
	return false
}

// IsTransientError checks if an error (possibly wrapped) is a Notion API error that may resolve
// by retrying later: rate limiting, server errors or timeouts.
func IsTransientError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.IsPermanent()
	}
	return false
}

// ErrorCode returns the Notion error code of a (possibly wrapped) APIError, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
