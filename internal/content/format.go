package content

import (
	"fmt"
	"unicode/utf8"

	"github.com/MegaGrindStone/pagechat/internal/models"
)

const (
	// DefaultMaxLength is the default bound, in characters, of formatted page content.
	DefaultMaxLength = 8000

	truncationMargin = 50
	truncationNotice = "\n\n[Content truncated due to length...]"
)

// Format renders page content as a text block for the model. The result is at most maxLength
// characters long: when it would be longer, the page text keeps its leading part and a truncation
// notice is appended. A non-positive maxLength means DefaultMaxLength.
func Format(content models.PageContent, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	header := fmt.Sprintf("Page Title: %s\nURL: %s\nContent:\n", content.Title, content.URL)
	formatted := header + content.TextContent
	if utf8.RuneCountInString(formatted) <= maxLength {
		return formatted
	}

	available := max(maxLength-utf8.RuneCountInString(header)-truncationMargin, 0)
	formatted = header + prefix(content.TextContent, available) + truncationNotice

	// Only reachable when the header alone nearly fills the budget.
	return prefix(formatted, maxLength)
}

// prefix returns the first n characters of s.
func prefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
