package ingest

import (
	"html"
	"regexp"
	"strings"
)

var markupPattern = regexp.MustCompile(`(?s)<.*?>`)

// CleanSummary strips markup from a raw feed summary and then decodes HTML
// entities. The order matters: entity-encoded angle brackets in the source
// must come out as text instead of being stripped as tags.
func CleanSummary(raw string) string {
	stripped := strings.TrimSpace(markupPattern.ReplaceAllString(raw, ""))
	return html.UnescapeString(stripped)
}
