package textutil

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TruncationMarker is appended when extracted text is cut at the length cap.
const TruncationMarker = "\n...[truncated]"

var (
	htmlTagRe     = regexp.MustCompile(`<[a-zA-Z][^>]*>|</[a-zA-Z][^>]*>`)
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

// LooksLikeHTML reports whether a string contains tag-like tokens.
func LooksLikeHTML(s string) bool {
	return htmlTagRe.MatchString(s)
}

// HTMLToText strips scripts, styles, and comments and returns the document's
// visible text. Any tag tokens left behind by a parse failure are removed
// textually.
func HTMLToText(html string) string {
	html = htmlCommentRe.ReplaceAllString(html, " ")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		doc.Find("script, style, noscript").Remove()
		html = doc.Text()
	}
	html = htmlTagRe.ReplaceAllString(html, " ")

	lines := strings.Split(html, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	out := strings.TrimSpace(strings.Join(lines, "\n"))
	return blankLinesRe.ReplaceAllString(out, "\n\n")
}

// Truncate cuts s at max runes and appends the truncation marker.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return string(runes[:max]) + TruncationMarker
}

// RenderRecords flattens scraped records into readable text for the shaping
// prompt: HTML values become visible text, maps become "key: value" lines,
// nested lists are flattened recursively.
func RenderRecords(records []map[string]any) string {
	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(renderMap(rec))
	}
	return strings.TrimSpace(b.String())
}

func renderMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(RenderValue(m[k]))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderValue converts a single scraped value to text.
func RenderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if LooksLikeHTML(val) {
			return HTMLToText(val)
		}
		return val
	case map[string]any:
		return strings.TrimSpace(renderMap(val))
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, RenderValue(item))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprintf("%v", val)
	}
}
