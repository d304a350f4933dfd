package story

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once

	markdownLink = regexp.MustCompile(`\[(.*?)\]\(.*?\)`)
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return markdownInstance
}

// RenderMarkdown converts story markdown to HTML. Raw HTML in the source is
// not passed through.
func RenderMarkdown(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(src), &buf); err != nil {
		return "<p>" + html.EscapeString(src) + "</p>"
	}
	return buf.String()
}

// StripMarkdownLinks replaces every [text](url) with text, for plain previews
func StripMarkdownLinks(src string) string {
	return markdownLink.ReplaceAllString(src, "$1")
}
