package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

// Markdown returns the markdown body of doc. Generated content wins over the
// summary; a document with neither has nothing to export.
func Markdown(doc Document) (string, error) {
	if body := strings.TrimSpace(doc.Content); body != "" {
		return body + "\n", nil
	}
	summary := strings.TrimSpace(doc.Summary)
	if summary == "" {
		return "", ErrContentUnavailable
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(doc.Name))
	b.WriteString("## Summary\n\n")
	b.WriteString(summary)
	b.WriteString("\n")
	sections := []struct{ title, text string }{
		{"Problem statement", doc.ProblemStatement},
		{"In scope", doc.InScope},
		{"Out of scope", doc.OutOfScope},
		{"Success criteria", doc.SuccessCriteria},
	}
	for _, section := range sections {
		if strings.TrimSpace(section.text) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", section.title, strings.TrimSpace(section.text))
	}
	return b.String(), nil
}

var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
)

// MarkdownToHTML renders GitHub-flavored markdown (tables, task lists,
// strikethrough, autolinks) to HTML. Raw HTML in the source is omitted.
func MarkdownToHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
