// Package export renders a document as markdown, PDF or DOCX.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatMarkdown Format = "md"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ParseFormat accepts the query-string spelling of a format. Blank means markdown.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "pdf":
		return FormatPDF, nil
	case "docx":
		return FormatDOCX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Document is the exportable view of a stored document.
type Document struct {
	ID               string
	Name             string
	Status           string
	ProblemStatement string
	InScope          string
	OutOfScope       string
	SuccessCriteria  string
	Summary          string
	Content          string
	UpdatedAt        time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	Pages    int
}

var (
	// ErrContentUnavailable indicates the document has neither a summary nor content yet.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
