package export

import (
	"context"
	"fmt"
	"html/template"
)

const (
	mimeMarkdown = "text/markdown; charset=utf-8"
	mimePDF      = "application/pdf"
	mimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Service provides document export functionality
type Service struct {
	pdf  func(ctx context.Context, html string) ([]byte, int, error)
	docx func(ctx context.Context, markdown string) ([]byte, error)
}

// NewService creates an export service backed by headless Chrome and pandoc.
func NewService() *Service {
	return &Service{pdf: renderPDF, docx: renderDOCX}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, doc Document, format Format) (*Result, error) {
	markdown, err := Markdown(doc)
	if err != nil {
		return nil, err
	}
	base := sanitizeFilename(doc.Name)

	switch format {
	case FormatMarkdown:
		return &Result{Data: []byte(markdown), Filename: base + ".md", MimeType: mimeMarkdown}, nil
	case FormatPDF:
		body, err := MarkdownToHTML(markdown)
		if err != nil {
			return nil, err
		}
		html, err := RenderDocumentHTML(TemplateData{
			Title:       doc.Name,
			Status:      doc.Status,
			ContentHTML: template.HTML(body),
			UpdatedAt:   doc.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, pages, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: mimePDF, Pages: pages}, nil
	case FormatDOCX:
		data, err := s.docx(ctx, markdown)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".docx", MimeType: mimeDOCX}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
