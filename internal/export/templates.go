package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
}).Parse(documentLayout))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Status      string
	ContentHTML template.HTML
	UpdatedAt   time.Time
}

// RenderDocumentHTML renders the print layout around already-rendered body HTML.
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentLayout = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    @page { size: Letter; margin: 0.75in; }
    body { font-family: Georgia, "Times New Roman", serif; line-height: 1.55; color: #1f2328; }
    header { border-bottom: 2px solid #1f2328; margin-bottom: 1.5rem; }
    header h1 { margin: 0 0 0.25rem; font-size: 1.6rem; }
    .meta { color: #59636e; font-size: 0.85em; padding-bottom: 0.5rem; }
    pre { background: #f6f8fa; padding: 0.75rem; white-space: pre-wrap; }
    code { font-family: Menlo, Consolas, monospace; font-size: 0.9em; }
    table { border-collapse: collapse; margin: 1rem 0; width: 100%; }
    th, td { border: 1px solid #d0d7de; padding: 0.35rem 0.6rem; text-align: left; vertical-align: top; }
    th { background: #f6f8fa; }
  </style>
</head>
<body>
  <header>
    <h1>{{.Title}}</h1>
    <div class="meta">{{.Status}}{{with formatDate .UpdatedAt "Jan 2, 2006"}} | Updated {{.}}{{end}}</div>
  </header>
  <main>{{.ContentHTML}}</main>
</body>
</html>`
