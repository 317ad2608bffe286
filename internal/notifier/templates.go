package notifier

import (
	"bytes"
	"text/template"

	"bulk-job-orchestrator/internal/models"
)

// Templates renders the terminal messages for one job type. Each template sees a view
// with Label, Total, Error and, when the server reported them, Result counts.
type Templates struct {
	Success *template.Template
	Failure *template.Template
}

type view struct {
	Label  string
	Total  int
	Error  string
	Result *models.Result
}

var funcs = template.FuncMap{"add": func(a, b int) int { return a + b }}

// must parses a message template with the shared helpers.
func must(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(funcs).Parse(text))
}

var (
	genericSuccess = must("success", `{{.Label}} finished`)
	genericFailure = must("failure", `{{.Label}} failed: {{.Error}}`)
)

// DefaultTemplates covers the built-in job types.
func DefaultTemplates() map[models.JobType]Templates {
	return map[models.JobType]Templates{
		models.TypeBulkDocument: {
			Success: must("doc-success", `{{.Label}} is ready{{with .Result}} ({{.Succeeded}}/{{add .Succeeded .Failed}} generated){{end}}`),
			Failure: must("doc-failure", `Could not generate {{.Label}}: {{.Error}}`),
		},
		models.TypeBulkMessage: {
			Success: must("msg-success", `{{.Label}} sent{{with .Result}} ({{.Succeeded}}/{{add .Succeeded .Failed}} succeeded){{end}}`),
			Failure: must("msg-failure", `Sending {{.Label}} failed: {{.Error}}`),
		},
	}
}

func render(t *template.Template, fallback *template.Template, j models.Job) string {
	v := view{Label: j.Label, Total: j.Total, Error: j.Error, Result: j.Result}
	var buf bytes.Buffer
	if t != nil {
		if err := t.Execute(&buf, v); err == nil {
			return buf.String()
		}
		buf.Reset()
	}
	_ = fallback.Execute(&buf, v)
	return buf.String()
}
