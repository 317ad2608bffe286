// Package render produces the plain-text artifact for a single work item.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"bulk-job-orchestrator/internal/models"
)

var (
	ErrInvalidItem = errors.New("work item needs a subject and a target")
	ErrUnknownType = errors.New("no template for job type")
)

const documentTemplate = `ASSIGNMENT SHEET
================
Subject: {{.Subject}}
Target:  {{.Target}}
{{- range $k, $v := .Attributes}}
{{$k}}: {{$v}}
{{- end}}
`

const messageTemplate = `To: {{.Target}}
Subject: {{.Subject}}

{{with .Attributes.body}}{{.}}{{else}}You have a new assignment: {{.Subject}}.{{end}}
`

// Renderer holds one template per job type.
type Renderer struct {
	templates map[models.JobType]*template.Template
}

func New() *Renderer {
	return &Renderer{templates: map[models.JobType]*template.Template{
		models.TypeBulkDocument: template.Must(template.New("document").Parse(documentTemplate)),
		models.TypeBulkMessage:  template.Must(template.New("message").Parse(messageTemplate)),
	}}
}

// Register replaces the template used for jobType.
func (r *Renderer) Register(jobType models.JobType, text string) error {
	t, err := template.New(string(jobType)).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", jobType, err)
	}
	r.templates[jobType] = t
	return nil
}

func (r *Renderer) Render(ctx context.Context, jobType models.JobType, item models.WorkItem) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if item.Subject == "" || item.Target == "" {
		return nil, ErrInvalidItem
	}
	t, ok := r.templates[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, jobType)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, item); err != nil {
		return nil, fmt.Errorf("render %s/%s: %w", item.Subject, item.Target, err)
	}
	return buf.Bytes(), nil
}
