// Package templates renders the planner's prompt templates.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the values a prompt may reference.
type TemplateData struct {
	Task          string
	Expertises    []string
	ExpertiseHint string
	RecentCells   string
	History       string
	ExecutedCode  string
	Stdout        string
	Stderr        string
	FinishMarker  string
	MinOptions    int
	MaxOptions    int
}

// StateTemplate names an embedded template.
type StateTemplate string

const (
	RouteSystemTemplate    StateTemplate = "route_system.tpl.md"
	RouteUserTemplate      StateTemplate = "route_user.tpl.md"
	SuggestSystemTemplate  StateTemplate = "suggest_system.tpl.md"
	SuggestUserTemplate    StateTemplate = "suggest_user.tpl.md"
	GenerateSystemTemplate StateTemplate = "generate_system.tpl.md"
	GenerateUserTemplate   StateTemplate = "generate_user.tpl.md"
	ClassifySystemTemplate StateTemplate = "classify_system.tpl.md"
	ClassifyUserTemplate   StateTemplate = "classify_user.tpl.md"
)

// Renderer holds the parsed templates.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[StateTemplate]*template.Template),
	}

	templateNames := []StateTemplate{
		RouteSystemTemplate,
		RouteUserTemplate,
		SuggestSystemTemplate,
		SuggestUserTemplate,
		GenerateSystemTemplate,
		GenerateUserTemplate,
		ClassifySystemTemplate,
		ClassifyUserTemplate,
	}

	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"contains": strings.Contains,
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render executes templateName with data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return strings.TrimSpace(buf.String()), nil
}
