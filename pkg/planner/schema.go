package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const routeSchema = `{
  "type": "object",
  "required": ["destination"],
  "properties": {
    "destination": {"type": "string", "enum": ["simple_task", "complex_task"]},
    "task_expertise": {
      "type": "string",
      "enum": ["", "file_system", "data_analysis", "visualization", "machine_learning", "general"]
    },
    "reasoning": {"type": "string"}
  }
}`

const suggestSchema = `{
  "type": "object",
  "required": ["options"],
  "properties": {
    "options": {
      "type": "array",
      "minItems": 3,
      "maxItems": 5,
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

const generateSchema = `{
  "type": "object",
  "required": ["code"],
  "properties": {
    "code": {"type": "string", "minLength": 1},
    "reasoning": {"type": "string"}
  }
}`

const classifySchema = `{
  "type": "object",
  "required": ["destination"],
  "properties": {
    "destination": {"type": "string", "enum": ["fix_error", "no_error"]},
    "reasoning": {"type": "string"}
  }
}`

type schemas struct {
	route    *jsonschema.Schema
	suggest  *jsonschema.Schema
	generate *jsonschema.Schema
	classify *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"route.json":    routeSchema,
		"suggest.json":  suggestSchema,
		"generate.json": generateSchema,
		"classify.json": classifySchema,
	}
	for name, src := range sources {
		var doc any
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	var s schemas
	for name, dst := range map[string]**jsonschema.Schema{
		"route.json":    &s.route,
		"suggest.json":  &s.suggest,
		"generate.json": &s.generate,
		"classify.json": &s.classify,
	} {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		*dst = sch
	}
	return &s, nil
}

// decode extracts the JSON object from a model reply, validates it against
// sch and unmarshals it into out.
func decode(content string, sch *jsonschema.Schema, out any) error {
	raw, err := extractJSON(content)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("response does not match schema: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

// extractJSON strips Markdown fences and surrounding prose, returning the
// outermost object.
func extractJSON(content string) (string, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in response %q", truncate(content, 120))
	}
	return s[start : end+1], nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
