// Package notebook models the append-only execution document and persists it
// as an nbformat v4 notebook.
package notebook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"codeagent/pkg/exec"
)

const (
	nbFormat      = 4
	nbFormatMinor = 5
)

// Cell types.
const (
	CellCode     = "code"
	CellMarkdown = "markdown"
)

// Output types.
const (
	OutputStream        = "stream"
	OutputDisplayData   = "display_data"
	OutputExecuteResult = "execute_result"
	OutputError         = "error"
)

// Text is a notebook string field. On disk it may be a string or a list of
// lines; it is always written as a single string.
type Text string

// UnmarshalJSON accepts both nbformat encodings.
func (t *Text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(b, &lines); err != nil {
		return fmt.Errorf("notebook text must be a string or list of strings: %w", err)
	}
	*t = Text(strings.Join(lines, ""))
	return nil
}

// Output is one entry in a code cell's output list.
type Output struct {
	OutputType     string         `json:"output_type"`
	Name           string         `json:"name,omitempty"`
	Text           Text           `json:"text,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
}

// IsStream reports whether the output is a stdout/stderr stream.
func (o Output) IsStream() bool {
	return o.OutputType == OutputStream
}

// Cell is a notebook cell.
type Cell struct {
	ID             string         `json:"id,omitempty"`
	CellType       string         `json:"cell_type"`
	Source         Text           `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	Outputs        []Output       `json:"outputs,omitempty"`
}

// MarshalJSON always writes outputs and execution_count for code cells, which
// nbformat requires even when they are empty.
func (c Cell) MarshalJSON() ([]byte, error) {
	type alias Cell
	if c.CellType != CellCode {
		return json.Marshal(alias(c))
	}
	outputs := c.Outputs
	if outputs == nil {
		outputs = []Output{}
	}
	return json.Marshal(struct {
		alias
		Outputs        []Output `json:"outputs"`
		ExecutionCount *int     `json:"execution_count"`
	}{alias(c), outputs, c.ExecutionCount})
}

// Document is an nbformat v4 notebook.
type Document struct {
	Cells         []Cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// New returns an empty notebook with Python kernel metadata.
func New() *Document {
	return &Document{
		Cells: []Cell{},
		Metadata: map[string]any{
			"kernelspec": map[string]any{
				"name":         "python3",
				"display_name": "Python 3",
				"language":     "python",
			},
			"language_info": map[string]any{"name": "python"},
		},
		NBFormat:      nbFormat,
		NBFormatMinor: nbFormatMinor,
	}
}

// Len returns the number of cells.
func (d *Document) Len() int {
	return len(d.Cells)
}

// CodeCells returns how many code cells the document holds.
func (d *Document) CodeCells() int {
	n := 0
	for i := range d.Cells {
		if d.Cells[i].CellType == CellCode {
			n++
		}
	}
	return n
}

// AppendExecution records an executed code unit. Outputs are ordered stdout
// stream, rich outputs in arrival order, then stderr stream; empty streams
// are omitted.
func (d *Document) AppendExecution(code string, res *exec.Result) *Cell {
	count := d.CodeCells() + 1
	cell := Cell{
		ID:             uuid.New().String()[:8],
		CellType:       CellCode,
		Source:         Text(code),
		Metadata:       map[string]any{},
		ExecutionCount: &count,
		Outputs:        []Output{},
	}

	if res != nil {
		if res.Stdout != "" {
			cell.Outputs = append(cell.Outputs, Output{OutputType: OutputStream, Name: "stdout", Text: Text(res.Stdout)})
		}
		for _, r := range res.RichOutputs {
			out := Output{OutputType: r.Kind, Data: r.Data, Metadata: r.Metadata}
			if out.OutputType != OutputExecuteResult {
				out.OutputType = OutputDisplayData
			} else {
				out.ExecutionCount = &count
			}
			if out.Metadata == nil {
				out.Metadata = map[string]any{}
			}
			cell.Outputs = append(cell.Outputs, out)
		}
		if res.Stderr != "" {
			cell.Outputs = append(cell.Outputs, Output{OutputType: OutputStream, Name: "stderr", Text: Text(res.Stderr)})
		}
	}

	d.Cells = append(d.Cells, cell)
	return &d.Cells[len(d.Cells)-1]
}

// AppendMarkdown adds a markdown cell.
func (d *Document) AppendMarkdown(text string) {
	d.Cells = append(d.Cells, Cell{
		ID:       uuid.New().String()[:8],
		CellType: CellMarkdown,
		Source:   Text(text),
		Metadata: map[string]any{},
	})
}

// RecentCode returns the sources of code cells among the last n cells.
func (d *Document) RecentCode(n int) []string {
	if n <= 0 {
		return nil
	}
	start := len(d.Cells) - n
	if start < 0 {
		start = 0
	}
	var out []string
	for _, c := range d.Cells[start:] {
		if c.CellType == CellCode {
			out = append(out, string(c.Source))
		}
	}
	return out
}

// FormatRecent renders RecentCode for a prompt.
func (d *Document) FormatRecent(n int) string {
	recent := d.RecentCode(n)
	parts := make([]string, 0, len(recent))
	for _, src := range recent {
		parts = append(parts, "# Previous Code Cell:\n"+src)
	}
	return strings.Join(parts, "\n---\n")
}

// Clone returns a deep copy via JSON.
func (d *Document) Clone() (*Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var cp Document
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save writes the notebook atomically (temp file + rename).
func (d *Document) Save(path string) error {
	data, err := json.MarshalIndent(d, "", " ")
	if err != nil {
		return fmt.Errorf("failed to encode notebook: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create notebook directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".notebook-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp notebook: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write notebook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close notebook: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace notebook: %w", err)
	}
	return nil
}

// Load reads an nbformat v4 notebook.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse notebook %s: %w", path, err)
	}
	if d.NBFormat != nbFormat {
		return nil, fmt.Errorf("notebook %s has nbformat %d, want %d", path, d.NBFormat, nbFormat)
	}
	if d.Cells == nil {
		d.Cells = []Cell{}
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	return &d, nil
}

// LoadOrCreate loads path, or creates and saves an empty notebook there.
// created reports which happened.
func LoadOrCreate(path string) (doc *Document, created bool, err error) {
	doc, err = Load(path)
	if err == nil {
		return doc, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	doc = New()
	if err := doc.Save(path); err != nil {
		return nil, false, err
	}
	return doc, true, nil
}
