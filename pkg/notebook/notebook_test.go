package notebook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/exec"
)

func TestAppendExecutionOrdersOutputs(t *testing.T) {
	doc := New()
	cell := doc.AppendExecution("print(1)\n1/0", &exec.Result{
		Stdout: "1\n",
		Stderr: "ZeroDivisionError: division by zero\n",
		RichOutputs: []exec.RichOutput{
			{Kind: "display_data", Data: map[string]any{"image/png": "iVBOR"}},
			{Kind: "execute_result", Data: map[string]any{"text/plain": "2"}},
		},
		Outcome: exec.OutcomeCompleted,
	})

	require.Len(t, cell.Outputs, 4)
	assert.Equal(t, "stdout", cell.Outputs[0].Name)
	assert.Equal(t, OutputDisplayData, cell.Outputs[1].OutputType)
	assert.Equal(t, OutputExecuteResult, cell.Outputs[2].OutputType)
	require.NotNil(t, cell.Outputs[2].ExecutionCount)
	assert.Equal(t, 1, *cell.Outputs[2].ExecutionCount)
	assert.Equal(t, "stderr", cell.Outputs[3].Name)
	assert.True(t, cell.Outputs[3].IsStream())
	assert.Equal(t, 1, doc.CodeCells())
}

func TestAppendExecutionOmitsEmptyStreams(t *testing.T) {
	doc := New()
	cell := doc.AppendExecution("x = 1", &exec.Result{Outcome: exec.OutcomeCompleted})
	assert.Empty(t, cell.Outputs)

	cell = doc.AppendExecution("y = 2", nil)
	assert.Empty(t, cell.Outputs)
	require.NotNil(t, cell.ExecutionCount)
	assert.Equal(t, 2, *cell.ExecutionCount)
}

func TestRecentCode(t *testing.T) {
	doc := New()
	doc.AppendExecution("a = 1", nil)
	doc.AppendMarkdown("notes")
	doc.AppendExecution("b = 2", nil)
	doc.AppendExecution("c = 3", nil)

	assert.Equal(t, []string{"b = 2", "c = 3"}, doc.RecentCode(3))
	assert.Equal(t, []string{"a = 1", "b = 2", "c = 3"}, doc.RecentCode(10))
	assert.Nil(t, doc.RecentCode(0))

	assert.Equal(t, "# Previous Code Cell:\nb = 2\n---\n# Previous Code Cell:\nc = 3", doc.FormatRecent(3))
	assert.Equal(t, "", New().FormatRecent(3))
}

func TestSaveLoadPreservesCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.ipynb")

	doc := New()
	doc.AppendExecution("import os\nprint(os.getcwd())", &exec.Result{Stdout: "/tmp\n", Outcome: exec.OutcomeCompleted})
	doc.AppendExecution("plot()", &exec.Result{
		RichOutputs: []exec.RichOutput{{Kind: "display_data", Data: map[string]any{"image/png": "AAAA", "text/plain": "<Figure>"}}},
		Stderr:      "warn\n",
	})
	require.NoError(t, doc.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Cells, 2)

	for i := range doc.Cells {
		assert.Equal(t, doc.Cells[i].Source, loaded.Cells[i].Source)
		require.Len(t, loaded.Cells[i].Outputs, len(doc.Cells[i].Outputs))
		for j := range doc.Cells[i].Outputs {
			assert.Equal(t, doc.Cells[i].Outputs[j].OutputType, loaded.Cells[i].Outputs[j].OutputType)
			assert.Equal(t, doc.Cells[i].Outputs[j].Text, loaded.Cells[i].Outputs[j].Text)
		}
	}
	assert.Equal(t, "AAAA", loaded.Cells[1].Outputs[0].Data["image/png"])

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadAcceptsLineListSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.ipynb")
	raw := `{"cells":[{"cell_type":"code","source":["a = 1\n","b = 2"],"metadata":{},"outputs":[{"output_type":"stream","name":"stdout","text":["x\n","y\n"]}]}],"metadata":{},"nbformat":4,"nbformat_minor":4}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Cells, 1)
	assert.Equal(t, Text("a = 1\nb = 2"), doc.Cells[0].Source)
	assert.Equal(t, Text("x\ny\n"), doc.Cells[0].Outputs[0].Text)
}

func TestLoadRejectsWrongFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.ipynb")
	require.NoError(t, os.WriteFile(path, []byte(`{"cells":[],"metadata":{},"nbformat":3}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persistent.ipynb")

	doc, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, doc.Len())
	assert.FileExists(t, path)

	doc.AppendExecution("z = 9", nil)
	require.NoError(t, doc.Save(path))

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, again.Len())
}

func TestClone(t *testing.T) {
	doc := New()
	doc.AppendExecution("a = 1", &exec.Result{Stdout: "ok\n"})
	cp, err := doc.Clone()
	require.NoError(t, err)

	cp.AppendExecution("b = 2", nil)
	assert.Equal(t, 1, doc.Len())
	assert.Equal(t, 2, cp.Len())
}
