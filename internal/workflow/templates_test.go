package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenner/foreman/internal/models"
)

const sampleTemplateYAML = `
id: content-pipeline
name: Content pipeline
stages:
  - name: research
    capabilities: [python, web-search]
  - name: write
    capabilities: [writing]
    payload_template: '{"notes": "{{.Prior.notes}}"}'
    max_attempts: 5
`

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLibraryLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "content.yaml", sampleTemplateYAML)
	writeTemplate(t, dir, "notes.txt", "not a template")

	lib, err := NewLibrary(dir)
	require.NoError(t, err)

	tmpl := lib.Get("content-pipeline")
	require.NotNil(t, tmpl)
	assert.Equal(t, "Content pipeline", tmpl.Name)
	require.Len(t, tmpl.Stages, 2)
	assert.Equal(t, []string{"python", "web-search"}, tmpl.Stages[0].Capabilities)
	assert.Equal(t, 5, tmpl.Stages[1].MaxAttempts)

	assert.Len(t, lib.List(), 1)
}

func TestLibraryIDDefaultsToFilename(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "nightly-digest.yaml", `
stages:
  - name: digest
    capabilities: [writing]
`)

	lib, err := NewLibrary(dir)
	require.NoError(t, err)
	assert.NotNil(t, lib.Get("nightly-digest"))
}

func TestLibrarySkipsInvalidTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "good.yaml", sampleTemplateYAML)
	writeTemplate(t, dir, "empty.yaml", "id: empty\nstages: []\n")
	writeTemplate(t, dir, "broken.yaml", "{{{not yaml")

	lib, err := NewLibrary(dir)
	require.NoError(t, err)
	assert.NotNil(t, lib.Get("content-pipeline"))
	assert.Nil(t, lib.Get("empty"))
}

func TestLibraryMissingDirIsEmpty(t *testing.T) {
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, lib.List())
}

func TestValidate(t *testing.T) {
	err := Validate(&models.WorkflowTemplate{ID: "x"})
	assert.Error(t, err)

	err = Validate(&models.WorkflowTemplate{
		ID:     "x",
		Stages: []models.StageDef{{Name: "s", Capabilities: nil}},
	})
	assert.Error(t, err)

	err = Validate(&models.WorkflowTemplate{
		ID:     "x",
		Stages: []models.StageDef{{Name: "s", Capabilities: []string{"go"}}},
	})
	assert.NoError(t, err)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	lib, err := NewLibrary("")
	require.NoError(t, err)
	assert.Error(t, lib.Register(&models.WorkflowTemplate{ID: "bad"}))
	assert.Nil(t, lib.Get("bad"))
}
