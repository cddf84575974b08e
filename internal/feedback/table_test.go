package feedback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := Default()

	lines := table.Lines("nervous", "Slouching")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "nervous")
	assert.Contains(t, lines[1], "straighten your shoulders")

	assert.Len(t, table.Lines("No Face Detected", "No Pose Detected"), 2)
	assert.Empty(t, table.Lines("surprise", "Upright"), "unmapped labels add nothing")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.yaml")
	require.NoError(t, os.WriteFile(path, []byte("emotion:\n  happy: \"Keep smiling!\"\n"), 0o644))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Keep smiling!"}, table.Lines("happy", "Slouching"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	table, err = Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, table.Emotion)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("emotion: [not, a, map]"))
	assert.Error(t, err)
}
