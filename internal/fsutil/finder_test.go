package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFiles(t *testing.T) {
	// Arrange
	root := t.TempDir()
	for _, name := range []string{"b.hcl", "a.YAML", "notes.txt", "nested/c.yml", ".hidden/d.hcl", ".e.hcl"} {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}

	// Act
	files, err := FindFiles(root, ".hcl", ".yaml", ".yml")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.YAML"),
		filepath.Join(root, "b.hcl"),
		filepath.Join(root, "nested", "c.yml"),
	}, files)
}

func TestFindFiles_MissingRoot(t *testing.T) {
	_, err := FindFiles(filepath.Join(t.TempDir(), "nope"), ".hcl")

	assert.Error(t, err)
}
