package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func TestExtractZIP(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"2024/STATION_A.CSV": "a;b\n",
		"2024/STATION_B.CSV": "c;d\n",
	})

	destDir := t.TempDir()
	paths, err := ExtractZIP(zipPath, destDir)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	// Nested year directory is flattened.
	for _, p := range paths {
		assert.Equal(t, destDir, filepath.Dir(p))
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestExtractZIP_BadArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-zip.zip")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	_, err := ExtractZIP(path, t.TempDir())
	assert.Error(t, err)
}

func TestXLSXOptions_SheetSelection(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"inventario-todos": {
			{"ANO", "Fator"},
			{"2024", "0,0616"},
		},
	})

	names, err := SheetNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventario-todos"}, names)

	rows, err := ReadXLSX(path, XLSXOptions{SheetName: "inventario-todos", SkipRows: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2024", "0,0616"}, rows[0])

	_, err = ReadXLSX(path, XLSXOptions{SheetName: "missing"})
	assert.Error(t, err)
}
