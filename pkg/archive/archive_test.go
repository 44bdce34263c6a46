package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractKeepsOnlyTextEntries(t *testing.T) {
	data := makeZip(t, map[string][]byte{
		"main.cpp":       []byte("#include <iostream>\nint main() { return 0; }\n"),
		"nested/util.h":  []byte("#pragma once\n"),
		"a.out":          {0x7f, 'E', 'L', 'F', 0x02, 0x01, 0x01, 0x00},
		"screenshot.png": {0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a},
	})

	files, err := Extract(data)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Contains(t, files, "main.cpp")
	// Entries are flattened to their base name.
	require.Contains(t, files, "util.h")
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := Extract([]byte("this is not a zip archive"))
	require.ErrorIs(t, err, ErrBadArchive)
}

func TestWriteTreeAndSourceFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "part1")
	require.NoError(t, WriteTree(dir, map[string]string{
		"main.cpp":   "int main() {}\n",
		"helpers.h":  "#pragma once\n",
		"README.txt": "notes\n",
	}))

	content, err := os.ReadFile(filepath.Join(dir, "main.cpp"))
	require.NoError(t, err)
	require.Equal(t, "int main() {}\n", string(content))

	all, err := SourceFiles(dir)
	require.NoError(t, err)
	require.Len(t, all, 3)

	cpp, err := SourceFilesWithExt(dir, ".cpp")
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "main.cpp")}, cpp)
}
