// Package archive unpacks submission archives into gradable source trees.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrBadArchive reports content that is not a readable zip archive.
var ErrBadArchive = errors.New("bad archive")

// Extract reads every text entry of a zip archive into memory, keyed by the
// entry name. Binary entries (object files, editor droppings) are skipped
// so only reviewable sources reach the grading workspace.
func Extract(data []byte) (map[string]string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	files := map[string]string{}
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrBadArchive, entry.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrBadArchive, entry.Name, err)
		}

		if !isText(content) {
			continue
		}
		files[filepath.Base(entry.Name)] = string(content)
	}
	return files, nil
}

func isText(content []byte) bool {
	if len(content) == 0 {
		return true
	}
	for mime := mimetype.Detect(content); mime != nil; mime = mime.Parent() {
		if mime.Is("text/plain") {
			return true
		}
	}
	return false
}

// WriteTree materializes extracted files into dir, creating it as needed.
func WriteTree(dir string, files map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// SourceFiles returns every regular file under root, sorted, for editors
// and compilers to consume.
func SourceFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// SourceFilesWithExt filters SourceFiles down to one extension (".cpp").
func SourceFilesWithExt(root, ext string) ([]string, error) {
	paths, err := SourceFiles(root)
	if err != nil {
		return nil, err
	}
	var filtered []string
	for _, path := range paths {
		if strings.EqualFold(filepath.Ext(path), ext) {
			filtered = append(filtered, path)
		}
	}
	return filtered, nil
}
