package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"collabd/internal/collab"
)

// FileSystemArchive keeps each export as a single file under root:
//
//	<root>/
//	  <name>     (one file per export)
type FileSystemArchive struct {
	root string
}

// NewFileSystemArchive creates a filesystem archive rooted at root,
// creating the directory if needed.
func NewFileSystemArchive(root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSystemArchive{root: root}, nil
}

// Put stores the export read from r under name. The write is atomic: a
// failed or cancelled Put leaves any previous export of that name intact.
func (a *FileSystemArchive) Put(ctx context.Context, name string, r io.Reader) error {
	if !collab.ValidArchiveName(name) {
		return fmt.Errorf("invalid export name %q", name)
	}
	return a.writeFile(ctx, filepath.Join(a.root, name), r)
}

// Get writes the named export to w.
func (a *FileSystemArchive) Get(ctx context.Context, name string, w io.Writer) error {
	if !collab.ValidArchiveName(name) {
		return fmt.Errorf("%w: %s", collab.ErrArchiveNotFound, name)
	}

	f, err := os.Open(filepath.Join(a.root, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", collab.ErrArchiveNotFound, name)
		}
		return fmt.Errorf("failed to open export: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	return nil
}

// List returns the stored export names in lexical order. Temporary files
// from in-flight writes are skipped.
func (a *FileSystemArchive) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// ValidateSetup verifies that the archive root exists and is writable.
func (a *FileSystemArchive) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	f, err := os.CreateTemp(a.root, ".writable-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// writeFile writes data from r to destPath using a temp file and rename.
func (a *FileSystemArchive) writeFile(ctx context.Context, destPath string, r io.Reader) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ collab.Archive = (*FileSystemArchive)(nil)
