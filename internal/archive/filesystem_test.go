package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSystemArchive(t *testing.T) {
	a, err := NewFileSystemArchive(filepath.Join(t.TempDir(), "exports"))
	if err != nil {
		t.Fatalf("NewFileSystemArchive() error = %v", err)
	}
	exerciseArchive(t, a)
}

func TestNewFileSystemArchive(t *testing.T) {
	t.Run("creates root directory", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "nested", "exports")
		if _, err := NewFileSystemArchive(root); err != nil {
			t.Fatalf("NewFileSystemArchive() error = %v", err)
		}
		info, err := os.Stat(root)
		if err != nil {
			t.Fatalf("root not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("root is not a directory")
		}
	})

	t.Run("works with existing directory", func(t *testing.T) {
		if _, err := NewFileSystemArchive(t.TempDir()); err != nil {
			t.Fatalf("NewFileSystemArchive() error = %v", err)
		}
	})
}

type failingReader struct {
	data []byte
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("stream broke")
}

func TestFileSystemArchive_PutIsAtomic(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewFileSystemArchive(root)
	if err != nil {
		t.Fatalf("NewFileSystemArchive() error = %v", err)
	}

	if err := a.Put(ctx, "p.cdx", strings.NewReader("good")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := a.Put(ctx, "p.cdx", &failingReader{data: []byte("partial")}); err == nil {
		t.Fatal("Put() with failing reader expected error")
	}

	var buf bytes.Buffer
	if err := a.Get(ctx, "p.cdx", &buf); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if buf.String() != "good" {
		t.Errorf("Get() = %q, previous export was clobbered", buf.String())
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("archive root has %d entries, want 1 (temp file left behind)", len(entries))
	}
}

func TestFileSystemArchive_ListSkipsTempFiles(t *testing.T) {
	root := t.TempDir()
	a, err := NewFileSystemArchive(root)
	if err != nil {
		t.Fatalf("NewFileSystemArchive() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".tmp-123"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	names, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List() = %v, want empty", names)
	}
}

func TestFileSystemArchive_ValidateSetup(t *testing.T) {
	t.Run("valid root", func(t *testing.T) {
		a, err := NewFileSystemArchive(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemArchive() error = %v", err)
		}
		if err := a.ValidateSetup(context.Background()); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})

	t.Run("root removed", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "gone")
		a, err := NewFileSystemArchive(root)
		if err != nil {
			t.Fatalf("NewFileSystemArchive() error = %v", err)
		}
		if err := os.RemoveAll(root); err != nil {
			t.Fatal(err)
		}
		if err := a.ValidateSetup(context.Background()); err == nil {
			t.Error("ValidateSetup() expected error for missing root")
		}
	})
}
