package archive

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"collabd/internal/collab"
)

// exerciseArchive runs the behaviour every Archive implementation shares.
func exerciseArchive(t *testing.T, a collab.Archive) {
	t.Helper()
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		if err := a.Put(ctx, "alpha.cdx", strings.NewReader("first")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		var buf bytes.Buffer
		if err := a.Get(ctx, "alpha.cdx", &buf); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if buf.String() != "first" {
			t.Errorf("Get() = %q, want %q", buf.String(), "first")
		}
	})

	t.Run("put replaces", func(t *testing.T) {
		if err := a.Put(ctx, "alpha.cdx", strings.NewReader("second")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		var buf bytes.Buffer
		if err := a.Get(ctx, "alpha.cdx", &buf); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if buf.String() != "second" {
			t.Errorf("Get() = %q, want %q", buf.String(), "second")
		}
	})

	t.Run("empty export", func(t *testing.T) {
		if err := a.Put(ctx, "empty.cdx", strings.NewReader("")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		var buf bytes.Buffer
		if err := a.Get(ctx, "empty.cdx", &buf); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if buf.Len() != 0 {
			t.Errorf("Get() returned %d bytes, want 0", buf.Len())
		}
	})

	t.Run("missing export", func(t *testing.T) {
		var buf bytes.Buffer
		err := a.Get(ctx, "missing.cdx", &buf)
		if !errors.Is(err, collab.ErrArchiveNotFound) {
			t.Errorf("Get() error = %v, want %v", err, collab.ErrArchiveNotFound)
		}
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", "..", "../escape", "a/b", ".hidden"} {
			if err := a.Put(ctx, name, strings.NewReader("x")); err == nil {
				t.Errorf("Put(%q) expected error", name)
			}
		}
	})

	t.Run("list", func(t *testing.T) {
		if err := a.Put(ctx, "beta.cdx", strings.NewReader("b")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		names, err := a.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		want := []string{"alpha.cdx", "beta.cdx", "empty.cdx"}
		if !slices.Equal(names, want) {
			t.Errorf("List() = %v, want %v", names, want)
		}
	})
}

func TestMemoryArchive(t *testing.T) {
	exerciseArchive(t, NewMemoryArchive())
}

func TestMemoryArchive_PutCancelled(t *testing.T) {
	a := NewMemoryArchive()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Put(ctx, "x.cdx", strings.NewReader("data")); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want %v", err, context.Canceled)
	}
	names, _ := a.List(context.Background())
	if len(names) != 0 {
		t.Errorf("List() = %v after cancelled Put, want empty", names)
	}
}
