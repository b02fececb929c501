package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPaths(t *testing.T) {
	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("COLLABD_CONFIG_PATH", "/etc/collabd/collabd.toml")
		t.Setenv("COLLABD_HOME", "/srv/collabd")

		p, err := DefaultPaths()
		if err != nil {
			t.Fatalf("DefaultPaths() error = %v", err)
		}
		want := Paths{ConfigPath: "/etc/collabd/collabd.toml", BaseDir: "/srv/collabd"}
		if p != want {
			t.Errorf("DefaultPaths() = %+v, want %+v", p, want)
		}
	})

	t.Run("home directory fallback", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv("COLLABD_CONFIG_PATH", "")
		t.Setenv("COLLABD_HOME", "")

		p, err := DefaultPaths()
		if err != nil {
			t.Fatalf("DefaultPaths() error = %v", err)
		}
		if got, _ := os.UserHomeDir(); got != home {
			t.Skipf("HOME not honoured on this platform (%q)", got)
		}
		if p.ConfigPath != filepath.Join(home, ".config", "collabd.toml") {
			t.Errorf("ConfigPath = %q", p.ConfigPath)
		}
		if p.BaseDir != filepath.Join(home, ".local", "share", "collabd") {
			t.Errorf("BaseDir = %q", p.BaseDir)
		}
	})
}
