package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the locations collabd uses before a config file exists.
type Paths struct {
	// ConfigPath is COLLABD_CONFIG_PATH, else ~/.config/collabd.toml.
	ConfigPath string
	// BaseDir is COLLABD_HOME, else ~/.local/share/collabd. The database,
	// logs and exports default to directories beneath it.
	BaseDir string
}

// DefaultPaths resolves Paths from the environment and the home directory.
func DefaultPaths() (Paths, error) {
	configPath, err := envOrHome("COLLABD_CONFIG_PATH", ".config", "collabd.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := envOrHome("COLLABD_HOME", ".local", "share", "collabd")
	if err != nil {
		return Paths{}, err
	}
	return Paths{ConfigPath: configPath, BaseDir: baseDir}, nil
}

func envOrHome(key string, rel ...string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for %s: %w", key, err)
	}
	return filepath.Join(append([]string{home}, rel...)...), nil
}
