package database

import (
	"fmt"
	"os"
	"path/filepath"

	"collabd/internal/collab"
	"collabd/internal/config"
)

// DatabaseFile is the SQLite file name inside the store's data_dir.
const DatabaseFile = "collabd.db"

// NewStoreFromConfig creates the ProjectStore selected by cfg.Type.
// A sqlite store is migrated to the latest schema before it is returned.
func NewStoreFromConfig(cfg config.StoreConfig, clock collab.Clock) (collab.ProjectStore, error) {
	switch cfg.Type {
	case "sqlite":
		store, err := OpenSQLiteFromConfig(cfg, clock)
		if err != nil {
			return nil, err
		}
		if err := store.MigrateUp(); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(clock), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// OpenSQLiteFromConfig opens the relational store without migrating it.
// Account management and offline commands need the concrete type.
func OpenSQLiteFromConfig(cfg config.StoreConfig, clock collab.Clock) (*SQLiteStore, error) {
	if cfg.Type != "sqlite" {
		return nil, fmt.Errorf("store type %q has no database; set [store] type = \"sqlite\"", cfg.Type)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir required for sqlite store")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return NewSQLiteStore(filepath.Join(cfg.DataDir, DatabaseFile), clock)
}
