package testutil

import (
	"context"
	"testing"

	"collabd/internal/collab"
	"collabd/internal/database"
)

// NewTestSQLiteStore creates an in-memory SQLite store with migrations
// applied. The store is closed when the test completes.
func NewTestSQLiteStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	store := database.NewSQLiteStoreFromDB(sqlDB, FixedClock())
	if err := store.MigrateUp(); err != nil {
		store.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// AddUser creates an account with the given password and full permissions.
func AddUser(t *testing.T, store collab.AccountStore, username, password string) {
	t.Helper()

	full := collab.MaskPair{Publish: collab.FullPermissions, Subscribe: collab.FullPermissions}
	if _, err := store.AddUser(context.Background(), username, collab.HashPassword(password), full); err != nil {
		t.Fatalf("AddUser(%q) error = %v", username, err)
	}
}
