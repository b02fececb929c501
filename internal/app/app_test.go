package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"collabd/internal/collab"
	"collabd/internal/config"
	"collabd/internal/manage"
)

func testConfig(t *testing.T, storeType string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.NewConfig(dir)
	cfg.LogDir = filepath.Join(dir, "log")
	cfg.LogLevel = "error"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Management.Port = 0
	cfg.Store.Type = storeType
	cfg.Archive = config.ArchiveConfig{Type: "memory"}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	return cfg
}

func newTestApp(t *testing.T, storeType string) *CollabApp {
	t.Helper()

	a, err := NewCollabApp(context.Background(), testConfig(t, storeType))
	if err != nil {
		t.Fatalf("NewCollabApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewCollabApp_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"unknown store", func(c *config.Config) { c.Store.Type = "cassandra" }},
		{"unknown archive", func(c *config.Config) { c.Archive.Type = "tape" }},
		{"unknown encryption", func(c *config.Config) { c.Encryption.Type = "rot13" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "memory")
			tt.modify(cfg)
			if _, err := NewCollabApp(context.Background(), cfg); err == nil {
				t.Error("NewCollabApp() expected error")
			}
		})
	}
}

func TestCollabApp_Users(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite store", func(t *testing.T) {
		a := newTestApp(t, "sqlite")

		acct, err := a.AddUser(ctx, "alice", "secret", collab.MaskPair{Publish: 0xffffffff, Subscribe: 3})
		if err != nil {
			t.Fatalf("AddUser() error = %v", err)
		}
		if acct.Publish != collab.FullPermissions {
			t.Errorf("Publish = %#x, want clamped to %#x", acct.Publish, collab.FullPermissions)
		}

		if err := a.SetUserPermissions(ctx, "alice", collab.MaskPair{Publish: 1, Subscribe: 1}); err != nil {
			t.Fatalf("SetUserPermissions() error = %v", err)
		}
		users, err := a.ListUsers(ctx)
		if err != nil {
			t.Fatalf("ListUsers() error = %v", err)
		}
		if len(users) != 1 || users[0].Username != "alice" || users[0].Publish != 1 {
			t.Errorf("ListUsers() = %+v", users)
		}

		if _, err := a.AddUser(ctx, "bob", "", collab.MaskPair{}); err == nil {
			t.Error("AddUser() without password expected error")
		}
	})

	t.Run("memory store has no accounts", func(t *testing.T) {
		a := newTestApp(t, "memory")
		if _, err := a.ListUsers(ctx); !errors.Is(err, ErrNoAccounts) {
			t.Errorf("ListUsers() error = %v, want %v", err, ErrNoAccounts)
		}
	})
}

func TestCollabApp_ExportImport(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, "sqlite")

	p, err := a.Store().CreateProject(ctx, "alice", "cafebabe", "bootloader", collab.MaskPair{Publish: 7, Subscribe: 7})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if _, err := a.Store().AppendUpdate(ctx, p.ID, "alice", "comment", []byte(`{"type":"comment"}`)); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}

	if _, err := a.ExportProject(ctx, p.ID, "boot.cdx"); err != nil {
		t.Fatalf("ExportProject() error = %v", err)
	}
	names, err := a.ListExports(ctx)
	if err != nil || len(names) != 1 || names[0] != "boot.cdx" {
		t.Errorf("ListExports() = %v, %v", names, err)
	}
	if _, err := a.ImportProject(ctx, "boot.cdx", "bob", ""); !errors.Is(err, collab.ErrProjectExists) {
		t.Errorf("ImportProject() into same store error = %v, want %v", err, collab.ErrProjectExists)
	}

	all, err := a.ListProjects(ctx, "")
	if err != nil || len(all) != 1 {
		t.Errorf("ListProjects() = %v, %v", all, err)
	}
	none, err := a.ListProjects(ctx, "deadbeef")
	if err != nil || len(none) != 0 {
		t.Errorf("ListProjects(other hash) = %v, %v", none, err)
	}
}

func TestCollabApp_Start(t *testing.T) {
	a := newTestApp(t, "memory")

	r, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var challenge map[string]any
	if err := json.NewDecoder(conn).Decode(&challenge); err != nil {
		t.Fatalf("reading challenge: %v", err)
	}
	if challenge["type"] != collab.MsgInitialChallenge {
		t.Errorf("first message = %v, want initial_challenge", challenge)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := manage.Dial(ctx, r.ManagementAddr().String())
	if err != nil {
		t.Fatalf("manage.Dial() error = %v", err)
	}
	defer client.Close()

	conns, err := client.Connections(ctx)
	if err != nil {
		t.Fatalf("Connections() error = %v", err)
	}
	if len(conns) != 1 || conns[0].State != collab.StateUnauthenticated.String() {
		t.Errorf("Connections() = %+v", conns)
	}

	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	waited := make(chan error, 1)
	go func() { waited <- r.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	case <-time.After(ShutdownTimeout + 5*time.Second):
		t.Fatal("server did not stop after mng_shutdown")
	}
}

func TestCollabApp_StartManagementDisabled(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Management.Enabled = false
	a, err := NewCollabApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewCollabApp() error = %v", err)
	}
	defer a.Close()

	r, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if r.ManagementAddr() != nil {
		t.Error("ManagementAddr() should be nil when management is disabled")
	}
	r.Stop()
	if err := r.Wait(); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}
