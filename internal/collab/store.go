package collab

import (
	"context"
	"iter"
)

// ProjectStore owns project records and the append-only update log.
// Implementations must be safe for concurrent use by many sessions.
type ProjectStore interface {
	// Authenticate checks a challenge/response login. response must equal
	// HMAC-MD5(challenge) keyed by the user's stored password hash.
	// Returns ErrAuthInvalidUser for a bad user or password and
	// ErrAuthInvalidProtocol when the response has the wrong length.
	Authenticate(ctx context.Context, username string, challenge, response []byte) (*Account, error)

	// Project operations

	// CreateProject allocates a new project with a fresh random global id.
	CreateProject(ctx context.Context, owner, hash, description string, masks MaskPair) (*Project, error)

	// Project returns the project with the given local id, or ErrProjectNotFound.
	Project(ctx context.Context, id int64) (*Project, error)

	// ListProjects returns every project for a binary hash, including lineage descriptions.
	ListProjects(ctx context.Context, hash string) ([]*Project, error)

	// AllProjects returns every project known to the store.
	AllProjects(ctx context.Context) ([]*Project, error)

	// ResolveGlobalID maps a global id to a local id, or ErrProjectNotFound.
	ResolveGlobalID(ctx context.Context, globalID string) (int64, error)

	// UpdateProjectPermissions replaces a project's publish/subscribe limits.
	UpdateProjectPermissions(ctx context.Context, projectID int64, masks MaskPair) error

	// Lineage operations

	// Snapshot records a marker of projectID at upTo. The marker can only be forked.
	Snapshot(ctx context.Context, projectID, upTo int64, owner, description string) (*Project, error)

	// Fork creates a project whose log starts as a copy of every update in
	// projectID with id <= upTo. Copied updates keep their ids.
	Fork(ctx context.Context, projectID, upTo int64, owner, description string, masks MaskPair) (*Project, error)

	// ForkFromSnapshot forks the snapshot's parent at the snapshot's boundary.
	// Returns ErrNotSnapshot when snapshotID is not a snapshot marker.
	ForkFromSnapshot(ctx context.Context, snapshotID int64, owner, description string, masks MaskPair) (*Project, error)

	// ImportProject creates a project with an existing global id and appends
	// the given updates in order. The import is all-or-nothing.
	ImportProject(ctx context.Context, p ProjectImport, updates iter.Seq2[*Update, error]) (*Project, error)

	// Update log

	// AppendUpdate persists an update and returns its newly minted id.
	AppendUpdate(ctx context.Context, projectID int64, author, command string, payload []byte) (int64, error)

	// UpdatesSince yields the project's updates with id > last in ascending order.
	UpdatesSince(ctx context.Context, projectID, last int64) iter.Seq2[*Update, error]

	// CheckMigrations verifies the backing schema is current.
	CheckMigrations() error

	Close() error
}

// AccountStore manages user accounts for stores that keep them.
type AccountStore interface {
	// AddUser creates an account. passwordHash is the hex MD5 of the password.
	AddUser(ctx context.Context, username, passwordHash string, masks MaskPair) (*Account, error)
	ListUsers(ctx context.Context) ([]*Account, error)
	SetUserPermissions(ctx context.Context, username string, masks MaskPair) error
}
