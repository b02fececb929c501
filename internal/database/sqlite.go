package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/mattn/go-sqlite3"

	"collabd/internal/collab"
	"collabd/internal/database/migrations"
)

const (
	updatePageSize = 512
	gpidAttempts   = 5
)

// SQLiteStore implements collab.ProjectStore and collab.AccountStore on SQLite.
type SQLiteStore struct {
	db      *sql.DB
	queries *Queries
	clock   collab.Clock
}

// NewSQLiteStore opens the database at path. path can be a file path or
// ":memory:". The schema is not migrated here; see MigrateUp.
func NewSQLiteStore(path string, clock collab.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStoreFromDB(db, clock), nil
}

// NewSQLiteStoreFromDB wraps an existing, already configured connection.
func NewSQLiteStoreFromDB(db *sql.DB, clock collab.Clock) *SQLiteStore {
	if clock == nil {
		clock = collab.SystemClock
	}
	return &SQLiteStore{
		db:      db,
		queries: NewQueries(db),
		clock:   clock,
	}
}

// OpenConnection opens and configures a SQLite connection.
// All access goes through one connection: writes are serialized by SQLite
// anyway and ":memory:" databases exist per connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return db, nil
}

// MigrateUp applies pending schema migrations.
func (s *SQLiteStore) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// Authentication

func (s *SQLiteStore) Authenticate(ctx context.Context, username string, challenge, response []byte) (*collab.Account, error) {
	u, err := s.queries.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, collab.ErrAuthInvalidUser
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if err := collab.VerifyResponse(u.Pwhash, challenge, response); err != nil {
		return nil, err
	}
	return toAccount(u), nil
}

// Project operations

func (s *SQLiteStore) CreateProject(ctx context.Context, owner, hash, description string, masks collab.MaskPair) (*collab.Project, error) {
	var lastErr error
	for range gpidAttempts {
		gpid, err := collab.NewGlobalID()
		if err != nil {
			return nil, err
		}
		pid, err := s.queries.CreateProject(ctx, CreateProjectParams{
			Hash:        hash,
			Gpid:        gpid,
			Description: description,
			Owner:       owner,
			Pub:         int64(masks.Publish),
			Sub:         int64(masks.Subscribe),
			Protocol:    collab.ProtocolVersion,
			CreatedAt:   s.clock.Now(),
		})
		if err == nil {
			return s.Project(ctx, pid)
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("creating project: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("creating project: no unique global id after %d attempts: %w", gpidAttempts, lastErr)
}

func (s *SQLiteStore) Project(ctx context.Context, id int64) (*collab.Project, error) {
	row, err := s.queries.GetProject(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, collab.ErrProjectNotFound
		}
		return nil, fmt.Errorf("loading project %d: %w", id, err)
	}
	return toProject(row), nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context, hash string) ([]*collab.Project, error) {
	rows, err := s.queries.ListProjectsByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return toProjects(rows), nil
}

func (s *SQLiteStore) AllProjects(ctx context.Context) ([]*collab.Project, error) {
	rows, err := s.queries.ListAllProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return toProjects(rows), nil
}

func (s *SQLiteStore) ResolveGlobalID(ctx context.Context, globalID string) (int64, error) {
	pid, err := s.queries.GetProjectIDByGpid(ctx, globalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, collab.ErrProjectNotFound
		}
		return 0, fmt.Errorf("resolving global id: %w", err)
	}
	return pid, nil
}

func (s *SQLiteStore) UpdateProjectPermissions(ctx context.Context, projectID int64, masks collab.MaskPair) error {
	n, err := s.queries.UpdateProjectPermissions(ctx, UpdateProjectPermissionsParams{
		Pub: int64(masks.Publish),
		Sub: int64(masks.Subscribe),
		Pid: projectID,
	})
	if err != nil {
		return fmt.Errorf("updating project permissions: %w", err)
	}
	if n == 0 {
		return collab.ErrProjectNotFound
	}
	return nil
}

// Lineage operations

func (s *SQLiteStore) Snapshot(ctx context.Context, projectID, upTo int64, owner, description string) (*collab.Project, error) {
	if upTo <= 0 {
		return nil, collab.ErrInvalidUpdateID
	}
	parent, err := s.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var pid int64
	err = s.withTx(ctx, func(q *Queries) error {
		gpid, err := s.uniqueGlobalID(ctx, q)
		if err != nil {
			return err
		}
		pid, err = q.CreateProject(ctx, CreateProjectParams{
			Hash:         parent.Hash,
			Gpid:         gpid,
			Description:  description,
			Owner:        owner,
			Pub:          int64(parent.Publish),
			Sub:          int64(parent.Subscribe),
			Parent:       sql.NullInt64{Int64: parent.ID, Valid: true},
			Snapupdateid: upTo,
			Protocol:     collab.ProtocolVersion,
			CreatedAt:    s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("creating snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Project(ctx, pid)
}

func (s *SQLiteStore) Fork(ctx context.Context, projectID, upTo int64, owner, description string, masks collab.MaskPair) (*collab.Project, error) {
	if upTo <= 0 {
		return nil, collab.ErrInvalidUpdateID
	}
	source, err := s.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.fork(ctx, source, upTo, owner, description, masks)
}

func (s *SQLiteStore) ForkFromSnapshot(ctx context.Context, snapshotID int64, owner, description string, masks collab.MaskPair) (*collab.Project, error) {
	snap, err := s.Project(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if !snap.IsSnapshot() {
		return nil, collab.ErrNotSnapshot
	}
	source, err := s.Project(ctx, snap.ParentID)
	if err != nil {
		return nil, err
	}
	return s.fork(ctx, source, snap.SnapshotUpdateID, owner, description, masks)
}

// fork creates the child, links it to source, and copies the log prefix in
// one transaction.
func (s *SQLiteStore) fork(ctx context.Context, source *collab.Project, upTo int64, owner, description string, masks collab.MaskPair) (*collab.Project, error) {
	var pid int64
	err := s.withTx(ctx, func(q *Queries) error {
		gpid, err := s.uniqueGlobalID(ctx, q)
		if err != nil {
			return err
		}
		pid, err = q.CreateProject(ctx, CreateProjectParams{
			Hash:        source.Hash,
			Gpid:        gpid,
			Description: description,
			Owner:       owner,
			Pub:         int64(masks.Publish),
			Sub:         int64(masks.Subscribe),
			Parent:      sql.NullInt64{Int64: source.ID, Valid: true},
			Protocol:    collab.ProtocolVersion,
			CreatedAt:   s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("creating fork: %w", err)
		}
		if err := q.InsertForkLink(ctx, pid, source.ID); err != nil {
			return fmt.Errorf("recording fork lineage: %w", err)
		}
		if _, err := q.CopyUpdates(ctx, CopyUpdatesParams{To: pid, From: source.ID, UpTo: upTo}); err != nil {
			return fmt.Errorf("copying updates: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Project(ctx, pid)
}

func (s *SQLiteStore) ImportProject(ctx context.Context, p collab.ProjectImport, updates iter.Seq2[*collab.Update, error]) (*collab.Project, error) {
	if !collab.ValidGlobalID(p.GlobalID) {
		return nil, fmt.Errorf("importing project: invalid global id %q", p.GlobalID)
	}

	var pid int64
	err := s.withTx(ctx, func(q *Queries) error {
		if _, err := q.GetProjectIDByGpid(ctx, p.GlobalID); err == nil {
			return collab.ErrProjectExists
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking global id: %w", err)
		}

		var err error
		pid, err = q.CreateProject(ctx, CreateProjectParams{
			Hash:        p.Hash,
			Gpid:        p.GlobalID,
			Description: p.Description,
			Owner:       p.Owner,
			Pub:         int64(collab.ClampMask(p.Publish)),
			Sub:         int64(collab.ClampMask(p.Subscribe)),
			Protocol:    collab.ProtocolVersion,
			CreatedAt:   s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("creating imported project: %w", err)
		}

		for u, err := range updates {
			if err != nil {
				return fmt.Errorf("reading imported update: %w", err)
			}
			if _, err := appendUpdate(ctx, q, pid, u.Author, u.Command, u.Payload, s.clock); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Project(ctx, pid)
}

// Update log

func (s *SQLiteStore) AppendUpdate(ctx context.Context, projectID int64, author, command string, payload []byte) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(q *Queries) error {
		var err error
		id, err = appendUpdate(ctx, q, projectID, author, command, payload, s.clock)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func appendUpdate(ctx context.Context, q *Queries, projectID int64, author, command string, payload []byte, clock collab.Clock) (int64, error) {
	id, err := q.NextUpdateID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocating update id: %w", err)
	}
	err = q.InsertUpdate(ctx, InsertUpdateParams{
		Updateid:  id,
		Pid:       projectID,
		Username:  author,
		Cmd:       command,
		Json:      string(payload),
		CreatedAt: clock.Now(),
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, collab.ErrProjectNotFound
		}
		return 0, fmt.Errorf("inserting update: %w", err)
	}
	return id, nil
}

// UpdatesSince pages through the log so no rows are held open while the
// caller consumes updates.
func (s *SQLiteStore) UpdatesSince(ctx context.Context, projectID, last int64) iter.Seq2[*collab.Update, error] {
	return func(yield func(*collab.Update, error) bool) {
		after := last
		for {
			rows, err := s.queries.ListUpdatesSince(ctx, ListUpdatesSinceParams{
				Pid:   projectID,
				After: after,
				Limit: updatePageSize,
			})
			if err != nil {
				yield(nil, fmt.Errorf("listing updates: %w", err))
				return
			}
			for _, r := range rows {
				if !yield(toUpdate(r), nil) {
					return
				}
				after = r.Updateid
			}
			if len(rows) < updatePageSize {
				return
			}
		}
	}
}

// Accounts

func (s *SQLiteStore) AddUser(ctx context.Context, username, passwordHash string, masks collab.MaskPair) (*collab.Account, error) {
	u, err := s.queries.CreateUser(ctx, CreateUserParams{
		Username:  username,
		Pwhash:    passwordHash,
		Pub:       int64(collab.ClampMask(masks.Publish)),
		Sub:       int64(collab.ClampMask(masks.Subscribe)),
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, collab.ErrUserExists
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return toAccount(u), nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*collab.Account, error) {
	users, err := s.queries.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	out := make([]*collab.Account, 0, len(users))
	for _, u := range users {
		out = append(out, toAccount(u))
	}
	return out, nil
}

func (s *SQLiteStore) SetUserPermissions(ctx context.Context, username string, masks collab.MaskPair) error {
	n, err := s.queries.UpdateUserPermissions(ctx, UpdateUserPermissionsParams{
		Pub:      int64(collab.ClampMask(masks.Publish)),
		Sub:      int64(collab.ClampMask(masks.Subscribe)),
		Username: username,
	})
	if err != nil {
		return fmt.Errorf("updating user permissions: %w", err)
	}
	if n == 0 {
		return collab.ErrUserNotFound
	}
	return nil
}

// MigrationStatus reports the applied and latest schema versions.
func (s *SQLiteStore) MigrationStatus() (migrations.Status, error) {
	return migrations.ReadStatus(s.db)
}

// Schema returns the CREATE statements of the migrated database, tables
// first, excluding SQLite internals and the migration bookkeeping table.
func (s *SQLiteStore) Schema(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name`)
	if err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scanning schema: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	return b.String(), nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// uniqueGlobalID draws random global ids until one is unused.
func (s *SQLiteStore) uniqueGlobalID(ctx context.Context, q *Queries) (string, error) {
	for range gpidAttempts {
		gpid, err := collab.NewGlobalID()
		if err != nil {
			return "", err
		}
		if _, err := q.GetProjectIDByGpid(ctx, gpid); errors.Is(err, sql.ErrNoRows) {
			return gpid, nil
		} else if err != nil {
			return "", fmt.Errorf("checking global id: %w", err)
		}
	}
	return "", fmt.Errorf("no unique global id after %d attempts", gpidAttempts)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func toAccount(u User) *collab.Account {
	return &collab.Account{
		ID:        u.Userid,
		Username:  u.Username,
		Publish:   uint64(u.Pub),
		Subscribe: uint64(u.Sub),
	}
}

func toProject(r ProjectRow) *collab.Project {
	p := &collab.Project{
		ID:                r.Pid,
		GlobalID:          r.Gpid,
		Hash:              r.Hash,
		Description:       r.Description,
		Owner:             r.Owner,
		Publish:           uint64(r.Pub),
		Subscribe:         uint64(r.Sub),
		ParentDescription: r.ParentDescription,
		SnapshotUpdateID:  r.Snapupdateid,
		ProtocolVersion:   int(r.Protocol),
		CreatedAt:         r.CreatedAt,
	}
	if r.Parent.Valid {
		p.ParentID = r.Parent.Int64
	}
	return p
}

func toProjects(rows []ProjectRow) []*collab.Project {
	out := make([]*collab.Project, 0, len(rows))
	for _, r := range rows {
		out = append(out, toProject(r))
	}
	return out
}

func toUpdate(r UpdateRow) *collab.Update {
	return &collab.Update{
		ID:        r.Updateid,
		ProjectID: r.Pid,
		Author:    r.Username,
		Command:   r.Cmd,
		Payload:   []byte(r.Json),
		CreatedAt: r.CreatedAt,
	}
}

var (
	_ collab.ProjectStore = (*SQLiteStore)(nil)
	_ collab.AccountStore = (*SQLiteStore)(nil)
)
