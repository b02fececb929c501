package database

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the typed statements of the relational store.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a copy of q bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type User struct {
	Userid    int64
	Username  string
	Pwhash    string
	Pub       int64
	Sub       int64
	CreatedAt time.Time
}

type ProjectRow struct {
	Pid               int64
	Hash              string
	Gpid              string
	Description       string
	Owner             string
	Pub               int64
	Sub               int64
	Parent            sql.NullInt64
	ParentDescription string
	Snapupdateid      int64
	Protocol          int64
	CreatedAt         time.Time
}

type UpdateRow struct {
	Updateid  int64
	Pid       int64
	Username  string
	Cmd       string
	Json      string
	CreatedAt time.Time
}

// Users

const getUserByName = `
SELECT userid, username, pwhash, pub, sub, created_at FROM users WHERE username = ?`

func (q *Queries) GetUserByName(ctx context.Context, username string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, getUserByName, username).Scan(
		&u.Userid, &u.Username, &u.Pwhash, &u.Pub, &u.Sub, &u.CreatedAt)
	return u, err
}

type CreateUserParams struct {
	Username  string
	Pwhash    string
	Pub       int64
	Sub       int64
	CreatedAt time.Time
}

const createUser = `
INSERT INTO users (username, pwhash, pub, sub, created_at) VALUES (?, ?, ?, ?, ?)
RETURNING userid, username, pwhash, pub, sub, created_at`

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, createUser, arg.Username, arg.Pwhash, arg.Pub, arg.Sub, arg.CreatedAt).Scan(
		&u.Userid, &u.Username, &u.Pwhash, &u.Pub, &u.Sub, &u.CreatedAt)
	return u, err
}

const listUsers = `
SELECT userid, username, pwhash, pub, sub, created_at FROM users ORDER BY username`

func (q *Queries) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := q.db.QueryContext(ctx, listUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Userid, &u.Username, &u.Pwhash, &u.Pub, &u.Sub, &u.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

type UpdateUserPermissionsParams struct {
	Pub      int64
	Sub      int64
	Username string
}

const updateUserPermissions = `UPDATE users SET pub = ?, sub = ? WHERE username = ?`

func (q *Queries) UpdateUserPermissions(ctx context.Context, arg UpdateUserPermissionsParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateUserPermissions, arg.Pub, arg.Sub, arg.Username)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Projects

const projectColumns = `
p.pid, p.hash, p.gpid, p.description, p.owner, p.pub, p.sub, p.parent,
COALESCE(pp.description, ''), p.snapupdateid, p.protocol, p.created_at
FROM projects p LEFT JOIN projects pp ON pp.pid = p.parent`

func scanProject(row interface{ Scan(...any) error }) (ProjectRow, error) {
	var p ProjectRow
	err := row.Scan(&p.Pid, &p.Hash, &p.Gpid, &p.Description, &p.Owner, &p.Pub, &p.Sub, &p.Parent,
		&p.ParentDescription, &p.Snapupdateid, &p.Protocol, &p.CreatedAt)
	return p, err
}

type CreateProjectParams struct {
	Hash         string
	Gpid         string
	Description  string
	Owner        string
	Pub          int64
	Sub          int64
	Parent       sql.NullInt64
	Snapupdateid int64
	Protocol     int64
	CreatedAt    time.Time
}

const createProject = `
INSERT INTO projects (hash, gpid, description, owner, pub, sub, parent, snapupdateid, protocol, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING pid`

func (q *Queries) CreateProject(ctx context.Context, arg CreateProjectParams) (int64, error) {
	var pid int64
	err := q.db.QueryRowContext(ctx, createProject, arg.Hash, arg.Gpid, arg.Description, arg.Owner,
		arg.Pub, arg.Sub, arg.Parent, arg.Snapupdateid, arg.Protocol, arg.CreatedAt).Scan(&pid)
	return pid, err
}

const getProject = `SELECT ` + projectColumns + ` WHERE p.pid = ?`

func (q *Queries) GetProject(ctx context.Context, pid int64) (ProjectRow, error) {
	return scanProject(q.db.QueryRowContext(ctx, getProject, pid))
}

const listProjectsByHash = `SELECT ` + projectColumns + ` WHERE p.hash = ? ORDER BY p.pid`

func (q *Queries) ListProjectsByHash(ctx context.Context, hash string) ([]ProjectRow, error) {
	return q.listProjects(ctx, listProjectsByHash, hash)
}

const listAllProjects = `SELECT ` + projectColumns + ` ORDER BY p.pid`

func (q *Queries) ListAllProjects(ctx context.Context) ([]ProjectRow, error) {
	return q.listProjects(ctx, listAllProjects)
}

func (q *Queries) listProjects(ctx context.Context, query string, args ...any) ([]ProjectRow, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ProjectRow
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const getProjectIDByGpid = `SELECT pid FROM projects WHERE gpid = ?`

func (q *Queries) GetProjectIDByGpid(ctx context.Context, gpid string) (int64, error) {
	var pid int64
	err := q.db.QueryRowContext(ctx, getProjectIDByGpid, gpid).Scan(&pid)
	return pid, err
}

type UpdateProjectPermissionsParams struct {
	Pub int64
	Sub int64
	Pid int64
}

const updateProjectPermissions = `UPDATE projects SET pub = ?, sub = ? WHERE pid = ?`

func (q *Queries) UpdateProjectPermissions(ctx context.Context, arg UpdateProjectPermissionsParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateProjectPermissions, arg.Pub, arg.Sub, arg.Pid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const insertForkLink = `INSERT INTO forklist (child, parent) VALUES (?, ?)`

func (q *Queries) InsertForkLink(ctx context.Context, child, parent int64) error {
	_, err := q.db.ExecContext(ctx, insertForkLink, child, parent)
	return err
}

// Updates

const nextUpdateID = `UPDATE update_sequence SET last_id = last_id + 1 RETURNING last_id`

// NextUpdateID advances the global update counter. Call it inside the
// transaction that inserts the update.
func (q *Queries) NextUpdateID(ctx context.Context) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, nextUpdateID).Scan(&id)
	return id, err
}

type InsertUpdateParams struct {
	Updateid  int64
	Pid       int64
	Username  string
	Cmd       string
	Json      string
	CreatedAt time.Time
}

const insertUpdate = `
INSERT INTO updates (updateid, pid, username, cmd, json, created_at) VALUES (?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertUpdate(ctx context.Context, arg InsertUpdateParams) error {
	_, err := q.db.ExecContext(ctx, insertUpdate, arg.Updateid, arg.Pid, arg.Username, arg.Cmd, arg.Json, arg.CreatedAt)
	return err
}

type CopyUpdatesParams struct {
	To   int64
	From int64
	UpTo int64
}

const copyUpdates = `
INSERT INTO updates (updateid, pid, username, cmd, json, created_at)
SELECT updateid, ?, username, cmd, json, created_at FROM updates
WHERE pid = ? AND updateid <= ? ORDER BY updateid`

// CopyUpdates duplicates a prefix of one project's log into another,
// keeping update ids.
func (q *Queries) CopyUpdates(ctx context.Context, arg CopyUpdatesParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, copyUpdates, arg.To, arg.From, arg.UpTo)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type ListUpdatesSinceParams struct {
	Pid   int64
	After int64
	Limit int64
}

const listUpdatesSince = `
SELECT updateid, pid, username, cmd, json, created_at FROM updates
WHERE pid = ? AND updateid > ? ORDER BY updateid LIMIT ?`

func (q *Queries) ListUpdatesSince(ctx context.Context, arg ListUpdatesSinceParams) ([]UpdateRow, error) {
	rows, err := q.db.QueryContext(ctx, listUpdatesSince, arg.Pid, arg.After, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []UpdateRow
	for rows.Next() {
		var u UpdateRow
		if err := rows.Scan(&u.Updateid, &u.Pid, &u.Username, &u.Cmd, &u.Json, &u.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}
