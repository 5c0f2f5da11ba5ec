package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix milliseconds.
const liteSchema = `
CREATE TABLE IF NOT EXISTS users (
	uid          TEXT PRIMARY KEY,
	email        TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	photo_url    TEXT NOT NULL DEFAULT '',
	provider_id  TEXT NOT NULL DEFAULT 'password',
	role         TEXT NOT NULL DEFAULT 'user',
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS projects_user_idx ON projects (user_id, updated_at);
CREATE TABLE IF NOT EXISTS files (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	language   TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS files_project_idx ON files (project_id);
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL DEFAULT '',
	language      TEXT NOT NULL,
	code_hash     TEXT NOT NULL,
	compile_code  INTEGER,
	run_exit_code INTEGER,
	signal        TEXT,
	status        TEXT NOT NULL,
	stdout_bytes  INTEGER NOT NULL,
	stderr_bytes  INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL,
	request_ip    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_user_idx ON runs (user_id, created_at);
`

// Lite is an embedded SQLite store for single-node deployments and tests.
type Lite struct {
	db *sql.DB
}

// OpenLite opens (or creates) the SQLite database at dsn and applies the
// schema. ":memory:" gives a private in-process database.
func OpenLite(ctx context.Context, dsn string) (*Lite, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// SQLite serializes writers; one connection also keeps a :memory:
	// database alive and shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, liteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("opened SQLite store")
	return &Lite{db: db}, nil
}

// Close closes the database.
func (l *Lite) Close() error {
	return l.db.Close()
}

// Healthy checks database connectivity.
func (l *Lite) Healthy(ctx context.Context) bool {
	return l.db.PingContext(ctx) == nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

type scanner interface {
	Scan(dest ...any) error
}

const liteRunColumns = `id, user_id, language, code_hash, compile_code, run_exit_code,
	signal, status, stdout_bytes, stderr_bytes, duration_ms, request_ip, created_at`

func scanLiteRun(s scanner) (*Run, error) {
	var (
		run     Run
		created int64
	)
	if err := s.Scan(
		&run.ID, &run.UserID, &run.Language, &run.CodeHash,
		&run.CompileCode, &run.RunExitCode, &run.Signal, &run.Status,
		&run.StdoutBytes, &run.StderrBytes, &run.DurationMS,
		&run.RequestIP, &created,
	); err != nil {
		return nil, err
	}
	run.CreatedAt = fromMillis(created)
	return &run, nil
}

// LogRun inserts a run record into the history.
func (l *Lite) LogRun(ctx context.Context, run *Run) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (`+liteRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserID, run.Language, run.CodeHash,
		run.CompileCode, run.RunExitCode, run.Signal, run.Status,
		run.StdoutBytes, run.StderrBytes, run.DurationMS,
		run.RequestIP, millis(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run owned by userID.
func (l *Lite) GetRun(ctx context.Context, userID, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+liteRunColumns+` FROM runs WHERE id = ? AND user_id = ?`, id, userID)
	run, err := scanLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns queries runs with optional filters, newest first.
func (l *Lite) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Language != "" {
		where = append(where, "language = ?")
		args = append(args, filter.Language)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + liteRunColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	results := []Run{}
	for rows.Next() {
		run, err := scanLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		results = append(results, *run)
	}
	return results, rows.Err()
}

// EnsureUser returns the stored profile for u.UID, creating it from u when
// absent. An existing profile is never overwritten.
func (l *Lite) EnsureUser(ctx context.Context, u User) (*User, error) {
	u.applyDefaults()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (uid, email, display_name, photo_url, provider_id, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO NOTHING`,
		u.UID, u.Email, u.DisplayName, u.PhotoURL, u.ProviderID, u.Role, millis(u.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("ensuring user %s: %w", u.UID, err)
	}
	return l.GetUser(ctx, u.UID)
}

// GetUser returns the profile for uid.
func (l *Lite) GetUser(ctx context.Context, uid string) (*User, error) {
	var (
		u       User
		created int64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT uid, email, display_name, photo_url, provider_id, role, created_at
		FROM users WHERE uid = ?`, uid,
	).Scan(&u.UID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.ProviderID, &u.Role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", uid, err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// UpdateUser applies the non-nil fields of upd.
func (l *Lite) UpdateUser(ctx context.Context, uid string, upd UserUpdate) (*User, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE users SET
			display_name = COALESCE(?, display_name),
			photo_url    = COALESCE(?, photo_url)
		WHERE uid = ?`,
		upd.DisplayName, upd.PhotoURL, uid,
	)
	if err != nil {
		return nil, fmt.Errorf("updating user %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return l.GetUser(ctx, uid)
}

// ListProjects returns the user's projects with their files, most recently
// updated first.
func (l *Lite) ListProjects(ctx context.Context, uid string) ([]Project, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, name, created_at, updated_at
		FROM projects WHERE user_id = ?
		ORDER BY updated_at DESC, rowid DESC`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}

	projects := []Project{}
	index := make(map[string]int)
	for rows.Next() {
		var (
			p                Project
			created, updated int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &created, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = fromMillis(created), fromMillis(updated)
		p.Files = []File{}
		index[p.ID] = len(projects)
		projects = append(projects, p)
	}
	// The single connection must be released before the next query.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return projects, nil
	}

	frows, err := l.db.QueryContext(ctx, `
		SELECT f.id, f.project_id, f.filename, f.language, f.content, f.created_at, f.updated_at
		FROM files f JOIN projects p ON p.id = f.project_id
		WHERE p.user_id = ?
		ORDER BY f.created_at, f.rowid`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer frows.Close()

	for frows.Next() {
		f, err := scanLiteFile(frows)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		if i, ok := index[f.ProjectID]; ok {
			projects[i].Files = append(projects[i].Files, *f)
		}
	}
	return projects, frows.Err()
}

func scanLiteFile(s scanner) (*File, error) {
	var (
		f                File
		created, updated int64
	)
	if err := s.Scan(&f.ID, &f.ProjectID, &f.Filename, &f.Language, &f.Content, &created, &updated); err != nil {
		return nil, err
	}
	f.CreatedAt, f.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &f, nil
}

// CreateProject creates an empty project.
func (l *Lite) CreateProject(ctx context.Context, uid, name string) (*Project, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := &Project{ID: uuid.New().String(), UserID: uid, Name: name, CreatedAt: now, UpdatedAt: now}
	p.applyDefaults()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, millis(p.CreatedAt), millis(p.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting project: %w", err)
	}
	return p, nil
}

// RenameProject changes a project's name and bumps its updated_at.
func (l *Lite) RenameProject(ctx context.Context, uid, projectID, name string) error {
	if name == "" {
		name = defaultProjectName
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		name, millis(time.Now()), projectID, uid,
	)
	if err != nil {
		return fmt.Errorf("renaming project %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes a project and all of its files.
func (l *Lite) DeleteProject(ctx context.Context, uid, projectID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM files WHERE project_id IN
			(SELECT id FROM projects WHERE id = ? AND user_id = ?)`,
		projectID, uid,
	); err != nil {
		return fmt.Errorf("deleting files of project %s: %w", projectID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ? AND user_id = ?`, projectID, uid)
	if err != nil {
		return fmt.Errorf("deleting project %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func touchLiteProject(ctx context.Context, tx *sql.Tx, uid, projectID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE projects SET updated_at = ?
		WHERE id = ? AND user_id = ?`,
		millis(now), projectID, uid,
	)
	if err != nil {
		return fmt.Errorf("touching project %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFile adds a file to a project.
func (l *Lite) CreateFile(ctx context.Context, uid, projectID string, f File) (*File, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	f.ID = uuid.New().String()
	f.ProjectID = projectID
	f.CreatedAt, f.UpdatedAt = now, now
	f.applyDefaults()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := touchLiteProject(ctx, tx, uid, projectID, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO files (id, project_id, filename, language, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.Filename, f.Language, f.Content, millis(now), millis(now),
	); err != nil {
		return nil, fmt.Errorf("inserting file: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing file: %w", err)
	}
	return &f, nil
}

// GetFile returns one file of a project owned by uid.
func (l *Lite) GetFile(ctx context.Context, uid, projectID, fileID string) (*File, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT f.id, f.project_id, f.filename, f.language, f.content, f.created_at, f.updated_at
		FROM files f JOIN projects p ON p.id = f.project_id
		WHERE f.id = ? AND f.project_id = ? AND p.user_id = ?`,
		fileID, projectID, uid,
	)
	f, err := scanLiteFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying file %s: %w", fileID, err)
	}
	return f, nil
}

// UpdateFile applies the non-nil fields of upd and bumps the project's
// updated_at.
func (l *Lite) UpdateFile(ctx context.Context, uid, projectID, fileID string, upd FileUpdate) (*File, error) {
	now := time.Now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := touchLiteProject(ctx, tx, uid, projectID, now); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE files SET
			filename   = COALESCE(?, filename),
			language   = COALESCE(?, language),
			content    = COALESCE(?, content),
			updated_at = ?
		WHERE id = ? AND project_id = ?`,
		upd.Filename, upd.Language, upd.Content, millis(now), fileID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating file %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing file: %w", err)
	}
	return l.GetFile(ctx, uid, projectID, fileID)
}

// DeleteFile removes a file and bumps the project's updated_at.
func (l *Lite) DeleteFile(ctx context.Context, uid, projectID, fileID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := touchLiteProject(ctx, tx, uid, projectID, time.Now()); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ? AND project_id = ?`, fileID, projectID)
	if err != nil {
		return fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
