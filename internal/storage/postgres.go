package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	uid          TEXT PRIMARY KEY,
	email        TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	photo_url    TEXT NOT NULL DEFAULT '',
	provider_id  TEXT NOT NULL DEFAULT 'password',
	role         TEXT NOT NULL DEFAULT 'user',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS projects_user_idx ON projects (user_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS files (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	language   TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
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
	duration_ms   BIGINT NOT NULL,
	request_ip    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_user_idx ON runs (user_id, created_at DESC);
`

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= config.MaxConns {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogRun inserts a run record into the history.
func (db *DB) LogRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, user_id, language, code_hash, compile_code, run_exit_code,
			signal, status, stdout_bytes, stderr_bytes, duration_ms, request_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.pool.Exec(ctx, query,
		run.ID, run.UserID, run.Language, run.CodeHash,
		run.CompileCode, run.RunExitCode, run.Signal, run.Status,
		run.StdoutBytes, run.StderrBytes, run.DurationMS,
		run.RequestIP, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run owned by userID.
func (db *DB) GetRun(ctx context.Context, userID, id string) (*Run, error) {
	query := `
		SELECT id, user_id, language, code_hash, compile_code, run_exit_code,
			signal, status, stdout_bytes, stderr_bytes, duration_ms, request_ip, created_at
		FROM runs WHERE id = $1 AND user_id = $2`

	var run Run
	err := db.pool.QueryRow(ctx, query, id, userID).Scan(
		&run.ID, &run.UserID, &run.Language, &run.CodeHash,
		&run.CompileCode, &run.RunExitCode, &run.Signal, &run.Status,
		&run.StdoutBytes, &run.StderrBytes, &run.DurationMS,
		&run.RequestIP, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns queries runs with optional filters, newest first.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `
		SELECT id, user_id, language, code_hash, compile_code, run_exit_code,
			signal, status, stdout_bytes, stderr_bytes, duration_ms, request_ip, created_at
		FROM runs
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.UserID, filter.Language, filter.Status, clampLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	results := []Run{}
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.UserID, &run.Language, &run.CodeHash,
			&run.CompileCode, &run.RunExitCode, &run.Signal, &run.Status,
			&run.StdoutBytes, &run.StderrBytes, &run.DurationMS,
			&run.RequestIP, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		results = append(results, run)
	}

	return results, rows.Err()
}

// EnsureUser returns the stored profile for u.UID, creating it from u when
// absent. An existing profile is never overwritten.
func (db *DB) EnsureUser(ctx context.Context, u User) (*User, error) {
	u.applyDefaults()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO users (uid, email, display_name, photo_url, provider_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uid) DO NOTHING`,
		u.UID, u.Email, u.DisplayName, u.PhotoURL, u.ProviderID, u.Role, u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ensuring user %s: %w", u.UID, err)
	}
	return db.GetUser(ctx, u.UID)
}

// GetUser returns the profile for uid.
func (db *DB) GetUser(ctx context.Context, uid string) (*User, error) {
	var u User
	err := db.pool.QueryRow(ctx, `
		SELECT uid, email, display_name, photo_url, provider_id, role, created_at
		FROM users WHERE uid = $1`, uid,
	).Scan(&u.UID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.ProviderID, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", uid, err)
	}
	return &u, nil
}

// UpdateUser applies the non-nil fields of upd.
func (db *DB) UpdateUser(ctx context.Context, uid string, upd UserUpdate) (*User, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE users SET
			display_name = COALESCE($2, display_name),
			photo_url    = COALESCE($3, photo_url)
		WHERE uid = $1`,
		uid, upd.DisplayName, upd.PhotoURL,
	)
	if err != nil {
		return nil, fmt.Errorf("updating user %s: %w", uid, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return db.GetUser(ctx, uid)
}

// ListProjects returns the user's projects with their files, most recently
// updated first.
func (db *DB) ListProjects(ctx context.Context, uid string) ([]Project, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, user_id, name, created_at, updated_at
		FROM projects WHERE user_id = $1
		ORDER BY updated_at DESC`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	index := make(map[string]int)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		p.Files = []File{}
		index[p.ID] = len(projects)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return projects, nil
	}

	frows, err := db.pool.Query(ctx, `
		SELECT f.id, f.project_id, f.filename, f.language, f.content, f.created_at, f.updated_at
		FROM files f JOIN projects p ON p.id = f.project_id
		WHERE p.user_id = $1
		ORDER BY f.created_at`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer frows.Close()

	for frows.Next() {
		var f File
		if err := frows.Scan(&f.ID, &f.ProjectID, &f.Filename, &f.Language, &f.Content, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		if i, ok := index[f.ProjectID]; ok {
			projects[i].Files = append(projects[i].Files, f)
		}
	}
	return projects, frows.Err()
}

// CreateProject creates an empty project.
func (db *DB) CreateProject(ctx context.Context, uid, name string) (*Project, error) {
	now := time.Now().UTC()
	p := &Project{ID: uuid.New().String(), UserID: uid, Name: name, CreatedAt: now, UpdatedAt: now}
	p.applyDefaults()

	_, err := db.pool.Exec(ctx, `
		INSERT INTO projects (id, user_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.UserID, p.Name, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting project: %w", err)
	}
	return p, nil
}

// RenameProject changes a project's name and bumps its updated_at.
func (db *DB) RenameProject(ctx context.Context, uid, projectID, name string) error {
	if name == "" {
		name = defaultProjectName
	}
	tag, err := db.pool.Exec(ctx, `
		UPDATE projects SET name = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2`,
		projectID, uid, name, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("renaming project %s: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes a project and all of its files.
func (db *DB) DeleteProject(ctx context.Context, uid, projectID string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM files WHERE project_id IN
			(SELECT id FROM projects WHERE id = $1 AND user_id = $2)`,
		projectID, uid,
	); err != nil {
		return fmt.Errorf("deleting files of project %s: %w", projectID, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1 AND user_id = $2`, projectID, uid)
	if err != nil {
		return fmt.Errorf("deleting project %s: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// touchProject bumps updated_at on a project owned by uid.
func touchProject(ctx context.Context, tx pgx.Tx, uid, projectID string, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE projects SET updated_at = $3
		WHERE id = $1 AND user_id = $2`,
		projectID, uid, now,
	)
	if err != nil {
		return fmt.Errorf("touching project %s: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFile adds a file to a project.
func (db *DB) CreateFile(ctx context.Context, uid, projectID string, f File) (*File, error) {
	now := time.Now().UTC()
	f.ID = uuid.New().String()
	f.ProjectID = projectID
	f.CreatedAt, f.UpdatedAt = now, now
	f.applyDefaults()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := touchProject(ctx, tx, uid, projectID, now); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO files (id, project_id, filename, language, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.ProjectID, f.Filename, f.Language, f.Content, f.CreatedAt, f.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting file: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing file: %w", err)
	}
	return &f, nil
}

// GetFile returns one file of a project owned by uid.
func (db *DB) GetFile(ctx context.Context, uid, projectID, fileID string) (*File, error) {
	var f File
	err := db.pool.QueryRow(ctx, `
		SELECT f.id, f.project_id, f.filename, f.language, f.content, f.created_at, f.updated_at
		FROM files f JOIN projects p ON p.id = f.project_id
		WHERE f.id = $1 AND f.project_id = $2 AND p.user_id = $3`,
		fileID, projectID, uid,
	).Scan(&f.ID, &f.ProjectID, &f.Filename, &f.Language, &f.Content, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying file %s: %w", fileID, err)
	}
	return &f, nil
}

// UpdateFile applies the non-nil fields of upd and bumps the project's
// updated_at.
func (db *DB) UpdateFile(ctx context.Context, uid, projectID, fileID string, upd FileUpdate) (*File, error) {
	now := time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := touchProject(ctx, tx, uid, projectID, now); err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE files SET
			filename   = COALESCE($3, filename),
			language   = COALESCE($4, language),
			content    = COALESCE($5, content),
			updated_at = $6
		WHERE id = $1 AND project_id = $2`,
		fileID, projectID, upd.Filename, upd.Language, upd.Content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("updating file %s: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing file: %w", err)
	}
	return db.GetFile(ctx, uid, projectID, fileID)
}

// DeleteFile removes a file and bumps the project's updated_at.
func (db *DB) DeleteFile(ctx context.Context, uid, projectID, fileID string) error {
	now := time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := touchProject(ctx, tx, uid, projectID, now); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM files WHERE id = $1 AND project_id = $2`, fileID, projectID)
	if err != nil {
		return fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
