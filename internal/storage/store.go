package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist or belongs to another
// user.
var ErrNotFound = errors.New("not found")

// RunLog persists the run history.
type RunLog interface {
	LogRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, userID, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// Workspace stores user profiles and their projects and files. Every
// operation is scoped to one user id.
type Workspace interface {
	EnsureUser(ctx context.Context, u User) (*User, error)
	GetUser(ctx context.Context, uid string) (*User, error)
	UpdateUser(ctx context.Context, uid string, upd UserUpdate) (*User, error)

	ListProjects(ctx context.Context, uid string) ([]Project, error)
	CreateProject(ctx context.Context, uid, name string) (*Project, error)
	RenameProject(ctx context.Context, uid, projectID, name string) error
	DeleteProject(ctx context.Context, uid, projectID string) error

	CreateFile(ctx context.Context, uid, projectID string, f File) (*File, error)
	GetFile(ctx context.Context, uid, projectID, fileID string) (*File, error)
	UpdateFile(ctx context.Context, uid, projectID, fileID string, upd FileUpdate) (*File, error)
	DeleteFile(ctx context.Context, uid, projectID, fileID string) error
}

// Store is a database backend serving both the workspace and run history.
type Store interface {
	Workspace
	RunLog
	Healthy(ctx context.Context) bool
	Close() error
}

// Options selects and tunes a Store.
type Options struct {
	Driver   string // "postgres" or "sqlite"
	DSN      string
	MaxConns int32
	MinConns int32

	ConnMaxLifetime time.Duration
}

// Open connects to the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "postgres":
		db, err := New(ctx, opts)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case "sqlite":
		return OpenLite(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
