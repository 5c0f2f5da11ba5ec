package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPG connects to DATABASE_URL and skips when it is unset. Every test uses
// fresh user ids so a shared database does not need to be empty.
func newPG(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres test in short mode")
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, Options{Driver: "postgres", DSN: dsn, MaxConns: 4, MinConns: 1})
	require.NoError(t, err)
	db := s.(*DB)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// uid returns a user id unique to this test run and removes its rows
// afterwards.
func uid(t *testing.T, db *DB, name string) string {
	t.Helper()
	id := name + "-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = db.pool.Exec(ctx, `DELETE FROM projects WHERE user_id = $1`, id)
		_, _ = db.pool.Exec(ctx, `DELETE FROM runs WHERE user_id = $1`, id)
		_, _ = db.pool.Exec(ctx, `DELETE FROM users WHERE uid = $1`, id)
	})
	return id
}

func TestPG_Healthy(t *testing.T) {
	db := newPG(t)
	assert.True(t, db.Healthy(context.Background()))
	// Migrate is idempotent.
	require.NoError(t, db.Migrate(context.Background()))
}

func TestPG_Runs(t *testing.T) {
	ctx := context.Background()
	db := newPG(t)
	alice, bob := uid(t, db, "alice"), uid(t, db, "bob")

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sig := "SIGKILL"
	id := func() string { return uuid.NewString() }
	runs := []*Run{
		{ID: id(), UserID: alice, Language: "python", CodeHash: "h1", RunExitCode: intp(0), Status: "success", StdoutBytes: 12, DurationMS: 40, CreatedAt: base},
		{ID: id(), UserID: alice, Language: "c", CodeHash: "h2", CompileCode: intp(1), Status: "success", StderrBytes: 80, DurationMS: 300, CreatedAt: base.Add(time.Minute)},
		{ID: id(), UserID: bob, Language: "javascript", CodeHash: "h3", Signal: &sig, Status: "success", CreatedAt: base.Add(2 * time.Minute)},
		{ID: id(), UserID: alice, Language: "python", CodeHash: "h4", Status: "backend_error", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range runs {
		require.NoError(t, db.LogRun(ctx, r))
	}

	got, err := db.GetRun(ctx, alice, runs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Language)
	require.NotNil(t, got.CompileCode)
	assert.Equal(t, 1, *got.CompileCode)
	assert.Nil(t, got.RunExitCode)
	assert.Nil(t, got.Signal)
	assert.Equal(t, 80, got.StderrBytes)
	assert.True(t, got.CreatedAt.Equal(base.Add(time.Minute)))

	got, err = db.GetRun(ctx, bob, runs[2].ID)
	require.NoError(t, err)
	require.NotNil(t, got.Signal)
	assert.Equal(t, "SIGKILL", *got.Signal)

	_, err = db.GetRun(ctx, bob, runs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound, "runs are scoped to their owner")

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"all for alice", RunFilter{UserID: alice}, []string{runs[3].ID, runs[1].ID, runs[0].ID}},
		{"by language", RunFilter{UserID: alice, Language: "python"}, []string{runs[3].ID, runs[0].ID}},
		{"by status", RunFilter{UserID: alice, Status: "backend_error"}, []string{runs[3].ID}},
		{"limit and offset", RunFilter{UserID: alice, Limit: 1, Offset: 1}, []string{runs[1].ID}},
		{"nobody", RunFilter{UserID: uid(t, db, "carol")}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := db.ListRuns(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, r := range list {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestPG_EnsureUser(t *testing.T) {
	ctx := context.Background()
	db := newPG(t)
	u1 := uid(t, db, "u1")

	u, err := db.EnsureUser(ctx, User{UID: u1, Email: "ada@example.com", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "user", u.Role)
	assert.Equal(t, "password", u.ProviderID)
	assert.False(t, u.CreatedAt.IsZero())

	again, err := db.EnsureUser(ctx, User{UID: u1, DisplayName: "Someone Else", Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.DisplayName)
	assert.Equal(t, "user", again.Role)

	name := "Ada L."
	upd, err := db.UpdateUser(ctx, u1, UserUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", upd.DisplayName)
	assert.Equal(t, "ada@example.com", upd.Email)

	ghost := uid(t, db, "ghost")
	_, err = db.UpdateUser(ctx, ghost, UserUpdate{DisplayName: &name})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetUser(ctx, ghost)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPG_ProjectsAndFiles(t *testing.T) {
	ctx := context.Background()
	db := newPG(t)
	u1 := uid(t, db, "u1")

	p, err := db.CreateProject(ctx, u1, "")
	require.NoError(t, err)
	assert.Equal(t, "Untitled", p.Name)

	other, err := db.CreateProject(ctx, u1, "Algorithms")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	f, err := db.CreateFile(ctx, u1, p.ID, File{})
	require.NoError(t, err)
	assert.Equal(t, "untitled.txt", f.Filename)
	assert.Equal(t, "text", f.Language)

	main, err := db.CreateFile(ctx, u1, p.ID, File{Filename: "main.py", Language: "python", Content: "print(1)"})
	require.NoError(t, err)

	list, err := db.ListProjects(ctx, u1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, p.ID, list[0].ID, "adding files bumps the project to the top")
	assert.Equal(t, other.ID, list[1].ID)
	require.Len(t, list[0].Files, 2)
	assert.Empty(t, list[1].Files)

	content := "print(2)"
	updated, err := db.UpdateFile(ctx, u1, p.ID, main.ID, FileUpdate{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, "print(2)", updated.Content)
	assert.Equal(t, "main.py", updated.Filename)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, db.RenameProject(ctx, u1, other.ID, "Graphs"))
	list, err = db.ListProjects(ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, "Graphs", list[0].Name)

	require.NoError(t, db.DeleteFile(ctx, u1, p.ID, f.ID))
	_, err = db.GetFile(ctx, u1, p.ID, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.DeleteProject(ctx, u1, p.ID))
	_, err = db.GetFile(ctx, u1, p.ID, main.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteProject(ctx, u1, p.ID), ErrNotFound)
}

func TestPG_OwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	db := newPG(t)
	alice, mallory := uid(t, db, "alice"), uid(t, db, "mallory")

	p, err := db.CreateProject(ctx, alice, "secret")
	require.NoError(t, err)
	f, err := db.CreateFile(ctx, alice, p.ID, File{Filename: "a.c", Language: "c"})
	require.NoError(t, err)

	content := "hijacked"
	_, err = db.CreateFile(ctx, mallory, p.ID, File{Filename: "x.py"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetFile(ctx, mallory, p.ID, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.UpdateFile(ctx, mallory, p.ID, f.ID, FileUpdate{Content: &content})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteFile(ctx, mallory, p.ID, f.ID), ErrNotFound)
	assert.ErrorIs(t, db.RenameProject(ctx, mallory, p.ID, "mine"), ErrNotFound)
	assert.ErrorIs(t, db.DeleteProject(ctx, mallory, p.ID), ErrNotFound)

	list, err := db.ListProjects(ctx, mallory)
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := db.GetFile(ctx, alice, p.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.Content)
}
