package storage

import "time"

// Run is one execution request recorded in the run history.
type Run struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id,omitempty" db:"user_id"`
	Language    string    `json:"language" db:"language"`
	CodeHash    string    `json:"code_hash" db:"code_hash"`
	CompileCode *int      `json:"compile_code" db:"compile_code"`
	RunExitCode *int      `json:"run_exit_code" db:"run_exit_code"`
	Signal      *string   `json:"signal,omitempty" db:"signal"`
	Status      string    `json:"status" db:"status"` // success, backend_error
	StdoutBytes int       `json:"stdout_bytes" db:"stdout_bytes"`
	StderrBytes int       `json:"stderr_bytes" db:"stderr_bytes"`
	DurationMS  int64     `json:"duration_ms" db:"duration_ms"`
	RequestIP   string    `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// RunFilter provides criteria for querying the run history.
type RunFilter struct {
	UserID   string
	Language string
	Status   string
	Limit    int
	Offset   int
}

// User is a profile record keyed by the identity provider's uid.
type User struct {
	UID         string    `json:"uid" db:"uid"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	PhotoURL    string    `json:"photo_url,omitempty" db:"photo_url"`
	ProviderID  string    `json:"provider_id" db:"provider_id"`
	Role        string    `json:"role" db:"role"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// UserUpdate carries the profile fields a user may change. Nil fields are
// left untouched.
type UserUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	PhotoURL    *string `json:"photo_url,omitempty"`
}

// Project groups a user's files.
type Project struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"-" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Files     []File    `json:"files"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// File is a source file inside a project.
type File struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	Filename  string    `json:"filename" db:"filename"`
	Language  string    `json:"language" db:"language"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FileUpdate carries the file fields to change. Nil fields are left
// untouched.
type FileUpdate struct {
	Filename *string `json:"filename,omitempty"`
	Language *string `json:"language,omitempty"`
	Content  *string `json:"content,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u FileUpdate) Empty() bool {
	return u.Filename == nil && u.Language == nil && u.Content == nil
}

const (
	defaultProjectName = "Untitled"
	defaultFilename    = "untitled.txt"
	defaultFileLang    = "text"
	defaultRole        = "user"
	defaultProvider    = "password"
)

func (p *Project) applyDefaults() {
	if p.Name == "" {
		p.Name = defaultProjectName
	}
	if p.Files == nil {
		p.Files = []File{}
	}
}

func (f *File) applyDefaults() {
	if f.Filename == "" {
		f.Filename = defaultFilename
	}
	if f.Language == "" {
		f.Language = defaultFileLang
	}
}

func (u *User) applyDefaults() {
	if u.Role == "" {
		u.Role = defaultRole
	}
	if u.ProviderID == "" {
		u.ProviderID = defaultProvider
	}
}
