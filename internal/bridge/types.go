package bridge

import "time"

// RunRequest is one submission from the editor.
type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

// Payload is the body sent to the execution backend.
type Payload struct {
	Language           string   `json:"language"`
	Version            string   `json:"version"`
	Files              []File   `json:"files"`
	Stdin              string   `json:"stdin"`
	Args               []string `json:"args"`
	CompileTimeout     int64    `json:"compile_timeout"` // ms
	RunTimeout         int64    `json:"run_timeout"`     // ms
	CompileMemoryLimit *int64   `json:"compile_memory_limit,omitempty"`
	RunMemoryLimit     *int64   `json:"run_memory_limit,omitempty"`
}

// File is a single source file in a Payload.
type File struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Stage is the result of one backend phase (compile or run).
type Stage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// Response is the execution backend's reply. Compile is nil for
// interpreted languages.
type Response struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Compile  *Stage `json:"compile,omitempty"`
	Run      *Stage `json:"run,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Outcome is the normalized result handed back to callers.
type Outcome struct {
	Language    string
	Stdout      string
	Stderr      string
	Output      string
	CompileCode *int
	RunExitCode *int
	Signal      *string
}

// Limits are the resource limits declared in every Payload. Memory limits
// follow the policy: 0 omits the field, -1 requests unbounded, >0 is bytes.
type Limits struct {
	CompileTimeout     time.Duration
	RunTimeout         time.Duration
	CompileMemoryLimit int64
	RunMemoryLimit     int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		CompileTimeout: 10 * time.Second,
		RunTimeout:     3 * time.Second,
	}
}
