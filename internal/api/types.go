package api

import "github.com/carlosmiguelhub/CyberCompiler/internal/storage"

// ErrorResponse is returned for workspace, history and middleware errors.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"` // ok, down, disabled
	Backend  string `json:"backend"`
	Uptime   string `json:"uptime"`
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
}

// ProjectRequest is the body of project create and rename.
type ProjectRequest struct {
	Name string `json:"name"`
}

// FileRequest is the body of file create.
type FileRequest struct {
	Filename string `json:"filename"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// FileRunRequest is the body of a saved-file run.
type FileRunRequest struct {
	Stdin string `json:"stdin"`
}

// RunList is the body of the run history listing.
type RunList struct {
	Runs []storage.Run `json:"runs"`
}
