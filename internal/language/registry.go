package language

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsupportedLanguage is returned when a language id is not registered.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Language is a user-facing language identifier as sent by the editor.
type Language string

const (
	JavaScript Language = "javascript"
	Python     Language = "python"
	C          Language = "c"
)

// Spec is the backend identifier bundle for one supported language.
type Spec struct {
	ID             Language `json:"id"`
	BackendID      string   `json:"backend_id"`
	BackendVersion string   `json:"version"`
	Filename       string   `json:"filename"`
}

// UnsupportedError carries the rejected id so callers can report it verbatim.
type UnsupportedError struct {
	ID string
}

func (e *UnsupportedError) Error() string {
	return "Unsupported language: " + e.ID
}

func (e *UnsupportedError) Unwrap() error {
	return ErrUnsupportedLanguage
}

// All returns the supported languages in display order.
func All() []Language {
	return []Language{JavaScript, Python, C}
}

// Spec returns the backend bundle for l. The switch must cover every
// constant above; registry_test.go fails if one is missing.
func (l Language) Spec() (Spec, bool) {
	switch l {
	case JavaScript:
		return Spec{ID: l, BackendID: "javascript", BackendVersion: "18.15.0", Filename: "main.js"}, true
	case Python:
		return Spec{ID: l, BackendID: "python", BackendVersion: "3.10.0", Filename: "main.py"}, true
	case C:
		// Pinned: the backend's default C toolchain produces poor diagnostics.
		return Spec{ID: l, BackendID: "c", BackendVersion: "10.2.0", Filename: "main.c"}, true
	default:
		return Spec{}, false
	}
}

// Resolve maps a user-facing id to its Spec.
func Resolve(id string) (Spec, error) {
	if id == "" {
		return Spec{}, &UnsupportedError{ID: id}
	}
	spec, ok := Language(id).Spec()
	if !ok {
		return Spec{}, &UnsupportedError{ID: id}
	}
	return spec, nil
}

// Specs returns the Spec of every supported language.
func Specs() []Spec {
	out := make([]Spec, 0, len(All()))
	for _, l := range All() {
		spec, _ := l.Spec()
		out = append(out, spec)
	}
	return out
}

// DetectFromFilename guesses the language from a file extension.
func DetectFromFilename(name string) (Language, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "", false
	}
	for _, l := range All() {
		spec, _ := l.Spec()
		if filepath.Ext(spec.Filename) == ext {
			return l, true
		}
	}
	return "", false
}
