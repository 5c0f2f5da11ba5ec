package bridge

import (
	"errors"

	"github.com/carlosmiguelhub/CyberCompiler/internal/language"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidRequest      = errors.New("language and code are required")
	ErrUnsupportedLanguage = language.ErrUnsupportedLanguage
	ErrBackendFailure      = errors.New("execution backend failure")
)

// IsUserError reports whether err is caused by the request itself and
// should be surfaced to the caller as-is.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnsupportedLanguage)
}

// detailer is implemented by backend errors that carry a message from the
// execution service.
type detailer interface {
	Detail() string
}

// backendDetail extracts the execution service's own message, if any.
func backendDetail(err error) string {
	var d detailer
	if errors.As(err, &d) {
		return d.Detail()
	}
	return ""
}
