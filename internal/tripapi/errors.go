package tripapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoCredentials  = errors.New("no credentials available")
	ErrInvalidPayload = errors.New("invalid trip payload")
)

// APIError is a non-2xx response from the trip backend.
type APIError struct {
	StatusCode int
	Message    string
	// Fields holds validation messages keyed by payload field, when the
	// backend reports them.
	Fields map[string][]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("trip api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("trip api: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

// IsRetryable reports whether repeating the request could succeed later.
// 4xx rejections other than 408 and 429 are final, as is a payload that is
// not valid JSON. Transport failures, timeouts and missing credentials are
// transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, ErrInvalidPayload)
}
