package llm

import (
	"errors"
	"fmt"
)

// AuthError means the provider rejected our credentials. Retrying is
// pointless; the operator has to fix the key.
type AuthError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth rejected (status %d): %s", e.Provider, e.Status, e.Detail)
}

// TransientError covers transport failures, timeouts and 5xx responses.
// These are retried with backoff before the call degrades.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// QuotaError means the provider returned 429. The provider is marked
// unhealthy until the config changes or health is reset explicitly.
type QuotaError struct {
	Provider string
	Detail   string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exhausted: %s", e.Provider, e.Detail)
}

// errorKind maps an error to its wire-level kind for status reporting.
func errorKind(err error) string {
	var authErr *AuthError
	var quotaErr *QuotaError
	var transientErr *TransientError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &quotaErr):
		return "quota"
	case errors.As(err, &transientErr):
		return "transient"
	default:
		return "unknown"
	}
}
