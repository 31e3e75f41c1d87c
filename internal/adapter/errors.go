package adapter

import "errors"

// ErrSessionExpired signals that the portal redirected to its login page.
// It is intercepted by the session guard and never counted as a document
// failure or retried by the backoff policy.
var ErrSessionExpired = errors.New("adapter: session expired")

// TransientError wraps failures worth retrying: network hiccups, navigation
// timeouts, stale listing rows.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError wraps failures no retry can fix: missing download control,
// malformed record, unsupported document type.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsRetryable reports whether the backoff policy should try err again.
// Session expiry is explicitly not retryable here; the guard owns it.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) || errors.Is(err, ErrSessionExpired) {
		return false
	}
	return true
}
