package turbodl

import "fmt"

// Kind classifies a terminal or retryable failure observed by the engine.
// See spec §7 for the full error table this mirrors.
type Kind int

const (
	// KindInvalidURL means the URL was malformed or used an unsupported scheme.
	KindInvalidURL Kind = iota
	// KindNetworkUnreachable means DNS resolution or connect failed.
	KindNetworkUnreachable
	// KindRemoteError means the origin returned a non-2xx/206 status.
	KindRemoteError
	// KindUnidentifiedFileSize means neither Content-Length nor Content-Range was present.
	KindUnidentifiedFileSize
	// KindInactivityTimeout means no bytes arrived within the inactivity window.
	KindInactivityTimeout
	// KindJobTimeout means the overall job deadline elapsed.
	KindJobTimeout
	// KindHashMismatch means the post-download hash didn't match expected_hash.
	KindHashMismatch
	// KindIOError means a local filesystem operation (write, rename, stat) failed.
	KindIOError
	// KindInterrupted means the caller canceled the job.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "InvalidURL"
	case KindNetworkUnreachable:
		return "NetworkUnreachable"
	case KindRemoteError:
		return "RemoteError"
	case KindUnidentifiedFileSize:
		return "UnidentifiedFileSize"
	case KindInactivityTimeout:
		return "InactivityTimeout"
	case KindJobTimeout:
		return "JobTimeout"
	case KindHashMismatch:
		return "HashMismatch"
	case KindIOError:
		return "IOError"
	case KindInterrupted:
		return "DownloadInterrupted"
	default:
		return "Unknown"
	}
}

// Error is the error type returned from every public turbodl operation.
type Error struct {
	Kind      Kind
	Status    int // populated for KindRemoteError; 0 otherwise
	retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("turbodl: %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("turbodl: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the worker pool should retry the operation
// that produced this error, per the table in spec §7.
func (e *Error) Retryable() bool {
	return e.retryable
}

func newError(kind Kind, retryable bool, err error) *Error {
	return &Error{Kind: kind, retryable: retryable, Err: err}
}

func remoteError(status int, err error) *Error {
	retryable := status == 408 || status == 425 || status == 429 || status >= 500
	return &Error{Kind: KindRemoteError, Status: status, retryable: retryable, Err: err}
}

// IsRetryable reports whether err (if a *Error) is marked retryable.
// Non-turbodl errors are treated as retryable network faults, matching
// the teacher's approach of retrying anything that isn't an explicit
// non-2xx status (retryclient.go's ErrStatusNope).
func IsRetryable(err error) bool {
	var te *Error
	if ok := asError(err, &te); ok {
		return te.Retryable()
	}
	return true
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
