package models

import "errors"

// Auth errors returned by the token authority. Verification failures are
// surfaced to the caller as-is, never retried internally.
var (
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrTokenRevoked    = errors.New("token revoked")
	ErrTokenReused     = errors.New("refresh token reused")
	ErrAccountNotFound = errors.New("account not found")
)

// Quota errors returned by the ledger.
var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrConcurrencyLimit = errors.New("concurrent job limit reached")
)

// Job errors returned by the orchestrator.
var (
	ErrUnavailable   = errors.New("no worker capacity available")
	ErrJobTimeout    = errors.New("job exceeded maximum duration")
	ErrWorkerFailure = errors.New("worker failure")
	ErrJobCanceled   = errors.New("job canceled")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobFinished   = errors.New("job already in a terminal state")
)

// Delivery errors.
var (
	ErrSessionLost     = errors.New("delivery session lost")
	ErrStreamNotFound  = errors.New("no stream open for job")
	ErrSessionReplaced = errors.New("session replaced by a newer connection")
)

// Error codes carried on job rows and wire frames.
const (
	ErrorCodeQuotaExceeded = "quota_exceeded"
	ErrorCodeUnavailable   = "unavailable"
	ErrorCodeTimeout       = "timeout"
	ErrorCodeWorkerFailure = "worker_failure"
	ErrorCodeCanceled      = "canceled"
)

// ErrorCodeFor maps a job error to its wire code.
func ErrorCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return ErrorCodeQuotaExceeded
	case errors.Is(err, ErrUnavailable):
		return ErrorCodeUnavailable
	case errors.Is(err, ErrJobTimeout):
		return ErrorCodeTimeout
	case errors.Is(err, ErrJobCanceled):
		return ErrorCodeCanceled
	default:
		return ErrorCodeWorkerFailure
	}
}
