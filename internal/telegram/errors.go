package telegram

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for remote failure classification.
// Use errors.Is(err, telegram.ErrRateLimited) to check.
var (
	ErrRateLimited  = errors.New("telegram: rate limited")
	ErrSlowMode     = errors.New("telegram: slow mode active")
	ErrNetwork      = errors.New("telegram: network error")
	ErrAuthFailed   = errors.New("telegram: authentication failed")
	ErrAccessDenied = errors.New("telegram: access denied")
	ErrInvalidData  = errors.New("telegram: invalid data")
	ErrNoTransport  = errors.New("telegram: no transport registered")
)

// WaitError wraps ErrRateLimited or ErrSlowMode with the server-advised
// wait interval. The download executor honors Wait verbatim and does not
// count the sleep against its retry budget.
type WaitError struct {
	Wait time.Duration
	Err  error // ErrRateLimited or ErrSlowMode
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%v (wait %s)", e.Err, e.Wait)
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

// RateLimited constructs a rate-limit error with the advised wait.
func RateLimited(wait time.Duration) error {
	return &WaitError{Wait: wait, Err: ErrRateLimited}
}

// SlowMode constructs a slow-mode error with the advised wait.
func SlowMode(wait time.Duration) error {
	return &WaitError{Wait: wait, Err: ErrSlowMode}
}

// AdvisedWait extracts the server-advised wait interval from an error
// chain. ok is false when the error carries no advised wait.
func AdvisedWait(err error) (wait time.Duration, ok bool) {
	var we *WaitError
	if errors.As(err, &we) {
		return we.Wait, true
	}

	return 0, false
}

// IsRetryable reports whether the error is transient: rate limiting,
// slow mode, and network failures are retried; everything else is
// terminal for the attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrSlowMode) ||
		errors.Is(err, ErrNetwork)
}
