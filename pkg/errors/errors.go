package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// Dispatch errors. Each maps to a recovery action in the dispatcher.
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRateLimited       = errors.New("rate limited")
	ErrOutOfWindow       = errors.New("out of calling window")
	ErrProvider          = errors.New("voice provider error")
	ErrCampaignNotActive = errors.New("campaign not active")
	ErrNoPhoneNumbers    = errors.New("no phone numbers configured")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// Retryable reports whether the failure is transient for the current attempt
// and the lead should be deferred instead of consuming an attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrOutOfWindow) ||
		errors.Is(err, ErrUnavailable)
}
