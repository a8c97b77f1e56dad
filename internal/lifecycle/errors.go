package lifecycle

import (
	"errors"
	"fmt"

	"github.com/carryon-app/carryon-backend/internal/ratelimit"
	"github.com/carryon-app/carryon-backend/internal/safety"
)

// Sentinel errors for the failure classes the handlers map to HTTP codes.
var (
	// ErrNotFound means the request id does not exist.
	ErrNotFound = errors.New("delivery request not found")

	// ErrInvalidTransition is returned when an operation is attempted from
	// a state that does not permit it. A lost approval race surfaces as
	// this error, so the UI can explain "already taken".
	ErrInvalidTransition = errors.New("operation not allowed in current status")

	// ErrOtpMismatch means the supplied code did not match the stored OTP.
	// The request is unchanged and the caller may retry.
	ErrOtpMismatch = errors.New("otp does not match")

	// ErrNotParticipant means the caller is neither the sender nor the
	// approved rider of the request.
	ErrNotParticipant = errors.New("caller is not a participant of this request")

	// ErrRiderNotQueued means the rider being approved never asked to deliver.
	ErrRiderNotQueued = errors.New("rider is not in the request queue")

	// ErrValidationRejected wraps a content or physical-safety failure.
	ErrValidationRejected = errors.New("request failed safety validation")

	// ErrRateLimited wraps a denied quota check.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAutoFlagEnforced means a soft ban is active; every mutating
	// operation for the user fails closed until the ban expires.
	ErrAutoFlagEnforced = errors.New("account is temporarily restricted")
)

// ValidationError carries the full validator output so blocked attempts
// can be surfaced and logged with the exact matched terms.
type ValidationError struct {
	Content  safety.ContentResult
	Physical safety.PhysicalResult
}

func (e *ValidationError) Error() string {
	reason := e.Reason()
	if reason == "" {
		reason = "validation failed"
	}
	return fmt.Sprintf("safety validation rejected: %s", reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationRejected }

// Reason joins the content and physical reasons into one message.
func (e *ValidationError) Reason() string {
	switch {
	case e.Content.Reason != "" && e.Physical.Reason != "":
		return e.Content.Reason + "; " + e.Physical.Reason
	case e.Content.Reason != "":
		return e.Content.Reason
	default:
		return e.Physical.Reason
	}
}

// RateLimitError carries the remaining quota and reset time so callers
// can surface a retry-after.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.Decision.ResetAt.Format("15:04:05"))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
