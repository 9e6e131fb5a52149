// Package portal implements typed operations against the maimai DX NET
// portal using one bot's captured session, with retry, session-expiry
// detection, and structural HTML parsing.
package portal

import (
	"errors"
	"fmt"
)

// ErrSessionExpired signals that the bot's session is no longer valid.
// It is never retried and must propagate to the caller unmodified: the
// job stays claimable while the bot is taken out of rotation.
var ErrSessionExpired = errors.New("portal session expired")

// ErrUserNotFound is returned when a friend code resolves to no player.
var ErrUserNotFound = errors.New("user not found")

// RejectedError carries the portal's in-page error banner verbatim.
// Banner errors are portal-side rejections and are not retried.
type RejectedError struct {
	Message string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("portal rejected action: %s", e.Message)
}

// IsRejected reports whether err is a portal banner rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// StatusError is returned when the portal answers with an unexpected
// HTTP status. Server-side statuses are treated as transient.
type StatusError struct {
	Code int
	URL  string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("portal returned status %d for %s", e.Code, e.URL)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == 429
}
