// Package services holds the bridge's business logic: account provisioning,
// identity resolution, room topology, notification routing, messaging, and
// the user directory. This file centralizes the error taxonomy shared by all
// services so handlers can translate errors into HTTP status codes in one place.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-messenger-bridge/internal/matrix"
)

var (
	// ErrAuthentication covers missing, invalid, or expired tokens and tokens
	// whose subject has no identity.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization covers a wrong service secret or an insufficient role.
	ErrAuthorization = errors.New("not authorized")

	// ErrNotFound indicates a missing identity or room reference.
	ErrNotFound = errors.New("not found")

	// ErrNotProvisioned is returned when an operation needs a chat credential
	// the identity does not hold yet.
	ErrNotProvisioned = errors.New("identity has no chat account")

	// ErrInvalidInput rejects malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrExternalAccessDisabled is returned when external client credentials
	// are requested but not enabled for the identity.
	ErrExternalAccessDisabled = fmt.Errorf("%w: external client access is disabled", ErrAuthorization)

	// ErrBotUnavailable is returned when the notification bot is not provisioned.
	ErrBotUnavailable = errors.New("notification bot is not provisioned")
)

// UpstreamError wraps any failure talking to the chat backend: non-success
// responses, network errors, and an open circuit breaker alike.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return "chat backend " + e.Op + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// upstream wraps err unless it is nil or already an UpstreamError.
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

// IsUpstream reports whether err came from the chat backend.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// isForbidden reports a 403 answer, e.g. joining without an invite.
func isForbidden(err error) bool { return matrix.IsMatrixError(err, matrix.ErrCodeForbidden) }
