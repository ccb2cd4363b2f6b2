// Package handlers defines HTTP-layer error codes and the mapping from
// service errors to HTTP statuses.
//
// Codes are lowercase snake_case and stable; clients branch on them. Every
// error response carries a status and one of these codes:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "upstream_error",
//	  "message": "chat backend send_message: M_UNKNOWN (502): bad gateway"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/go-messenger-bridge/internal/repo"
	"github.com/tbourn/go-messenger-bridge/internal/services"
	"github.com/tbourn/go-messenger-bridge/internal/vault"
)

const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeForbidden          = "forbidden"
	ErrCodeNotFound           = "not_found"
	ErrCodeConflict           = "conflict"
	ErrCodeRateLimited        = "too_many_requests"
	ErrCodeUpstream           = "upstream_error"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeInternal           = "internal_error"
	ErrCodeMethodNotAllowed   = "method_not_allowed"
)

// statusFor maps a service error to its HTTP status and code. Unknown
// errors are internal; their text is not exposed.
func statusFor(err error) (int, string, string) {
	var up *services.UpstreamError
	var dec *vault.DecryptionError
	switch {
	case errors.Is(err, services.ErrAuthentication):
		return http.StatusUnauthorized, ErrCodeUnauthorized, err.Error()
	case errors.Is(err, services.ErrNotProvisioned):
		return http.StatusForbidden, ErrCodeForbidden, "user not provisioned on the chat backend"
	case errors.Is(err, services.ErrAuthorization):
		return http.StatusForbidden, ErrCodeForbidden, err.Error()
	case errors.Is(err, services.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound, err.Error()
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, ErrCodeBadRequest, err.Error()
	case errors.Is(err, repo.ErrDuplicate):
		return http.StatusConflict, ErrCodeConflict, err.Error()
	case errors.Is(err, services.ErrBotUnavailable):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error()
	case errors.As(err, &up):
		return http.StatusBadGateway, ErrCodeUpstream, err.Error()
	case errors.As(err, &dec):
		return http.StatusInternalServerError, ErrCodeInternal, "stored credential could not be read"
	default:
		return http.StatusInternalServerError, ErrCodeInternal, "internal server error"
	}
}
