// User HTTP handlers.
//
//   - GET /users/me                  (the caller's identity)
//   - GET /users/me/external-client  (credentials for a third-party client)
//   - GET /users?q=                  (tenant user directory)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
)

// Me godoc
// @ID          getMe
// @Summary     Current identity
// @Description Returns the caller's identity mapping.
// @Tags        Users
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
//
// @Success     200  {object}  domain.IdentityMapping
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Router      /users/me [get]
func (h *Handlers) Me(c *gin.Context) {
	ok(c, http.StatusOK, caller(c))
}

// ExternalClient godoc
// @ID          getExternalClient
// @Summary     Third-party client credentials
// @Description Returns homeserver URL, account id and password when external client access is enabled for the caller.
// @Tags        Users
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       X-Forwarded-Host  header  string  false  "Public host used for the homeserver URL"
//
// @Success     200  {object}  services.ExternalClientInfo
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "External access disabled"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/me/external-client [get]
func (h *Handlers) ExternalClient(c *gin.Context) {
	info, err := h.Directory.ExternalClient(c.Request.Context(), caller(c), requestHost(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

// ListUsers godoc
// @ID          listUsers
// @Summary     List users
// @Description Lists provisioned users of the caller's tenant, optionally filtered by name.
// @Tags        Users
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       q  query  string  false  "Search term"
//
// @Success     200  {array}   domain.IdentityMapping
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users [get]
func (h *Handlers) ListUsers(c *gin.Context) {
	users, err := h.Directory.ListUsers(c.Request.Context(), caller(c), strings.TrimSpace(c.Query("q")))
	if err != nil {
		failErr(c, err)
		return
	}
	if users == nil {
		users = []domain.IdentityMapping{}
	}
	ok(c, http.StatusOK, users)
}

// requestHost prefers the proxy's X-Forwarded-Host (first entry).
func requestHost(c *gin.Context) string {
	if fh := c.GetHeader("X-Forwarded-Host"); fh != "" {
		if i := strings.IndexByte(fh, ','); i >= 0 {
			fh = fh[:i]
		}
		return strings.TrimSpace(fh)
	}
	return c.Request.Host
}
