// Login HTTP handler.
//
// POST /auth/hub-login exchanges an identity-provider token for a local
// access token, provisioning the caller on first login.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HubLoginRequest carries the identity-provider token.
type HubLoginRequest struct {
	Token string `json:"token" binding:"required"`
}

// HubLogin godoc
// @ID          hubLogin
// @Summary     Log in with an identity-provider token
// @Description Validates the provider token, provisions the chat account on first login and returns a local access token.
// @Tags        Auth
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.HubLoginRequest  true  "Provider token"
//
// @Success     200  {object}  services.LoginResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Provider rejected the token"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     503  {object}  handlers.ErrorResponse  "Identity provider unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /auth/hub-login [post]
func (h *Handlers) HubLogin(c *gin.Context) {
	var req HubLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "token required")
		return
	}
	res, err := h.Login.Login(c.Request.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
