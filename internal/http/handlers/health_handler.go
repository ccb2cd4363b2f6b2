// Health HTTP handlers.
//
//   - GET /health         (liveness, no dependencies)
//   - GET /api/v1/health  (readiness with a chat backend probe)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServiceName is reported by the readiness probe.
const ServiceName = "messenger-bridge"

// HealthResponse is the readiness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Backend string `json:"conduit"`
}

// Liveness godoc
// @ID          liveness
// @Summary     Liveness check
// @Description Answers 200 "ok" without touching any dependency.
// @Tags        Health
// @Produce     plain
//
// @Success     200  {string}  string  "ok"
// @Router      /health [get]
func (h *Handlers) Liveness(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Health godoc
// @ID          health
// @Summary     Readiness check
// @Description Probes the chat backend. Always answers 200; status is "degraded" when the backend is unreachable.
// @Tags        Health
// @Produce     json
//
// @Success     200  {object}  handlers.HealthResponse
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Service: ServiceName, Backend: "connected"}
	if h.Directory.BackendStatus(c.Request.Context()) != "online" {
		resp.Status, resp.Backend = "degraded", "unreachable"
	}
	ok(c, http.StatusOK, resp)
}
