package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-dispatch/internal/telemetry"
)

// RegisterDebugRoutes wires the audit probe used to check the audit exchange
// bindings end to end. Disabled outside debug mode.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		level := c.DefaultQuery("level", "info")
		requestID := requestIDFromContext(c)
		emitter.Emit(c.Request.Context(), level, "audit probe from "+c.ClientIP(), requestID, auditUserID(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestID})
	})
}
