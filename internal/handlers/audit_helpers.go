package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/logger"
	"chat-dispatch/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader(middleware.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

// auditUserID renders the authenticated user for audit envelopes.
func auditUserID(c *gin.Context) *string {
	id, ok := currentUser(c)
	if !ok {
		return nil
	}
	s := strconv.FormatInt(id, 10)
	return &s
}

func currentUser(c *gin.Context) (int64, bool) {
	val, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := val.(int64)
	return id, ok && id != 0
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// respondError writes err with the status its kind maps to. Unclassified
// errors are logged and hidden behind a generic message.
func respondError(c *gin.Context, log *slog.Logger, err error) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logger.FromCtx(c.Request.Context(), log).Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": errs.PublicMessage(err)})
}
