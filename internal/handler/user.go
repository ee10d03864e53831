package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// GET /user/details
func (h *Handler) UserDetails(c *gin.Context) {
	const op = "handler.UserDetails"

	log := h.log.With(slog.String("op", op))

	userID := c.GetInt64(UserIDKey)
	if userID <= 0 {
		log.Error("failed to get user id from context")

		newErrorResponse(c, http.StatusUnauthorized, codeUnauthorized, "not authenticated")

		return
	}

	user, err := h.serviceLayer.UserDetails(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, log, err)

		return
	}

	c.JSON(http.StatusOK, user)
}

// GET /
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{Status: "ok", Message: "session auth service is running"})
}

// GET /health
func (h *Handler) Health(c *gin.Context) {
	const op = "handler.Health"

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := h.storage.Ping(ctx); err != nil {
		h.log.Error("storage ping failed", slog.String("op", op), slog.Any("error", err))

		c.JSON(http.StatusServiceUnavailable, statusResponse{Status: "unhealthy", Message: "storage unavailable"})

		return
	}

	c.JSON(http.StatusOK, statusResponse{Status: "healthy", Message: "storage reachable"})
}
