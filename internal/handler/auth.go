package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"session_auth/internal/service"

	"github.com/gin-gonic/gin"
)

type registerRequest struct {
	Name     *string `json:"name"`
	Email    string  `json:"email" binding:"required"`
	Password string  `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to bind request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, codeBadRequest, "email and password are required")

		return
	}

	deviceID, _ := c.Cookie(h.cookies.DeviceIDName)

	res, err := h.serviceLayer.Register(c.Request.Context(), req.Name, req.Email, req.Password, deviceID)
	if err != nil {
		h.writeServiceError(c, log, err)

		return
	}

	h.setSessionCookies(c, res)

	c.JSON(http.StatusCreated, authResponse{Message: "user registered", User: res.User})
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to bind request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, codeBadRequest, "email and password are required")

		return
	}

	deviceID, _ := c.Cookie(h.cookies.DeviceIDName)

	res, err := h.serviceLayer.Login(c.Request.Context(), req.Email, req.Password, deviceID)
	if err != nil {
		h.writeServiceError(c, log, err)

		return
	}

	h.setSessionCookies(c, res)

	c.JSON(http.StatusOK, authResponse{Message: "login successful", User: res.User})
}

// POST /auth/refresh
func (h *Handler) Refresh(c *gin.Context) {
	const op = "handler.Refresh"

	log := h.log.With(slog.String("op", op))

	refreshToken, deviceID, ok := h.sessionCookies(c)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, codeUnauthorized, "refresh token is missing")

		return
	}

	res, err := h.serviceLayer.Refresh(c.Request.Context(), refreshToken, deviceID)
	if err != nil {
		if errors.Is(err, service.ErrReuseDetected) {
			h.clearTokenCookies(c)
		}
		h.writeServiceError(c, log, err)

		return
	}

	h.setSessionCookies(c, res)

	c.JSON(http.StatusOK, authResponse{Message: "tokens refreshed", User: res.User})
}

// POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	refreshToken, deviceID, ok := h.sessionCookies(c)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, codeUnauthorized, "refresh token is missing")

		return
	}

	if err := h.serviceLayer.Logout(c.Request.Context(), refreshToken, deviceID); err != nil {
		h.writeServiceError(c, log, err)

		return
	}

	h.clearSessionCookies(c)

	c.Status(http.StatusNoContent)
}

func (h *Handler) sessionCookies(c *gin.Context) (refreshToken, deviceID string, ok bool) {
	refreshToken, err := c.Cookie(h.cookies.RefreshName)
	if err != nil || refreshToken == "" {
		return "", "", false
	}
	deviceID, err = c.Cookie(h.cookies.DeviceIDName)
	if err != nil || deviceID == "" {
		return "", "", false
	}
	return refreshToken, deviceID, true
}
