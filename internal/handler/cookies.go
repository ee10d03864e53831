package handler

import (
	"net/http"
	"strings"
	"time"

	"session_auth/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) sameSite() http.SameSite {
	switch strings.ToLower(h.cookies.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (h *Handler) setCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(h.sameSite())
	c.SetCookie(name, value, maxAge, h.cookies.Path, h.cookies.Domain, h.cookies.Secure(), true)
}

// maxAge converts an absolute expiry into cookie seconds, never below one.
func (h *Handler) maxAge(expiresAt time.Time) int {
	secs := int(expiresAt.Sub(h.now()).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

func (h *Handler) setSessionCookies(c *gin.Context, res service.AuthResult) {
	t := res.Tokens
	h.setCookie(c, h.cookies.AccessName, t.AccessToken, h.maxAge(t.AccessExpiresAt))
	h.setCookie(c, h.cookies.RefreshName, t.RefreshToken, h.maxAge(t.RefreshExpiresAt))
	h.setCookie(c, h.cookies.DeviceIDName, t.DeviceID, h.maxAge(t.RefreshExpiresAt))
}

// clearTokenCookies drops the credentials but keeps the device id.
func (h *Handler) clearTokenCookies(c *gin.Context) {
	h.setCookie(c, h.cookies.AccessName, "", -1)
	h.setCookie(c, h.cookies.RefreshName, "", -1)
}

func (h *Handler) clearSessionCookies(c *gin.Context) {
	h.clearTokenCookies(c)
	h.setCookie(c, h.cookies.DeviceIDName, "", -1)
}
