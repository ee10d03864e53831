package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"session_auth/internal/auth"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "UserID"

// AuthMiddleware lets public routes and CORS preflights through and
// requires a valid access token cookie everywhere else.
func AuthMiddleware(v TokenVerifier, cookieName string, publicPaths, publicPrefixes []string, log *slog.Logger) gin.HandlerFunc {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}

	isPublic := func(path string) bool {
		if _, ok := public[path]; ok {
			return true
		}
		for _, prefix := range publicPrefixes {
			prefix = strings.TrimSuffix(prefix, "/")
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
		}
		return false
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || isPublic(c.Request.URL.Path) {
			c.Next()

			return
		}

		token, err := c.Cookie(cookieName)
		if err != nil || token == "" {
			newErrorResponse(c, http.StatusUnauthorized, codeUnauthorized, "not authenticated")

			return
		}

		userID, err := v.Verify(token, auth.TokenAccess)
		if err != nil {
			log.Debug("access token rejected",
				slog.String("path", c.Request.URL.Path),
				slog.String("error", err.Error()),
			)

			newErrorResponse(c, http.StatusUnauthorized, codeUnauthorized, "invalid or expired token")

			return
		}

		c.Set(UserIDKey, userID)
		c.Request = c.Request.WithContext(auth.WithUserID(c.Request.Context(), userID))

		c.Next()
	}
}

// RequestLogger logs one line per request once the handler chain is done.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}
