package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"session_auth/internal/auth"
	"session_auth/internal/config"
	"session_auth/internal/metrics"
	"session_auth/internal/models"
	"session_auth/internal/service"

	"github.com/gin-gonic/gin"
)

// Error codes sent alongside the message.
const (
	codeBadRequest    = "bad_request"
	codeValidation    = "validation_error"
	codeUnauthorized  = "unauthorized"
	codeReuseDetected = "reuse_detected"
	codeNotFound      = "not_found"
	codeInternal      = "internal_error"
)

type AuthService interface {
	Register(ctx context.Context, name *string, email, password, deviceID string) (service.AuthResult, error)
	Login(ctx context.Context, email, password, deviceID string) (service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken, deviceID string) (service.AuthResult, error)
	Logout(ctx context.Context, refreshToken, deviceID string) error
	UserDetails(ctx context.Context, userID int64) (models.User, error)
}

// TokenVerifier checks access tokens for the gate.
type TokenVerifier interface {
	Verify(token string, expected auth.TokenType) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	serviceLayer AuthService
	verifier     TokenVerifier
	storage      Pinger
	metrics      *metrics.Registry
	cookies      config.Cookies
	gate         config.Gate
	log          *slog.Logger
	now          func() time.Time
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type authResponse struct {
	Message string      `json:"message"`
	User    models.User `json:"user"`
}

func newErrorResponse(c *gin.Context, statusCode int, code, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage, Code: code})
}

func NewHandler(
	srvc AuthService,
	verifier TokenVerifier,
	storage Pinger,
	m *metrics.Registry,
	cookies config.Cookies,
	gate config.Gate,
	lgr *slog.Logger,
) *Handler {
	return &Handler{
		serviceLayer: srvc,
		verifier:     verifier,
		storage:      storage,
		metrics:      m,
		cookies:      cookies,
		gate:         gate,
		log:          lgr,
		now:          time.Now,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()

	router.Use(
		gin.Recovery(),
		RequestLogger(h.log),
		metrics.GinMiddleware(h.metrics),
		AuthMiddleware(h.verifier, h.cookies.AccessName, h.gate.PublicPaths, h.gate.PublicPrefixes, h.log),
	)

	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	auth := router.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.Refresh)
		auth.POST("/logout", h.Logout)
	}

	user := router.Group("/user")
	{
		user.GET("/details", h.UserDetails)
	}

	return router
}

// writeServiceError maps service errors onto status codes. Detail of
// internal failures stays in the log.
func (h *Handler) writeServiceError(c *gin.Context, log *slog.Logger, err error) {
	var verr *service.ValidationError

	switch {
	case errors.As(err, &verr):
		newErrorResponse(c, http.StatusBadRequest, codeValidation, verr.Message)
	case errors.Is(err, service.ErrReuseDetected):
		log.Warn("refresh token reuse", slog.String("client_ip", c.ClientIP()))
		newErrorResponse(c, http.StatusForbidden, codeReuseDetected, "refresh token reuse detected, all sessions revoked")
	case errors.Is(err, service.ErrUnauthorized):
		newErrorResponse(c, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
	case errors.Is(err, service.ErrUserNotFound):
		newErrorResponse(c, http.StatusNotFound, codeNotFound, "user not found")
	default:
		log.Error("request failed", slog.Any("error", err))
		newErrorResponse(c, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
