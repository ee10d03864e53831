package models

import (
	"time"

	"github.com/gofrs/uuid"
)

// Revocation reasons recorded on a session.
const (
	RevokedLogout        = "logout"
	RevokedReplaced      = "replaced"
	RevokedReuseDetected = "reuse_detected"
)

type Credentials struct {
	UserID       int64
	PasswordHash string // bcrypt hash
}

type User struct {
	ID        int64     `json:"id"`
	Name      *string   `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the per-(user, device) refresh session. Only the hash of the
// current refresh token is stored.
type Session struct {
	ID               uuid.UUID
	UserID           int64
	DeviceID         string
	RefreshHash      string
	Revoked          bool
	RevocationReason string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	LastUsedAt       *time.Time
	RevokedAt        *time.Time

	// Superseded is set by hash lookups that matched a hash the session
	// has already rotated away from.
	Superseded bool
}

// Active reports whether the session can still be used at now.
func (s Session) Active(now time.Time) bool {
	return !s.Revoked && s.ExpiresAt.After(now)
}

// TokenPair is what a successful login, register or refresh hands back to
// the client.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	DeviceID         string
}
