package storage

import (
	"context"
	"errors"
	"time"

	"session_auth/internal/models"

	"github.com/gofrs/uuid"
)

const (
	usersTable     = "users"
	sessionsTable  = "auth_sessions"
	rotationsTable = "auth_session_rotations"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrSessionNotFound = errors.New("session not found")
	// ErrRotateConflict means the session no longer carries the expected
	// refresh hash, or was revoked, by the time the rotation ran.
	ErrRotateConflict = errors.New("session rotate conflict")
)

// NewUser is a user about to be inserted. ID comes from ReserveUserID.
type NewUser struct {
	ID           int64
	Name         *string
	Email        string
	PasswordHash string
}

// NewSession is the first session of a user, stored with the user itself.
type NewSession struct {
	DeviceID    string
	RefreshHash string
	ExpiresAt   time.Time
}

type UserStorage interface {
	// ReserveUserID allocates a user id ahead of CreateUser. Ids that are
	// never used leave gaps and nothing else.
	ReserveUserID(ctx context.Context) (int64, error)

	// CreateUser inserts the user and, when first is not nil, its first
	// session as one atomic unit: either both are stored or neither is.
	CreateUser(ctx context.Context, now time.Time, u NewUser, first *NewSession) (models.User, models.Session, error)
	GetUserByID(ctx context.Context, userID int64) (models.User, error)
	GetCredentialsByEmail(ctx context.Context, email string) (models.Credentials, error)
}

// SessionStorage is the source of truth for session state. Every mutation
// is a single atomic unit in the backing store.
type SessionStorage interface {
	// CreateOrReplaceSession revokes the active session for (userID,
	// deviceID), if any, and inserts a new one.
	CreateOrReplaceSession(ctx context.Context, now time.Time, userID int64, deviceID, refreshHash string, expiresAt time.Time) (models.Session, error)

	// FindActiveSession returns the session only if it is not revoked and
	// not expired at now.
	FindActiveSession(ctx context.Context, now time.Time, userID int64, deviceID, refreshHash string) (models.Session, error)

	// FindSessionByHash returns the session that holds or held refreshHash,
	// regardless of revocation. Superseded is set when the hash was rotated away.
	FindSessionByHash(ctx context.Context, userID int64, deviceID, refreshHash string) (models.Session, error)

	// RotateSession swaps expectedHash for newHash only if the session still
	// carries expectedHash and is not revoked. Otherwise it returns
	// ErrRotateConflict and changes nothing.
	RotateSession(ctx context.Context, now time.Time, sessionID uuid.UUID, expectedHash, newHash string, newExpiresAt time.Time) error

	RevokeSession(ctx context.Context, now time.Time, sessionID uuid.UUID, reason string) error
	RevokeAllSessionsForUser(ctx context.Context, now time.Time, userID int64, reason string) (int64, error)
}

type Storage interface {
	UserStorage
	SessionStorage

	Ping(ctx context.Context) error
	Close()
}
