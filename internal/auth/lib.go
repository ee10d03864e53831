package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// RefreshHasher turns a refresh token into the digest stored by the session
// store. With a key it is HMAC-SHA256, otherwise plain SHA-256.
type RefreshHasher struct {
	key []byte
}

func NewRefreshHasher(key string) RefreshHasher {
	if key == "" {
		return RefreshHasher{}
	}
	return RefreshHasher{key: []byte(key)}
}

func (h RefreshHasher) Hash(token string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}

	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}

// NewDeviceID mints a device id for clients that did not present one.
func NewDeviceID() string {
	return uuid.NewString()
}

// ValidDeviceID reports whether s looks like a device id this service issues.
func ValidDeviceID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

type ctxKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok && id > 0
}
