package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrTypeMismatch     = errors.New("token type mismatch")
	ErrMalformed        = errors.New("malformed token")
	ErrMissingSubject   = errors.New("token has no subject")
)

const minSecretLen = 32

type Claims struct {
	UserID int64     `json:"user_id"`
	Type   TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Codec issues and verifies signed, typed, expiring tokens. It holds no
// mutable state after construction and is safe for concurrent use.
type Codec struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

type CodecOption func(*Codec)

// WithClock overrides the time source used for iat/exp and verification.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCodec(secret []byte, algorithm string, opts ...CodecOption) (*Codec, error) {
	const op = "auth.NewCodec"

	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%s: secret must be at least %d bytes", op, minSecretLen)
	}

	method, err := signingMethod(algorithm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c := &Codec{
		secret: append([]byte(nil), secret...),
		method: method,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func signingMethod(algorithm string) (jwt.SigningMethod, error) {
	switch algorithm {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
}

// Issue signs a token for userID of the given type that expires after ttl.
func (c *Codec) Issue(userID int64, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	const op = "auth.Codec.Issue"

	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	now := c.now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		UserID: userID,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	return signed, expiresAt, nil
}

// Verify checks signature, expiry and type, and returns the subject user id.
// Every failure is one of the package's token errors.
func (c *Codec) Verify(tokenStr string, expected TokenType) (int64, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, classify(err)
	}

	if claims.Type != expected {
		return 0, ErrTypeMismatch
	}
	if claims.UserID <= 0 {
		return 0, ErrMissingSubject
	}

	return claims.UserID, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenInvalidClaims):
		return ErrMalformed
	default:
		return ErrInvalidSignature
	}
}
