package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"session_auth/internal/auth"
	"session_auth/internal/events"
	"session_auth/internal/metrics"
	"session_auth/internal/models"
	"session_auth/internal/storage"
)

const dummyPassword = "timing-equalizer-password"

// PasswordHasher is the opaque password capability.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// MaxSessionLifetime caps how far rotation can slide a session past its
	// creation. Zero disables the cap.
	MaxSessionLifetime time.Duration
}

// AuthResult is returned by every operation that hands out a token pair.
type AuthResult struct {
	User   models.User
	Tokens models.TokenPair
}

type Service struct {
	log       *slog.Logger
	users     storage.UserStorage
	sessions  storage.SessionStorage
	codec     *auth.Codec
	passwords PasswordHasher
	hasher    auth.RefreshHasher
	events    events.Publisher
	metrics   *metrics.Registry
	cfg       Config
	now       func() time.Time
	dummyHash string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

func New(
	log *slog.Logger,
	users storage.UserStorage,
	sessions storage.SessionStorage,
	codec *auth.Codec,
	passwords PasswordHasher,
	hasher auth.RefreshHasher,
	cfg Config,
	opts ...Option,
) *Service {
	s := &Service{
		log:       log,
		users:     users,
		sessions:  sessions,
		codec:     codec,
		passwords: passwords,
		hasher:    hasher,
		events:    events.Nop{},
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if h, err := passwords.Hash(dummyPassword); err == nil {
		s.dummyHash = h
	}

	return s
}

func (s *Service) Register(ctx context.Context, name *string, email, password, deviceID string) (AuthResult, error) {
	const op = "service.Register"
	log := s.log.With(slog.String("op", op))

	in := registerInput{
		Name:     normalizeName(name),
		Email:    normalizeEmail(email),
		Password: password,
	}
	if err := validateRegister(in); err != nil {
		s.metrics.Registration(metrics.OutcomeInvalid)
		return AuthResult{}, err
	}

	passwordHash, err := s.passwords.Hash(in.Password)
	if err != nil {
		s.metrics.Registration(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	userID, err := s.users.ReserveUserID(ctx)
	if err != nil {
		s.metrics.Registration(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	deviceID = resolveDeviceID(deviceID)
	pair, err := s.issuePair(userID, deviceID, s.cfg.RefreshTTL)
	if err != nil {
		s.metrics.Registration(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	// The user and its first session commit together, so a failure here
	// leaves the email free for a retry.
	now := s.now()
	user, session, err := s.users.CreateUser(ctx, now,
		storage.NewUser{ID: userID, Name: in.Name, Email: in.Email, PasswordHash: passwordHash},
		&storage.NewSession{DeviceID: deviceID, RefreshHash: s.hasher.Hash(pair.RefreshToken), ExpiresAt: now.Add(s.cfg.RefreshTTL)},
	)
	if err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			s.metrics.Registration(metrics.OutcomeInvalid)
			return AuthResult{}, invalid("email", "email already registered")
		}
		s.metrics.Registration(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	log.Info("user registered", slog.Int64("user_id", user.ID), slog.String("device_id", deviceID))
	s.metrics.Registration(metrics.OutcomeSuccess)
	s.publish(ctx, events.Event{Type: events.UserRegistered, UserID: user.ID, DeviceID: deviceID, SessionID: session.ID.String()})

	return AuthResult{User: user, Tokens: pair}, nil
}

func (s *Service) Login(ctx context.Context, email, password, deviceID string) (AuthResult, error) {
	const op = "service.Login"
	log := s.log.With(slog.String("op", op))

	cred, err := s.users.GetCredentialsByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			s.metrics.Login(metrics.OutcomeError)
			return AuthResult{}, internalErr(op, err)
		}
		// Spend the same bcrypt time as a real comparison.
		s.passwords.Compare(s.dummyHash, password)
		s.metrics.Login(metrics.OutcomeUnauthorized)
		return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	if !s.passwords.Compare(cred.PasswordHash, password) {
		log.Debug("password mismatch", slog.Int64("user_id", cred.UserID))
		s.metrics.Login(metrics.OutcomeUnauthorized)
		return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	user, err := s.users.GetUserByID(ctx, cred.UserID)
	if err != nil {
		s.metrics.Login(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	deviceID = resolveDeviceID(deviceID)
	pair, session, err := s.openSession(ctx, user.ID, deviceID)
	if err != nil {
		s.metrics.Login(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	log.Info("user logged in", slog.Int64("user_id", user.ID), slog.String("device_id", deviceID))
	s.metrics.Login(metrics.OutcomeSuccess)
	s.publish(ctx, events.Event{Type: events.SessionCreated, UserID: user.ID, DeviceID: deviceID, SessionID: session.ID.String()})

	return AuthResult{User: user, Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new pair and rotates the session.
// A token that was already rotated away, or that belongs to a session
// closed by logout or replacement, is a replay: every session of the user
// is revoked and ErrReuseDetected is returned.
func (s *Service) Refresh(ctx context.Context, refreshToken, deviceID string) (AuthResult, error) {
	const op = "service.Refresh"
	log := s.log.With(slog.String("op", op))

	userID, err := s.codec.Verify(refreshToken, auth.TokenRefresh)
	if err != nil {
		log.Debug("refresh token rejected", slog.String("error", err.Error()))
		s.metrics.Refresh(metrics.OutcomeUnauthorized)
		return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	if !auth.ValidDeviceID(deviceID) {
		s.metrics.Refresh(metrics.OutcomeUnauthorized)
		return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	now := s.now()
	hash := s.hasher.Hash(refreshToken)

	session, err := s.sessions.FindSessionByHash(ctx, userID, deviceID, hash)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			s.metrics.Refresh(metrics.OutcomeUnauthorized)
			return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
		}
		s.metrics.Refresh(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	switch {
	case session.Revoked && session.RevocationReason == models.RevokedReuseDetected:
		// compromise response already ran for this session
		s.metrics.Refresh(metrics.OutcomeUnauthorized)
		return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case session.Superseded, session.Revoked:
		return AuthResult{}, s.punishReuse(ctx, op, session, now)
	case !session.ExpiresAt.After(now):
		s.metrics.Refresh(metrics.OutcomeUnauthorized)
		return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	expiresAt := now.Add(s.cfg.RefreshTTL)
	if s.cfg.MaxSessionLifetime > 0 {
		if limit := session.CreatedAt.Add(s.cfg.MaxSessionLifetime); limit.Before(expiresAt) {
			expiresAt = limit
		}
	}
	if !expiresAt.After(now) {
		log.Debug("session reached its maximum lifetime", slog.String("session_id", session.ID.String()))
		s.metrics.Refresh(metrics.OutcomeUnauthorized)
		return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	// Everything that can fail runs before the rotation: once the old hash
	// is superseded, presenting it again counts as a replay.
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			s.metrics.Refresh(metrics.OutcomeUnauthorized)
			return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
		}
		s.metrics.Refresh(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	pair, err := s.issuePair(userID, deviceID, expiresAt.Sub(now))
	if err != nil {
		s.metrics.Refresh(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	// Once sent, the swap completes even if the client hangs up.
	err = s.sessions.RotateSession(context.WithoutCancel(ctx), now, session.ID, hash, s.hasher.Hash(pair.RefreshToken), expiresAt)
	if err != nil {
		if errors.Is(err, storage.ErrRotateConflict) {
			log.Debug("lost rotation race", slog.String("session_id", session.ID.String()))
			s.metrics.Refresh(metrics.OutcomeUnauthorized)
			return AuthResult{}, fmt.Errorf("%s: %w", op, ErrUnauthorized)
		}
		s.metrics.Refresh(metrics.OutcomeError)
		return AuthResult{}, internalErr(op, err)
	}

	s.metrics.Refresh(metrics.OutcomeSuccess)
	return AuthResult{User: user, Tokens: pair}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken, deviceID string) error {
	const op = "service.Logout"
	log := s.log.With(slog.String("op", op))

	userID, err := s.codec.Verify(refreshToken, auth.TokenRefresh)
	if err != nil || !auth.ValidDeviceID(deviceID) {
		s.metrics.Logout(metrics.OutcomeUnauthorized)
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	now := s.now()
	session, err := s.sessions.FindActiveSession(ctx, now, userID, deviceID, s.hasher.Hash(refreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			s.metrics.Logout(metrics.OutcomeUnauthorized)
			return fmt.Errorf("%s: %w", op, ErrUnauthorized)
		}
		s.metrics.Logout(metrics.OutcomeError)
		return internalErr(op, err)
	}

	if err := s.sessions.RevokeSession(ctx, now, session.ID, models.RevokedLogout); err != nil {
		s.metrics.Logout(metrics.OutcomeError)
		return internalErr(op, err)
	}

	log.Info("user logged out", slog.Int64("user_id", userID), slog.String("device_id", deviceID))
	s.metrics.Logout(metrics.OutcomeSuccess)
	s.metrics.Revoked(models.RevokedLogout, 1)
	s.publish(ctx, events.Event{Type: events.SessionLoggedOut, UserID: userID, DeviceID: deviceID, SessionID: session.ID.String()})

	return nil
}

func (s *Service) UserDetails(ctx context.Context, userID int64) (models.User, error) {
	const op = "service.UserDetails"

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.User{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.User{}, internalErr(op, err)
	}

	return user, nil
}

// openSession issues a fresh pair and installs it as the only live session
// of (userID, deviceID).
func (s *Service) openSession(ctx context.Context, userID int64, deviceID string) (models.TokenPair, models.Session, error) {
	pair, err := s.issuePair(userID, deviceID, s.cfg.RefreshTTL)
	if err != nil {
		return models.TokenPair{}, models.Session{}, err
	}

	now := s.now()
	session, err := s.sessions.CreateOrReplaceSession(ctx, now, userID, deviceID, s.hasher.Hash(pair.RefreshToken), now.Add(s.cfg.RefreshTTL))
	if err != nil {
		return models.TokenPair{}, models.Session{}, err
	}

	return pair, session, nil
}

func (s *Service) issuePair(userID int64, deviceID string, refreshTTL time.Duration) (models.TokenPair, error) {
	access, accessExp, err := s.codec.Issue(userID, auth.TokenAccess, s.cfg.AccessTTL)
	if err != nil {
		return models.TokenPair{}, err
	}
	refresh, refreshExp, err := s.codec.Issue(userID, auth.TokenRefresh, refreshTTL)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		DeviceID:         deviceID,
	}, nil
}

func (s *Service) punishReuse(ctx context.Context, op string, session models.Session, now time.Time) error {
	log := s.log.With(slog.String("op", op))

	n, err := s.sessions.RevokeAllSessionsForUser(ctx, now, session.UserID, models.RevokedReuseDetected)
	if err != nil {
		s.metrics.Refresh(metrics.OutcomeError)
		return internalErr(op, err)
	}

	log.Warn("refresh token reuse detected, all sessions revoked",
		slog.Int64("user_id", session.UserID),
		slog.String("device_id", session.DeviceID),
		slog.String("session_id", session.ID.String()),
		slog.Bool("superseded", session.Superseded),
		slog.Int64("revoked", n),
	)
	s.metrics.Refresh(metrics.OutcomeReuse)
	s.metrics.Revoked(models.RevokedReuseDetected, n)
	s.publish(ctx, events.Event{
		Type:      events.SessionReuseDetected,
		UserID:    session.UserID,
		DeviceID:  session.DeviceID,
		SessionID: session.ID.String(),
		Revoked:   n,
	})

	return fmt.Errorf("%s: %w", op, ErrReuseDetected)
}

// publish is best effort; the publisher logs its own delivery failures.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	_ = s.events.Publish(ctx, e)
}

func resolveDeviceID(deviceID string) string {
	if auth.ValidDeviceID(deviceID) {
		return deviceID
	}
	return auth.NewDeviceID()
}
