package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"session_auth/internal/models"

	"github.com/gofrs/uuid"
	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var emailSeq atomic.Int64

func uniqueEmail() string {
	return fmt.Sprintf("user-%d-%d@example.com", time.Now().UnixNano(), emailSeq.Add(1))
}

func mustCreateUser(ctx context.Context, t *testing.T, st Storage) models.User {
	t.Helper()

	id, err := st.ReserveUserID(ctx)
	require.NoError(t, err)

	user, _, err := st.CreateUser(ctx, time.Now().UTC(), NewUser{ID: id, Email: uniqueEmail(), PasswordHash: "hash"}, nil)
	require.NoError(t, err)
	return user
}

func mustReserve(ctx context.Context, t *testing.T, st Storage) int64 {
	t.Helper()

	id, err := st.ReserveUserID(ctx)
	require.NoError(t, err)
	return id
}

func newHash(t *testing.T) string {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	sum := sha256.Sum256(id.Bytes())
	return hex.EncodeToString(sum[:])
}

// runStorageContract exercises the behaviour every Storage backend must share.
func runStorageContract(t *testing.T, st Storage) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("users", func(t *testing.T) {
		name := "Ada"
		email := uniqueEmail()

		created := now.Add(-time.Hour)
		id := mustReserve(ctx, t, st)
		assert.Positive(t, id)

		user, session, err := st.CreateUser(ctx, created, NewUser{ID: id, Name: &name, Email: email, PasswordHash: "pw-hash"}, nil)
		require.NoError(t, err)
		assert.Equal(t, id, user.ID)
		require.NotNil(t, user.Name)
		assert.Equal(t, "Ada", *user.Name)
		assert.True(t, user.CreatedAt.Equal(created))
		assert.Equal(t, models.Session{}, session)

		dup := mustReserve(ctx, t, st)
		assert.NotEqual(t, id, dup)
		_, _, err = st.CreateUser(ctx, now, NewUser{ID: dup, Email: email, PasswordHash: "other"}, nil)
		assert.ErrorIs(t, err, ErrEmailTaken)
		_, err = st.GetUserByID(ctx, dup)
		assert.ErrorIs(t, err, ErrUserNotFound)

		got, err := st.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, email, got.Email)
		require.NotNil(t, got.Name)
		assert.Equal(t, "Ada", *got.Name)
		assert.True(t, got.CreatedAt.Equal(created))

		cred, err := st.GetCredentialsByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, user.ID, cred.UserID)
		assert.Equal(t, "pw-hash", cred.PasswordHash)

		_, err = st.GetCredentialsByEmail(ctx, uniqueEmail())
		assert.ErrorIs(t, err, ErrUserNotFound)

		_, err = st.GetUserByID(ctx, 1<<40)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("user and first session are stored together", func(t *testing.T) {
		email := uniqueEmail()
		device := guuid.NewString()
		h := newHash(t)

		id := mustReserve(ctx, t, st)
		user, session, err := st.CreateUser(ctx, now, NewUser{ID: id, Email: email, PasswordHash: "hash"},
			&NewSession{DeviceID: device, RefreshHash: h, ExpiresAt: now.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, user.ID, session.UserID)
		assert.Equal(t, device, session.DeviceID)
		assert.True(t, session.CreatedAt.Equal(now))

		active, err := st.FindActiveSession(ctx, now, user.ID, device, h)
		require.NoError(t, err)
		assert.Equal(t, session.ID, active.ID)
		assert.True(t, active.ExpiresAt.Equal(now.Add(time.Hour)))

		// a taken email stores no session either
		dup := mustReserve(ctx, t, st)
		h2 := newHash(t)
		_, _, err = st.CreateUser(ctx, now, NewUser{ID: dup, Email: email, PasswordHash: "hash"},
			&NewSession{DeviceID: device, RefreshHash: h2, ExpiresAt: now.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrEmailTaken)
		_, err = st.FindSessionByHash(ctx, dup, device, h2)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		// a failing session insert leaves no user behind
		other := uniqueEmail()
		third := mustReserve(ctx, t, st)
		_, _, err = st.CreateUser(ctx, now, NewUser{ID: third, Email: other, PasswordHash: "hash"},
			&NewSession{DeviceID: guuid.NewString(), RefreshHash: h, ExpiresAt: now.Add(time.Hour)})
		require.Error(t, err)
		_, err = st.GetCredentialsByEmail(ctx, other)
		assert.ErrorIs(t, err, ErrUserNotFound)
		_, err = st.GetUserByID(ctx, third)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("create or replace keeps one live session per device", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		device := guuid.NewString()
		h1, h2 := newHash(t), newHash(t)

		s1, err := st.CreateOrReplaceSession(ctx, now, user.ID, device, h1, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, s1.Revoked)

		s2, err := st.CreateOrReplaceSession(ctx, now, user.ID, device, h2, now.Add(time.Hour))
		require.NoError(t, err)
		assert.NotEqual(t, s1.ID, s2.ID)

		old, err := st.FindSessionByHash(ctx, user.ID, device, h1)
		require.NoError(t, err)
		assert.True(t, old.Revoked)
		assert.Equal(t, models.RevokedReplaced, old.RevocationReason)
		assert.NotNil(t, old.RevokedAt)

		_, err = st.FindActiveSession(ctx, now, user.ID, device, h1)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		active, err := st.FindActiveSession(ctx, now, user.ID, device, h2)
		require.NoError(t, err)
		assert.Equal(t, s2.ID, active.ID)

		_, err = st.CreateOrReplaceSession(ctx, now, 1<<40, device, newHash(t), now.Add(time.Hour))
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("lookups are scoped to user and device", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		other := mustCreateUser(ctx, t, st)
		device := guuid.NewString()
		h := newHash(t)

		_, err := st.CreateOrReplaceSession(ctx, now, user.ID, device, h, now.Add(time.Hour))
		require.NoError(t, err)

		_, err = st.FindSessionByHash(ctx, user.ID, guuid.NewString(), h)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = st.FindSessionByHash(ctx, other.ID, device, h)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = st.FindSessionByHash(ctx, user.ID, device, newHash(t))
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("find active honours expiry", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		device := guuid.NewString()
		h := newHash(t)

		_, err := st.CreateOrReplaceSession(ctx, now.Add(-2*time.Hour), user.ID, device, h, now.Add(-time.Hour))
		require.NoError(t, err)

		_, err = st.FindActiveSession(ctx, now, user.ID, device, h)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		s, err := st.FindSessionByHash(ctx, user.ID, device, h)
		require.NoError(t, err)
		assert.False(t, s.Revoked)
		assert.False(t, s.Active(now))
	})

	t.Run("rotate is compare and swap", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		device := guuid.NewString()
		h1, h2, h3 := newHash(t), newHash(t), newHash(t)

		s, err := st.CreateOrReplaceSession(ctx, now, user.ID, device, h1, now.Add(time.Hour))
		require.NoError(t, err)

		later := now.Add(time.Minute)
		require.NoError(t, st.RotateSession(ctx, later, s.ID, h1, h2, later.Add(2*time.Hour)))

		err = st.RotateSession(ctx, later, s.ID, h1, h3, later.Add(2*time.Hour))
		assert.ErrorIs(t, err, ErrRotateConflict)

		cur, err := st.FindActiveSession(ctx, later, user.ID, device, h2)
		require.NoError(t, err)
		assert.Equal(t, s.ID, cur.ID)
		assert.True(t, cur.ExpiresAt.Equal(later.Add(2*time.Hour)))
		require.NotNil(t, cur.LastUsedAt)
		assert.True(t, cur.LastUsedAt.Equal(later))
		assert.False(t, cur.Superseded)

		stale, err := st.FindSessionByHash(ctx, user.ID, device, h1)
		require.NoError(t, err)
		assert.True(t, stale.Superseded)
		assert.Equal(t, s.ID, stale.ID)

		_, err = st.FindActiveSession(ctx, later, user.ID, device, h1)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = st.FindSessionByHash(ctx, user.ID, device, h3)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("rotate on revoked session conflicts", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		device := guuid.NewString()
		h1 := newHash(t)

		s, err := st.CreateOrReplaceSession(ctx, now, user.ID, device, h1, now.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, st.RevokeSession(ctx, now, s.ID, models.RevokedLogout))

		err = st.RotateSession(ctx, now, s.ID, h1, newHash(t), now.Add(time.Hour))
		assert.ErrorIs(t, err, ErrRotateConflict)

		err = st.RotateSession(ctx, now, uuid.Must(uuid.NewV4()), h1, newHash(t), now.Add(time.Hour))
		assert.ErrorIs(t, err, ErrRotateConflict)
	})

	t.Run("concurrent rotations have one winner", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		device := guuid.NewString()
		h := newHash(t)

		s, err := st.CreateOrReplaceSession(ctx, now, user.ID, device, h, now.Add(time.Hour))
		require.NoError(t, err)

		const n = 12
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			next := newHash(t)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := st.RotateSession(ctx, now, s.ID, h, next, now.Add(time.Hour))
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, ErrRotateConflict):
					conflicts.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(n-1), conflicts.Load())
	})

	t.Run("revoke is idempotent and keeps the first reason", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		device := guuid.NewString()
		h := newHash(t)

		s, err := st.CreateOrReplaceSession(ctx, now, user.ID, device, h, now.Add(time.Hour))
		require.NoError(t, err)

		require.NoError(t, st.RevokeSession(ctx, now, s.ID, models.RevokedLogout))
		require.NoError(t, st.RevokeSession(ctx, now.Add(time.Minute), s.ID, models.RevokedReuseDetected))

		got, err := st.FindSessionByHash(ctx, user.ID, device, h)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
		assert.Equal(t, models.RevokedLogout, got.RevocationReason)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, got.RevokedAt.Equal(now))

		// a fresh login on the same device is allowed after logout
		_, err = st.CreateOrReplaceSession(ctx, now, user.ID, device, newHash(t), now.Add(time.Hour))
		require.NoError(t, err)
	})

	t.Run("revoke all covers every device of the user only", func(t *testing.T) {
		user := mustCreateUser(ctx, t, st)
		other := mustCreateUser(ctx, t, st)
		d1, d2 := guuid.NewString(), guuid.NewString()
		h1, h2, h3 := newHash(t), newHash(t), newHash(t)

		_, err := st.CreateOrReplaceSession(ctx, now, user.ID, d1, h1, now.Add(time.Hour))
		require.NoError(t, err)
		_, err = st.CreateOrReplaceSession(ctx, now, user.ID, d2, h2, now.Add(time.Hour))
		require.NoError(t, err)
		_, err = st.CreateOrReplaceSession(ctx, now, other.ID, d1, h3, now.Add(time.Hour))
		require.NoError(t, err)

		n, err := st.RevokeAllSessionsForUser(ctx, now, user.ID, models.RevokedReuseDetected)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = st.RevokeAllSessionsForUser(ctx, now, user.ID, models.RevokedReuseDetected)
		require.NoError(t, err)
		assert.Zero(t, n)

		for _, c := range []struct{ device, hash string }{{d1, h1}, {d2, h2}} {
			s, err := st.FindSessionByHash(ctx, user.ID, c.device, c.hash)
			require.NoError(t, err)
			assert.True(t, s.Revoked)
			assert.Equal(t, models.RevokedReuseDetected, s.RevocationReason)
		}

		_, err = st.FindActiveSession(ctx, now, other.ID, d1, h3)
		assert.NoError(t, err)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, st.Ping(ctx))
	})
}
