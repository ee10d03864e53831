package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"session_auth/internal/models"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "auth:"

// KEYS: email, user, then optionally device, user sessions, session, refresh.
const createUserScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return redis.error_reply("user id already in use")
end
local with_session = #KEYS > 2
if with_session and redis.call("EXISTS", KEYS[6]) == 1 then
  return redis.error_reply("refresh hash already in use")
end
redis.call("HSET", KEYS[2],
  "id", ARGV[1], "email", ARGV[2], "name", ARGV[3], "has_name", ARGV[4],
  "password_hash", ARGV[5], "created_at", ARGV[6])
redis.call("SET", KEYS[1], ARGV[1])
if with_session then
  redis.call("HSET", KEYS[5],
    "id", ARGV[7], "user_id", ARGV[1], "device_id", ARGV[8], "refresh_hash", ARGV[9],
    "revoked", "0", "revocation_reason", "", "expires_at", ARGV[10], "created_at", ARGV[6],
    "last_used_at", "", "revoked_at", "")
  redis.call("SET", KEYS[3], ARGV[7])
  redis.call("SET", KEYS[6], ARGV[7])
  redis.call("SADD", KEYS[4], ARGV[7])
end
return 1
`

const createSessionScript = `
if redis.call("EXISTS", KEYS[5]) == 0 then
  return 0
end
if redis.call("EXISTS", KEYS[4]) == 1 then
  return redis.error_reply("refresh hash already in use")
end
local current = redis.call("GET", KEYS[1])
if current then
  local old = ARGV[1] .. current
  if redis.call("HGET", old, "revoked") == "0" then
    redis.call("HSET", old, "revoked", "1", "revoked_at", ARGV[7], "revocation_reason", ARGV[8])
  end
end
redis.call("HSET", KEYS[3],
  "id", ARGV[2], "user_id", ARGV[3], "device_id", ARGV[4], "refresh_hash", ARGV[5],
  "revoked", "0", "revocation_reason", "", "expires_at", ARGV[6], "created_at", ARGV[7],
  "last_used_at", "", "revoked_at", "")
redis.call("SET", KEYS[1], ARGV[2])
redis.call("SET", KEYS[4], ARGV[2])
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`

const rotateSessionScript = `
local state = redis.call("HMGET", KEYS[1], "refresh_hash", "revoked", "id")
if not state[1] or state[1] ~= ARGV[1] or state[2] ~= "0" then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return redis.error_reply("refresh hash already in use")
end
redis.call("HSET", KEYS[1], "refresh_hash", ARGV[2], "expires_at", ARGV[3], "last_used_at", ARGV[4])
redis.call("SET", KEYS[2], state[3])
return 1
`

// revoke_one expects ARGV[1]=now, ARGV[2]=reason, ARGV[3]=key prefix.
const revokeFn = `
local function revoke_one(key)
  if redis.call("HGET", key, "revoked") ~= "0" then
    return 0
  end
  redis.call("HSET", key, "revoked", "1", "revoked_at", ARGV[1], "revocation_reason", ARGV[2])
  local f = redis.call("HMGET", key, "id", "user_id", "device_id")
  local device_key = ARGV[3] .. "device:" .. f[2] .. ":" .. f[3]
  if redis.call("GET", device_key) == f[1] then
    redis.call("DEL", device_key)
  end
  return 1
end
`

const revokeSessionScript = revokeFn + `
return revoke_one(KEYS[1])
`

const revokeAllScript = revokeFn + `
local n = 0
for _, sid in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  n = n + revoke_one(ARGV[3] .. "session:" .. sid)
end
return n
`

var (
	createUserLua    = redis.NewScript(createUserScript)
	createSessionLua = redis.NewScript(createSessionScript)
	rotateSessionLua = redis.NewScript(rotateSessionScript)
	revokeSessionLua = redis.NewScript(revokeSessionScript)
	revokeAllLua     = redis.NewScript(revokeAllScript)
)

// RedisStorage keeps users and sessions in Redis. Each mutation is one Lua
// script, so Redis executes it atomically. The scripts derive session and
// device keys from stored ids, so the store needs a single Redis node and
// does not work against Redis Cluster.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) userKey(id int64) string {
	return r.prefix + "user:" + strconv.FormatInt(id, 10)
}
func (r *RedisStorage) emailKey(email string) string { return r.prefix + "user:email:" + email }
func (r *RedisStorage) userSeqKey() string            { return r.prefix + "user:seq" }
func (r *RedisStorage) sessionKey(id string) string   { return r.prefix + "session:" + id }
func (r *RedisStorage) refreshKey(hash string) string { return r.prefix + "refresh:" + hash }
func (r *RedisStorage) userSessionsKey(userID int64) string {
	return r.prefix + "user:" + strconv.FormatInt(userID, 10) + ":sessions"
}
func (r *RedisStorage) deviceKey(userID int64, deviceID string) string {
	return r.prefix + "device:" + strconv.FormatInt(userID, 10) + ":" + deviceID
}

func (r *RedisStorage) ReserveUserID(ctx context.Context) (int64, error) {
	const op = "storage.ReserveUserID"

	id, err := r.client.Incr(ctx, r.userSeqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (r *RedisStorage) CreateUser(ctx context.Context, now time.Time, u NewUser, first *NewSession) (models.User, models.Session, error) {
	const op = "storage.CreateUser"

	var nameVal, hasName string = "", "0"
	if u.Name != nil {
		nameVal, hasName = *u.Name, "1"
	}

	keys := []string{r.emailKey(u.Email), r.userKey(u.ID)}
	args := []interface{}{u.ID, u.Email, nameVal, hasName, u.PasswordHash, formatMillis(now)}

	var session models.Session
	if first != nil {
		sessionID, err := uuid.NewV4()
		if err != nil {
			return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, err)
		}
		sid := sessionID.String()

		keys = append(keys,
			r.deviceKey(u.ID, first.DeviceID),
			r.userSessionsKey(u.ID),
			r.sessionKey(sid),
			r.refreshKey(first.RefreshHash),
		)
		args = append(args, sid, first.DeviceID, first.RefreshHash, formatMillis(first.ExpiresAt))

		session = models.Session{
			ID:          sessionID,
			UserID:      u.ID,
			DeviceID:    first.DeviceID,
			RefreshHash: first.RefreshHash,
			ExpiresAt:   time.UnixMilli(first.ExpiresAt.UnixMilli()).UTC(),
			CreatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
		}
	}

	created, err := createUserLua.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	if created == 0 {
		return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, ErrEmailTaken)
	}

	user := models.User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
	}

	return user, session, nil
}

func (r *RedisStorage) GetUserByID(ctx context.Context, userID int64) (models.User, error) {
	const op = "storage.GetUserByID"

	fields, err := r.client.HGetAll(ctx, r.userKey(userID)).Result()
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}

	user := models.User{ID: userID, Email: fields["email"]}
	if fields["has_name"] == "1" {
		name := fields["name"]
		user.Name = &name
	}
	if user.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (r *RedisStorage) GetCredentialsByEmail(ctx context.Context, email string) (models.Credentials, error) {
	const op = "storage.GetCredentialsByEmail"

	id, err := r.client.Get(ctx, r.emailKey(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Credentials{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.Credentials{}, fmt.Errorf("%s: %w", op, err)
	}

	hash, err := r.client.HGet(ctx, r.userKey(id), "password_hash").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Credentials{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.Credentials{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.Credentials{UserID: id, PasswordHash: hash}, nil
}

func (r *RedisStorage) CreateOrReplaceSession(ctx context.Context, now time.Time, userID int64, deviceID, refreshHash string, expiresAt time.Time) (models.Session, error) {
	const op = "storage.CreateOrReplaceSession"

	sessionID, err := uuid.NewV4()
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	sid := sessionID.String()

	keys := []string{
		r.deviceKey(userID, deviceID),
		r.userSessionsKey(userID),
		r.sessionKey(sid),
		r.refreshKey(refreshHash),
		r.userKey(userID),
	}
	created, err := createSessionLua.Run(ctx, r.client, keys,
		r.prefix+"session:", sid, userID, deviceID, refreshHash,
		formatMillis(expiresAt), formatMillis(now), models.RevokedReplaced,
	).Int64()
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	if created == 0 {
		return models.Session{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}

	return models.Session{
		ID:          sessionID,
		UserID:      userID,
		DeviceID:    deviceID,
		RefreshHash: refreshHash,
		ExpiresAt:   time.UnixMilli(expiresAt.UnixMilli()).UTC(),
		CreatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

func (r *RedisStorage) FindActiveSession(ctx context.Context, now time.Time, userID int64, deviceID, refreshHash string) (models.Session, error) {
	const op = "storage.FindActiveSession"

	session, err := r.lookup(ctx, userID, deviceID, refreshHash)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	if session.Superseded || !session.Active(now) {
		return models.Session{}, fmt.Errorf("%s: %w", op, ErrSessionNotFound)
	}

	return session, nil
}

func (r *RedisStorage) FindSessionByHash(ctx context.Context, userID int64, deviceID, refreshHash string) (models.Session, error) {
	const op = "storage.FindSessionByHash"

	session, err := r.lookup(ctx, userID, deviceID, refreshHash)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return session, nil
}

func (r *RedisStorage) lookup(ctx context.Context, userID int64, deviceID, refreshHash string) (models.Session, error) {
	sid, err := r.client.Get(ctx, r.refreshKey(refreshHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, err
	}

	fields, err := r.client.HGetAll(ctx, r.sessionKey(sid)).Result()
	if err != nil {
		return models.Session{}, err
	}
	if len(fields) == 0 {
		return models.Session{}, ErrSessionNotFound
	}

	session, err := parseSession(fields)
	if err != nil {
		return models.Session{}, err
	}
	if session.UserID != userID || session.DeviceID != deviceID {
		return models.Session{}, ErrSessionNotFound
	}
	session.Superseded = session.RefreshHash != refreshHash

	return session, nil
}

func (r *RedisStorage) RotateSession(ctx context.Context, now time.Time, sessionID uuid.UUID, expectedHash, newHash string, newExpiresAt time.Time) error {
	const op = "storage.RotateSession"

	rotated, err := rotateSessionLua.Run(ctx, r.client,
		[]string{r.sessionKey(sessionID.String()), r.refreshKey(newHash)},
		expectedHash, newHash, formatMillis(newExpiresAt), formatMillis(now),
	).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rotated == 0 {
		return fmt.Errorf("%s: %w", op, ErrRotateConflict)
	}

	return nil
}

func (r *RedisStorage) RevokeSession(ctx context.Context, now time.Time, sessionID uuid.UUID, reason string) error {
	const op = "storage.RevokeSession"

	err := revokeSessionLua.Run(ctx, r.client,
		[]string{r.sessionKey(sessionID.String())},
		formatMillis(now), reason, r.prefix,
	).Err()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *RedisStorage) RevokeAllSessionsForUser(ctx context.Context, now time.Time, userID int64, reason string) (int64, error) {
	const op = "storage.RevokeAllSessionsForUser"

	n, err := revokeAllLua.Run(ctx, r.client,
		[]string{r.userSessionsKey(userID)},
		formatMillis(now), reason, r.prefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Close() {
	_ = r.client.Close()
}

func parseSession(f map[string]string) (models.Session, error) {
	var (
		s   models.Session
		err error
	)

	if s.ID, err = uuid.FromString(f["id"]); err != nil {
		return models.Session{}, fmt.Errorf("session id: %w", err)
	}
	if s.UserID, err = strconv.ParseInt(f["user_id"], 10, 64); err != nil {
		return models.Session{}, fmt.Errorf("session user_id: %w", err)
	}
	s.DeviceID = f["device_id"]
	s.RefreshHash = f["refresh_hash"]
	s.Revoked = f["revoked"] == "1"
	s.RevocationReason = f["revocation_reason"]

	if s.ExpiresAt, err = parseMillis(f["expires_at"]); err != nil {
		return models.Session{}, err
	}
	if s.CreatedAt, err = parseMillis(f["created_at"]); err != nil {
		return models.Session{}, err
	}
	if s.LastUsedAt, err = parseOptionalMillis(f["last_used_at"]); err != nil {
		return models.Session{}, err
	}
	if s.RevokedAt, err = parseOptionalMillis(f["revoked_at"]); err != nil {
		return models.Session{}, err
	}

	return s, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseOptionalMillis(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseMillis(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
