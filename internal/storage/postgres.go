package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"session_auth/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const pgUniqueViolation = "23505"

type PostgresStorage struct {
	db *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, dbURL string, maxConns int32) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &PostgresStorage{
		db: pool,
	}, nil
}

func (p *PostgresStorage) ReserveUserID(ctx context.Context) (int64, error) {
	const op = "storage.ReserveUserID"

	var id int64
	query := fmt.Sprintf("SELECT nextval(pg_get_serial_sequence('%s', 'id'));", usersTable)

	if err := p.db.QueryRow(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (p *PostgresStorage) CreateUser(ctx context.Context, now time.Time, u NewUser, first *NewSession) (models.User, models.Session, error) {
	const op = "storage.CreateUser"

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var user models.User
	query := fmt.Sprintf(`INSERT INTO %s(id, name, email, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)
	RETURNING id, name, email, created_at;`, usersTable)

	err = tx.QueryRow(ctx, query, u.ID, u.Name, u.Email, u.PasswordHash, now).Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}
		return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	var session models.Session
	if first != nil {
		session, err = insertSession(ctx, tx, now, user.ID, first.DeviceID, first.RefreshHash, first.ExpiresAt)
		if err != nil {
			return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.User{}, models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, session, nil
}

func (p *PostgresStorage) GetUserByID(ctx context.Context, userID int64) (models.User, error) {
	const op = "storage.GetUserByID"

	var user models.User
	query := fmt.Sprintf("SELECT id, name, email, created_at FROM %s WHERE id=$1;", usersTable)

	err := p.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (p *PostgresStorage) GetCredentialsByEmail(ctx context.Context, email string) (models.Credentials, error) {
	const op = "storage.GetCredentialsByEmail"

	var cred models.Credentials
	query := fmt.Sprintf("SELECT id, password_hash FROM %s WHERE email=$1;", usersTable)

	err := p.db.QueryRow(ctx, query, email).Scan(&cred.UserID, &cred.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Credentials{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.Credentials{}, fmt.Errorf("%s: %w", op, err)
	}

	return cred, nil
}

const sessionColumns = `s.id, s.user_id, s.device_id::text, s.refresh_token_hash, s.revoked,
	COALESCE(s.revocation_reason, ''), s.expires_at, s.created_at, s.last_used_at, s.revoked_at`

func scanSession(row pgx.Row, s *models.Session, extra ...interface{}) error {
	dest := []interface{}{
		&s.ID,
		&s.UserID,
		&s.DeviceID,
		&s.RefreshHash,
		&s.Revoked,
		&s.RevocationReason,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.LastUsedAt,
		&s.RevokedAt,
	}
	return row.Scan(append(dest, extra...)...)
}

func (p *PostgresStorage) CreateOrReplaceSession(ctx context.Context, now time.Time, userID int64, deviceID, refreshHash string, expiresAt time.Time) (models.Session, error) {
	const op = "storage.CreateOrReplaceSession"

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes session creation per user; FK checks (KEY SHARE) are not blocked.
	var locked int64
	lockQuery := fmt.Sprintf("SELECT id FROM %s WHERE id=$1 FOR NO KEY UPDATE;", usersTable)
	if err := tx.QueryRow(ctx, lockQuery, userID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	revokeQuery := fmt.Sprintf(`UPDATE %s
	SET revoked = TRUE, revoked_at = $3, revocation_reason = $4
	WHERE user_id = $1 AND device_id = $2 AND NOT revoked;`, sessionsTable)
	if _, err := tx.Exec(ctx, revokeQuery, userID, deviceID, now, models.RevokedReplaced); err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	session, err := insertSession(ctx, tx, now, userID, deviceID, refreshHash, expiresAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return session, nil
}

func insertSession(ctx context.Context, tx pgx.Tx, now time.Time, userID int64, deviceID, refreshHash string, expiresAt time.Time) (models.Session, error) {
	sessionID, err := uuid.NewV4()
	if err != nil {
		return models.Session{}, err
	}

	query := fmt.Sprintf(`INSERT INTO %s AS s(id, user_id, device_id, refresh_token_hash, revoked, expires_at, created_at)
	VALUES ($1, $2, $3, $4, FALSE, $5, $6)
	RETURNING %s;`, sessionsTable, sessionColumns)

	var session models.Session
	row := tx.QueryRow(ctx, query, sessionID, userID, deviceID, refreshHash, expiresAt, now)
	if err := scanSession(row, &session); err != nil {
		return models.Session{}, err
	}

	return session, nil
}

func (p *PostgresStorage) FindActiveSession(ctx context.Context, now time.Time, userID int64, deviceID, refreshHash string) (models.Session, error) {
	const op = "storage.FindActiveSession"

	query := fmt.Sprintf(`SELECT %s FROM %s s
	WHERE s.user_id = $1 AND s.device_id = $2 AND s.refresh_token_hash = $3
	  AND NOT s.revoked AND s.expires_at > $4;`, sessionColumns, sessionsTable)

	var session models.Session
	if err := scanSession(p.db.QueryRow(ctx, query, userID, deviceID, refreshHash, now), &session); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%s: %w", op, ErrSessionNotFound)
		}
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return session, nil
}

func (p *PostgresStorage) FindSessionByHash(ctx context.Context, userID int64, deviceID, refreshHash string) (models.Session, error) {
	const op = "storage.FindSessionByHash"

	query := fmt.Sprintf(`SELECT %[1]s, FALSE FROM %[2]s s
	WHERE s.user_id = $1 AND s.device_id = $2 AND s.refresh_token_hash = $3
	UNION ALL
	SELECT %[1]s, TRUE FROM %[3]s r JOIN %[2]s s ON s.id = r.session_id
	WHERE s.user_id = $1 AND s.device_id = $2 AND r.refresh_token_hash = $3
	LIMIT 1;`, sessionColumns, sessionsTable, rotationsTable)

	var session models.Session
	row := p.db.QueryRow(ctx, query, userID, deviceID, refreshHash)
	if err := scanSession(row, &session, &session.Superseded); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%s: %w", op, ErrSessionNotFound)
		}
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return session, nil
}

func (p *PostgresStorage) RotateSession(ctx context.Context, now time.Time, sessionID uuid.UUID, expectedHash, newHash string, newExpiresAt time.Time) error {
	const op = "storage.RotateSession"

	// One statement: the WHERE clause is re-checked against the latest row
	// version after any concurrent writer commits, so only one caller wins.
	query := fmt.Sprintf(`WITH rotated AS (
		UPDATE %s
		SET refresh_token_hash = $3, expires_at = $4, last_used_at = $5
		WHERE id = $1 AND refresh_token_hash = $2 AND NOT revoked
		RETURNING id
	)
	INSERT INTO %s(refresh_token_hash, session_id, rotated_at)
	SELECT $2, id, $5 FROM rotated;`, sessionsTable, rotationsTable)

	tag, err := p.db.Exec(ctx, query, sessionID, expectedHash, newHash, newExpiresAt, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrRotateConflict)
	}

	return nil
}

func (p *PostgresStorage) RevokeSession(ctx context.Context, now time.Time, sessionID uuid.UUID, reason string) error {
	const op = "storage.RevokeSession"

	query := fmt.Sprintf(`UPDATE %s
	SET revoked = TRUE, revoked_at = $2, revocation_reason = $3
	WHERE id = $1 AND NOT revoked;`, sessionsTable)

	if _, err := p.db.Exec(ctx, query, sessionID, now, reason); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *PostgresStorage) RevokeAllSessionsForUser(ctx context.Context, now time.Time, userID int64, reason string) (int64, error) {
	const op = "storage.RevokeAllSessionsForUser"

	query := fmt.Sprintf(`UPDATE %s
	SET revoked = TRUE, revoked_at = $2, revocation_reason = $3
	WHERE user_id = $1 AND NOT revoked;`, sessionsTable)

	tag, err := p.db.Exec(ctx, query, userID, now, reason)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
