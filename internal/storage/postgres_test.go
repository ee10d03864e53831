package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set AUTH_TEST_DATABASE_URL to a disposable database to run these.
func newTestPostgres(t *testing.T) *PostgresStorage {
	t.Helper()

	dsn := os.Getenv("AUTH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AUTH_TEST_DATABASE_URL is not set")
	}

	require.NoError(t, Migrate(dsn, "up"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := NewPostgresStorage(ctx, dsn, 16)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	return st
}

func TestPostgresStorage(t *testing.T) {
	st := newTestPostgres(t)
	runStorageContract(t, st)
}

func TestMigrate_Validation(t *testing.T) {
	assert.Error(t, Migrate("", "up"))
	assert.Error(t, Migrate("postgres://localhost/db", "sideways"))
}

func TestNewPostgresStorage_BadURL(t *testing.T) {
	_, err := NewPostgresStorage(context.Background(), "postgres://%zz", 1)
	assert.Error(t, err)
}
