package pgxutil

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestLockTimeoutStatement(t *testing.T) {
	assert.Equal(t, "SET LOCAL lock_timeout = '5000ms'", LockTimeoutStatement(5*time.Second))
	assert.Equal(t, "SET LOCAL lock_timeout = '2ms'", LockTimeoutStatement(1500*time.Microsecond))
	assert.Equal(t, "SET LOCAL lock_timeout = '1ms'", LockTimeoutStatement(time.Nanosecond))
	assert.Equal(t, "SET LOCAL lock_timeout = '1ms'", LockTimeoutStatement(0))
}

func TestTxConfigOptions(t *testing.T) {
	assert.Equal(t, pgx.TxOptions{AccessMode: pgx.ReadWrite}, TxConfig{}.options())

	opts := TxConfig{IsoLevel: pgx.Serializable, ReadOnly: true}.options()
	assert.Equal(t, pgx.Serializable, opts.IsoLevel)
	assert.Equal(t, pgx.ReadOnly, opts.AccessMode)
}

func TestHasCode(t *testing.T) {
	lock := fmt.Errorf("apply: %w", &pgconn.PgError{Code: pgerrcode.LockNotAvailable})

	assert.True(t, HasCode(lock, pgerrcode.LockNotAvailable))
	assert.True(t, HasCode(lock, pgerrcode.UniqueViolation, pgerrcode.LockNotAvailable))
	assert.False(t, HasCode(lock, pgerrcode.UniqueViolation))
	assert.False(t, HasCode(errors.New("plain"), pgerrcode.LockNotAvailable))
}
