package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/testutil"
)

func TestExecLocked_SkipsWhenLockHeld(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		repo := NewLedgerRepo(db, RepoConfig{Clock: fixedClock(now)})

		old := &model.ProcessedMessage{
			MessageID: "m-locked", CorrelationID: "c-1", Topic: "chat", ProcessedAt: now.Add(-10 * 24 * time.Hour),
		}
		require.NoError(t, repo.Insert(ctx, old))
		cutoff := now.Add(-7 * 24 * time.Hour)

		holder, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = holder.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`,
			advisoryLockSweepMajor, advisoryLockSweepLedger)
		require.NoError(t, err)

		n, err := repo.DeleteOlderThan(ctx, cutoff, 100)
		require.NoError(t, err)
		assert.Zero(t, n, "sweep must not run while another sweeper holds the lock")

		exists, err := repo.Exists(ctx, "m-locked")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, holder.Rollback())

		n, err = repo.DeleteOlderThan(ctx, cutoff, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
