package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/target/quotaflow/internal/data/pgxutil"
)

// execLocked runs one batched sweep statement under a transaction-scoped advisory lock.
// A caller that loses the lock to a concurrent sweeper affects no rows and returns (0, nil).
func execLocked(ctx context.Context, db *sql.DB, major, minor int32, query string, args ...any) (int64, error) {
	var affected int64
	err := pgxutil.InTx(ctx, db, pgxutil.TxConfig{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, major, minor).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			return nil
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}
