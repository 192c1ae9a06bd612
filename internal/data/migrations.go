package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/target/quotaflow/internal/migrate"
)

// RunMigrations brings the request, ledger and quota schema up to date and reports how many
// migrations were pending before the run.
func RunMigrations(ctx context.Context, db *sql.DB) (int, error) {
	before, err := migrate.List(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	pending := 0
	for _, s := range before {
		if !s.Applied {
			pending++
		}
	}
	if err := migrate.Run(ctx, db); err != nil {
		return 0, err
	}
	return pending, nil
}
