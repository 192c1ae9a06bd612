// Package pgxutil runs native pgx transactions on connections borrowed from a database/sql pool
// and classifies Postgres error codes.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// TxConfig tunes one transaction.
type TxConfig struct {
	IsoLevel pgx.TxIsoLevel
	ReadOnly bool
	// LockTimeout bounds row lock waits inside the transaction. Zero keeps the server default.
	LockTimeout time.Duration
}

func (c TxConfig) options() pgx.TxOptions {
	mode := pgx.ReadWrite
	if c.ReadOnly {
		mode = pgx.ReadOnly
	}
	return pgx.TxOptions{IsoLevel: c.IsoLevel, AccessMode: mode}
}

// InTx borrows a connection from db, runs fn inside a pgx transaction and commits when fn
// returns nil. Any error rolls back.
func InTx(ctx context.Context, db *sql.DB, cfg TxConfig, fn func(pgx.Tx) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		std, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("driver connection is %T, want *stdlib.Conn", driverConn)
		}
		return runTx(ctx, std.Conn(), cfg, fn)
	})
}

func runTx(ctx context.Context, conn *pgx.Conn, cfg TxConfig, fn func(pgx.Tx) error) error {
	tx, err := conn.BeginTx(ctx, cfg.options())
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if cfg.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, LockTimeoutStatement(cfg.LockTimeout)); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LockTimeoutStatement renders SET LOCAL lock_timeout, rounded up to a whole millisecond.
func LockTimeoutStatement(d time.Duration) string {
	ms := max((d+time.Millisecond-1)/time.Millisecond, 1)
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
}

// HasCode reports whether err carries one of the given SQLSTATE codes.
func HasCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && slices.Contains(codes, pgErr.Code)
}
