package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"

	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/data/pgxutil"
	"github.com/target/quotaflow/internal/domain/model"
)

// LedgerRepo stores processed message ids for idempotent intake.
type LedgerRepo struct {
	DB     *sql.DB
	clock  core.Clock
	logger *slog.Logger
}

// NewLedgerRepo creates a new LedgerRepo instance.
func NewLedgerRepo(db *sql.DB, cfg RepoConfig) *LedgerRepo {
	tp, logger := cfg.resolve()
	return &LedgerRepo{DB: db, clock: tp, logger: logger.With("component", "ledger_repo")}
}

// Exists reports whether messageID has been recorded.
func (r *LedgerRepo) Exists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed message: %w", err)
	}
	return exists, nil
}

// Insert records a processed message. A repeated id returns model.ErrDuplicateMessage.
func (r *LedgerRepo) Insert(ctx context.Context, entry *model.ProcessedMessage) error {
	if entry == nil || entry.MessageID == "" {
		return errors.New("message id is required")
	}
	processedAt := entry.ProcessedAt
	if processedAt.IsZero() {
		processedAt = r.clock.Now()
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO processed_messages (message_id, correlation_id, topic, tenant_id, duration_ms, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.MessageID,
		entry.CorrelationID,
		entry.Topic,
		entry.TenantID,
		entry.DurationMs,
		processedAt.UTC(),
	)
	if err != nil {
		if pgxutil.HasCode(err, pgerrcode.UniqueViolation) {
			return fmt.Errorf("insert processed message %s: %w", entry.MessageID, model.ErrDuplicateMessage)
		}
		return fmt.Errorf("insert processed message: %w", err)
	}
	return nil
}

// DeleteOlderThan removes up to limit entries processed before cutoff.
func (r *LedgerRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return execLocked(ctx, r.DB, advisoryLockSweepMajor, advisoryLockSweepLedger, `
		DELETE FROM processed_messages
		WHERE message_id IN (
			SELECT message_id FROM processed_messages
			WHERE processed_at < $1
			ORDER BY processed_at
			LIMIT $2
		)`, cutoff.UTC(), limit)
}

// CountOlderThan counts entries processed before cutoff.
func (r *LedgerRepo) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE processed_at < $1`, cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processed messages: %w", err)
	}
	return n, nil
}
