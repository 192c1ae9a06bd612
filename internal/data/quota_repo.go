package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"

	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/data/pgxutil"
	"github.com/target/quotaflow/internal/domain/model"
)

// DefaultQuotaLockTimeout bounds the wait for a tenant row lock.
const DefaultQuotaLockTimeout = 5 * time.Second

// QuotaRepoConfig configures QuotaRepo.
type QuotaRepoConfig struct {
	RepoConfig
	LockTimeout time.Duration
}

// QuotaRepo applies tenant balance changes with a row lock held for the whole read-check-write.
type QuotaRepo struct {
	DB          *sql.DB
	lockTimeout time.Duration
	clock       core.Clock
	logger      *slog.Logger
}

// NewQuotaRepo creates a new QuotaRepo instance.
func NewQuotaRepo(db *sql.DB, cfg QuotaRepoConfig) *QuotaRepo {
	tp, logger := cfg.resolve()
	lt := cfg.LockTimeout
	if lt <= 0 {
		lt = DefaultQuotaLockTimeout
	}
	return &QuotaRepo{
		DB:          db,
		lockTimeout: lt,
		clock:       tp,
		logger:      logger.With("component", "quota_repo"),
	}
}

const (
	selectQuotaForUpdateSQL = `SELECT token_quota FROM tenant_quotas WHERE tenant_id = $1 FOR UPDATE`

	updateQuotaSQL = `
UPDATE tenant_quotas
SET token_quota = $2,
    consumed = GREATEST(consumed + $3, 0),
    updated_at = $4
WHERE tenant_id = $1`

	insertAdjustmentSQL = `
INSERT INTO quota_adjustments
  (tenant_id, request_id, kind, reserved, actual_used, difference, action, balance_after, shortfall, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`
)

// Apply performs one locked read-check-write on the tenant row and records the audit entry.
func (r *QuotaRepo) Apply(ctx context.Context, m model.QuotaMutation) (*model.QuotaAdjustment, error) {
	if m.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}

	var adj *model.QuotaAdjustment
	txCfg := pgxutil.TxConfig{IsoLevel: pgx.ReadCommitted, LockTimeout: r.lockTimeout}
	err := pgxutil.InTx(ctx, r.DB, txCfg, func(tx pgx.Tx) error {
		var balance int64
		if err := tx.QueryRow(ctx, selectQuotaForUpdateSQL, m.TenantID).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrTenantNotFound
			}
			return fmt.Errorf("lock tenant quota: %w", err)
		}

		next, shortfall, err := applyDelta(balance, m)
		if err != nil {
			return err
		}

		now := r.clock.Now().UTC()
		if _, err := tx.Exec(ctx, updateQuotaSQL, m.TenantID, next, m.Consumed, now); err != nil {
			return fmt.Errorf("update tenant quota: %w", err)
		}

		a := &model.QuotaAdjustment{
			TenantID:     m.TenantID,
			RequestID:    m.RequestID,
			Kind:         m.Kind,
			Reserved:     m.Reserved,
			ActualUsed:   m.ActualUsed,
			Difference:   m.Delta,
			Action:       m.Action(),
			BalanceAfter: next,
			Shortfall:    shortfall,
			CreatedAt:    now,
		}
		if err := tx.QueryRow(ctx, insertAdjustmentSQL,
			a.TenantID, a.RequestID, a.Kind, a.Reserved, a.ActualUsed, a.Difference,
			a.Action, a.BalanceAfter, a.Shortfall, a.CreatedAt,
		).Scan(&a.ID); err != nil {
			return fmt.Errorf("insert quota adjustment: %w", err)
		}
		adj = a
		return nil
	})
	if err != nil {
		return nil, mapQuotaError(m, err)
	}
	return adj, nil
}

// applyDelta computes the new balance. Strict debits beyond the balance are refused;
// lenient debits are clamped at zero and the uncovered remainder is returned as shortfall.
func applyDelta(balance int64, m model.QuotaMutation) (next, shortfall int64, err error) {
	next = balance + m.Delta
	if next >= 0 {
		return next, 0, nil
	}
	if m.Strict {
		return 0, 0, &model.InsufficientQuotaError{TenantID: m.TenantID, Available: balance, Required: -m.Delta}
	}
	return 0, -next, nil
}

func mapQuotaError(m model.QuotaMutation, err error) error {
	switch {
	case pgxutil.HasCode(err, pgerrcode.LockNotAvailable):
		return fmt.Errorf("%s tenant %s: %w", m.Kind, m.TenantID, model.ErrReservationRaceExhausted)
	case errors.Is(err, model.ErrTenantNotFound):
		return fmt.Errorf("%s tenant %s: %w", m.Kind, m.TenantID, model.ErrTenantNotFound)
	case errors.Is(err, model.ErrInsufficientQuota):
		return err
	default:
		return fmt.Errorf("apply quota %s: %w", m.Kind, err)
	}
}

// Get returns the tenant quota row.
func (r *QuotaRepo) Get(ctx context.Context, tenantID string) (*model.TenantQuota, error) {
	q := &model.TenantQuota{TenantID: tenantID}
	var lastReset sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT token_quota, monthly_allowance, consumed, last_reset_at, updated_at
		FROM tenant_quotas WHERE tenant_id = $1`, tenantID).
		Scan(&q.Balance, &q.MonthlyAllowance, &q.Consumed, &lastReset, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant quota: %w", err)
	}
	q.LastResetAt = cloneNullableTime(lastReset)
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, nil
}

// Upsert creates or overwrites the balance and allowance of a tenant. Consumption is preserved.
func (r *QuotaRepo) Upsert(ctx context.Context, q *model.TenantQuota) error {
	if q == nil || q.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if q.Balance < 0 || q.MonthlyAllowance < 0 {
		return errors.New("balance and monthly allowance must be >= 0")
	}
	now := r.clock.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO tenant_quotas (tenant_id, token_quota, monthly_allowance, consumed, last_reset_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE
		SET token_quota = EXCLUDED.token_quota,
		    monthly_allowance = EXCLUDED.monthly_allowance,
		    last_reset_at = COALESCE(EXCLUDED.last_reset_at, tenant_quotas.last_reset_at),
		    updated_at = EXCLUDED.updated_at`,
		q.TenantID, q.Balance, q.MonthlyAllowance, q.Consumed, utcPtr(q.LastResetAt), now)
	if err != nil {
		return fmt.Errorf("upsert tenant quota: %w", err)
	}
	q.UpdatedAt = now
	return nil
}

// ListAdjustments returns the most recent audit rows for a tenant, newest first.
func (r *QuotaRepo) ListAdjustments(ctx context.Context, tenantID string, limit int) ([]model.QuotaAdjustment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, tenant_id, request_id, kind, reserved, actual_used, difference,
		       action, balance_after, shortfall, created_at
		FROM quota_adjustments
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list quota adjustments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.QuotaAdjustment
	for rows.Next() {
		var (
			a         model.QuotaAdjustment
			requestID sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &requestID, &a.Kind, &a.Reserved, &a.ActualUsed,
			&a.Difference, &a.Action, &a.BalanceAfter, &a.Shortfall, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quota adjustment: %w", err)
		}
		a.RequestID = cloneNullableString(requestID)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quota adjustments: %w", err)
	}
	return out, nil
}
