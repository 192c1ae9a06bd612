package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/domain/quota"
	apperrors "github.com/target/quotaflow/internal/errors"
	"github.com/target/quotaflow/internal/observability/metrics"
	"github.com/target/quotaflow/internal/observability/statsd"
)

// QuotaServiceOptions groups dependencies for QuotaService.
type QuotaServiceOptions struct {
	Repo    core.QuotaRepository // Required: tenant balance repository
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink
}

// QuotaService reserves, releases and reconciles tenant token balances.
// Every mutation is a single locked read-check-write in the repository; nothing is cached here.
type QuotaService struct {
	repo    core.QuotaRepository
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewQuotaService constructs a QuotaService.
func NewQuotaService(opts QuotaServiceOptions) (*QuotaService, error) {
	if opts.Repo == nil {
		return nil, errors.New("QuotaRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaService{
		repo:    opts.Repo,
		logger:  logger.With("component", "quota_service"),
		metrics: opts.Metrics,
	}, nil
}

// EstimateCost sizes a reservation for a unit of work.
func (s *QuotaService) EstimateCost(workType model.WorkType, contentLength int) int64 {
	return quota.EstimateCost(workType, contentLength)
}

// Reserve debits amount from the tenant, failing with *model.InsufficientQuotaError when the
// balance cannot cover it. requestID may be empty.
func (s *QuotaService) Reserve(
	ctx context.Context,
	tenantID, requestID string,
	amount int64,
) (*model.QuotaAdjustment, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, apperrors.ValidationField("amount", "reservation amount must be positive")
	}

	adj, err := s.repo.Apply(ctx, model.QuotaMutation{
		TenantID:  tenantID,
		RequestID: optionalID(requestID),
		Kind:      model.AdjustmentKindReserve,
		Delta:     -amount,
		Strict:    true,
		Reserved:  amount,
	})
	if err != nil {
		s.emit("reserve", reserveResult(err), 0)
		if errors.Is(err, model.ErrInsufficientQuota) {
			s.logger.InfoContext(ctx, "reservation refused",
				"tenant_id", tenantID, "request_id", requestID, "required", amount, "error", err)
			return nil, err
		}
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	s.emit("reserve", metrics.ResultSuccess, amount)
	s.logger.DebugContext(ctx, "quota reserved",
		"tenant_id", tenantID, "request_id", requestID, "amount", amount, "balance", adj.BalanceAfter)
	return adj, nil
}

// Release credits amount back to the tenant unconditionally. A non-positive amount is a no-op.
func (s *QuotaService) Release(
	ctx context.Context,
	tenantID, requestID string,
	amount int64,
) (*model.QuotaAdjustment, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, nil
	}

	adj, err := s.repo.Apply(ctx, model.QuotaMutation{
		TenantID:  tenantID,
		RequestID: optionalID(requestID),
		Kind:      model.AdjustmentKindRelease,
		Delta:     amount,
		Reserved:  amount,
	})
	if err != nil {
		s.emit("release", metrics.ResultError, 0)
		return nil, fmt.Errorf("release quota: %w", err)
	}
	s.emit("release", metrics.ResultSuccess, amount)
	return adj, nil
}

// Reconcile corrects a reservation to the actual usage. A positive difference is credited, a
// negative one debited. Debits never drive the balance below zero; any remainder is reported on
// the returned adjustment as Shortfall.
func (s *QuotaService) Reconcile(
	ctx context.Context,
	tenantID, requestID string,
	reserved, actualUsed int64,
) (*model.QuotaAdjustment, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if reserved < 0 || actualUsed < 0 {
		return nil, apperrors.Validation("reserved and actual usage must be non-negative")
	}

	m := model.QuotaMutation{
		TenantID:   tenantID,
		RequestID:  optionalID(requestID),
		Kind:       model.AdjustmentKindReconcile,
		Delta:      reserved - actualUsed,
		Consumed:   actualUsed,
		Reserved:   reserved,
		ActualUsed: actualUsed,
	}
	if m.Delta < 0 {
		s.logger.WarnContext(ctx, "usage exceeded reservation",
			"tenant_id", tenantID, "request_id", requestID,
			"reserved", reserved, "actual_used", actualUsed)
	}

	adj, err := s.repo.Apply(ctx, m)
	if err != nil {
		s.emit("reconcile", metrics.ResultError, 0)
		return nil, fmt.Errorf("reconcile quota: %w", err)
	}
	if adj.Shortfall > 0 {
		s.logger.WarnContext(ctx, "reconcile debit clamped at zero balance",
			"tenant_id", tenantID, "request_id", requestID, "shortfall", adj.Shortfall)
	}
	s.emit("reconcile", string(adj.Action), abs(adj.Difference))
	return adj, nil
}

// GetBalance returns the tenant's balance without taking the row lock.
func (s *QuotaService) GetBalance(ctx context.Context, tenantID string) (*model.QuotaBalance, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	q, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &model.QuotaBalance{
		TenantID:         q.TenantID,
		Balance:          q.Balance,
		MonthlyAllowance: q.MonthlyAllowance,
		Consumed:         q.Consumed,
	}, nil
}

// SetBalance creates or overwrites a tenant's balance and allowance.
func (s *QuotaService) SetBalance(ctx context.Context, tenantID string, balance, allowance int64) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if balance < 0 || allowance < 0 {
		return apperrors.Validation("balance and allowance must be non-negative")
	}
	if err := s.repo.Upsert(ctx, &model.TenantQuota{
		TenantID:         tenantID,
		Balance:          balance,
		MonthlyAllowance: allowance,
	}); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	s.logger.InfoContext(ctx, "tenant balance set",
		"tenant_id", tenantID, "balance", balance, "monthly_allowance", allowance)
	return nil
}

// Adjustments lists the most recent audit rows for a tenant.
func (s *QuotaService) Adjustments(ctx context.Context, tenantID string, limit int) ([]model.QuotaAdjustment, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	return s.repo.ListAdjustments(ctx, tenantID, limit)
}

func (s *QuotaService) emit(op, result string, tokens int64) {
	metrics.EmitQuota(s.metrics, op, result, tokens)
}

func reserveResult(err error) string {
	if errors.Is(err, model.ErrInsufficientQuota) {
		return metrics.ResultInsufficient
	}
	return metrics.ResultError
}

func validateTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperrors.ValidationField("tenant_id", "tenant id is required")
	}
	return nil
}

func optionalID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
