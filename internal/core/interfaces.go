// Package core declares the persistence and cache ports the quotaflow services depend on.
package core

import (
	"context"
	"time"

	"github.com/target/quotaflow/internal/domain/model"
)

// RequestRepository persists request records.
type RequestRepository interface {
	// Create inserts a pending record. A repeated message id returns model.ErrDuplicateMessage.
	Create(ctx context.Context, req *model.Request) error
	GetByID(ctx context.Context, id string) (*model.Request, error)
	// Transition writes the record's mutable fields only if its stored status still equals from.
	// It returns false when another writer changed the status first.
	Transition(ctx context.Context, req *model.Request, from model.RequestStatus) (bool, error)
	// PendingRetriesDue claims up to limit pending records whose retry time has passed,
	// clearing next_retry_at so concurrent schedulers do not dispatch them twice.
	PendingRetriesDue(ctx context.Context, now time.Time, limit int) ([]*model.Request, error)
	// Abandoned lists processing records started before cutoff.
	Abandoned(ctx context.Context, cutoff time.Time, limit int) ([]*model.Request, error)
	CountAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteTerminalOlderThan removes up to limit terminal records completed before cutoff.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CountTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// ExpireStalePending fails up to limit pending records with no scheduled retry untouched since cutoff.
	ExpireStalePending(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CountStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerRepository persists idempotency ledger entries.
type LedgerRepository interface {
	Exists(ctx context.Context, messageID string) (bool, error)
	// Insert returns model.ErrDuplicateMessage when the id is already recorded.
	Insert(ctx context.Context, entry *model.ProcessedMessage) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// QuotaRepository applies tenant balance mutations under an exclusive row lock.
type QuotaRepository interface {
	// Apply performs one locked read-check-write and records the audit row in the same transaction.
	Apply(ctx context.Context, m model.QuotaMutation) (*model.QuotaAdjustment, error)
	Get(ctx context.Context, tenantID string) (*model.TenantQuota, error)
	Upsert(ctx context.Context, q *model.TenantQuota) error
	ListAdjustments(ctx context.Context, tenantID string, limit int) ([]model.QuotaAdjustment, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ProcessedCache remembers message ids already recorded in the ledger so duplicate checks can
// skip Postgres. A miss is never authoritative; entries expire after the given ttl.
type ProcessedCache interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	MarkSeen(ctx context.Context, messageID string, ttl time.Duration) error
}
