package model

import "time"

// AdjustmentKind identifies which quota operation produced an audit row.
type AdjustmentKind string

// AdjustmentAction describes the net effect of an adjustment on the balance.
type AdjustmentAction string

const (
	// AdjustmentKindReserve is a provisional debit before work starts.
	AdjustmentKindReserve AdjustmentKind = "reserve"
	// AdjustmentKindRelease is an unconditional credit of a reservation.
	AdjustmentKindRelease AdjustmentKind = "release"
	// AdjustmentKindReconcile corrects a reservation to actual usage.
	AdjustmentKindReconcile AdjustmentKind = "reconcile"

	// AdjustmentActionCredited means tokens were returned to the tenant.
	AdjustmentActionCredited AdjustmentAction = "credited"
	// AdjustmentActionDebited means tokens were taken from the tenant.
	AdjustmentActionDebited AdjustmentAction = "debited"
	// AdjustmentActionNone means the balance did not change.
	AdjustmentActionNone AdjustmentAction = "none"
)

// TenantQuota is the per-tenant token balance row.
type TenantQuota struct {
	TenantID         string     `json:"tenant_id"               db:"tenant_id"`
	Balance          int64      `json:"balance"                 db:"token_quota"`
	MonthlyAllowance int64      `json:"monthly_allowance"       db:"monthly_allowance"`
	Consumed         int64      `json:"consumed"                db:"consumed"`
	LastResetAt      *time.Time `json:"last_reset_at,omitempty" db:"last_reset_at"`
	UpdatedAt        time.Time  `json:"updated_at"              db:"updated_at"`
}

// QuotaBalance is the read-only view returned by getBalance.
type QuotaBalance struct {
	TenantID         string `json:"tenantId"`
	Balance          int64  `json:"balance"`
	MonthlyAllowance int64  `json:"monthlyAllowance"`
	Consumed         int64  `json:"consumed"`
}

// QuotaAdjustment is the audit record of one reserve, release or reconcile.
type QuotaAdjustment struct {
	ID           int64            `json:"id,omitempty"         db:"id"`
	TenantID     string           `json:"tenantId"             db:"tenant_id"`
	RequestID    *string          `json:"requestId,omitempty"  db:"request_id"`
	Kind         AdjustmentKind   `json:"kind"                 db:"kind"`
	Reserved     int64            `json:"reserved"             db:"reserved"`
	ActualUsed   int64            `json:"actualUsed"           db:"actual_used"`
	Difference   int64            `json:"difference"           db:"difference"`
	Action       AdjustmentAction `json:"action"               db:"action"`
	BalanceAfter int64            `json:"balanceAfter"         db:"balance_after"`
	Shortfall    int64            `json:"shortfall,omitempty"  db:"shortfall"`
	CreatedAt    time.Time        `json:"createdAt"            db:"created_at"`
}

// QuotaMutation describes a single locked read-modify-write on a tenant balance.
// Delta is positive for credits and negative for debits.
type QuotaMutation struct {
	TenantID  string
	RequestID *string
	Kind      AdjustmentKind
	Delta     int64
	// Strict rejects a debit larger than the balance with InsufficientQuotaError.
	// When false the debit is clamped at zero and the remainder is reported as Shortfall.
	Strict bool
	// Consumed is added to the tenant's cumulative consumption.
	Consumed   int64
	Reserved   int64
	ActualUsed int64
}

// Action derives the audit action from the mutation delta.
func (m *QuotaMutation) Action() AdjustmentAction {
	switch {
	case m.Delta > 0:
		return AdjustmentActionCredited
	case m.Delta < 0:
		return AdjustmentActionDebited
	default:
		return AdjustmentActionNone
	}
}
