package testutil

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"
)

// SeedTenantQuota creates or resets a tenant so balance and allowance both equal balance.
func SeedTenantQuota(t testing.TB, db *sql.DB, tenantID string, balance int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO tenant_quotas (tenant_id, token_quota, monthly_allowance)
		VALUES ($1, $2, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET token_quota = EXCLUDED.token_quota, consumed = 0
	`, tenantID, balance); err != nil {
		t.Fatalf("seed tenant %s: %v", tenantID, err)
	}
}

// TenantBalance reads a tenant's current balance in tenths of a token.
func TenantBalance(t testing.TB, db *sql.DB, tenantID string) int64 {
	t.Helper()
	var balance int64
	if err := db.QueryRowContext(context.Background(),
		`SELECT token_quota FROM tenant_quotas WHERE tenant_id = $1`, tenantID).Scan(&balance); err != nil {
		t.Fatalf("read balance of %s: %v", tenantID, err)
	}
	return balance
}

// ConcurrentTestRunner releases a batch of operations at once to provoke lock contention.
type ConcurrentTestRunner struct {
	t  testing.TB
	db *sql.DB
}

// NewConcurrentTestRunner creates a runner bound to t.
func NewConcurrentTestRunner(t testing.TB, db *sql.DB) *ConcurrentTestRunner {
	return &ConcurrentTestRunner{t: t, db: db}
}

// RunConcurrent starts every fn behind a shared gate and returns their errors in input order.
func (r *ConcurrentTestRunner) RunConcurrent(funcs ...func() error) []error {
	r.t.Helper()
	errs := make([]error, len(funcs))
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range funcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			errs[i] = fn()
		}()
	}
	close(gate)
	wg.Wait()
	return errs
}

// AssertNoErrors fails the test on the first non-nil error.
func (r *ConcurrentTestRunner) AssertNoErrors(errs []error) {
	r.t.Helper()
	for i, err := range errs {
		if err != nil {
			r.t.Fatalf("concurrent operation %d failed: %v", i, err)
		}
	}
}
