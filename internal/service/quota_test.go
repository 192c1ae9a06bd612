package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/quotaflow/internal/domain/model"
	apperrors "github.com/target/quotaflow/internal/errors"
	"github.com/target/quotaflow/internal/mocks"
	"github.com/target/quotaflow/internal/observability/statsd"
)

func newQuotaService(t *testing.T, repo *memQuotaRepo, sink statsd.Sink) *QuotaService {
	t.Helper()
	svc, err := NewQuotaService(QuotaServiceOptions{Repo: repo, Metrics: sink})
	require.NoError(t, err)
	return svc
}

func TestNewQuotaService_RequiresRepo(t *testing.T) {
	_, err := NewQuotaService(QuotaServiceOptions{})
	require.Error(t, err)
}

func TestQuotaService_ReserveBuildsStrictDebit(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockQuotaRepository(ctrl)
	svc, err := NewQuotaService(QuotaServiceOptions{Repo: repo})
	require.NoError(t, err)

	repo.EXPECT().
		Apply(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m model.QuotaMutation) (*model.QuotaAdjustment, error) {
			assert.Equal(t, "tenant-1", m.TenantID)
			assert.Equal(t, model.AdjustmentKindReserve, m.Kind)
			assert.Equal(t, int64(-240), m.Delta)
			assert.True(t, m.Strict)
			require.NotNil(t, m.RequestID)
			assert.Equal(t, "req-1", *m.RequestID)
			return &model.QuotaAdjustment{BalanceAfter: 760, Action: model.AdjustmentActionDebited}, nil
		})

	adj, err := svc.Reserve(context.Background(), "tenant-1", "req-1", 240)
	require.NoError(t, err)
	assert.Equal(t, int64(760), adj.BalanceAfter)
}

func TestQuotaService_ReserveValidation(t *testing.T) {
	svc := newQuotaService(t, newMemQuotaRepo(nil), nil)

	_, err := svc.Reserve(context.Background(), " ", "", 10)
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.Reserve(context.Background(), "tenant-1", "", 0)
	assert.True(t, apperrors.IsValidation(err))
}

func TestQuotaService_InsufficientLeavesBalance(t *testing.T) {
	repo := newMemQuotaRepo(map[string]int64{"tenant-1": 50})
	sink := statsd.NewRecorder()
	svc := newQuotaService(t, repo, sink)

	_, err := svc.Reserve(context.Background(), "tenant-1", "req-1", 240)
	require.Error(t, err)

	var qe *model.InsufficientQuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(50), qe.Available)
	assert.Equal(t, int64(240), qe.Required)
	assert.Equal(t, int64(50), repo.balance("tenant-1"))
	assert.Equal(t, "insufficient", sink.Tags("quota.reserve")[0]["result"])
}

func TestQuotaService_Reconcile(t *testing.T) {
	tests := []struct {
		name        string
		start       int64
		reserved    int64
		actual      int64
		wantBalance int64
		wantAction  model.AdjustmentAction
		wantShort   int64
	}{
		{name: "over-reserved credits difference", start: 1000, reserved: 500, actual: 300, wantBalance: 700, wantAction: model.AdjustmentActionCredited},
		{name: "under-reserved debits difference", start: 1000, reserved: 500, actual: 700, wantBalance: 300, wantAction: model.AdjustmentActionDebited},
		{name: "exact usage is a no-op", start: 1000, reserved: 500, actual: 500, wantBalance: 500, wantAction: model.AdjustmentActionNone},
		{name: "debit clamps at zero", start: 510, reserved: 500, actual: 600, wantBalance: 0, wantAction: model.AdjustmentActionDebited, wantShort: 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newMemQuotaRepo(map[string]int64{"tenant-1": tt.start})
			svc := newQuotaService(t, repo, nil)

			_, err := svc.Reserve(ctx, "tenant-1", "req-1", tt.reserved)
			require.NoError(t, err)

			adj, err := svc.Reconcile(ctx, "tenant-1", "req-1", tt.reserved, tt.actual)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, adj.Action)
			assert.Equal(t, tt.reserved-tt.actual, adj.Difference)
			assert.Equal(t, tt.wantShort, adj.Shortfall)
			assert.Equal(t, tt.wantBalance, repo.balance("tenant-1"))
		})
	}
}

func TestQuotaService_ChatScenario(t *testing.T) {
	ctx := context.Background()
	repo := newMemQuotaRepo(map[string]int64{"tenant-1": 1000})
	svc := newQuotaService(t, repo, nil)

	cost := svc.EstimateCost(model.WorkTypeChat, 200)
	require.Equal(t, int64(240), cost)

	_, err := svc.Reserve(ctx, "tenant-1", "req-1", cost)
	require.NoError(t, err)
	assert.Equal(t, int64(760), repo.balance("tenant-1"))

	_, err = svc.Reconcile(ctx, "tenant-1", "req-1", cost, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(850), repo.balance("tenant-1"))

	bal, err := svc.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(850), bal.Balance)
	assert.Equal(t, int64(150), bal.Consumed)
}

func TestQuotaService_ReleaseNonPositiveIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockQuotaRepository(ctrl)
	svc, err := NewQuotaService(QuotaServiceOptions{Repo: repo})
	require.NoError(t, err)

	adj, err := svc.Release(context.Background(), "tenant-1", "req-1", 0)
	require.NoError(t, err)
	assert.Nil(t, adj)
}

func TestQuotaService_LockTimeoutIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockQuotaRepository(ctrl)
	svc, err := NewQuotaService(QuotaServiceOptions{Repo: repo})
	require.NoError(t, err)

	repo.EXPECT().Apply(gomock.Any(), gomock.Any()).Return(nil, model.ErrReservationRaceExhausted)

	_, err = svc.Reserve(context.Background(), "tenant-1", "", 100)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

// Concurrent reserve, release and reconcile calls conserve the balance and never overdraw.
func TestQuotaService_ConcurrentMutationsConserveBalance(t *testing.T) {
	ctx := context.Background()
	const start = int64(5000)
	repo := newMemQuotaRepo(map[string]int64{"tenant-1": start})
	svc := newQuotaService(t, repo, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		netDebits int64
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved := int64(100 + i*7)
			if _, err := svc.Reserve(ctx, "tenant-1", "", reserved); err != nil {
				assert.ErrorIs(t, err, model.ErrInsufficientQuota)
				return
			}
			actual := reserved / 2
			if i%3 == 0 {
				_, err := svc.Release(ctx, "tenant-1", "", reserved)
				assert.NoError(t, err)
				return
			}
			if _, err := svc.Reconcile(ctx, "tenant-1", "", reserved, actual); !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			netDebits += actual
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, start-netDebits, repo.balance("tenant-1"))
	for _, adj := range repo.adjustments {
		assert.GreaterOrEqual(t, adj.BalanceAfter, int64(0))
	}
}
