package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/mocks"
)

func TestIdempotencyService_MarkProcessedOnce(t *testing.T) {
	ctx := context.Background()
	repo := newMemLedgerRepo()
	svc, err := NewIdempotencyService(IdempotencyServiceOptions{
		Repo:   repo,
		Config: IdempotencyConfig{Clock: newFixedClock(testNow)},
	})
	require.NoError(t, err)

	done, err := svc.IsAlreadyProcessed(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, svc.MarkProcessed(ctx, model.ProcessedMessage{MessageID: "msg-1", Topic: "chat"}))
	err = svc.MarkProcessed(ctx, model.ProcessedMessage{MessageID: "msg-1", Topic: "chat"})
	assert.True(t, errors.Is(err, model.ErrDuplicateMessage))

	done, err = svc.IsAlreadyProcessed(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, repo.size())
	assert.Equal(t, testNow, repo.entries["msg-1"].ProcessedAt)
}

func TestIdempotencyService_CacheHitSkipsDatabase(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	cache := mocks.NewMockProcessedCache(ctrl)
	svc, err := NewIdempotencyService(IdempotencyServiceOptions{
		Repo:   repo,
		Cache:  cache,
		Config: IdempotencyConfig{CacheTTL: time.Hour},
	})
	require.NoError(t, err)

	cache.EXPECT().Seen(gomock.Any(), "msg-1").Return(true, nil)

	done, err := svc.IsAlreadyProcessed(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIdempotencyService_CacheFailureFallsThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	cache := mocks.NewMockProcessedCache(ctrl)
	svc, err := NewIdempotencyService(IdempotencyServiceOptions{
		Repo:   repo,
		Cache:  cache,
		Config: IdempotencyConfig{CacheTTL: time.Hour},
	})
	require.NoError(t, err)

	gomock.InOrder(
		cache.EXPECT().Seen(gomock.Any(), "msg-2").Return(false, errors.New("redis down")),
		repo.EXPECT().Exists(gomock.Any(), "msg-2").Return(true, nil),
		cache.EXPECT().MarkSeen(gomock.Any(), "msg-2", time.Hour).Return(nil),
	)

	done, err := svc.IsAlreadyProcessed(context.Background(), "msg-2")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIdempotencyService_NoCacheWithoutTTL(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	cache := mocks.NewMockProcessedCache(ctrl)
	svc, err := NewIdempotencyService(IdempotencyServiceOptions{Repo: repo, Cache: cache})
	require.NoError(t, err)

	repo.EXPECT().Exists(gomock.Any(), "msg-3").Return(false, nil)

	done, err := svc.IsAlreadyProcessed(context.Background(), "msg-3")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestIdempotencyService_CleanupOlderThanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMemLedgerRepo()
	clock := newFixedClock(testNow)
	svc, err := NewIdempotencyService(IdempotencyServiceOptions{
		Repo:   repo,
		Config: IdempotencyConfig{Clock: clock, BatchSize: 2},
	})
	require.NoError(t, err)

	for i, age := range []time.Duration{10 * 24 * time.Hour, 8 * 24 * time.Hour, 9 * 24 * time.Hour, time.Hour} {
		require.NoError(t, repo.Insert(ctx, &model.ProcessedMessage{
			MessageID:   string(rune('a' + i)),
			ProcessedAt: testNow.Add(-age),
		}))
	}

	pending, err := svc.CountOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	n, err := svc.CleanupOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = svc.CleanupOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, repo.size())
}

func TestIdempotencyService_RequiresMessageID(t *testing.T) {
	svc, err := NewIdempotencyService(IdempotencyServiceOptions{Repo: newMemLedgerRepo()})
	require.NoError(t, err)

	_, err = svc.IsAlreadyProcessed(context.Background(), "")
	require.Error(t, err)
	require.Error(t, svc.MarkProcessed(context.Background(), model.ProcessedMessage{}))
}
