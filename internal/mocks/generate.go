// Package mocks provides gomock implementations of the quotaflow core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockRequestRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), "req-1").Return(req, nil)
package mocks

//go:generate mockgen -package=mocks -destination=request_repository_mock.go github.com/target/quotaflow/internal/core RequestRepository
//go:generate mockgen -package=mocks -destination=ledger_repository_mock.go github.com/target/quotaflow/internal/core LedgerRepository
//go:generate mockgen -package=mocks -destination=quota_repository_mock.go github.com/target/quotaflow/internal/core QuotaRepository
//go:generate mockgen -package=mocks -destination=processed_cache_mock.go github.com/target/quotaflow/internal/core ProcessedCache
