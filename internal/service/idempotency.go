package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/domain/model"
)

// DefaultLedgerBatchSize bounds each ledger purge statement.
const DefaultLedgerBatchSize = 1000

// IdempotencyConfig tunes the ledger service.
type IdempotencyConfig struct {
	// CacheTTL is how long positive lookups stay cached. Zero disables the cache.
	CacheTTL time.Duration
	// BatchSize bounds each purge statement.
	BatchSize int
	Clock     core.Clock
}

// IdempotencyServiceOptions groups dependencies for IdempotencyService.
type IdempotencyServiceOptions struct {
	Repo   core.LedgerRepository // Required: ledger repository
	Cache  core.ProcessedCache   // Optional: read-through cache of processed ids
	Config IdempotencyConfig
	Logger *slog.Logger
}

// IdempotencyService records which inbound message ids have been handled so redeliveries are
// recognised before any quota is reserved.
type IdempotencyService struct {
	repo   core.LedgerRepository
	cache  core.ProcessedCache
	config IdempotencyConfig
	logger *slog.Logger
}

// NewIdempotencyService constructs an IdempotencyService.
func NewIdempotencyService(opts IdempotencyServiceOptions) (*IdempotencyService, error) {
	if opts.Repo == nil {
		return nil, errors.New("LedgerRepository is required")
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultLedgerBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	cache := opts.Cache
	if cfg.CacheTTL <= 0 {
		cache = nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyService{
		repo:   opts.Repo,
		cache:  cache,
		config: cfg,
		logger: logger.With("component", "idempotency_service"),
	}, nil
}

// IsAlreadyProcessed reports whether messageID has a ledger entry. It has no side effects on the
// ledger. Cache failures fall through to the database.
func (s *IdempotencyService) IsAlreadyProcessed(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}

	if s.cache != nil {
		hit, err := s.cache.Seen(ctx, messageID)
		if err != nil {
			s.logger.WarnContext(ctx, "ledger cache lookup failed", "message_id", messageID, "error", err)
		} else if hit {
			return true, nil
		}
	}

	found, err := s.repo.Exists(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	if found {
		s.remember(ctx, messageID)
	}
	return found, nil
}

// MarkProcessed writes the ledger entry. A second call for the same id returns an error matching
// model.ErrDuplicateMessage; callers treat that as already handled.
func (s *IdempotencyService) MarkProcessed(ctx context.Context, entry model.ProcessedMessage) error {
	if entry.MessageID == "" {
		return errors.New("message id is required")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = s.config.Clock.Now()
	}
	if err := s.repo.Insert(ctx, &entry); err != nil {
		if errors.Is(err, model.ErrDuplicateMessage) {
			s.remember(ctx, entry.MessageID)
			return fmt.Errorf("mark processed %s: %w", entry.MessageID, model.ErrDuplicateMessage)
		}
		return fmt.Errorf("mark processed: %w", err)
	}
	s.remember(ctx, entry.MessageID)
	return nil
}

// CleanupOlderThan deletes entries processed more than days ago, one bounded batch at a time.
func (s *IdempotencyService) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	return s.PurgeBefore(ctx, s.cutoff(days))
}

// CountOlderThan reports how many entries CleanupOlderThan would delete.
func (s *IdempotencyService) CountOlderThan(ctx context.Context, days int) (int64, error) {
	return s.CountBefore(ctx, s.cutoff(days))
}

// CountBefore reports how many entries were processed before cutoff.
func (s *IdempotencyService) CountBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.CountOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

func (s *IdempotencyService) cutoff(days int) time.Time {
	if days < 0 {
		days = 0
	}
	return s.config.Clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
}

// PurgeBefore deletes entries processed before cutoff in batches until none remain.
func (s *IdempotencyService) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		n, err := s.repo.DeleteOlderThan(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("purge ledger: %w", err)
		}
		total += n
		if n == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "purged ledger entries", "count", total, "cutoff", cutoff)
	}
	return total, nil
}

func (s *IdempotencyService) remember(ctx context.Context, messageID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.MarkSeen(ctx, messageID, s.config.CacheTTL); err != nil {
		s.logger.WarnContext(ctx, "ledger cache write failed", "message_id", messageID, "error", err)
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
