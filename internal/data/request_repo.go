package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"

	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/data/pgxutil"
	"github.com/target/quotaflow/internal/domain/model"
)

// RepoConfig holds configuration options shared by the repositories.
type RepoConfig struct {
	Logger *slog.Logger
	// Clock stamps created_at and updated_at columns. Nil uses the system clock.
	Clock core.Clock
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (c RepoConfig) resolve() (core.Clock, *slog.Logger) {
	tp := c.Clock
	if tp == nil {
		tp = systemClock{}
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return tp, logger
}

// RequestRepo persists request records in Postgres.
type RequestRepo struct {
	DB     *sql.DB
	clock  core.Clock
	logger *slog.Logger
}

// NewRequestRepo creates a new RequestRepo instance.
func NewRequestRepo(db *sql.DB, cfg RepoConfig) *RequestRepo {
	tp, logger := cfg.resolve()
	return &RequestRepo{DB: db, clock: tp, logger: logger.With("component", "request_repo")}
}

const requestColumns = `
  id,
  correlation_id,
  message_id,
  topic,
  work_type,
  tenant_id,
  user_id,
  status,
  payload,
  result,
  error_message,
  error_detail,
  retry_count,
  max_retries,
  next_retry_at,
  tokens_reserved,
  tokens_used,
  processing_time_ms,
  created_at,
  updated_at,
  started_at,
  completed_at
`

// Advisory lock namespace for request maintenance. Major key 2000 is reserved for quotaflow sweeps.
const (
	advisoryLockSweepMajor          = 2000
	advisoryLockSweepDeleteTerminal = 1
	advisoryLockSweepStalePending   = 2
	advisoryLockSweepLedger         = 3
)

const insertRequestSQL = `
INSERT INTO requests (` + requestColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

// Create inserts a new request record.
func (r *RequestRepo) Create(ctx context.Context, req *model.Request) error {
	if req == nil {
		return errors.New("request is required")
	}
	if req.CreatedAt.IsZero() {
		now := r.clock.Now().UTC()
		req.CreatedAt = now
		req.UpdatedAt = now
	}
	_, err := r.DB.ExecContext(ctx, insertRequestSQL,
		req.ID,
		req.CorrelationID,
		req.MessageID,
		req.Topic,
		req.WorkType,
		req.TenantID,
		req.UserID,
		req.Status,
		[]byte(req.Payload),
		nullableJSON(req.Result),
		req.ErrorMessage,
		req.ErrorDetail,
		req.RetryCount,
		req.MaxRetries,
		utcPtr(req.NextRetryAt),
		req.TokensReserved,
		req.TokensUsed,
		req.ProcessingTimeMs,
		req.CreatedAt.UTC(),
		req.UpdatedAt.UTC(),
		utcPtr(req.StartedAt),
		utcPtr(req.CompletedAt),
	)
	if err != nil {
		if pgxutil.HasCode(err, pgerrcode.UniqueViolation) {
			return fmt.Errorf("create request %s: %w", req.ID, model.ErrDuplicateMessage)
		}
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

// GetByID retrieves a request record by id.
func (r *RequestRepo) GetByID(ctx context.Context, id string) (*model.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	req, err := scanRequestFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

const transitionRequestSQL = `
UPDATE requests
SET status = $3,
    result = $4,
    error_message = $5,
    error_detail = $6,
    retry_count = $7,
    next_retry_at = $8,
    tokens_reserved = $9,
    tokens_used = $10,
    processing_time_ms = $11,
    updated_at = $12,
    started_at = $13,
    completed_at = $14
WHERE id = $1 AND status = $2`

// Transition writes the record's mutable fields when its stored status still equals from.
func (r *RequestRepo) Transition(
	ctx context.Context,
	req *model.Request,
	from model.RequestStatus,
) (bool, error) {
	if req == nil {
		return false, errors.New("request is required")
	}
	res, err := r.DB.ExecContext(ctx, transitionRequestSQL,
		req.ID,
		from,
		req.Status,
		nullableJSON(req.Result),
		req.ErrorMessage,
		req.ErrorDetail,
		req.RetryCount,
		utcPtr(req.NextRetryAt),
		req.TokensReserved,
		req.TokensUsed,
		req.ProcessingTimeMs,
		req.UpdatedAt.UTC(),
		utcPtr(req.StartedAt),
		utcPtr(req.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("transition request %s %s->%s: %w", req.ID, from, req.Status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

const pendingRetriesDueSQL = `
UPDATE requests
SET next_retry_at = NULL,
    updated_at = $1
WHERE id IN (
    SELECT id FROM requests
    WHERE status = 'pending'
      AND retry_count > 0
      AND next_retry_at <= $1
    ORDER BY next_retry_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + requestColumns

// PendingRetriesDue claims pending records whose retry time has passed.
func (r *RequestRepo) PendingRetriesDue(ctx context.Context, now time.Time, limit int) ([]*model.Request, error) {
	rows, err := r.DB.QueryContext(ctx, pendingRetriesDueSQL, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	return collectRequests(rows)
}

// Abandoned lists processing records started before cutoff, oldest first.
func (r *RequestRepo) Abandoned(ctx context.Context, cutoff time.Time, limit int) ([]*model.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned requests: %w", err)
	}
	return collectRequests(rows)
}

// CountAbandoned counts processing records started before cutoff.
func (r *RequestRepo) CountAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM requests WHERE status = 'processing' AND started_at < $1`, cutoff)
}

// DeleteTerminalOlderThan deletes up to limit terminal records completed before cutoff.
// Concurrent callers that lose the advisory lock delete nothing.
func (r *RequestRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return execLocked(ctx, r.DB, advisoryLockSweepMajor, advisoryLockSweepDeleteTerminal, `
		DELETE FROM requests
		WHERE id IN (
			SELECT id FROM requests
			WHERE status IN ('completed', 'failed', 'timeout')
			  AND completed_at < $1
			ORDER BY completed_at
			LIMIT $2
		)`, cutoff.UTC(), limit)
}

// CountTerminalOlderThan counts terminal records completed before cutoff.
func (r *RequestRepo) CountTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE status IN ('completed', 'failed', 'timeout') AND completed_at < $1`, cutoff)
}

// ExpireStalePending fails pending records that have no retry scheduled and were last touched before cutoff.
func (r *RequestRepo) ExpireStalePending(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	now := r.clock.Now().UTC()
	return execLocked(ctx, r.DB, advisoryLockSweepMajor, advisoryLockSweepStalePending, `
		UPDATE requests
		SET status = 'failed',
		    error_message = COALESCE(error_message, $3),
		    error_detail = $3,
		    tokens_reserved = 0,
		    completed_at = $4,
		    updated_at = $4,
		    processing_time_ms = 0
		WHERE id IN (
			SELECT id FROM requests
			WHERE status = 'pending'
			  AND next_retry_at IS NULL
			  AND updated_at < $1
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, cutoff.UTC(), limit, staleNeverDispatched, now)
}

// CountStalePending counts pending records eligible for ExpireStalePending.
func (r *RequestRepo) CountStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE status = 'pending' AND next_retry_at IS NULL AND updated_at < $1`, cutoff)
}

const staleNeverDispatched = "never dispatched"

func (r *RequestRepo) count(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	var n int64
	if err := r.DB.QueryRowContext(ctx, query, cutoff.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type requestRowData struct {
	payload, result                                []byte
	messageID, topic, userID, errMessage, errDetail sql.NullString
	processingTimeMs                               sql.NullInt64
	nextRetryAt, startedAt, completedAt            sql.NullTime
}

func (d *requestRowData) scanInto(scanner rowScanner, req *model.Request) error {
	return scanner.Scan(
		&req.ID,
		&req.CorrelationID,
		&d.messageID,
		&d.topic,
		&req.WorkType,
		&req.TenantID,
		&d.userID,
		&req.Status,
		&d.payload,
		&d.result,
		&d.errMessage,
		&d.errDetail,
		&req.RetryCount,
		&req.MaxRetries,
		&d.nextRetryAt,
		&req.TokensReserved,
		&req.TokensUsed,
		&d.processingTimeMs,
		&req.CreatedAt,
		&req.UpdatedAt,
		&d.startedAt,
		&d.completedAt,
	)
}

func (d *requestRowData) apply(req *model.Request) {
	req.Payload = cloneJSON(d.payload)
	if len(d.result) > 0 {
		req.Result = cloneJSON(d.result)
	}
	req.MessageID = cloneNullableString(d.messageID)
	req.Topic = cloneNullableString(d.topic)
	req.UserID = cloneNullableString(d.userID)
	req.ErrorMessage = cloneNullableString(d.errMessage)
	req.ErrorDetail = cloneNullableString(d.errDetail)
	req.NextRetryAt = cloneNullableTime(d.nextRetryAt)
	req.StartedAt = cloneNullableTime(d.startedAt)
	req.CompletedAt = cloneNullableTime(d.completedAt)
	if d.processingTimeMs.Valid {
		v := d.processingTimeMs.Int64
		req.ProcessingTimeMs = &v
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
}

func scanRequestFromRow(scanner rowScanner) (*model.Request, error) {
	req := &model.Request{}
	var data requestRowData
	if err := data.scanInto(scanner, req); err != nil {
		return nil, err
	}
	data.apply(req)
	return req, nil
}

func collectRequests(rows *sql.Rows) ([]*model.Request, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.Request
	for rows.Next() {
		req, err := scanRequestFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
