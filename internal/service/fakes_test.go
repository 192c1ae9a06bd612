package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/domain/pipeline"
	"github.com/target/quotaflow/internal/observability/notify"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memQuotaRepo serializes every mutation on one mutex, standing in for the tenant row lock.
type memQuotaRepo struct {
	mu          sync.Mutex
	tenants     map[string]*model.TenantQuota
	adjustments []model.QuotaAdjustment
	applyErr    error
}

func newMemQuotaRepo(balances map[string]int64) *memQuotaRepo {
	r := &memQuotaRepo{tenants: map[string]*model.TenantQuota{}}
	for id, b := range balances {
		r.tenants[id] = &model.TenantQuota{TenantID: id, Balance: b, MonthlyAllowance: b}
	}
	return r
}

func (r *memQuotaRepo) Apply(_ context.Context, m model.QuotaMutation) (*model.QuotaAdjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return nil, r.applyErr
	}
	q, ok := r.tenants[m.TenantID]
	if !ok {
		return nil, model.ErrTenantNotFound
	}
	next := q.Balance + m.Delta
	var shortfall int64
	if next < 0 {
		if m.Strict {
			return nil, &model.InsufficientQuotaError{TenantID: m.TenantID, Available: q.Balance, Required: -m.Delta}
		}
		shortfall = -next
		next = 0
	}
	q.Balance = next
	q.Consumed += m.Consumed
	adj := model.QuotaAdjustment{
		ID:           int64(len(r.adjustments) + 1),
		TenantID:     m.TenantID,
		RequestID:    m.RequestID,
		Kind:         m.Kind,
		Reserved:     m.Reserved,
		ActualUsed:   m.ActualUsed,
		Difference:   m.Delta,
		Action:       m.Action(),
		BalanceAfter: next,
		Shortfall:    shortfall,
	}
	r.adjustments = append(r.adjustments, adj)
	return &adj, nil
}

func (r *memQuotaRepo) Get(_ context.Context, tenantID string) (*model.TenantQuota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.tenants[tenantID]
	if !ok {
		return nil, model.ErrTenantNotFound
	}
	c := *q
	return &c, nil
}

func (r *memQuotaRepo) Upsert(_ context.Context, q *model.TenantQuota) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *q
	if prev, ok := r.tenants[q.TenantID]; ok {
		c.Consumed = prev.Consumed
	}
	r.tenants[q.TenantID] = &c
	return nil
}

func (r *memQuotaRepo) ListAdjustments(_ context.Context, tenantID string, limit int) ([]model.QuotaAdjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.QuotaAdjustment
	for i := len(r.adjustments) - 1; i >= 0 && len(out) < limit; i-- {
		if r.adjustments[i].TenantID == tenantID {
			out = append(out, r.adjustments[i])
		}
	}
	return out, nil
}

func (r *memQuotaRepo) balance(tenantID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tenants[tenantID].Balance
}

func (r *memQuotaRepo) kinds(requestID string) []model.AdjustmentKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AdjustmentKind
	for _, a := range r.adjustments {
		if a.RequestID != nil && *a.RequestID == requestID {
			out = append(out, a.Kind)
		}
	}
	return out
}

// memRequestRepo keeps records in memory with the same guarded-transition contract as Postgres.
type memRequestRepo struct {
	mu        sync.Mutex
	records   map[string]*model.Request
	messages  map[string]string
	createErr error
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{records: map[string]*model.Request{}, messages: map[string]string{}}
}

func (r *memRequestRepo) Create(_ context.Context, req *model.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if req.MessageID != nil {
		if _, dup := r.messages[*req.MessageID]; dup {
			return model.ErrDuplicateMessage
		}
		r.messages[*req.MessageID] = req.ID
	}
	r.records[req.ID] = req.Clone()
	return nil
}

func (r *memRequestRepo) GetByID(_ context.Context, id string) (*model.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.records[id]
	if !ok {
		return nil, model.ErrRequestNotFound
	}
	return req.Clone(), nil
}

func (r *memRequestRepo) Transition(_ context.Context, req *model.Request, from model.RequestStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[req.ID]
	if !ok {
		return false, model.ErrRequestNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	r.records[req.ID] = req.Clone()
	return true, nil
}

func (r *memRequestRepo) PendingRetriesDue(_ context.Context, now time.Time, limit int) ([]*model.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Request
	for _, req := range r.sorted() {
		if len(out) == limit {
			break
		}
		if req.Status == model.RequestStatusPending && req.RetryCount > 0 &&
			req.NextRetryAt != nil && !req.NextRetryAt.After(now) {
			req.NextRetryAt = nil
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func (r *memRequestRepo) Abandoned(_ context.Context, cutoff time.Time, limit int) ([]*model.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Request
	for _, req := range r.sorted() {
		if len(out) == limit {
			break
		}
		if isAbandoned(req, cutoff) {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func (r *memRequestRepo) CountAbandoned(_ context.Context, cutoff time.Time) (int64, error) {
	return r.count(func(req *model.Request) bool { return isAbandoned(req, cutoff) }), nil
}

func (r *memRequestRepo) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, req := range r.records {
		if int(n) == limit {
			break
		}
		if isExpiredTerminal(req, cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

func (r *memRequestRepo) CountTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	return r.count(func(req *model.Request) bool { return isExpiredTerminal(req, cutoff) }), nil
}

func (r *memRequestRepo) ExpireStalePending(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, req := range r.records {
		if int(n) == limit {
			break
		}
		if isStalePending(req, cutoff) {
			msg := "never dispatched"
			req.Status = model.RequestStatusFailed
			req.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (r *memRequestRepo) CountStalePending(_ context.Context, cutoff time.Time) (int64, error) {
	return r.count(func(req *model.Request) bool { return isStalePending(req, cutoff) }), nil
}

func (r *memRequestRepo) count(pred func(*model.Request) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, req := range r.records {
		if pred(req) {
			n++
		}
	}
	return n
}

func (r *memRequestRepo) sorted() []*model.Request {
	out := make([]*model.Request, 0, len(r.records))
	for _, req := range r.records {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRequestRepo) get(t *testing.T, id string) *model.Request {
	t.Helper()
	req, err := r.GetByID(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (r *memRequestRepo) put(req *model.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[req.ID] = req.Clone()
}

func isAbandoned(req *model.Request, cutoff time.Time) bool {
	return req.Status == model.RequestStatusProcessing && req.StartedAt != nil && req.StartedAt.Before(cutoff)
}

func isExpiredTerminal(req *model.Request, cutoff time.Time) bool {
	return req.Status.Terminal() && req.CompletedAt != nil && req.CompletedAt.Before(cutoff)
}

func isStalePending(req *model.Request, cutoff time.Time) bool {
	return req.Status == model.RequestStatusPending && req.NextRetryAt == nil && req.UpdatedAt.Before(cutoff)
}

// memLedgerRepo is an in-memory idempotency ledger.
type memLedgerRepo struct {
	mu      sync.Mutex
	entries map[string]model.ProcessedMessage
}

func newMemLedgerRepo() *memLedgerRepo {
	return &memLedgerRepo{entries: map[string]model.ProcessedMessage{}}
}

func (r *memLedgerRepo) Exists(_ context.Context, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[messageID]
	return ok, nil
}

func (r *memLedgerRepo) Insert(_ context.Context, entry *model.ProcessedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.MessageID]; ok {
		return model.ErrDuplicateMessage
	}
	r.entries[entry.MessageID] = *entry
	return nil
}

func (r *memLedgerRepo) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.entries {
		if int(n) == limit {
			break
		}
		if e.ProcessedAt.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

func (r *memLedgerRepo) CountOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.ProcessedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (r *memLedgerRepo) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// scriptedExecutor returns fixed token usage per stage and can fail or block a named stage.
type scriptedExecutor struct {
	mu      sync.Mutex
	tokens  map[string]int64
	failOn  string
	block   map[string]chan struct{}
	calls   []string
	entered chan string
}

func newScriptedExecutor(tokens map[string]int64) *scriptedExecutor {
	return &scriptedExecutor{tokens: tokens, block: map[string]chan struct{}{}, entered: make(chan string, 16)}
}

func (e *scriptedExecutor) Execute(ctx context.Context, in pipeline.StageInput) (pipeline.StageOutput, error) {
	e.mu.Lock()
	e.calls = append(e.calls, in.Stage)
	gate := e.block[in.Stage]
	fail := e.failOn == in.Stage
	used := e.tokens[in.Stage]
	e.mu.Unlock()

	select {
	case e.entered <- in.Stage:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return pipeline.StageOutput{}, ctx.Err()
		}
	}
	if fail {
		return pipeline.StageOutput{TokensUsed: used}, errors.New("executor unavailable")
	}
	out, _ := json.Marshal(map[string]any{"stage": in.Stage})
	return pipeline.StageOutput{Result: out, TokensUsed: used}, nil
}

func (e *scriptedExecutor) stageCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func newTestRegistry(t *testing.T, exec pipeline.Executor) *pipeline.Registry {
	t.Helper()
	reg, err := pipeline.NewRegistry(pipeline.DefaultDefinitions(func(model.WorkType, string) pipeline.Executor {
		return exec
	}))
	require.NoError(t, err)
	return reg
}

type captureNotifier struct {
	mu       sync.Mutex
	payloads []notify.RequestFailurePayload
}

func (n *captureNotifier) NotifyRequestFailure(_ context.Context, payload notify.RequestFailurePayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
}

func (n *captureNotifier) received() []notify.RequestFailurePayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.RequestFailurePayload(nil), n.payloads...)
}
