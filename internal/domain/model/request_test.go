package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest(now time.Time) *Request {
	return NewRequest("req-1", CreateRequestParams{
		CorrelationID: "corr-1",
		WorkType:      WorkTypeChat,
		TenantID:      "tenant-1",
		Payload:       json.RawMessage(`{"content":"hi"}`),
	}, now)
}

func TestWorkType_UnmarshalText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    WorkType
		wantErr bool
	}{
		{name: "chat", input: "chat", want: WorkTypeChat},
		{name: "upper case analysis", input: " ANALYSIS ", want: WorkTypeAnalysis},
		{name: "credit score", input: "credit_score", want: WorkTypeScoring},
		{name: "scoring alias", input: "scoring", want: WorkTypeScoring},
		{name: "unknown", input: "translation", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wt WorkType
			err := wt.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, wt)
		})
	}
}

func TestNewRequest_Defaults(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRequest(now)

	assert.Equal(t, RequestStatusPending, r.Status)
	assert.Equal(t, DefaultMaxRetries, r.MaxRetries)
	assert.Equal(t, 0, r.RetryCount)
	assert.Nil(t, r.StartedAt)
	assert.Nil(t, r.CompletedAt)
	assert.Nil(t, r.NextRetryAt)
	assert.Equal(t, now, r.CreatedAt)
}

func TestCreateRequestParams_Validate(t *testing.T) {
	valid := CreateRequestParams{WorkType: WorkTypeChat, TenantID: "t", Payload: json.RawMessage(`{}`)}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.WorkType = "unknown"
	require.Error(t, bad.Validate())

	bad = valid
	bad.TenantID = " "
	require.Error(t, bad.Validate())

	bad = valid
	bad.Payload = json.RawMessage(`{bad`)
	require.Error(t, bad.Validate())

	bad = valid
	bad.MaxRetries = -1
	require.Error(t, bad.Validate())
}

func TestRequest_LifecycleSuccess(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRequest(now)

	require.NoError(t, r.MarkProcessing(now, 240))
	require.NotNil(t, r.StartedAt)
	assert.Equal(t, RequestStatusProcessing, r.Status)
	assert.Equal(t, int64(240), r.TokensReserved)

	done := now.Add(1500 * time.Millisecond)
	require.NoError(t, r.MarkCompleted(done, json.RawMessage(`{"ok":true}`), 150))

	assert.Equal(t, RequestStatusCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, done, *r.CompletedAt)
	require.NotNil(t, r.ProcessingTimeMs)
	assert.Equal(t, int64(1500), *r.ProcessingTimeMs)
	assert.Equal(t, int64(150), r.TokensUsed)
	assert.Zero(t, r.TokensReserved)
	assert.False(t, r.CanRetry())
}

func TestRequest_InvalidTransitions(t *testing.T) {
	now := time.Now()
	r := newTestRequest(now)

	err := r.MarkCompleted(now, nil, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.Error(t, r.MarkFailed(now, "boom", nil))
	require.Error(t, r.MarkTimeout(now))
	assert.Equal(t, RequestStatusPending, r.Status)
	assert.Nil(t, r.CompletedAt)

	require.NoError(t, r.MarkProcessing(now, 100))
	require.Error(t, r.MarkProcessing(now, 100))
}

func TestRequest_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		status     RequestStatus
		retryCount int
		want       bool
	}{
		{name: "failed under limit", status: RequestStatusFailed, retryCount: 0, want: true},
		{name: "timeout under limit", status: RequestStatusTimeout, retryCount: 2, want: true},
		{name: "failed at limit", status: RequestStatusFailed, retryCount: 3, want: false},
		{name: "completed", status: RequestStatusCompleted, retryCount: 0, want: false},
		{name: "pending", status: RequestStatusPending, retryCount: 0, want: false},
		{name: "processing", status: RequestStatusProcessing, retryCount: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Request{Status: tt.status, RetryCount: tt.retryCount, MaxRetries: 3}
			assert.Equal(t, tt.want, r.CanRetry())
		})
	}
}

func TestRequest_ScheduleRetryBackoffSequence(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRequest(now)

	wantOffsets := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantOffsets {
		require.NoError(t, r.MarkProcessing(now, 100))
		require.NoError(t, r.MarkFailed(now, "executor failed", nil))

		require.True(t, r.ScheduleRetry(now), "attempt %d", i+1)
		assert.Equal(t, RequestStatusPending, r.Status)
		assert.Equal(t, i+1, r.RetryCount)
		require.NotNil(t, r.NextRetryAt)
		assert.Equal(t, want, r.NextRetryAt.Sub(now))
	}

	require.NoError(t, r.MarkProcessing(now, 100))
	require.Nil(t, r.NextRetryAt)
	require.NoError(t, r.MarkFailed(now, "executor failed", nil))

	before := *r
	assert.False(t, r.ScheduleRetry(now))
	assert.Equal(t, RequestStatusFailed, r.Status)
	assert.Equal(t, before.RetryCount, r.RetryCount)
	assert.Nil(t, r.NextRetryAt)
}

func TestRequest_RetryClearsPreviousOutcome(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRequest(now)

	require.NoError(t, r.MarkProcessing(now, 240))
	r.TokensUsed = 100
	require.NoError(t, r.MarkFailed(now.Add(time.Second), "stage finalize failed", nil))
	require.NotNil(t, r.CompletedAt)
	require.NotNil(t, r.ProcessingTimeMs)

	require.True(t, r.ScheduleRetry(now.Add(time.Second)))
	assert.Nil(t, r.CompletedAt)
	assert.Nil(t, r.ProcessingTimeMs)
	assert.Zero(t, r.TokensUsed)

	retryAt := now.Add(3 * time.Second)
	require.NoError(t, r.MarkProcessing(retryAt, 240))
	assert.Equal(t, RequestStatusProcessing, r.Status)
	assert.Nil(t, r.CompletedAt)
	assert.Nil(t, r.ProcessingTimeMs)
	require.NotNil(t, r.StartedAt)
	assert.Equal(t, retryAt, *r.StartedAt)

	require.NoError(t, r.MarkCompleted(retryAt.Add(2*time.Second), json.RawMessage(`{}`), 150))
	require.NotNil(t, r.ProcessingTimeMs)
	assert.Equal(t, int64(2000), *r.ProcessingTimeMs)
}

func TestBackoffDelay_Capped(t *testing.T) {
	assert.Equal(t, time.Second, BackoffDelay(0))
	assert.Equal(t, time.Second, BackoffDelay(1))
	assert.Equal(t, 8*time.Second, BackoffDelay(4))
	assert.Equal(t, 32*time.Second, BackoffDelay(6))
	assert.Equal(t, 60*time.Second, BackoffDelay(7))
	assert.Equal(t, 60*time.Second, BackoffDelay(64))
}

func TestRequest_MarkTimeout(t *testing.T) {
	now := time.Date(2025, 1, 2, 13, 0, 0, 0, time.UTC)
	r := newTestRequest(now.Add(-25 * time.Hour))
	require.NoError(t, r.MarkProcessing(now.Add(-25*time.Hour), 300))

	require.NoError(t, r.MarkTimeout(now))

	assert.Equal(t, RequestStatusTimeout, r.Status)
	require.NotNil(t, r.ErrorMessage)
	assert.Equal(t, "deadline exceeded", *r.ErrorMessage)
	require.NotNil(t, r.ProcessingTimeMs)
	assert.Equal(t, (25 * time.Hour).Milliseconds(), *r.ProcessingTimeMs)
	assert.True(t, r.CanRetry())
}

func TestRequest_RecordRejectionClearsRetry(t *testing.T) {
	now := time.Now()
	next := now.Add(time.Minute)
	r := &Request{Status: RequestStatusPending, RetryCount: 1, MaxRetries: 3, NextRetryAt: &next}

	r.RecordRejection(now, "insufficient quota")

	assert.Equal(t, RequestStatusPending, r.Status)
	assert.Nil(t, r.NextRetryAt)
	require.NotNil(t, r.ErrorMessage)
	assert.Equal(t, "insufficient quota", *r.ErrorMessage)
}

func TestRequest_DeferDispatch(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRequest(now)
	r.MaxRetries = 1

	require.True(t, r.DeferDispatch(now, "lock timeout"))
	assert.Equal(t, RequestStatusPending, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	require.NotNil(t, r.NextRetryAt)
	assert.Equal(t, now.Add(time.Second), *r.NextRetryAt)

	assert.False(t, r.DeferDispatch(now, "lock timeout"))
	assert.Equal(t, 1, r.RetryCount)
	assert.Nil(t, r.NextRetryAt)
	require.NotNil(t, r.ErrorMessage)
	assert.Equal(t, "lock timeout", *r.ErrorMessage)
}

func TestRequest_Clone(t *testing.T) {
	now := time.Now()
	r := newTestRequest(now)
	require.NoError(t, r.MarkProcessing(now, 10))

	c := r.Clone()
	*c.StartedAt = now.Add(time.Hour)
	c.Payload[0] = '['

	assert.Equal(t, now, *r.StartedAt)
	assert.Equal(t, byte('{'), r.Payload[0])
}

func TestInsufficientQuotaError(t *testing.T) {
	err := error(&InsufficientQuotaError{TenantID: "t1", Available: 50, Required: 240})
	assert.True(t, errors.Is(err, ErrInsufficientQuota))
	assert.Contains(t, err.Error(), "available=50 required=240")

	var qe *InsufficientQuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(50), qe.Available)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(&InsufficientQuotaError{}))
	assert.False(t, IsRetryable(ErrRequestCancelled))
	assert.False(t, IsRetryable(errors.Join(ErrInvalidPayload, errors.New("missing field"))))
	assert.True(t, IsRetryable(&ExecutorFailureError{Stage: "analysis", Err: errors.New("503")}))
	assert.True(t, IsRetryable(ErrTimeoutExceeded))
}

func TestInboundMessage_UserID(t *testing.T) {
	m := &InboundMessage{}
	assert.Nil(t, m.UserID())

	m.Metadata = map[string]any{"userId": "u-1"}
	require.NotNil(t, m.UserID())
	assert.Equal(t, "u-1", *m.UserID())

	m.Metadata = map[string]any{"userId": 42}
	assert.Nil(t, m.UserID())
}
