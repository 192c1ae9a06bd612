package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/domain/model"
)

func TestPrintUsageListsCommandsSorted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printUsage(&buf))

	out := buf.String()
	assert.Contains(t, out, "Usage: quotaflow-admin")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("balance")), bytes.Index(buf.Bytes(), []byte("cleanup")))
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("publish")), bytes.Index(buf.Bytes(), []byte("retry-due")))
}

func TestParseCleanupFlags(t *testing.T) {
	opts, err := parseCleanupFlags([]string{"--ledger-days", "3", "--request-days", "10", "--abandoned-hours", "6", "--dry-run"})
	require.NoError(t, err)
	assert.True(t, opts.DryRun)

	svc := opts.toService()
	assert.Equal(t, 72*time.Hour, svc.LedgerRetention)
	assert.Equal(t, 240*time.Hour, svc.RequestRetention)
	assert.Equal(t, 6*time.Hour, svc.AbandonedAfter)
	assert.True(t, svc.DryRun)
}

func TestParseCleanupFlags_DefaultsDeferToConfig(t *testing.T) {
	opts, err := parseCleanupFlags(nil)
	require.NoError(t, err)

	svc := opts.toService()
	assert.Zero(t, svc.LedgerRetention)
	assert.Zero(t, svc.RequestRetention)
	assert.Zero(t, svc.AbandonedAfter)
	assert.False(t, svc.DryRun)
}

func TestParseCleanupFlags_RejectsNegative(t *testing.T) {
	_, err := parseCleanupFlags([]string{"--ledger-days", "-1"})
	require.Error(t, err)
}

func TestParseBalanceFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    balanceOptions
	}{
		{name: "missing action", args: nil, wantErr: true},
		{name: "unknown action", args: []string{"drop", "--tenant", "t1"}, wantErr: true},
		{name: "missing tenant", args: []string{"get"}, wantErr: true},
		{name: "get", args: []string{"get", "--tenant", " t1 "}, want: balanceOptions{Action: "get", TenantID: "t1", Balance: -1}},
		{name: "set without balance", args: []string{"set", "--tenant", "t1"}, wantErr: true},
		{
			name: "set",
			args: []string{"set", "--tenant", "t1", "--balance", "1000", "--allowance", "5000"},
			want: balanceOptions{Action: "set", TenantID: "t1", Balance: 1000, Allowance: 5000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBalanceFlags(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, topic, err := buildEnvelope(publishOptions{
		Type:     "scoring",
		TenantID: "tenant-1",
		UserID:   "u-9",
		Data:     `{"applicant":"a"}`,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "credit_score", topic)
	assert.Equal(t, model.WorkTypeScoring, msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.CorrelationID)
	assert.Equal(t, now, msg.Timestamp)
	require.NotNil(t, msg.UserID())
	assert.Equal(t, "u-9", *msg.UserID())

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tenantId":"tenant-1"`)
	assert.Contains(t, string(raw), `"data":{"applicant":"a"}`)
}

func TestBuildEnvelope_ExplicitTopicAndIDs(t *testing.T) {
	msg, topic, err := buildEnvelope(publishOptions{
		Topic:         "priority",
		Type:          "chat",
		TenantID:      "t",
		MessageID:     "m-1",
		CorrelationID: "c-1",
		Data:          "{}",
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "priority", topic)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "c-1", msg.CorrelationID)
	assert.Nil(t, msg.Metadata)
}

func TestBuildEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name string
		opts publishOptions
	}{
		{name: "unknown type", opts: publishOptions{Type: "mining", TenantID: "t", Data: "{}"}},
		{name: "missing tenant", opts: publishOptions{Type: "chat", Data: "{}"}},
		{name: "bad json", opts: publishOptions{Type: "chat", TenantID: "t", Data: "{"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildEnvelope(tt.opts, time.Now())
			require.Error(t, err)
		})
	}
}

func TestHasRedisConfig(t *testing.T) {
	assert.False(t, hasRedisConfig(nil))
	assert.False(t, hasRedisConfig(&config.RedisConfig{}))
	assert.True(t, hasRedisConfig(&config.RedisConfig{URI: "localhost:6379"}))
	assert.True(t, hasRedisConfig(&config.RedisConfig{UseSentinel: true, SentinelNodes: []string{"s:26379"}}))
	assert.False(t, hasRedisConfig(&config.RedisConfig{UseCluster: true}))
}

func TestParseMigrateFlags(t *testing.T) {
	opts, err := parseMigrateFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMigrationTimeout, opts.Timeout)

	_, err = parseMigrateFlags([]string{"--timeout", "0s"})
	require.Error(t, err)
}
