package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/observability/statsd"
	"github.com/target/quotaflow/internal/service"
	"github.com/target/quotaflow/internal/testutil"
)

type delivery struct {
	topic   string
	payload string
}

type recordingHandler struct {
	mu      sync.Mutex
	seen    []delivery
	failFor map[string]int
}

func (h *recordingHandler) Handle(_ context.Context, topic string, payload []byte) (service.IntakeOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, delivery{topic: topic, payload: string(payload)})
	if n := h.failFor[string(payload)]; n > 0 {
		h.failFor[string(payload)] = n - 1
		return "", errors.New("transient")
	}
	return service.IntakeAccepted, nil
}

func (h *recordingHandler) deliveries() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery(nil), h.seen...)
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		StreamPrefix: "test:",
		Group:        "workers",
		Consumer:     "c1",
		Topics:       []string{"chat", "analysis"},
		ClaimIdle:    time.Second,
		Block:        100 * time.Millisecond,
		Count:        10,
	}
}

func pending(t *testing.T, client *redis.Client, stream string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, "workers").Result()
	require.NoError(t, err)
	return p.Count
}

func TestNewStreamConsumer_RequiresDependencies(t *testing.T) {
	_, err := NewStreamConsumer(StreamConsumerOptions{})
	require.Error(t, err)
	_, err = NewStreamConsumer(StreamConsumerOptions{Client: redis.NewClient(&redis.Options{})})
	require.Error(t, err)
}

func TestStreamConsumer_ReadsAndAcks(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	handler := &recordingHandler{}
	sink := statsd.NewRecorder()
	c, err := NewStreamConsumer(StreamConsumerOptions{Client: client, Handler: handler, Config: testBusConfig(), Metrics: sink})
	require.NoError(t, err)
	require.NoError(t, c.EnsureGroups(ctx))
	// Creating the groups twice is harmless.
	require.NoError(t, c.EnsureGroups(ctx))

	pub := NewStreamPublisher(client, "test:")
	_, err = pub.Publish(ctx, "chat", []byte(`{"id":"m1"}`))
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "analysis", []byte(`{"id":"m2"}`))
	require.NoError(t, err)

	n, err := c.ReadOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []delivery{
		{topic: "chat", payload: `{"id":"m1"}`},
		{topic: "analysis", payload: `{"id":"m2"}`},
	}, handler.deliveries())
	assert.Zero(t, pending(t, client, "test:chat"))
	assert.Zero(t, pending(t, client, "test:analysis"))
	assert.Equal(t, int64(2), sink.CountOf("bus.entry"))

	n, err = c.ReadOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamConsumer_FailedEntryIsReclaimed(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	handler := &recordingHandler{failFor: map[string]int{`{"id":"m1"}`: 1}}
	c, err := NewStreamConsumer(StreamConsumerOptions{Client: client, Handler: handler, Config: testBusConfig()})
	require.NoError(t, err)
	require.NoError(t, c.EnsureGroups(ctx))

	_, err = NewStreamPublisher(client, "test:").Publish(ctx, "chat", []byte(`{"id":"m1"}`))
	require.NoError(t, err)

	n, err := c.ReadOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), pending(t, client, "test:chat"))

	// Not idle long enough yet.
	n, err = c.ReclaimOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(1100 * time.Millisecond)
	n, err = c.ReclaimOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, pending(t, client, "test:chat"))
	assert.Len(t, handler.deliveries(), 2)
}

func TestStreamConsumer_DropsEntryWithoutPayload(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	handler := &recordingHandler{}
	c, err := NewStreamConsumer(StreamConsumerOptions{Client: client, Handler: handler, Config: testBusConfig()})
	require.NoError(t, err)
	require.NoError(t, c.EnsureGroups(ctx))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "test:chat", Values: map[string]any{"other": "x"}}).Err())

	n, err := c.ReadOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, handler.deliveries())
	assert.Zero(t, pending(t, client, "test:chat"))
}

func TestStreamConsumer_RunStopsOnCancel(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	defer client.Close()

	c, err := NewStreamConsumer(StreamConsumerOptions{Client: client, Handler: &recordingHandler{}, Config: testBusConfig()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestStreamPublisher_RequiresTopic(t *testing.T) {
	_, err := NewStreamPublisher(redis.NewClient(&redis.Options{}), "test:").Publish(context.Background(), " ", nil)
	require.Error(t, err)
}
