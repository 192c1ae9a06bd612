// Package redis provides the Redis Streams message bus used to deliver units of work.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/target/quotaflow/config"
	obserrors "github.com/target/quotaflow/internal/observability/errors"
	"github.com/target/quotaflow/internal/observability/statsd"
	"github.com/target/quotaflow/internal/service"
)

// PayloadField is the stream entry field carrying the JSON envelope.
const PayloadField = "payload"

// readErrorBackoff is how long the read loop pauses after a Redis error.
const readErrorBackoff = time.Second

// MessageHandler resolves one delivered envelope. A nil error acknowledges the entry.
type MessageHandler interface {
	Handle(ctx context.Context, topic string, payload []byte) (service.IntakeOutcome, error)
}

// StreamConsumerOptions configures StreamConsumer.
type StreamConsumerOptions struct {
	Client  redis.UniversalClient // Required
	Handler MessageHandler        // Required
	Config  config.BusConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// StreamConsumer reads topic streams through a consumer group. Entries are acknowledged once the
// handler resolves them; entries whose handler failed stay pending and are reclaimed after
// ClaimIdle by whichever consumer runs the reclaim loop next.
type StreamConsumer struct {
	client   redis.UniversalClient
	handler  MessageHandler
	config   config.BusConfig
	consumer string
	streams  map[string]string // stream -> topic
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewStreamConsumer constructs a StreamConsumer.
func NewStreamConsumer(opts StreamConsumerOptions) (*StreamConsumer, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "consumer-" + uuid.NewString()[:8]
	}

	streams := make(map[string]string, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		streams[StreamName(cfg.StreamPrefix, topic)] = topic
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamConsumer{
		client:   opts.Client,
		handler:  opts.Handler,
		config:   cfg,
		consumer: consumer,
		streams:  streams,
		logger:   logger.With("component", "stream_consumer", "consumer", consumer, "group", cfg.Group),
		metrics:  opts.Metrics,
	}, nil
}

// StreamName returns the stream key for topic.
func StreamName(prefix, topic string) string {
	return prefix + topic
}

// EnsureGroups creates the consumer group on every stream, creating missing streams.
func (c *StreamConsumer) EnsureGroups(ctx context.Context) error {
	for stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.config.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Run consumes until ctx is cancelled. Returns nil on graceful shutdown.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "starting stream consumer", "topics", c.config.Topics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.reclaimLoop(gctx) })

	err := g.Wait()
	c.logger.InfoContext(ctx, "stream consumer stopped", "reason", ctx.Err())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *StreamConsumer) readLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		if _, err := c.ReadOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.WarnContext(ctx, "stream read failed", "error", err)
			if !sleep(ctx, readErrorBackoff) {
				break
			}
		}
	}
	return ctx.Err()
}

func (c *StreamConsumer) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.ClaimIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.ReclaimOnce(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "stream reclaim failed", "error", err)
			} else if n > 0 {
				c.logger.InfoContext(ctx, "reclaimed idle entries", "count", n)
			}
		}
	}
}

// ReadOnce performs one blocking group read and handles what it returns.
func (c *StreamConsumer) ReadOnce(ctx context.Context) (int, error) {
	args := make([]string, 0, 2*len(c.streams))
	for stream := range c.streams {
		args = append(args, stream)
	}
	for range c.streams {
		args = append(args, ">")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    c.config.Count,
		Block:    c.config.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	var handled int
	for _, s := range res {
		for _, msg := range s.Messages {
			if c.process(ctx, s.Stream, msg) {
				handled++
			}
		}
	}
	return handled, nil
}

// ReclaimOnce takes over entries left pending longer than ClaimIdle and handles them.
func (c *StreamConsumer) ReclaimOnce(ctx context.Context) (int, error) {
	var handled int
	for stream := range c.streams {
		start := "0-0"
		for {
			msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    c.config.Group,
				Consumer: c.consumer,
				MinIdle:  c.config.ClaimIdle,
				Start:    start,
				Count:    c.config.Count,
			}).Result()
			if err != nil {
				return handled, fmt.Errorf("xautoclaim %s: %w", stream, err)
			}
			for _, msg := range msgs {
				if c.process(ctx, stream, msg) {
					handled++
				}
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
	return handled, nil
}

// process hands one entry to the handler and acknowledges it unless the handler asked for
// redelivery. It reports whether the entry was acknowledged.
func (c *StreamConsumer) process(ctx context.Context, stream string, msg redis.XMessage) bool {
	topic := c.streams[stream]
	logger := c.logger.With("stream", stream, "entry_id", msg.ID)

	payload, ok := payloadOf(msg)
	if !ok {
		logger.WarnContext(ctx, "dropping entry without payload field")
		c.emit(topic, "malformed", nil)
		return c.ack(ctx, stream, msg.ID)
	}

	outcome, err := c.handler.Handle(ctx, topic, payload)
	if err != nil {
		logger.WarnContext(ctx, "entry left pending for redelivery", "error", err)
		c.emit(topic, "redeliver", err)
		return false
	}
	c.emit(topic, string(outcome), nil)
	return c.ack(ctx, stream, msg.ID)
}

func (c *StreamConsumer) ack(ctx context.Context, stream, id string) bool {
	if err := c.client.XAck(context.WithoutCancel(ctx), stream, c.config.Group, id).Err(); err != nil {
		c.logger.ErrorContext(ctx, "xack failed", "stream", stream, "entry_id", id, "error", err)
		return false
	}
	return true
}

func payloadOf(msg redis.XMessage) ([]byte, bool) {
	switch v := msg.Values[PayloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

func (c *StreamConsumer) emit(topic, result string, err error) {
	if c.metrics == nil {
		return
	}
	tags := map[string]string{"topic": topic, "result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	c.metrics.Count("bus.entry", 1, tags)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StreamPublisher appends envelopes to topic streams.
type StreamPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewStreamPublisher constructs a StreamPublisher using the bus stream prefix.
func NewStreamPublisher(client redis.UniversalClient, prefix string) *StreamPublisher {
	return &StreamPublisher{client: client, prefix: prefix}
}

// Publish appends payload to the topic stream and returns the entry id.
func (p *StreamPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", errors.New("topic is required")
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(p.prefix, topic),
		Values: map[string]any{PayloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}
