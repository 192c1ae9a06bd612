package statsd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxPacketSize keeps batched datagrams under a typical 1500 byte MTU.
	DefaultMaxPacketSize = 1432
	// DefaultFlushInterval bounds how long a metric may sit in the buffer.
	DefaultFlushInterval = time.Second
)

// Config describes how to connect to a StatsD-compatible agent.
type Config struct {
	Enabled bool
	Address string
	Prefix  string
	Logger  *slog.Logger
	// GlobalTags are attached to every metric; per-call tags win on conflict.
	GlobalTags map[string]string
	// MaxPacketSize caps one datagram. Lines are newline-joined until the next would overflow.
	MaxPacketSize int
	// FlushInterval flushes a partially filled packet. Zero uses DefaultFlushInterval.
	FlushInterval time.Duration
}

// Client batches metric lines into UDP datagrams. A nil or disabled Client drops everything.
// It is safe for concurrent use.
type Client struct {
	prefix     string
	globalTags map[string]string
	maxPacket  int
	logger     *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	buf  bytes.Buffer

	stop chan struct{}
	done chan struct{}
}

var _ Sink = (*Client)(nil)

// NewClient dials the agent and starts the background flusher unless disabled.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPacket := cfg.MaxPacketSize
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}

	c := &Client{
		prefix:     sanitizePrefix(cfg.Prefix),
		globalTags: cleanTags(cfg.GlobalTags),
		maxPacket:  maxPacket,
		logger:     logger,
	}

	address := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || address == "" {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.flushLoop(c.stop, c.done, interval)

	return c, nil
}

// Enabled reports whether the client has a live connection.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Count increments a counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.record(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge sets a gauge.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.record(name, formatFloat(value), "g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	c.record(name, formatMillis(value), "ms", tags)
}

// Flush sends any buffered lines now.
func (c *Client) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Close flushes pending lines, stops the flusher and releases the connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-c.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.flushLocked()
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) record(name, value, kind string, tags map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}

	line := formatLine(c.prefix, name, value, kind, c.globalTags, tags)
	if line == "" {
		return
	}
	if c.buf.Len() > 0 && c.buf.Len()+1+len(line) > c.maxPacket {
		c.flushLocked()
	}
	if c.buf.Len() > 0 {
		c.buf.WriteByte('\n')
	}
	c.buf.WriteString(line)
	if c.buf.Len() >= c.maxPacket {
		c.flushLocked()
	}
}

func (c *Client) flushLocked() {
	if c.buf.Len() == 0 || c.conn == nil {
		c.buf.Reset()
		return
	}
	if _, err := c.conn.Write(c.buf.Bytes()); err != nil {
		c.logger.Debug("statsd write failed", "error", err, "bytes", c.buf.Len())
	}
	c.buf.Reset()
}

func (c *Client) flushLoop(stop <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}
