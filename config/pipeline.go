package config

import (
	"strings"
	"time"
)

// OrchestratorConfig controls the request pipeline.
type OrchestratorConfig struct {
	// PoolSize bounds concurrently executing stages across all requests.
	PoolSize int `env:"POOL_SIZE" envDefault:"4"`

	// MaxRetries is the retry limit stamped on new records. Records always get at least one retry;
	// a zero limit on a record means the default of 3.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`

	// StageTimeout bounds a single executor call.
	StageTimeout time.Duration `env:"STAGE_TIMEOUT" envDefault:"2m"`

	// ShutdownTimeout bounds the wait for in-flight pipelines on shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// BatchConcurrency bounds concurrent submissions of one processBatch call.
	BatchConcurrency int `env:"BATCH_CONCURRENCY" envDefault:"8"`
}

// Sanitize applies guardrails to orchestrator configuration values.
func (o *OrchestratorConfig) Sanitize() {
	if o.PoolSize < 1 {
		o.PoolSize = 1
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	if o.StageTimeout < time.Second {
		o.StageTimeout = time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.BatchConcurrency < 1 {
		o.BatchConcurrency = 1
	}
}

// QuotaConfig controls tenant balance locking.
type QuotaConfig struct {
	// LockTimeout bounds the wait for a tenant row lock before the reservation is abandoned.
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"5s"`
}

// Sanitize applies guardrails to quota configuration values.
func (q *QuotaConfig) Sanitize() {
	if q.LockTimeout < 10*time.Millisecond {
		q.LockTimeout = 10 * time.Millisecond
	}
	if q.LockTimeout > time.Minute {
		q.LockTimeout = time.Minute
	}
}

// BusConfig controls the Redis Streams consumer.
type BusConfig struct {
	StreamPrefix string        `env:"STREAM_PREFIX" envDefault:"quotaflow:"`
	Group        string        `env:"GROUP"         envDefault:"quotaflow"`
	Consumer     string        `env:"CONSUMER"`
	Topics       []string      `env:"TOPICS"        envDefault:"analysis,chat,accounting,credit_score"`
	ClaimIdle    time.Duration `env:"CLAIM_IDLE"    envDefault:"1m"`
	Block        time.Duration `env:"BLOCK"         envDefault:"5s"`
	Count        int64         `env:"COUNT"         envDefault:"10"`
}

// Sanitize applies guardrails to bus configuration values.
func (b *BusConfig) Sanitize() {
	if b.StreamPrefix == "" {
		b.StreamPrefix = "quotaflow:"
	}
	if b.Group == "" {
		b.Group = "quotaflow"
	}
	topics := b.Topics[:0]
	for _, t := range b.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	b.Topics = topics
	if b.ClaimIdle < time.Second {
		b.ClaimIdle = time.Second
	}
	if b.Block <= 0 {
		b.Block = 5 * time.Second
	}
	if b.Count < 1 {
		b.Count = 1
	}
}

// ExecutorConfig controls the HTTP stage executor.
type ExecutorConfig struct {
	// BaseURL is the root of the stage endpoints; stages are POSTed to <BaseURL>/<work_type>/<stage>.
	BaseURL string        `env:"BASE_URL" envDefault:"http://localhost:9000"`
	Timeout time.Duration `env:"TIMEOUT"  envDefault:"2m"`
}

// Sanitize applies guardrails to executor configuration values.
func (e *ExecutorConfig) Sanitize() {
	e.BaseURL = strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	if e.Timeout <= 0 {
		e.Timeout = 2 * time.Minute
	}
}
