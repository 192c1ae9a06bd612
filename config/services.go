package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the ops HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker consumes the bus and runs request pipelines.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler re-dispatches records whose retry time has passed.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the daily cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices turns a comma separated list such as "http,worker" into the set of modes to run.
// Blank entries are ignored and duplicates collapse; any unknown name is an error.
func ParseServices(list string) (map[ServiceMode]bool, error) {
	valid := ValidServiceModes()
	enabled := make(map[ServiceMode]bool, len(valid))
	for _, raw := range strings.Split(list, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		if !slices.Contains(valid, mode) {
			return nil, fmt.Errorf("invalid service name: %q (valid options: %s)", name, joinModes(valid))
		}
		enabled[mode] = true
	}
	if len(enabled) == 0 {
		return nil, errors.New("at least one service must be specified")
	}
	return enabled, nil
}

func joinModes(modes []ServiceMode) string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// SchedulerConfig contains retry scheduler configuration.
type SchedulerConfig struct {
	// Interval is the retry scan period.
	Interval time.Duration `env:"INTERVAL" envDefault:"5m"`

	// BatchSize is the maximum number of due records claimed per scan.
	BatchSize int `env:"BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
}

// ReaperConfig contains daily cleanup configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"24h"`

	// AbandonedAfter is how long a record may stay processing before it is timed out.
	AbandonedAfter time.Duration `env:"ABANDONED_AFTER" envDefault:"24h"`

	// LedgerRetention is how long idempotency ledger entries are kept.
	LedgerRetention time.Duration `env:"LEDGER_RETENTION" envDefault:"168h"` // 7 days

	// RequestRetention is how long terminal request records are kept.
	RequestRetention time.Duration `env:"REQUEST_RETENTION" envDefault:"720h"` // 30 days

	// StalePendingAge fails pending records without a scheduled retry after this long.
	StalePendingAge time.Duration `env:"STALE_PENDING_AGE" envDefault:"24h"`

	// BatchSize is the maximum number of rows to process per statement.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.AbandonedAfter < 5*time.Minute {
		r.AbandonedAfter = 5 * time.Minute
	}
	if r.LedgerRetention < time.Hour {
		r.LedgerRetention = time.Hour
	}
	if r.RequestRetention < time.Hour {
		r.RequestRetention = time.Hour
	}
	if r.StalePendingAge < 5*time.Minute {
		r.StalePendingAge = 5 * time.Minute
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
