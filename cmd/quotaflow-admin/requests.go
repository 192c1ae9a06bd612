package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	redisadapter "github.com/target/quotaflow/internal/adapters/redis"
	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/service"
)

type cleanupOptions struct {
	LedgerDays     int
	RequestDays    int
	AbandonedHours int
	DryRun         bool
	Timeout        time.Duration
}

func parseCleanupFlags(args []string) (cleanupOptions, error) {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := cleanupOptions{}
	fs.IntVar(&opts.LedgerDays, "ledger-days", 0, "Purge ledger entries older than N days (0 uses REAPER_LEDGER_RETENTION)")
	fs.IntVar(&opts.RequestDays, "request-days", 0, "Purge terminal requests older than N days (0 uses REAPER_REQUEST_RETENTION)")
	fs.IntVar(&opts.AbandonedHours, "abandoned-hours", 0, "Time out requests processing for more than N hours (0 uses REAPER_ABANDONED_AFTER)")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Count affected rows without changing anything")
	fs.DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "Maximum duration for the cleanup run")

	if err := fs.Parse(args); err != nil {
		return cleanupOptions{}, err
	}
	if opts.LedgerDays < 0 || opts.RequestDays < 0 || opts.AbandonedHours < 0 {
		return cleanupOptions{}, errors.New("retention windows must not be negative")
	}
	if opts.Timeout <= 0 {
		return cleanupOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func (o cleanupOptions) toService() service.CleanupOptions {
	const day = 24 * time.Hour
	return service.CleanupOptions{
		LedgerRetention:  time.Duration(o.LedgerDays) * day,
		RequestRetention: time.Duration(o.RequestDays) * day,
		AbandonedAfter:   time.Duration(o.AbandonedHours) * time.Hour,
		DryRun:           o.DryRun,
	}
}

func runCleanup(cmdCtx *commandContext, args []string) error {
	opts, err := parseCleanupFlags(args)
	if err != nil {
		return err
	}

	needs := infraNeeds{DB: true, OptionalRedis: true}
	return withInfra(cmdCtx, opts.Timeout, needs, func(ctx context.Context, infra *adminInfra) error {
		services, err := buildServices(cmdCtx, infra)
		if err != nil {
			return err
		}
		reaper, err := service.NewReaperService(service.ReaperServiceOptions{
			Requests: services.Requests,
			Ledger:   services.Ledger,
			Quota:    services.Quota,
			Notifier: services.Observability.FailureNotifier,
			Config:   cmdCtx.Config.Reaper,
			Logger:   cmdCtx.Logger,
		})
		if err != nil {
			return err
		}

		report, err := reaper.Cleanup(ctx, opts.toService())
		if printErr := printJSON(cmdCtx.Out, report); printErr != nil {
			return errors.Join(err, printErr)
		}
		return err
	})
}

type balanceOptions struct {
	Action    string
	TenantID  string
	Balance   int64
	Allowance int64
}

func parseBalanceFlags(args []string) (balanceOptions, error) {
	if len(args) == 0 {
		return balanceOptions{}, errors.New("usage: balance get|set --tenant ID [--balance N --allowance N]")
	}
	opts := balanceOptions{Action: args[0]}

	fs := flag.NewFlagSet("balance "+opts.Action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&opts.TenantID, "tenant", "", "Tenant identifier")
	fs.Int64Var(&opts.Balance, "balance", -1, "New balance in tokens (set only)")
	fs.Int64Var(&opts.Allowance, "allowance", 0, "Monthly allowance in tokens (set only)")
	if err := fs.Parse(args[1:]); err != nil {
		return balanceOptions{}, err
	}

	opts.TenantID = strings.TrimSpace(opts.TenantID)
	if opts.TenantID == "" {
		return balanceOptions{}, errors.New("--tenant is required")
	}
	switch opts.Action {
	case "get":
	case "set":
		if opts.Balance < 0 {
			return balanceOptions{}, errors.New("--balance is required and must not be negative")
		}
		if opts.Allowance < 0 {
			return balanceOptions{}, errors.New("--allowance must not be negative")
		}
	default:
		return balanceOptions{}, fmt.Errorf("unknown balance action %q (want get or set)", opts.Action)
	}
	return opts, nil
}

func runBalance(cmdCtx *commandContext, args []string) error {
	opts, err := parseBalanceFlags(args)
	if err != nil {
		return err
	}

	return withInfra(cmdCtx, defaultCommandTimeout, infraNeeds{DB: true}, func(ctx context.Context, infra *adminInfra) error {
		services, err := buildServices(cmdCtx, infra)
		if err != nil {
			return err
		}
		if opts.Action == "set" {
			if err = services.Quota.SetBalance(ctx, opts.TenantID, opts.Balance, opts.Allowance); err != nil {
				return err
			}
		}
		balance, err := services.Quota.GetBalance(ctx, opts.TenantID)
		if err != nil {
			return err
		}
		return printJSON(cmdCtx.Out, balance)
	})
}

func runStatus(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: status <request-id>")
	}
	requestID := fs.Arg(0)

	return withInfra(cmdCtx, defaultCommandTimeout, infraNeeds{DB: true}, func(ctx context.Context, infra *adminInfra) error {
		services, err := buildServices(cmdCtx, infra)
		if err != nil {
			return err
		}
		view, err := services.Orchestrator.GetStatus(ctx, requestID)
		if err != nil {
			return err
		}
		return printJSON(cmdCtx.Out, view)
	})
}

type retryDueOptions struct {
	Timeout time.Duration
}

func runRetryDue(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("retry-due", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	opts := retryDueOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "Maximum duration to wait for re-dispatched pipelines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.Timeout <= 0 {
		return errors.New("--timeout must be greater than zero")
	}

	needs := infraNeeds{DB: true, OptionalRedis: true}
	return withInfra(cmdCtx, opts.Timeout, needs, func(ctx context.Context, infra *adminInfra) error {
		services, err := buildServices(cmdCtx, infra)
		if err != nil {
			return err
		}
		scheduler, err := service.NewRetryScheduler(service.RetrySchedulerOptions{
			Requests:   services.Requests,
			Dispatcher: services.Orchestrator,
			Config:     cmdCtx.Config.Scheduler,
			Logger:     cmdCtx.Logger,
		})
		if err != nil {
			return err
		}

		dispatched, tickErr := scheduler.Tick(ctx, time.Now().UTC())
		// Re-dispatched pipelines run in the background; wait for them before exiting.
		drainErr := services.Orchestrator.Shutdown(ctx)
		if printErr := printJSON(cmdCtx.Out, map[string]int{"dispatched": dispatched}); printErr != nil {
			return errors.Join(tickErr, drainErr, printErr)
		}
		return errors.Join(tickErr, drainErr)
	})
}

type publishOptions struct {
	Topic         string
	Type          string
	TenantID      string
	MessageID     string
	CorrelationID string
	UserID        string
	Data          string
}

func parsePublishFlags(args []string) (publishOptions, error) {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := publishOptions{}
	fs.StringVar(&opts.Topic, "topic", "", "Topic to publish on (defaults to the work type)")
	fs.StringVar(&opts.Type, "type", "", "Work type: analysis, chat, accounting or credit_score")
	fs.StringVar(&opts.TenantID, "tenant", "", "Tenant identifier")
	fs.StringVar(&opts.MessageID, "id", "", "Message id (random when empty)")
	fs.StringVar(&opts.CorrelationID, "correlation", "", "Correlation id (random when empty)")
	fs.StringVar(&opts.UserID, "user", "", "Optional metadata.userId")
	fs.StringVar(&opts.Data, "data", "{}", "JSON payload")
	if err := fs.Parse(args); err != nil {
		return publishOptions{}, err
	}
	return opts, nil
}

// buildEnvelope assembles the bus envelope for opts.
func buildEnvelope(opts publishOptions, now time.Time) (model.InboundMessage, string, error) {
	var wt model.WorkType
	if err := wt.UnmarshalText([]byte(opts.Type)); err != nil {
		return model.InboundMessage{}, "", err
	}
	tenant := strings.TrimSpace(opts.TenantID)
	if tenant == "" {
		return model.InboundMessage{}, "", errors.New("--tenant is required")
	}
	data := strings.TrimSpace(opts.Data)
	if !json.Valid([]byte(data)) {
		return model.InboundMessage{}, "", errors.New("--data must be valid JSON")
	}

	msg := model.InboundMessage{
		ID:            opts.MessageID,
		CorrelationID: opts.CorrelationID,
		Type:          wt,
		TenantID:      tenant,
		Timestamp:     now.UTC(),
		Data:          json.RawMessage(data),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	if opts.UserID != "" {
		msg.Metadata = map[string]any{"userId": opts.UserID}
	}

	topic := strings.TrimSpace(opts.Topic)
	if topic == "" {
		topic = string(wt)
	}
	return msg, topic, nil
}

func runPublish(cmdCtx *commandContext, args []string) error {
	opts, err := parsePublishFlags(args)
	if err != nil {
		return err
	}
	msg, topic, err := buildEnvelope(opts, time.Now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	return withInfra(cmdCtx, defaultCommandTimeout, infraNeeds{Redis: true}, func(ctx context.Context, infra *adminInfra) error {
		publisher := redisadapter.NewStreamPublisher(infra.Redis, cmdCtx.Config.Bus.StreamPrefix)
		entryID, err := publisher.Publish(ctx, topic, raw)
		if err != nil {
			return err
		}
		return printJSON(cmdCtx.Out, map[string]string{
			"topic":     topic,
			"entryId":   entryID,
			"messageId": msg.ID,
		})
	})
}
