package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/target/quotaflow/internal/domain/model"
	apperrors "github.com/target/quotaflow/internal/errors"
	"github.com/target/quotaflow/internal/observability/metrics"
	"github.com/target/quotaflow/internal/observability/statsd"
)

// IntakeOutcome is how an inbound message was resolved. Every outcome is final for the bus
// entry; only a returned error asks for redelivery.
type IntakeOutcome string

const (
	// IntakeAccepted means a request record now owns the message.
	IntakeAccepted IntakeOutcome = "accepted"
	// IntakeDuplicate means the message id was already handled.
	IntakeDuplicate IntakeOutcome = "duplicate"
	// IntakeRejected means the message can never be processed.
	IntakeRejected IntakeOutcome = "rejected"
)

// Submitter starts processing for one unit of work. *Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, p SubmitParams) (string, error)
}

// IntakeServiceOptions groups dependencies for IntakeService.
type IntakeServiceOptions struct {
	Ledger    *IdempotencyService // Required
	Submitter Submitter           // Required
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// IntakeService turns bus messages into submissions.
type IntakeService struct {
	ledger    *IdempotencyService
	submitter Submitter
	validate  *validator.Validate
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewIntakeService constructs an IntakeService.
func NewIntakeService(opts IntakeServiceOptions) (*IntakeService, error) {
	if opts.Ledger == nil {
		return nil, errors.New("IdempotencyService is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeService{
		ledger:    opts.Ledger,
		submitter: opts.Submitter,
		validate:  newEnvelopeValidator(),
		logger:    logger.With("component", "intake_service"),
		metrics:   opts.Metrics,
	}, nil
}

func newEnvelopeValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handle processes one raw envelope received on topic.
func (s *IntakeService) Handle(ctx context.Context, topic string, raw []byte) (IntakeOutcome, error) {
	msg, err := s.decode(raw)
	if err != nil {
		s.logger.WarnContext(ctx, "rejected malformed message", "topic", topic, "error", err)
		s.emit(topic, metrics.ResultRejected, err)
		return IntakeRejected, nil
	}
	logger := s.logger.With("message_id", msg.ID, "tenant_id", msg.TenantID, "work_type", msg.Type, "topic", topic)

	done, err := s.ledger.IsAlreadyProcessed(ctx, msg.ID)
	if err != nil {
		s.emit(topic, metrics.ResultError, err)
		return "", fmt.Errorf("idempotency check: %w", err)
	}
	if done {
		logger.InfoContext(ctx, "duplicate message skipped")
		s.emit(topic, metrics.ResultDuplicate, nil)
		return IntakeDuplicate, nil
	}

	messageID := msg.ID
	params := SubmitParams{
		WorkType:      msg.Type,
		TenantID:      msg.TenantID,
		Payload:       msg.Data,
		CorrelationID: msg.CorrelationID,
		MessageID:     &messageID,
		UserID:        msg.UserID(),
	}
	if topic != "" {
		params.Topic = &topic
	}

	start := time.Now()
	requestID, err := s.submitter.Submit(ctx, params)
	outcome, err := s.classify(requestID, err)
	switch outcome {
	case IntakeAccepted:
		logger.InfoContext(ctx, "message accepted", "request_id", requestID, "duration_ms", time.Since(start).Milliseconds())
		s.emit(topic, metrics.ResultAccepted, nil)
	case IntakeDuplicate:
		logger.InfoContext(ctx, "duplicate message skipped")
		s.emit(topic, metrics.ResultDuplicate, nil)
	case IntakeRejected:
		logger.WarnContext(ctx, "message rejected", "request_id", requestID, "error", err)
		s.emit(topic, metrics.ResultRejected, err)
		return outcome, nil
	default:
		logger.ErrorContext(ctx, "message handling failed, leaving for redelivery", "error", err)
		s.emit(topic, metrics.ResultError, err)
	}
	return outcome, err
}

// classify maps a submission result to an outcome. Once a record exists the engine owns the
// message, so later transient failures are accepted rather than redelivered.
func (s *IntakeService) classify(requestID string, err error) (IntakeOutcome, error) {
	switch {
	case err == nil:
		return IntakeAccepted, nil
	case errors.Is(err, model.ErrDuplicateMessage):
		return IntakeDuplicate, nil
	case errors.Is(err, model.ErrInsufficientQuota),
		errors.Is(err, model.ErrInvalidPayload),
		apperrors.IsValidation(err):
		return IntakeRejected, err
	case errors.Is(err, ErrOrchestratorClosed):
		return "", err
	case requestID != "":
		s.logger.Warn("dispatch deferred after transient failure", "request_id", requestID, "error", err)
		return IntakeAccepted, nil
	default:
		return "", err
	}
}

func (s *IntakeService) decode(raw []byte) (*model.InboundMessage, error) {
	var msg model.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := s.validate.Struct(&msg); err != nil {
		return nil, envelopeError(err)
	}
	if string(msg.Data) == "null" {
		return nil, apperrors.ValidationField("data", "data is required")
	}
	return &msg, nil
}

// envelopeError reports the first failing field of a validation error.
func envelopeError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return apperrors.ValidationField(fe.Field(), fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
	return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid envelope")
}

func (s *IntakeService) emit(topic, result string, err error) {
	metrics.EmitIntake(s.metrics, topic, result, err)
}
