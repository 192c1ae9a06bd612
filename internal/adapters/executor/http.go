// Package executor provides pipeline stage executors backed by external services.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/domain/pipeline"
)

// maxResponseBodyBytes bounds what is read from a stage endpoint.
const maxResponseBodyBytes = 4 << 20

// maxErrorBodyBytes bounds how much of a failed response is kept in the error.
const maxErrorBodyBytes = 512

// HTTPExecutorOptions configures HTTPExecutor.
type HTTPExecutorOptions struct {
	BaseURL    string // Required
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// HTTPExecutor POSTs each stage to <BaseURL>/<work_type>/<stage>.
type HTTPExecutor struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

type stageRequest struct {
	RequestID string          `json:"request_id"`
	WorkType  model.WorkType  `json:"work_type"`
	Stage     string          `json:"stage"`
	TenantID  string          `json:"tenant_id"`
	Payload   json.RawMessage `json:"payload"`
	Previous  json.RawMessage `json:"previous,omitempty"`
}

type stageResponse struct {
	Result     json.RawMessage `json:"result"`
	TokensUsed int64           `json:"tokens_used"`
}

// NewHTTPExecutor constructs an HTTPExecutor.
func NewHTTPExecutor(opts HTTPExecutorOptions) (*HTTPExecutor, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("executor base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse executor base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("executor base URL must be http or https, got %q", base.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExecutor{
		base:   base,
		http:   hc,
		logger: logger.With("component", "http_executor"),
	}, nil
}

// Factory returns a pipeline.ExecutorFactory that uses e for every stage.
func (e *HTTPExecutor) Factory() pipeline.ExecutorFactory {
	return func(model.WorkType, string) pipeline.Executor { return e }
}

// Execute implements pipeline.Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, in pipeline.StageInput) (pipeline.StageOutput, error) {
	body, err := json.Marshal(stageRequest{
		RequestID: in.RequestID,
		WorkType:  in.WorkType,
		Stage:     in.Stage,
		TenantID:  in.TenantID,
		Payload:   in.Payload,
		Previous:  in.Previous,
	})
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("encode stage request: %w", err)
	}

	endpoint := e.base.JoinPath(string(in.WorkType), in.Stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", in.RequestID)

	resp, err := e.http.Do(req)
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("send request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.DebugContext(ctx, "close response body", "error", cerr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("read response body: %w", err)
	}
	if len(data) > maxResponseBodyBytes {
		return pipeline.StageOutput{}, fmt.Errorf("response body exceeds %d bytes", maxResponseBodyBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pipeline.StageOutput{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data))
	}

	var out stageResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("decode stage response: %w", err)
	}
	if out.TokensUsed < 0 {
		return pipeline.StageOutput{}, fmt.Errorf("negative tokens_used %d", out.TokensUsed)
	}
	return pipeline.StageOutput{Result: out.Result, TokensUsed: out.TokensUsed}, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBodyBytes {
		return s[:maxErrorBodyBytes] + "..."
	}
	return s
}
