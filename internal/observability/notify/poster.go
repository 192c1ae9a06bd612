package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPostTimeout = 5 * time.Second
	defaultPostBackoff = 200 * time.Millisecond
	maxErrorBody       = 4 << 10
)

// StatusError is a non-2xx answer from a notification endpoint.
type StatusError struct {
	Sink   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Sink, e.Status, e.Body)
}

// Retryable reports whether the endpoint may accept the same payload later.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Poster sends JSON documents to an HTTP endpoint. Transport errors, 429 and 5xx answers are
// retried up to Retries times with linear backoff; other 4xx answers fail at once.
type Poster struct {
	Sink    string
	Client  *http.Client
	Retries int
	Backoff time.Duration
}

// NewPoster builds a Poster with a timeout-bounded client when hc is nil.
func NewPoster(sink string, hc *http.Client, timeout time.Duration, retries int) Poster {
	if hc == nil {
		if timeout <= 0 {
			timeout = defaultPostTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return Poster{Sink: sink, Client: hc, Retries: max(retries, 0), Backoff: defaultPostBackoff}
}

// PostJSON encodes doc and delivers it to url.
func (p Poster) PostJSON(ctx context.Context, url string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", p.Sink, err)
	}
	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*p.Backoff); err != nil {
				return errors.Join(lastErr, err)
			}
		}
		lastErr = p.send(ctx, url, body)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && !se.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (p Poster) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.Sink, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", p.Sink, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Sink: p.Sink, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Or returns value unless it is blank.
func Or(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
