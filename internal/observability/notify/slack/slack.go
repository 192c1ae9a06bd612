// Package slack posts request failure notifications to an incoming webhook using Block Kit.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/target/quotaflow/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// StatusURLPrefix links the request id to its status endpoint, e.g. https://ops.example/api/requests/.
	StatusURLPrefix string
}

// Client delivers request failure notifications to a Slack webhook.
type Client struct {
	webhookURL string
	channel    string
	username   string
	statusBase *url.URL
	poster     notify.Poster
}

// NewClient builds a webhook client. An unusable StatusURLPrefix disables links.
func NewClient(cfg Config) (*Client, error) {
	hook := strings.TrimSpace(cfg.WebhookURL)
	if hook == "" {
		return nil, errors.New("slack webhook url is required")
	}
	c := &Client{
		webhookURL: hook,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   notify.Or(strings.TrimSpace(cfg.Username), "quotaflow"),
		poster:     notify.NewPoster("slack", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}
	if u, err := url.Parse(strings.TrimSpace(cfg.StatusURLPrefix)); err == nil && u.Scheme != "" && u.Host != "" {
		c.statusBase = u
	}
	return c, nil
}

type message struct {
	Text     string  `json:"text"`
	Username string  `json:"username,omitempty"`
	Channel  string  `json:"channel,omitempty"`
	Blocks   []block `json:"blocks"`
}

type block struct {
	Type     string      `json:"type"`
	Text     *textBlock  `json:"text,omitempty"`
	Fields   []textBlock `json:"fields,omitempty"`
	Elements []textBlock `json:"elements,omitempty"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) textBlock { return textBlock{Type: "mrkdwn", Text: s} }

// SendRequestFailure posts the formatted message.
func (c *Client) SendRequestFailure(ctx context.Context, p notify.RequestFailurePayload) error {
	return c.poster.PostJSON(ctx, c.webhookURL, c.buildMessage(p))
}

func (c *Client) buildMessage(p notify.RequestFailurePayload) message {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	severity := notify.Or(strings.ToLower(p.Severity), notify.SeverityCritical)

	header := fmt.Sprintf("*Request failure* %s", c.requestRef(p.RequestID))
	if p.WorkType != "" {
		header += " (" + escape(p.WorkType) + ")"
	}

	blocks := []block{{Type: "section", Text: ptr(mrkdwn(header))}}
	if fields := detailFields(p, severity); len(fields) > 0 {
		blocks = append(blocks, block{Type: "section", Fields: fields})
	}
	if p.Error != "" {
		blocks = append(blocks, block{Type: "section", Text: ptr(mrkdwn("*Error*\n```" + escape(p.Error) + "```"))})
	}
	if meta := metadataLine(p.Metadata); meta != "" {
		blocks = append(blocks, block{Type: "context", Elements: []textBlock{mrkdwn(meta)}})
	}
	blocks = append(blocks, block{Type: "context", Elements: []textBlock{mrkdwn(at.UTC().Format(time.RFC3339))}})

	return message{
		Text:     fmt.Sprintf("[%s] request %s %s", severity, notify.Or(p.RequestID, "unknown"), notify.Or(p.Status, "failed")),
		Username: c.username,
		Channel:  c.channel,
		Blocks:   blocks,
	}
}

// detailFields renders the non-empty labelled facts. Slack caps a section at ten fields.
func detailFields(p notify.RequestFailurePayload, severity string) []textBlock {
	retries := ""
	if p.MaxRetries > 0 {
		retries = strconv.Itoa(p.RetryCount) + "/" + strconv.Itoa(p.MaxRetries)
	}
	facts := [][2]string{
		{"Severity", severity},
		{"Tenant", escape(p.TenantID)},
		{"Status", p.Status},
		{"Retries", retries},
		{"Correlation", escape(p.CorrelationID)},
		{"Error class", p.ErrorClass},
	}
	out := make([]textBlock, 0, len(facts))
	for _, f := range facts {
		if strings.TrimSpace(f[1]) != "" {
			out = append(out, mrkdwn("*"+f[0]+"*\n"+f[1]))
		}
	}
	return out
}

func metadataLine(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, escape(k)+": "+escape(md[k]))
	}
	return strings.Join(parts, " | ")
}

// requestRef links the id to the status endpoint when one is configured.
func (c *Client) requestRef(requestID string) string {
	id := strings.TrimSpace(requestID)
	if id == "" {
		return "`unknown`"
	}
	if c.statusBase != nil {
		return "<" + c.statusBase.JoinPath(id).String() + "|" + escape(id) + ">"
	}
	return "`" + escape(id) + "`"
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return slackEscaper.Replace(s) }

func ptr[T any](v T) *T { return &v }
