// Package testutil provides testing utilities and helpers for the quotaflow engine.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/target/quotaflow/internal/domain/model"
)

// RequestBuilder provides a fluent interface for building request records in tests.
type RequestBuilder struct {
	id     string
	params model.CreateRequestParams
	now    time.Time
}

// NewRequest creates a RequestBuilder for a chat request owned by tenant-1.
func NewRequest() *RequestBuilder {
	return &RequestBuilder{
		id: uuid.NewString(),
		params: model.CreateRequestParams{
			WorkType: model.WorkTypeChat,
			TenantID: "tenant-1",
			Payload:  json.RawMessage(`{"content":"hello"}`),
		},
		now: TestTime(),
	}
}

// WithID sets the record id.
func (b *RequestBuilder) WithID(id string) *RequestBuilder {
	b.id = id
	return b
}

// WithWorkType sets the work type.
func (b *RequestBuilder) WithWorkType(wt model.WorkType) *RequestBuilder {
	b.params.WorkType = wt
	return b
}

// WithTenant sets the tenant id.
func (b *RequestBuilder) WithTenant(tenantID string) *RequestBuilder {
	b.params.TenantID = tenantID
	return b
}

// WithMessageID sets the inbound message id.
func (b *RequestBuilder) WithMessageID(messageID string) *RequestBuilder {
	b.params.MessageID = &messageID
	return b
}

// WithPayloadString sets the payload from a JSON string.
func (b *RequestBuilder) WithPayloadString(payload string) *RequestBuilder {
	b.params.Payload = json.RawMessage(payload)
	return b
}

// WithMaxRetries sets the retry limit.
func (b *RequestBuilder) WithMaxRetries(n int) *RequestBuilder {
	b.params.MaxRetries = n
	return b
}

// At sets the creation time.
func (b *RequestBuilder) At(now time.Time) *RequestBuilder {
	b.now = now
	return b
}

// Build returns a pending record.
func (b *RequestBuilder) Build() *model.Request {
	return model.NewRequest(b.id, b.params, b.now)
}

// Processing returns a record already dispatched with the given reservation.
func (b *RequestBuilder) Processing(reserved int64) *model.Request {
	r := b.Build()
	_ = r.MarkProcessing(b.now, reserved)
	return r
}
