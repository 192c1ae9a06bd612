package model

import (
	"encoding/json"
	"time"
)

// InboundMessage is the unit-of-work envelope consumed from the bus.
type InboundMessage struct {
	ID            string          `json:"id"            validate:"required,max=255"`
	CorrelationID string          `json:"correlationId" validate:"required,max=255"`
	Type          WorkType        `json:"type"          validate:"required"`
	TenantID      string          `json:"tenantId"      validate:"required,max=255"`
	Timestamp     time.Time       `json:"timestamp"     validate:"required"`
	Data          json.RawMessage `json:"data"          validate:"required"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// UserID returns metadata.userId when present.
func (m *InboundMessage) UserID() *string {
	if m.Metadata == nil {
		return nil
	}
	v, ok := m.Metadata["userId"].(string)
	if !ok || v == "" {
		return nil
	}
	return &v
}
