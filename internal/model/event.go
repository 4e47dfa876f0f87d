package model

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies a versioned event subject, without the company suffix.
type EventType string

const (
	V1DealStageChanged EventType = "v1.deals.stage_changed"
	V1MessagesUpsert   EventType = "v1.messages.upsert"
)

// Message directions on V1MessagesUpsert.
const (
	MessageFlowIncoming = "IN"
	MessageFlowOutgoing = "OUT"
)

// MapToBaseEventType maps a subject such as "v1.messages.upsert.acme" back to its EventType.
func MapToBaseEventType(input string) (EventType, bool) {
	if isKnownEventType(EventType(input)) {
		return EventType(input), true
	}
	lastDot := strings.LastIndex(input, ".")
	if lastDot <= 0 {
		return "", false
	}
	base := EventType(input[:lastDot])
	if isKnownEventType(base) {
		return base, true
	}
	return "", false
}

func isKnownEventType(t EventType) bool {
	switch t {
	case V1DealStageChanged, V1MessagesUpsert:
		return true
	}
	return false
}

// Subject returns the tenant-scoped NATS subject for the event type.
func (e EventType) Subject(companyID string) string {
	if companyID == "" {
		return string(e)
	}
	return string(e) + "." + companyID
}

// MessageMetadata is the JetStream delivery metadata of a consumed event.
type MessageMetadata struct {
	ConsumerSequence uint64
	StreamSequence   uint64
	NumDelivered     uint64
	NumPending       uint64
	Timestamp        time.Time
	Stream           string
	Consumer         string
	Domain           string
	MessageID        string
	MessageSubject   string
	CompanyID        string
}

// DealStageChangedPayload announces that a deal entered a stage.
type DealStageChangedPayload struct {
	DealID          string `json:"deal_id" validate:"required"`
	CompanyID       string `json:"company_id,omitempty"`
	FunnelID        string `json:"funnel_id,omitempty"`
	PreviousStageID string `json:"previous_stage_id,omitempty"`
	NewStageID      string `json:"new_stage_id" validate:"required"`
	Source          string `json:"source,omitempty"`
	ChangedAt       int64  `json:"changed_at,omitempty" validate:"omitempty,gte=0"`
}

// InboundMessagePayload is the subset of a WhatsApp message upsert the engine reads.
type InboundMessagePayload struct {
	MessageID        string `json:"message_id" validate:"required"`
	FromPhone        string `json:"from_phone,omitempty"`
	ToPhone          string `json:"to_phone,omitempty"`
	ChatID           string `json:"chat_id,omitempty"`
	Jid              string `json:"jid,omitempty"`
	Flow             string `json:"flow" validate:"required,oneof=IN OUT"`
	CompanyID        string `json:"company_id,omitempty"`
	AgentID          string `json:"agent_id,omitempty"`
	MessageText      string `json:"message_text,omitempty"`
	MessageTimestamp int64  `json:"message_timestamp,omitempty" validate:"omitempty,gte=0"`
}

// SenderPhone picks the customer's phone: from_phone first, then the jid, then the chat id.
func (p InboundMessagePayload) SenderPhone() string {
	for _, candidate := range []string{p.FromPhone, p.Jid, p.ChatID} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// InboundMessage is a customer message as seen by the reply observer.
type InboundMessage struct {
	MessageID  string
	Phone      string
	ChatID     string
	ReceivedAt time.Time
}

// DLQPayload wraps an event that exhausted its deliveries on the events stream.
type DLQPayload struct {
	SourceSubject   string          `json:"source_subject"`
	Company         string          `json:"company"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"` // retryable | fatal
	RetryCount      uint64          `json:"retry_count"`
	MaxRetry        int             `json:"max_retry"`
	Timestamp       time.Time       `json:"timestamp"`
}
