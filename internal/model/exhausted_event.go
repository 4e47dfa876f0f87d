package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// ExhaustedEvent is an automation event that kept failing after every DLQ retry.
// It is kept for manual inspection and replay.
type ExhaustedEvent struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	CreatedAt       time.Time      `json:"created_at"`
	CompanyID       string         `json:"company_id" gorm:"not null"`
	SourceSubject   string         `json:"source_subject" gorm:"index;not null"`
	EventType       EventType      `json:"event_type" gorm:"type:text;index"`
	LastError       string         `json:"last_error"`
	RetryCount      int            `json:"retry_count"`
	EventTimestamp  time.Time      `json:"event_timestamp" gorm:"index"`
	DLQPayload      datatypes.JSON `json:"dlq_payload" gorm:"type:jsonb;not null"`
	OriginalPayload datatypes.JSON `json:"original_payload" gorm:"type:jsonb"`
	Resolved        bool           `json:"resolved" gorm:"index"`
	ResolvedAt      *time.Time     `json:"resolved_at" gorm:"index"`
}

func (ExhaustedEvent) TableName(namer schema.Namer) string {
	return namer.TableName("exhausted_events")
}
