package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Funnel is a CRM pipeline.
type Funnel struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	CompanyID string    `json:"company_id" gorm:"type:text"`
	Name      string    `json:"name" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Funnel) TableName(namer schema.Namer) string {
	return namer.TableName("funnels")
}

// Stage is one ordered step of a funnel. Terminal stages mark won/lost.
type Stage struct {
	ID         string    `json:"id" gorm:"primaryKey;type:text"`
	CompanyID  string    `json:"company_id" gorm:"type:text"`
	FunnelID   string    `json:"funnel_id" gorm:"type:text;not null;index:idx_stages_funnel_position,priority:1"`
	Name       string    `json:"name" gorm:"type:text"`
	Position   int       `json:"position" gorm:"not null;index:idx_stages_funnel_position,priority:2"`
	IsTerminal bool      `json:"is_terminal" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Stage) TableName(namer schema.Namer) string {
	return namer.TableName("stages")
}

// Deal is a sales opportunity sitting in exactly one stage.
type Deal struct {
	ID             string     `json:"id" gorm:"primaryKey;type:text"`
	CompanyID      string     `json:"company_id" gorm:"type:text"`
	FunnelID       string     `json:"funnel_id" gorm:"type:text;index"`
	StageID        string     `json:"stage_id" gorm:"type:text;index"`
	ContactID      *string    `json:"contact_id" gorm:"type:text"`
	Title          string     `json:"title" gorm:"type:text"`
	LastActivityAt *time.Time `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Deal) TableName(namer schema.Namer) string {
	return namer.TableName("deals")
}

// Contact is the customer behind a deal.
type Contact struct {
	ID          string    `json:"id" gorm:"primaryKey;type:text"`
	CompanyID   string    `json:"company_id" gorm:"type:text"`
	PhoneNumber string    `json:"phone_number" gorm:"type:text;index"`
	Name        string    `json:"name" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Contact) TableName(namer schema.Namer) string {
	return namer.TableName("contacts")
}

// StageChange describes a completed deal move.
type StageChange struct {
	DealID       string
	FromStageID  string
	ToStageID    string
	ToFunnelID   string
	ContactPhone string
	Source       string
	ChangedAt    time.Time
}

// Stage change sources.
const (
	SourceUser       = "user"
	SourceAutomation = "automation"
	SourceBulkStart  = "bulk_start"
	SourceManual     = "manual_start"
	SourceEvent      = "event"
)
