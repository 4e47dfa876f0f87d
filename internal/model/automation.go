package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// RunStatus is the lifecycle state of a DealAutomationRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusFlowSent  RunStatus = "flow_sent"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusResponded RunStatus = "responded"
	RunStatusMoved     RunStatus = "moved"
	RunStatusCancelled RunStatus = "cancelled"
)

// OpenRunStatuses are the statuses a run may hold while it still owns its (deal, stage) slot.
var OpenRunStatuses = []RunStatus{RunStatusPending, RunStatusFlowSent, RunStatusWaiting}

// IsTerminal reports whether no further transition is possible from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusResponded, RunStatusMoved, RunStatusCancelled:
		return true
	}
	return false
}

// StageAutomationConfig is the automation rule attached to one pipeline stage.
type StageAutomationConfig struct {
	ID                 string    `json:"id" gorm:"primaryKey;type:text"`
	CompanyID          string    `json:"company_id" gorm:"type:text;not null"`
	StageID            string    `json:"stage_id" gorm:"type:text;not null;uniqueIndex:uniq_stage_automations_stage"`
	FlowID             *string   `json:"flow_id" gorm:"type:text"`
	WaitHours          int       `json:"wait_hours" gorm:"not null"`
	NextStageID        *string   `json:"next_stage_id" gorm:"type:text"`
	FallbackFunnelID   *string   `json:"fallback_funnel_id" gorm:"type:text"`
	FallbackStageID    *string   `json:"fallback_stage_id" gorm:"type:text"`
	IsActive           bool      `json:"is_active" gorm:"not null"`
	ExecuteImmediately bool      `json:"execute_immediately" gorm:"not null"`
	CreatedAt          time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (StageAutomationConfig) TableName(namer schema.Namer) string {
	return namer.TableName("stage_automations")
}

// WaitDuration is the reply window granted to a deal entering the stage.
func (c StageAutomationConfig) WaitDuration() time.Duration {
	return time.Duration(c.WaitHours) * time.Hour
}

// HasFlow reports whether the rule sends a conversational flow.
func (c StageAutomationConfig) HasFlow() bool {
	return c.FlowID != nil && *c.FlowID != ""
}

// StageAutomationSummary is a config joined with its owning stage, as listed per funnel.
type StageAutomationSummary struct {
	StageAutomationConfig
	StageName     string `json:"stage_name"`
	StagePosition int    `json:"stage_position"`
}

// DealAutomationRun is one application of a stage rule to one deal.
// Targets and flow are copied from the rule when the run is created.
type DealAutomationRun struct {
	ID                 string     `json:"id" gorm:"primaryKey;type:text"`
	CompanyID          string     `json:"company_id" gorm:"type:text;not null"`
	DealID             string     `json:"deal_id" gorm:"type:text;not null;index:idx_deal_automations_deal"`
	StageID            string     `json:"stage_id" gorm:"type:text;not null"`
	AutomationID       *string    `json:"automation_id" gorm:"type:text"`
	Status             RunStatus  `json:"status" gorm:"type:text;not null;index:idx_deal_automations_status_wait,priority:1"`
	FlowID             *string    `json:"flow_id" gorm:"type:text"`
	ExecuteImmediately bool       `json:"execute_immediately" gorm:"not null"`
	WaitHours          int        `json:"wait_hours" gorm:"not null"`
	FlowSessionID      *string    `json:"flow_session_id" gorm:"type:text"`
	FlowSentAt         *time.Time `json:"flow_sent_at"`
	WaitUntil          *time.Time `json:"wait_until" gorm:"index:idx_deal_automations_status_wait,priority:2"`
	RespondedAt        *time.Time `json:"responded_at"`
	MovedAt            *time.Time `json:"moved_at"`
	CancelledAt        *time.Time `json:"cancelled_at"`
	NextStageID        *string    `json:"next_stage_id" gorm:"type:text"`
	FallbackFunnelID   *string    `json:"fallback_funnel_id" gorm:"type:text"`
	FallbackStageID    *string    `json:"fallback_stage_id" gorm:"type:text"`
	ContactPhone       string     `json:"contact_phone" gorm:"type:text;index:idx_deal_automations_phone"`
	Attempts           int        `json:"attempts" gorm:"not null"`
	LastError          string     `json:"last_error,omitempty" gorm:"type:text"`
	NoTargetLoggedAt   *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (DealAutomationRun) TableName(namer schema.Namer) string {
	return namer.TableName("deal_automations")
}

// FlowUnsent reports whether the run carries a flow that has not gone out yet.
func (r DealAutomationRun) FlowUnsent() bool {
	return r.FlowID != nil && *r.FlowID != "" && r.FlowSentAt == nil
}

// FlowOwed reports whether an unsent flow was meant to go out without manual action.
func (r DealAutomationRun) FlowOwed() bool {
	return r.ExecuteImmediately && r.FlowUnsent()
}

// WaitDuration is the reply window copied from the rule.
func (r DealAutomationRun) WaitDuration() time.Duration {
	return time.Duration(r.WaitHours) * time.Hour
}

// LogAction tags an AutomationLog entry.
type LogAction string

const (
	ActionSkipped          LogAction = "skipped"
	ActionRunCreated       LogAction = "run_created"
	ActionFlowSent         LogAction = "flow_sent"
	ActionFlowDeferred     LogAction = "flow_deferred"
	ActionFlowError        LogAction = "flow_error"
	ActionFlowSkipped      LogAction = "flow_skipped"
	ActionFlowRetryExpired LogAction = "flow_retry_expired"
	ActionWaiting          LogAction = "waiting"
	ActionResponded        LogAction = "responded"
	ActionMoved            LogAction = "moved"
	ActionMoveError        LogAction = "move_error"
	ActionNoTarget         LogAction = "no_target"
	ActionCancelled        LogAction = "cancelled"
	ActionFlowStopError    LogAction = "flow_stop_error"
)

// Skip reasons recorded in details.reason of a skipped entry.
const (
	SkipReasonStageNotFound  = "stage_not_found"
	SkipReasonTerminalStage  = "terminal_stage"
	SkipReasonNoConfig       = "no_config"
	SkipReasonInactive       = "inactive_config"
	SkipReasonAlreadyRunning = "already_running"
	SkipReasonDealNotFound   = "deal_not_found"
	SkipReasonNotCurrent     = "deal_not_in_stage"
	SkipReasonNoPhone        = "no_contact_phone"
)

// AutomationLog is an append-only audit record.
type AutomationLog struct {
	ID               int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	CompanyID        string         `json:"company_id" gorm:"type:text;not null"`
	DealAutomationID *string        `json:"deal_automation_id" gorm:"type:text;index"`
	DealID           string         `json:"deal_id" gorm:"type:text;not null;index:idx_automation_logs_deal"`
	Action           LogAction      `json:"action" gorm:"type:text;not null"`
	Details          datatypes.JSON `json:"details" gorm:"type:jsonb"`
	CreatedAt        time.Time      `json:"created_at" gorm:"autoCreateTime;index:idx_automation_logs_deal"`
}

func (AutomationLog) TableName(namer schema.Namer) string {
	return namer.TableName("automation_logs")
}

// UpsertAutomationRequest is the body of PUT /stages/{id}/automation.
type UpsertAutomationRequest struct {
	FlowID             *string `json:"flow_id"`
	WaitHours          int     `json:"wait_hours" validate:"required,gte=1"`
	NextStageID        *string `json:"next_stage_id"`
	FallbackFunnelID   *string `json:"fallback_funnel_id"`
	FallbackStageID    *string `json:"fallback_stage_id"`
	IsActive           *bool   `json:"is_active"`
	ExecuteImmediately bool    `json:"execute_immediately"`
}

// BulkStartRequest is the body of POST /deals/bulk-start-automation.
type BulkStartRequest struct {
	DealIDs       []string `json:"deal_ids" validate:"required,min=1,dive,required"`
	TargetStageID string   `json:"target_stage_id" validate:"required"`
}

// BulkStartResult counts per-deal outcomes of a bulk start.
type BulkStartResult struct {
	Started int `json:"started"`
	Failed  int `json:"failed"`
}
