package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationRule 自动化规则定义
type AutomationRule struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	Name             string         `gorm:"uniqueIndex;not null;size:200" json:"name"`
	Description      string         `gorm:"type:text" json:"description"`
	TriggerType      string         `gorm:"index;not null;size:40" json:"trigger_type"` // entity-created, task-overdue, interval-cron, ...
	EntityKind       string         `gorm:"index;size:20" json:"entity_kind"`           // task, booking, invoice, proposal, staff, client
	TriggerField     string         `gorm:"size:64" json:"trigger_field,omitempty"`
	CronSpec         string         `gorm:"size:120" json:"cron_spec,omitempty"`
	TriggerCondition datatypes.JSON `json:"trigger_condition"` // {"all":[{field,op,value},{field,direction,threshold}]}
	DelaySeconds     int64          `gorm:"default:0" json:"delay_seconds"`
	ActionKind       string         `gorm:"not null;size:40" json:"action_kind"` // notify, update-status, create-subtasks, send-email, escalate
	ActionConfig     datatypes.JSON `json:"action_config"`
	DeliveryChannel  string         `gorm:"default:'in-app';size:10" json:"delivery_channel"` // in-app, email, both
	Enabled          bool           `gorm:"index" json:"enabled"`
	LastRunAt        *time.Time     `json:"last_run_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (AutomationRule) TableName() string { return "automation_rules" }

// BeforeCreate assigns a UUID when the caller did not.
func (r *AutomationRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Delay returns the configured delay as a duration.
func (r *AutomationRule) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// ExecutionLog 自动化执行记录，仅追加
// RuleID 为弱引用，规则删除后记录仍保留用于审计。
type ExecutionLog struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	RuleID     string         `gorm:"index;size:36" json:"rule_id"`
	RuleName   string         `gorm:"size:200" json:"rule_name"`
	ActionKind string         `gorm:"size:40" json:"action_kind"`
	Status     string         `gorm:"index;size:10" json:"status"` // ok, error
	Message    string         `gorm:"type:text" json:"message"`
	Context    datatypes.JSON `json:"context"`
	Actor      string         `gorm:"size:120" json:"actor"`
	EntityKind string         `gorm:"size:20" json:"entity_kind,omitempty"`
	EntityID   uint           `gorm:"index" json:"entity_id,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	ExecutedAt time.Time      `gorm:"index" json:"executed_at"`
}

func (ExecutionLog) TableName() string { return "automation_execution_logs" }

func (l *ExecutionLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

const (
	ExecutionStatusOK    = "ok"
	ExecutionStatusError = "error"
)
