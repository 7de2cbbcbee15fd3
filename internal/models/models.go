package models

import (
	"time"

	"gorm.io/gorm"
)

// 客户
type Client struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Email     string         `gorm:"index" json:"email"`
	Company   string         `json:"company"`
	Phone     string         `json:"phone"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 员工
type Staff struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Name         string         `gorm:"not null" json:"name"`
	Email        string         `gorm:"uniqueIndex" json:"email"`
	Role         string         `json:"role"`                                 // owner, manager, staff
	Status       string         `gorm:"default:'active'" json:"status"`       // active, away, inactive
	LastActiveAt *time.Time     `json:"last_active_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// 任务（看板卡片）
type Task struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Title       string         `gorm:"not null" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	BoardID     *uint          `gorm:"index" json:"board_id"`
	ParentID    *uint          `gorm:"index" json:"parent_id"`
	ClientID    *uint          `gorm:"index" json:"client_id"`
	AssigneeID  *uint          `gorm:"index" json:"assignee_id"`
	Status      string         `gorm:"default:'todo';index" json:"status"` // todo, in_progress, review, done, cancelled
	Priority    string         `gorm:"default:'normal'" json:"priority"`   // low, normal, high, urgent
	DueAt       *time.Time     `gorm:"index" json:"due_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Assignee *Staff  `gorm:"foreignKey:AssigneeID" json:"assignee,omitempty"`
	Client   *Client `gorm:"foreignKey:ClientID" json:"client,omitempty"`
}

// 预约
type Booking struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Title     string         `gorm:"not null" json:"title"`
	ClientID  *uint          `gorm:"index" json:"client_id"`
	StaffID   *uint          `gorm:"index" json:"staff_id"`
	Status    string         `gorm:"default:'confirmed';index" json:"status"` // pending, confirmed, cancelled, completed
	Location  string         `json:"location"`
	StartsAt  time.Time      `gorm:"index" json:"starts_at"`
	EndsAt    *time.Time     `json:"ends_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 发票
type Invoice struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Number    string         `gorm:"uniqueIndex" json:"number"`
	ClientID  *uint          `gorm:"index" json:"client_id"`
	Amount    float64        `json:"amount"`
	Currency  string         `gorm:"default:'USD'" json:"currency"`
	Status    string         `gorm:"default:'draft';index" json:"status"` // draft, sent, paid, void
	IssuedAt  *time.Time     `json:"issued_at"`
	DueAt     *time.Time     `gorm:"index" json:"due_at"`
	PaidAt    *time.Time     `json:"paid_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 报价方案
type Proposal struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Title     string         `gorm:"not null" json:"title"`
	ClientID  *uint          `gorm:"index" json:"client_id"`
	OwnerID   *uint          `gorm:"index" json:"owner_id"`
	Amount    float64        `json:"amount"`
	Status    string         `gorm:"default:'draft';index" json:"status"` // draft, sent, accepted, declined, expired
	SentAt    *time.Time     `json:"sent_at"`
	ExpiresAt *time.Time     `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 站内通知
type Notification struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	RecipientID uint       `gorm:"index" json:"recipient_id"`
	RuleID      string     `gorm:"index;size:36" json:"rule_id"`
	Title       string     `json:"title"`
	Body        string     `gorm:"type:text" json:"body"`
	EntityKind  string     `json:"entity_kind"`
	EntityID    uint       `json:"entity_id"`
	ReadAt      *time.Time `json:"read_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AllModels returns every model the migrate command manages.
func AllModels() []interface{} {
	return []interface{}{
		&Client{}, &Staff{}, &Task{}, &Booking{}, &Invoice{}, &Proposal{},
		&Notification{}, &AutomationRule{}, &ExecutionLog{},
	}
}
