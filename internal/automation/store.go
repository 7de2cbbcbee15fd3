package automation

import (
	"context"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"
)

// Filter is the coarse pre-filter a time-driven scan pushes down to the
// entity store. The full condition is still evaluated in memory.
type Filter struct {
	StatusIn    []string
	StatusNotIn []string
	NotNull     []string
	Before      map[string]time.Time // field < t
	After       map[string]time.Time // field > t
	Limit       int
}

// Patch is a set of field writes keyed by snake_case field name.
type Patch map[string]interface{}

// UpdateResult reports whether UpdateEntity changed anything.
type UpdateResult struct {
	Changed bool
	Before  map[string]interface{}
}

// InsertResult is the outcome of inserting one related record.
type InsertResult struct {
	Index int
	ID    uint
	Err   error
}

// EntityStore is the engine's only path to business data.
type EntityStore interface {
	FindEntitiesMatching(ctx context.Context, kind EntityKind, f Filter) ([]Entity, error)
	GetEntity(ctx context.Context, kind EntityKind, id uint) (*Entity, error)
	// UpdateEntity applies patch in a single conditional write; fields that
	// already hold the patched value are left alone.
	UpdateEntity(ctx context.Context, kind EntityKind, id uint, patch Patch) (UpdateResult, error)
	// InsertRelated inserts child records under parentID one at a time and
	// reports every outcome, including failures.
	InsertRelated(ctx context.Context, kind EntityKind, parentID uint, records []map[string]interface{}) ([]InsertResult, error)
}

// RuleStore loads rules for the dispatcher.
type RuleStore interface {
	ListEnabled(ctx context.Context, types []TriggerType) ([]models.AutomationRule, error)
	GetRule(ctx context.Context, id string) (*models.AutomationRule, error)
	// MarkRun advances LastRunAt to at unless it already holds a later value.
	MarkRun(ctx context.Context, id string, at time.Time) (bool, error)
	Disable(ctx context.Context, id string) error
}

// LogStore appends execution log rows.
type LogStore interface {
	AppendLog(ctx context.Context, entry *models.ExecutionLog) error
}

// Notice is one notification delivery request.
type Notice struct {
	RecipientID uint
	Title       string
	Body        string
	Channel     DeliveryChannel
	RuleID      string
	EntityKind  EntityKind
	EntityID    uint
}

// Notifier delivers notices to staff over in-app and email channels.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Mailer sends a plain email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}
