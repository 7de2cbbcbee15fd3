package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TriggerType is the condition family that decides when a rule is considered.
type TriggerType string

const (
	TriggerEntityCreated      TriggerType = "entity-created"
	TriggerEntityFieldChanged TriggerType = "entity-field-changed"
	TriggerEntityAssigned     TriggerType = "entity-assigned"

	TriggerTimeArrival     TriggerType = "time-arrival"
	TriggerIntervalCron    TriggerType = "interval-cron"
	TriggerTaskOverdue     TriggerType = "task-overdue"
	TriggerBookingUpcoming TriggerType = "booking-upcoming"
	TriggerInvoiceUnpaid   TriggerType = "invoice-unpaid"
	TriggerStaffIdle       TriggerType = "staff-idle"
)

// Family splits trigger types into the two dispatch paths.
type Family int

const (
	FamilyEvent Family = iota + 1
	FamilyTime
)

var triggerFamilies = map[TriggerType]Family{
	TriggerEntityCreated:      FamilyEvent,
	TriggerEntityFieldChanged: FamilyEvent,
	TriggerEntityAssigned:     FamilyEvent,
	TriggerTimeArrival:        FamilyTime,
	TriggerIntervalCron:       FamilyTime,
	TriggerTaskOverdue:        FamilyTime,
	TriggerBookingUpcoming:    FamilyTime,
	TriggerInvoiceUnpaid:      FamilyTime,
	TriggerStaffIdle:          FamilyTime,
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	_, ok := triggerFamilies[t]
	return ok
}

// Family returns the dispatch path that evaluates t, or 0 if t is unknown.
func (t TriggerType) Family() Family {
	return triggerFamilies[t]
}

// ImpliedEntityKind returns the entity kind fixed by domain-specific triggers.
func (t TriggerType) ImpliedEntityKind() EntityKind {
	switch t {
	case TriggerTaskOverdue:
		return EntityTask
	case TriggerBookingUpcoming:
		return EntityBooking
	case TriggerInvoiceUnpaid:
		return EntityInvoice
	case TriggerStaffIdle:
		return EntityStaff
	default:
		return ""
	}
}

// TriggerTypes lists every trigger type of a family, in a stable order.
func TriggerTypes(f Family) []TriggerType {
	all := []TriggerType{
		TriggerEntityCreated, TriggerEntityFieldChanged, TriggerEntityAssigned,
		TriggerTimeArrival, TriggerIntervalCron, TriggerTaskOverdue,
		TriggerBookingUpcoming, TriggerInvoiceUnpaid, TriggerStaffIdle,
	}
	out := make([]TriggerType, 0, len(all))
	for _, t := range all {
		if t.Family() == f {
			out = append(out, t)
		}
	}
	return out
}

// EntityKind names a business entity table the engine can read or write.
type EntityKind string

const (
	EntityTask     EntityKind = "task"
	EntityBooking  EntityKind = "booking"
	EntityInvoice  EntityKind = "invoice"
	EntityProposal EntityKind = "proposal"
	EntityStaff    EntityKind = "staff"
	EntityClient   EntityKind = "client"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	_, ok := entityFields[k]
	return ok
}

// ActionKind identifies a registered action handler.
type ActionKind string

const (
	ActionNotify         ActionKind = "notify"
	ActionUpdateStatus   ActionKind = "update-status"
	ActionCreateSubtasks ActionKind = "create-subtasks"
	ActionSendEmail      ActionKind = "send-email"
	ActionEscalate       ActionKind = "escalate"
)

// DeliveryChannel selects where notify/email actions deliver.
type DeliveryChannel string

const (
	ChannelInApp DeliveryChannel = "in-app"
	ChannelEmail DeliveryChannel = "email"
	ChannelBoth  DeliveryChannel = "both"
)

// Valid reports whether c is a known channel.
func (c DeliveryChannel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelBoth:
		return true
	}
	return false
}

// InApp reports whether c includes in-app delivery.
func (c DeliveryChannel) InApp() bool { return c == ChannelInApp || c == ChannelBoth }

// Email reports whether c includes email delivery.
func (c DeliveryChannel) Email() bool { return c == ChannelEmail || c == ChannelBoth }

// Actor identifies who caused an execution.
type Actor string

const ActorScheduler Actor = "system:scheduler"

// EventActor is the actor for executions caused by a domain event.
func EventActor(eventType string) Actor { return Actor("event:" + eventType) }

// OperatorActor is the actor for manual "run now" executions.
func OperatorActor(name string) Actor {
	if name == "" {
		name = "unknown"
	}
	return Actor("operator:" + name)
}

// Result is what an action handler reports back to the dispatcher.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Entity is the engine's view of a stored business record.
type Entity struct {
	Kind   EntityKind
	ID     uint
	Fields map[string]interface{}
}

// DomainEvent is emitted by any mutation of tasks, bookings, invoices,
// proposals or staff. EventType has the form "<kind>.<verb>".
type DomainEvent struct {
	EventType  string                 `json:"event_type"`
	EntityKind EntityKind             `json:"entity_kind,omitempty"`
	EntityID   uint                   `json:"entity_id"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after"`
	OccurredAt time.Time              `json:"occurred_at"`
}

const (
	VerbCreated  = "created"
	VerbUpdated  = "updated"
	VerbAssigned = "assigned"
	VerbDeleted  = "deleted"
)

// Kind returns the entity kind, falling back to the EventType prefix.
func (e DomainEvent) Kind() EntityKind {
	if e.EntityKind != "" {
		return e.EntityKind
	}
	kind, _, _ := strings.Cut(e.EventType, ".")
	return EntityKind(kind)
}

// Verb returns the mutation verb of the event type.
func (e DomainEvent) Verb() string {
	_, verb, _ := strings.Cut(e.EventType, ".")
	return verb
}

// Validate checks the event envelope.
func (e DomainEvent) Validate() error {
	if !e.Kind().Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrValidation, e.Kind())
	}
	switch e.Verb() {
	case VerbCreated, VerbUpdated, VerbAssigned, VerbDeleted:
	default:
		return fmt.Errorf("%w: unsupported event type %q", ErrValidation, e.EventType)
	}
	if e.EntityID == 0 {
		return fmt.Errorf("%w: entity_id is required", ErrValidation)
	}
	return nil
}

// TriggerContext carries what one dispatch needs to evaluate and execute a
// rule. It is owned by the call that built it.
type TriggerContext struct {
	EventType  string                 `json:"event_type,omitempty"`
	EntityKind EntityKind             `json:"entity_kind,omitempty"`
	EntityID   uint                   `json:"entity_id,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Before     map[string]interface{} `json:"before,omitempty"`
	Values     map[string]interface{} `json:"values,omitempty"`
	MatchedAt  time.Time              `json:"matched_at"`
}

// Clone copies the context so a deferred execution owns its own maps.
func (tc TriggerContext) Clone() TriggerContext {
	tc.Fields = cloneMap(tc.Fields)
	tc.Before = cloneMap(tc.Before)
	tc.Values = cloneMap(tc.Values)
	return tc
}

// Value looks up the first present key in Values.
func (tc TriggerContext) Value(keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := tc.Values[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// String returns a non-empty string value for one of keys.
func (tc TriggerContext) String(keys ...string) (string, bool) {
	v, ok := tc.Value(keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Uint returns a positive integer value for one of keys.
func (tc TriggerContext) Uint(keys ...string) (uint, bool) {
	v, ok := tc.Value(keys...)
	if !ok {
		return 0, false
	}
	return toUint(v)
}

// TaskID resolves the task the context is about: explicit taskId value
// first, then the triggering entity when it is a task.
func (tc TriggerContext) TaskID() (uint, bool) {
	if id, ok := tc.Uint("taskId", "task_id"); ok {
		return id, true
	}
	if tc.EntityKind == EntityTask && tc.EntityID != 0 {
		return tc.EntityID, true
	}
	return 0, false
}

// JSON encodes the context for the execution log.
func (tc TriggerContext) JSON() []byte {
	b, err := json.Marshal(tc)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
