package automation

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as "@daily".
func ParseCron(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// Rule is a stored rule after validation: typed trigger, parsed
// condition and decoded action config.
type Rule struct {
	ID           string
	Name         string
	TriggerType  TriggerType
	EntityKind   EntityKind
	TriggerField string
	CronSpec     string
	Schedule     cron.Schedule
	Condition    *Condition
	Delay        time.Duration
	ActionKind   ActionKind
	Config       ActionConfig
	Channel      DeliveryChannel
	Enabled      bool
	LastRunAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// defaultConditions apply to domain triggers saved without a condition.
var defaultConditions = map[TriggerType]func() *Condition{
	TriggerTaskOverdue:     func() *Condition { return temporal("due_at", DirOverdueBy, 0) },
	TriggerBookingUpcoming: func() *Condition { return temporal("starts_at", DirUpcomingWithin, day) },
	TriggerInvoiceUnpaid:   func() *Condition { return temporal("due_at", DirOverdueBy, 0) },
	TriggerStaffIdle:       func() *Condition { return temporal("last_active_at", DirOverdueBy, day) },
}

func temporal(field string, dir Direction, threshold time.Duration) *Condition {
	d := Duration(threshold)
	return &Condition{Field: field, Direction: dir, Threshold: &d}
}

// Compile validates a stored rule against the registry and returns its
// typed form. All problems are reported together in a *ValidationError.
func Compile(reg *Registry, m *models.AutomationRule) (*Rule, error) {
	verr := &ValidationError{}
	r := &Rule{
		ID:           m.ID,
		Name:         m.Name,
		TriggerType:  TriggerType(m.TriggerType),
		EntityKind:   EntityKind(m.EntityKind),
		TriggerField: NormalizeField(m.TriggerField),
		CronSpec:     m.CronSpec,
		Delay:        m.Delay(),
		ActionKind:   ActionKind(m.ActionKind),
		Channel:      DeliveryChannel(m.DeliveryChannel),
		Enabled:      m.Enabled,
		LastRunAt:    m.LastRunAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}

	if m.Name == "" {
		verr.Add("name", "is required")
	}
	if r.Channel == "" {
		r.Channel = ChannelInApp
	}
	if !r.Channel.Valid() {
		verr.Add("delivery_channel", "must be in-app, email or both")
	}
	if m.DelaySeconds < 0 {
		verr.Add("delay", "must not be negative")
	}

	compileTrigger(r, verr)

	cond, err := ParseCondition(m.TriggerCondition, r.EntityKind)
	if err != nil {
		verr.Merge("", err)
	}
	r.Condition = cond
	if r.TriggerType == TriggerIntervalCron && cond != nil {
		verr.Add("trigger_condition", "interval-cron rules do not take a condition")
	}
	if r.TriggerType == TriggerTimeArrival && cond != nil && !cond.HasTemporal() {
		verr.Add("trigger_condition", "time-arrival rules need at least one temporal condition")
	}
	if r.TriggerType == TriggerTimeArrival && cond == nil {
		verr.Add("trigger_condition", "is required for time-arrival")
	}
	if r.Condition == nil {
		if def, ok := defaultConditions[r.TriggerType]; ok {
			r.Condition = def()
		}
	}

	if _, ok := reg.Lookup(r.ActionKind); !ok {
		verr.AddCause("action_kind", ErrUnknownAction, "unknown action %q", m.ActionKind)
	} else {
		cfg, err := reg.Decode(r.ActionKind, json.RawMessage(m.ActionConfig))
		if err != nil {
			verr.Merge("", err)
		}
		r.Config = cfg
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

func compileTrigger(r *Rule, verr *ValidationError) {
	if !r.TriggerType.Valid() {
		verr.Add("trigger_type", "unknown trigger type %q", r.TriggerType)
		return
	}

	if implied := r.TriggerType.ImpliedEntityKind(); implied != "" {
		if r.EntityKind != "" && r.EntityKind != implied {
			verr.Add("entity_kind", "%s rules always target %s", r.TriggerType, implied)
		}
		r.EntityKind = implied
	}

	switch r.TriggerType {
	case TriggerIntervalCron:
		if r.EntityKind != "" {
			verr.Add("entity_kind", "interval-cron rules are not bound to an entity")
		}
		if r.CronSpec == "" {
			verr.Add("cron_spec", "is required for interval-cron")
			return
		}
		sched, err := ParseCron(r.CronSpec)
		if err != nil {
			verr.Add("cron_spec", "%v", err)
			return
		}
		r.Schedule = sched
		return
	case TriggerEntityCreated, TriggerEntityFieldChanged, TriggerEntityAssigned, TriggerTimeArrival:
		if r.EntityKind == "" {
			verr.Add("entity_kind", "is required for %s", r.TriggerType)
		} else if !r.EntityKind.Valid() {
			verr.Add("entity_kind", "unknown entity kind %q", r.EntityKind)
		}
	}
	if r.CronSpec != "" {
		verr.Add("cron_spec", "only interval-cron rules take a cron spec")
	}

	switch r.TriggerType {
	case TriggerEntityFieldChanged:
		if r.TriggerField == "" {
			verr.Add("trigger_field", "is required for entity-field-changed")
		} else if r.EntityKind.Valid() && !KnownField(r.EntityKind, r.TriggerField) {
			verr.Add("trigger_field", "unknown %s field %q", r.EntityKind, r.TriggerField)
		}
	case TriggerEntityAssigned:
		if r.TriggerField == "" {
			r.TriggerField = assigneeField(r.EntityKind)
		}
		if r.EntityKind.Valid() && !KnownField(r.EntityKind, r.TriggerField) {
			verr.Add("trigger_field", "%s has no assignee field %q", r.EntityKind, r.TriggerField)
		}
	default:
		if r.TriggerField != "" {
			verr.Add("trigger_field", "only field-changed and assigned rules take a trigger field")
		}
	}
}

func assigneeField(kind EntityKind) string {
	switch kind {
	case EntityBooking:
		return "staff_id"
	case EntityProposal:
		return "owner_id"
	default:
		return "assignee_id"
	}
}

// ScanFilter is the store pre-filter for a time-driven scan at now.
func (r *Rule) ScanFilter(now time.Time) Filter {
	f := Filter{}
	switch r.TriggerType {
	case TriggerTaskOverdue:
		f.StatusNotIn = []string{"done", "cancelled"}
		f.NotNull = []string{"due_at"}
		f.Before = map[string]time.Time{"due_at": now}
	case TriggerBookingUpcoming:
		f.StatusNotIn = []string{"cancelled", "completed"}
		f.After = map[string]time.Time{"starts_at": now}
	case TriggerInvoiceUnpaid:
		f.StatusNotIn = []string{"draft", "paid", "void"}
		f.NotNull = []string{"due_at"}
	case TriggerStaffIdle:
		f.StatusIn = []string{"active"}
	case TriggerTimeArrival:
		for _, field := range r.Condition.Fields() {
			if TemporalField(r.EntityKind, field) {
				f.NotNull = append(f.NotNull, field)
			}
		}
	}
	return f
}

// AcceptsEvent reports whether a domain event is of the shape the rule's
// trigger listens for. The condition is evaluated separately.
func (r *Rule) AcceptsEvent(e DomainEvent) bool {
	if r.TriggerType.Family() != FamilyEvent || e.Kind() != r.EntityKind {
		return false
	}
	switch r.TriggerType {
	case TriggerEntityCreated:
		return e.Verb() == VerbCreated
	case TriggerEntityFieldChanged:
		if e.Verb() != VerbUpdated && e.Verb() != VerbAssigned {
			return false
		}
		return fieldChanged(e, r.TriggerField)
	case TriggerEntityAssigned:
		switch e.Verb() {
		case VerbAssigned:
			if e.Before == nil {
				return deref(e.After[r.TriggerField]) != nil
			}
			return fieldChanged(e, r.TriggerField) && deref(e.After[r.TriggerField]) != nil
		case VerbUpdated:
			return fieldChanged(e, r.TriggerField) && deref(e.After[r.TriggerField]) != nil
		}
	}
	return false
}

// fieldChanged needs a before snapshot; without one a change cannot be proven.
func fieldChanged(e DomainEvent, field string) bool {
	if e.Before == nil {
		return false
	}
	after, ok := e.After[field]
	if !ok {
		return false
	}
	return !ValuesEqual(e.Before[field], after)
}
