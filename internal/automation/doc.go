// Package automation is the rule engine: it evaluates stored automation
// rules against domain events and periodic ticks and executes the matching
// actions through a registry of handlers.
//
// The engine never touches the database directly. Business data is read and
// written through EntityStore, rules through RuleStore and the audit trail
// through LogStore; internal/services provides the GORM implementations.
//
// Event-driven rules (entity-created, entity-field-changed, entity-assigned)
// are evaluated by Dispatcher.HandleEvent. Time-driven rules (time-arrival,
// interval-cron and the task/booking/invoice/staff domain triggers) are
// evaluated by Dispatcher.HandleTick, which the Scheduler calls once per
// interval. A time-driven rule fires once per (rule, entity) while the
// condition keeps matching.
package automation
