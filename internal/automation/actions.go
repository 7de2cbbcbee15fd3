package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Deps are the collaborators the built-in handlers need.
type Deps struct {
	Entities EntityStore
	Notifier Notifier
	Mailer   Mailer
}

// BuiltinHandlers returns the five standard action handlers.
func BuiltinHandlers(d Deps) []Handler {
	return []Handler{
		&notifyHandler{deps: d, schema: newSchema(notifySchema)},
		&updateStatusHandler{deps: d, schema: newSchema(updateStatusSchema)},
		&createSubtasksHandler{deps: d, schema: newSchema(createSubtasksSchema)},
		&sendEmailHandler{deps: d, schema: newSchema(sendEmailSchema)},
		&escalateHandler{deps: d, schema: newSchema(escalateSchema)},
	}
}

// NewDefaultRegistry builds a registry with the built-in handlers.
func NewDefaultRegistry(d Deps) *Registry {
	return NewRegistry(BuiltinHandlers(d)...)
}

// TaskStatuses are the statuses update-status may write.
var TaskStatuses = []string{"todo", "in_progress", "review", "done", "cancelled"}

func validTaskStatus(s string) bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// wrapIO tags store and channel failures as transient unless they already
// carry an engine category.
func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrEntityNotFound, ErrMissingField, ErrValidation, ErrTransientIO, ErrPartialFailure, ErrEmptyList} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrTransientIO, err)
}

// expired stops a handler from writing once the dispatcher has given up on
// it and recorded the attempt as failed.
func expired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: action abandoned before write: %v", ErrTransientIO, err)
	}
	return nil
}

func parseTemplate(verr *ValidationError, field, src string) *message {
	m, err := parseMessage(field, src)
	if err != nil {
		verr.Add("action_config."+field, "invalid template: %v", err)
	}
	return m
}

// resolveStaff finds the staff member an action targets: an explicit
// recipientId value, then the configured ID, then the entity's assignee,
// staff or owner column.
func resolveStaff(tc TriggerContext, mode string, configured uint) (uint, bool) {
	if id, ok := tc.Uint("recipientId", "recipient_id"); ok {
		return id, true
	}
	if configured != 0 {
		return configured, true
	}
	if mode == "staff" && tc.EntityKind == EntityStaff && tc.EntityID != 0 {
		return tc.EntityID, true
	}
	keys := []string{"assignee_id", "staff_id", "owner_id"}
	if mode == "owner" {
		keys = []string{"owner_id"}
	}
	for _, k := range keys {
		if id, ok := toUint(tc.Fields[k]); ok {
			return id, true
		}
	}
	return 0, false
}

// notify

const notifySchema = `{
  "type": "object",
  "properties": {
    "recipient": {"type": "string", "enum": ["assignee", "owner", "staff"]},
    "recipient_id": {"type": "integer", "minimum": 1},
    "title": {"type": "string", "minLength": 1},
    "message": {"type": "string"}
  },
  "additionalProperties": false
}`

// DefaultNotifyTitle is used when a notify rule has no title.
const DefaultNotifyTitle = `{{if .entity_kind}}{{.entity_kind}} {{.entity_id}} needs attention{{else}}Scheduled automation ran{{end}}`

type NotifyConfig struct {
	Recipient   string `json:"recipient,omitempty" validate:"omitempty,oneof=assignee owner staff"`
	RecipientID uint   `json:"recipient_id,omitempty"`
	Title       string `json:"title,omitempty" validate:"max=200"`
	Message     string `json:"message,omitempty" validate:"max=4000"`

	title, body *message
}

func (*NotifyConfig) ActionKind() ActionKind { return ActionNotify }

type notifyHandler struct {
	deps   Deps
	schema *compiledSchema
}

func (h *notifyHandler) Kind() ActionKind { return ActionNotify }
func (h *notifyHandler) Description() string {
	return "Send a notification to a staff member over the rule's delivery channel"
}
func (h *notifyHandler) Schema() string { return h.schema.src }

func (h *notifyHandler) Decode(raw json.RawMessage) (ActionConfig, error) {
	cfg := &NotifyConfig{}
	if err := decodeConfig(h.schema, raw, cfg); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	title := cfg.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultNotifyTitle
	}
	cfg.title = parseTemplate(verr, "title", title)
	cfg.body = parseTemplate(verr, "message", cfg.Message)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (h *notifyHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	cfg := inv.Config.(*NotifyConfig)
	recipient, ok := resolveStaff(inv.Context, cfg.Recipient, cfg.RecipientID)
	if !ok {
		return Result{}, fmt.Errorf("%w: recipient", ErrMissingField)
	}
	title, err := cfg.title.render(inv.Context)
	if err != nil {
		return Result{}, err
	}
	body, err := cfg.body.render(inv.Context)
	if err != nil {
		return Result{}, err
	}
	if h.deps.Notifier == nil {
		return Result{}, fmt.Errorf("%w: no notifier configured", ErrTransientIO)
	}
	if err := expired(ctx); err != nil {
		return Result{}, err
	}
	err = h.deps.Notifier.Notify(ctx, Notice{
		RecipientID: recipient,
		Title:       title,
		Body:        body,
		Channel:     inv.Channel,
		RuleID:      inv.RuleID,
		EntityKind:  inv.Context.EntityKind,
		EntityID:    inv.Context.EntityID,
	})
	if err != nil {
		return Result{}, wrapIO(err)
	}
	return Result{OK: true, Message: fmt.Sprintf("notified staff %d via %s", recipient, inv.Channel)}, nil
}

// update-status

const updateStatusSchema = `{
  "type": "object",
  "properties": {
    "new_status": {"type": "string", "enum": ["todo", "in_progress", "review", "done", "cancelled"]}
  },
  "additionalProperties": false
}`

// UpdateStatusConfig may leave NewStatus empty, in which case the
// execution context must supply newStatus.
type UpdateStatusConfig struct {
	NewStatus string `json:"new_status,omitempty" validate:"omitempty,oneof=todo in_progress review done cancelled"`
}

func (*UpdateStatusConfig) ActionKind() ActionKind { return ActionUpdateStatus }

type updateStatusHandler struct {
	deps   Deps
	schema *compiledSchema
}

func (h *updateStatusHandler) Kind() ActionKind    { return ActionUpdateStatus }
func (h *updateStatusHandler) Description() string { return "Set the status of a task" }
func (h *updateStatusHandler) Schema() string      { return h.schema.src }

func (h *updateStatusHandler) Decode(raw json.RawMessage) (ActionConfig, error) {
	cfg := &UpdateStatusConfig{}
	if err := decodeConfig(h.schema, raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (h *updateStatusHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	cfg := inv.Config.(*UpdateStatusConfig)
	taskID, ok := inv.Context.TaskID()
	if !ok {
		return Result{}, fmt.Errorf("%w: taskId", ErrMissingField)
	}
	status := cfg.NewStatus
	if status == "" {
		status, _ = inv.Context.String("newStatus", "new_status")
	}
	if status == "" {
		return Result{}, fmt.Errorf("%w: newStatus", ErrMissingField)
	}
	if !validTaskStatus(status) {
		return Result{}, fmt.Errorf("%w: unknown task status %q", ErrValidation, status)
	}

	if err := expired(ctx); err != nil {
		return Result{}, err
	}
	res, err := h.deps.Entities.UpdateEntity(ctx, EntityTask, taskID, Patch{"status": status})
	if err != nil {
		return Result{}, wrapIO(err)
	}
	if !res.Changed {
		return Result{OK: true, Message: fmt.Sprintf("task %d already %s", taskID, status)}, nil
	}
	return Result{OK: true, Message: fmt.Sprintf("task %d status %v -> %s", taskID, res.Before["status"], status)}, nil
}

// create-subtasks

const createSubtasksSchema = `{
  "type": "object",
  "properties": {
    "titles": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 50}
  },
  "additionalProperties": false
}`

// CreateSubtasksConfig holds default titles; a subtasks list in the
// execution context replaces them.
type CreateSubtasksConfig struct {
	Titles []string `json:"titles,omitempty" validate:"max=50,dive,required,max=200"`
}

func (*CreateSubtasksConfig) ActionKind() ActionKind { return ActionCreateSubtasks }

type createSubtasksHandler struct {
	deps   Deps
	schema *compiledSchema
}

func (h *createSubtasksHandler) Kind() ActionKind    { return ActionCreateSubtasks }
func (h *createSubtasksHandler) Description() string { return "Create child tasks under a task" }
func (h *createSubtasksHandler) Schema() string      { return h.schema.src }

func (h *createSubtasksHandler) Decode(raw json.RawMessage) (ActionConfig, error) {
	cfg := &CreateSubtasksConfig{}
	if err := decodeConfig(h.schema, raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func subtaskTitles(tc TriggerContext, cfg *CreateSubtasksConfig) []string {
	var raw []string
	switch v := tc.Values["subtasks"].(type) {
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	default:
		raw = cfg.Titles
	}
	titles := make([]string, 0, len(raw))
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			titles = append(titles, t)
		}
	}
	return titles
}

func (h *createSubtasksHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	cfg := inv.Config.(*CreateSubtasksConfig)
	parentID, ok := inv.Context.TaskID()
	if !ok {
		return Result{}, fmt.Errorf("%w: taskId", ErrMissingField)
	}
	titles := subtaskTitles(inv.Context, cfg)
	if len(titles) == 0 {
		return Result{}, fmt.Errorf("%w: no subtask titles", ErrEmptyList)
	}

	records := make([]map[string]interface{}, len(titles))
	for i, t := range titles {
		records[i] = map[string]interface{}{"title": t}
	}
	if err := expired(ctx); err != nil {
		return Result{}, err
	}
	results, err := h.deps.Entities.InsertRelated(ctx, EntityTask, parentID, records)
	if err != nil {
		return Result{}, wrapIO(err)
	}

	var failed []string
	created := 0
	for _, r := range results {
		if r.Err != nil {
			title := ""
			if r.Index >= 0 && r.Index < len(titles) {
				title = titles[r.Index]
			}
			failed = append(failed, fmt.Sprintf("%q (%v)", title, r.Err))
			continue
		}
		created++
	}
	if len(failed) > 0 {
		msg := fmt.Sprintf("created %d of %d subtasks under task %d; failed: %s",
			created, len(titles), parentID, strings.Join(failed, ", "))
		return Result{Message: msg}, fmt.Errorf("%w: %s", ErrPartialFailure, msg)
	}
	return Result{OK: true, Message: fmt.Sprintf("created %d subtasks under task %d", created, parentID)}, nil
}

// send-email

const sendEmailSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "minLength": 1},
    "subject": {"type": "string", "minLength": 1},
    "body": {"type": "string", "minLength": 1}
  },
  "required": ["to", "subject", "body"],
  "additionalProperties": false
}`

// SendEmailConfig.To is an address or one of "assignee", "client".
type SendEmailConfig struct {
	To      string `json:"to" validate:"required,email|oneof=assignee client"`
	Subject string `json:"subject" validate:"required,max=300"`
	Body    string `json:"body" validate:"required"`

	subject, body *message
}

func (*SendEmailConfig) ActionKind() ActionKind { return ActionSendEmail }

type sendEmailHandler struct {
	deps   Deps
	schema *compiledSchema
}

func (h *sendEmailHandler) Kind() ActionKind    { return ActionSendEmail }
func (h *sendEmailHandler) Description() string { return "Send a templated email" }
func (h *sendEmailHandler) Schema() string      { return h.schema.src }

func (h *sendEmailHandler) Decode(raw json.RawMessage) (ActionConfig, error) {
	cfg := &SendEmailConfig{}
	if err := decodeConfig(h.schema, raw, cfg); err != nil {
		return nil, err
	}
	verr := &ValidationError{}
	cfg.subject = parseTemplate(verr, "subject", cfg.Subject)
	cfg.body = parseTemplate(verr, "body", cfg.Body)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (h *sendEmailHandler) recipient(ctx context.Context, cfg *SendEmailConfig, tc TriggerContext) (string, error) {
	var (
		kind EntityKind
		id   uint
		ok   bool
	)
	switch cfg.To {
	case "assignee":
		kind = EntityStaff
		id, ok = resolveStaff(tc, "", 0)
	case "client":
		kind = EntityClient
		if tc.EntityKind == EntityClient && tc.EntityID != 0 {
			id, ok = tc.EntityID, true
		} else {
			id, ok = toUint(tc.Fields["client_id"])
		}
	default:
		return cfg.To, nil
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, cfg.To)
	}
	ent, err := h.deps.Entities.GetEntity(ctx, kind, id)
	if err != nil {
		return "", wrapIO(err)
	}
	email, _ := ent.Fields["email"].(string)
	if email == "" {
		return "", fmt.Errorf("%w: %s %d has no email", ErrMissingField, kind, id)
	}
	return email, nil
}

func (h *sendEmailHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	cfg := inv.Config.(*SendEmailConfig)
	to, err := h.recipient(ctx, cfg, inv.Context)
	if err != nil {
		return Result{}, err
	}
	subject, err := cfg.subject.render(inv.Context)
	if err != nil {
		return Result{}, err
	}
	body, err := cfg.body.render(inv.Context)
	if err != nil {
		return Result{}, err
	}
	if h.deps.Mailer == nil {
		return Result{}, fmt.Errorf("%w: no mailer configured", ErrTransientIO)
	}
	if err := expired(ctx); err != nil {
		return Result{}, err
	}
	if err := h.deps.Mailer.Send(ctx, to, subject, body); err != nil {
		return Result{}, wrapIO(err)
	}
	return Result{OK: true, Message: "email sent to " + to}, nil
}

// escalate

const escalateSchema = `{
  "type": "object",
  "properties": {
    "escalate_to": {"type": "integer", "minimum": 1},
    "priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
    "message": {"type": "string"}
  },
  "required": ["escalate_to"],
  "additionalProperties": false
}`

type EscalateConfig struct {
	EscalateTo uint   `json:"escalate_to" validate:"required"`
	Priority   string `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Message    string `json:"message,omitempty"`

	body *message
}

func (*EscalateConfig) ActionKind() ActionKind { return ActionEscalate }

type escalateHandler struct {
	deps   Deps
	schema *compiledSchema
}

func (h *escalateHandler) Kind() ActionKind { return ActionEscalate }
func (h *escalateHandler) Description() string {
	return "Reassign a task, raise its priority and notify the new assignee"
}
func (h *escalateHandler) Schema() string { return h.schema.src }

func (h *escalateHandler) Decode(raw json.RawMessage) (ActionConfig, error) {
	cfg := &EscalateConfig{}
	if err := decodeConfig(h.schema, raw, cfg); err != nil {
		return nil, err
	}
	if cfg.Priority == "" {
		cfg.Priority = "urgent"
	}
	verr := &ValidationError{}
	cfg.body = parseTemplate(verr, "message", cfg.Message)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (h *escalateHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	cfg := inv.Config.(*EscalateConfig)
	taskID, ok := inv.Context.TaskID()
	if !ok {
		return Result{}, fmt.Errorf("%w: taskId", ErrMissingField)
	}
	if err := expired(ctx); err != nil {
		return Result{}, err
	}
	res, err := h.deps.Entities.UpdateEntity(ctx, EntityTask, taskID, Patch{
		"assignee_id": cfg.EscalateTo,
		"priority":    cfg.Priority,
	})
	if err != nil {
		return Result{}, wrapIO(err)
	}
	if !res.Changed {
		return Result{OK: true, Message: fmt.Sprintf("task %d already escalated to staff %d", taskID, cfg.EscalateTo)}, nil
	}

	body, err := cfg.body.render(inv.Context)
	if err != nil {
		return Result{}, err
	}
	title := fmt.Sprintf("Task %d escalated to you", taskID)
	if t, ok := inv.Context.Fields["title"].(string); ok && t != "" {
		title = "Escalated: " + t
	}
	if h.deps.Notifier != nil {
		err = h.deps.Notifier.Notify(ctx, Notice{
			RecipientID: cfg.EscalateTo,
			Title:       title,
			Body:        body,
			Channel:     inv.Channel,
			RuleID:      inv.RuleID,
			EntityKind:  EntityTask,
			EntityID:    taskID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("task %d reassigned but notification failed: %w", taskID, wrapIO(err))
		}
	}
	return Result{OK: true, Message: fmt.Sprintf("task %d escalated to staff %d (priority %s)", taskID, cfg.EscalateTo, cfg.Priority)}, nil
}
