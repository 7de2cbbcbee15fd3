package automation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"
)

func testRegistry() *Registry {
	return NewDefaultRegistry(Deps{Entities: newMemEntities(), Notifier: &fakeNotifier{}, Mailer: &fakeMailer{}})
}

func ruleModel(id string, trigger TriggerType, kind EntityKind, action ActionKind, cond, cfg string) *models.AutomationRule {
	m := &models.AutomationRule{
		ID:              id,
		Name:            "rule " + id,
		TriggerType:     string(trigger),
		EntityKind:      string(kind),
		ActionKind:      string(action),
		DeliveryChannel: string(ChannelInApp),
		Enabled:         true,
		CreatedAt:       evalNow.Add(-30 * 24 * time.Hour),
	}
	if cond != "" {
		m.TriggerCondition = datatypes.JSON(cond)
	}
	if cfg != "" {
		m.ActionConfig = datatypes.JSON(cfg)
	}
	return m
}

func issueFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	out := make([]string, 0, len(verr.Issues))
	for _, is := range verr.Issues {
		out = append(out, is.Field)
	}
	return out
}

func TestCompile_TaskOverdue(t *testing.T) {
	m := ruleModel("r1", TriggerTaskOverdue, "", ActionNotify,
		`{"field":"dueAt","direction":"overdue-by","threshold":"2d"}`, `{"title":"Overdue"}`)

	r, err := Compile(testRegistry(), m)
	require.NoError(t, err)
	assert.Equal(t, EntityTask, r.EntityKind)
	assert.Equal(t, "due_at", r.Condition.Field)
	assert.IsType(t, &NotifyConfig{}, r.Config)
	assert.Equal(t, ChannelInApp, r.Channel)
}

func TestCompile_DefaultConditionForDomainTriggers(t *testing.T) {
	m := ruleModel("r1", TriggerBookingUpcoming, "", ActionNotify, "", `{"title":"Soon"}`)
	r, err := Compile(testRegistry(), m)
	require.NoError(t, err)
	require.NotNil(t, r.Condition)
	assert.Equal(t, "starts_at", r.Condition.Field)
	assert.Equal(t, DirUpcomingWithin, r.Condition.Direction)
}

func TestCompile_UnknownAction(t *testing.T) {
	m := ruleModel("r1", TriggerEntityCreated, EntityTask, "teleport", "", "")
	_, err := Compile(testRegistry(), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, ErrUnknownAction))
	assert.Contains(t, issueFields(t, err), "action_kind")
}

func TestCompile_ReportsAllIssues(t *testing.T) {
	m := ruleModel("r1", TriggerEntityFieldChanged, EntityTask, ActionSendEmail,
		`{"field":"colour","op":"eq","value":"red"}`, `{"to":"assignee"}`)
	m.DeliveryChannel = "pigeon"

	_, err := Compile(testRegistry(), m)
	fields := issueFields(t, err)
	assert.Contains(t, fields, "trigger_field")
	assert.Contains(t, fields, "delivery_channel")
	assert.Contains(t, fields, "trigger_condition.field")
	assert.Contains(t, fields, "action_config")
}

func TestCompile_TriggerShapes(t *testing.T) {
	reg := testRegistry()
	notify := `{"title":"x","recipient_id":3}`

	cases := []struct {
		name    string
		model   *models.AutomationRule
		wantErr string
	}{
		{"cron without spec", ruleModel("c1", TriggerIntervalCron, "", ActionNotify, "", notify), "cron_spec"},
		{"cron with condition", func() *models.AutomationRule {
			m := ruleModel("c2", TriggerIntervalCron, "", ActionNotify, `{"field":"status","op":"eq","value":"x"}`, notify)
			m.CronSpec = "@daily"
			return m
		}(), "trigger_condition"},
		{"bad cron", func() *models.AutomationRule {
			m := ruleModel("c3", TriggerIntervalCron, "", ActionNotify, "", notify)
			m.CronSpec = "every tuesday"
			return m
		}(), "cron_spec"},
		{"created without kind", ruleModel("e1", TriggerEntityCreated, "", ActionNotify, "", notify), "entity_kind"},
		{"overdue on booking", ruleModel("t1", TriggerTaskOverdue, EntityBooking, ActionNotify, "", notify), "entity_kind"},
		{"time arrival needs temporal", ruleModel("a1", TriggerTimeArrival, EntityProposal, ActionNotify,
			`{"field":"status","op":"eq","value":"sent"}`, notify), "trigger_condition"},
		{"unknown trigger", ruleModel("u1", "whenever", EntityTask, ActionNotify, "", notify), "trigger_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(reg, tc.model)
			require.Error(t, err)
			assert.Contains(t, issueFields(t, err), tc.wantErr)
		})
	}

	m := ruleModel("c4", TriggerIntervalCron, "", ActionNotify, "", notify)
	m.CronSpec = "0 9 * * 1"
	r, err := Compile(reg, m)
	require.NoError(t, err)
	assert.NotNil(t, r.Schedule)
}

func TestCompile_AssignedDefaultsField(t *testing.T) {
	reg := testRegistry()
	r, err := Compile(reg, ruleModel("a", TriggerEntityAssigned, EntityTask, ActionNotify, "", `{"title":"yours"}`))
	require.NoError(t, err)
	assert.Equal(t, "assignee_id", r.TriggerField)

	r, err = Compile(reg, ruleModel("b", TriggerEntityAssigned, EntityBooking, ActionNotify, "", `{"title":"yours"}`))
	require.NoError(t, err)
	assert.Equal(t, "staff_id", r.TriggerField)
}

func TestAcceptsEvent(t *testing.T) {
	reg := testRegistry()
	changed := ruleModel("f", TriggerEntityFieldChanged, EntityTask, ActionNotify, "", `{"title":"x"}`)
	changed.TriggerField = "status"
	fieldRule, err := Compile(reg, changed)
	require.NoError(t, err)
	createdRule, err := Compile(reg, ruleModel("c", TriggerEntityCreated, EntityTask, ActionNotify, "", `{"title":"x"}`))
	require.NoError(t, err)
	assignedRule, err := Compile(reg, ruleModel("a", TriggerEntityAssigned, EntityTask, ActionNotify, "", `{"title":"x"}`))
	require.NoError(t, err)

	statusChange := DomainEvent{
		EventType: "task.updated", EntityID: 1,
		Before: map[string]interface{}{"status": "review"},
		After:  map[string]interface{}{"status": "done"},
	}
	assert.True(t, fieldRule.AcceptsEvent(statusChange))
	assert.False(t, createdRule.AcceptsEvent(statusChange))

	noChange := statusChange
	noChange.Before = map[string]interface{}{"status": "done"}
	assert.False(t, fieldRule.AcceptsEvent(noChange))

	noBefore := statusChange
	noBefore.Before = nil
	assert.False(t, fieldRule.AcceptsEvent(noBefore))

	created := DomainEvent{EventType: "task.created", EntityID: 1, After: map[string]interface{}{"status": "todo"}}
	assert.True(t, createdRule.AcceptsEvent(created))
	assert.False(t, createdRule.AcceptsEvent(DomainEvent{EventType: "booking.created", EntityID: 1}))

	assigned := DomainEvent{
		EventType: "task.assigned", EntityID: 1,
		Before: map[string]interface{}{"assignee_id": nil},
		After:  map[string]interface{}{"assignee_id": 7.0},
	}
	assert.True(t, assignedRule.AcceptsEvent(assigned))
	unassigned := DomainEvent{
		EventType: "task.updated", EntityID: 1,
		Before: map[string]interface{}{"assignee_id": 7.0},
		After:  map[string]interface{}{"assignee_id": nil},
	}
	assert.False(t, assignedRule.AcceptsEvent(unassigned))
}
