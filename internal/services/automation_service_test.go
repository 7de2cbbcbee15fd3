package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeRunner struct {
	mu      sync.Mutex
	changed []string
	ran     []string
	actor   automation.Actor
}

func (f *fakeRunner) RunNow(ctx context.Context, id string, values map[string]interface{}, actor automation.Actor) (*models.ExecutionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, id)
	f.actor = actor
	return &models.ExecutionLog{RuleID: id, Status: models.ExecutionStatusOK, Actor: string(actor)}, nil
}

func (f *fakeRunner) OnRuleChanged(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, id)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(ctx context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, to+"|"+subject)
	return nil
}

type recordingPusher struct {
	mu     sync.Mutex
	pushed []uint
}

func (p *recordingPusher) SendToStaff(staffID uint, msgType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, staffID)
}

func newAutomationFixture(t *testing.T) (*gorm.DB, *AutomationService, *fakeRunner) {
	db := newTestDB(t)
	store := NewEntityStore(db, quietLogger())
	notifier := NewNotificationService(db, quietLogger(), &recordingPusher{}, &recordingSender{})
	reg := automation.NewDefaultRegistry(automation.Deps{Entities: store, Notifier: notifier, Mailer: &recordingSender{}})
	runner := &fakeRunner{}
	return db, NewAutomationService(db, quietLogger(), reg, runner), runner
}

func overdueRequest(name string) *RuleRequest {
	return &RuleRequest{
		Name:             name,
		TriggerType:      "task-overdue",
		TriggerCondition: json.RawMessage(`{"all":[{"field":"dueAt","direction":"overdue-by","thresholdDuration":"2d"}]}`),
		ActionKind:       "notify",
		ActionConfig:     json.RawMessage(`{"title":"Overdue: {{.entity.title}}"}`),
	}
}

func TestAutomationService_CreateNormalizes(t *testing.T) {
	_, svc, _ := newAutomationFixture(t)
	req := overdueRequest("overdue 2d")
	req.Delay = "1h"

	rule, err := svc.CreateRule(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.True(t, rule.Enabled)
	assert.Equal(t, "task", rule.EntityKind)
	assert.Equal(t, int64(3600), rule.DelaySeconds)
	assert.Equal(t, "in-app", rule.DeliveryChannel)
	assert.Contains(t, string(rule.TriggerCondition), `"due_at"`)
	assert.NotContains(t, string(rule.TriggerCondition), "thresholdDuration")

	got, err := svc.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	_, err = automation.ParseCondition(got.TriggerCondition, automation.EntityTask)
	assert.NoError(t, err)
}

func TestAutomationService_CreateWithoutActionConfig(t *testing.T) {
	_, svc, _ := newAutomationFixture(t)
	rule, err := svc.CreateRule(context.Background(), &RuleRequest{
		Name:             "overdue, plain",
		TriggerType:      "task-overdue",
		TriggerCondition: json.RawMessage(`{"all":[{"field":"dueAt","direction":"overdue-by","thresholdDuration":"2d"},{"field":"status","operator":"neq","value":"done"}]}`),
		ActionKind:       "notify",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(rule.ActionConfig))
	assert.Contains(t, string(rule.TriggerCondition), `"op":"neq"`)
	assert.NotContains(t, string(rule.TriggerCondition), `"operator"`)
}

func TestAutomationService_CreateReportsAllIssues(t *testing.T) {
	db, svc, _ := newAutomationFixture(t)
	_, err := svc.CreateRule(context.Background(), &RuleRequest{
		Name:             "",
		TriggerType:      "task-overdue",
		TriggerCondition: json.RawMessage(`{"any":[]}`),
		Delay:            "3 days",
		ActionKind:       "teleport",
		DeliveryChannel:  "pager",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, automation.ErrValidation))
	assert.True(t, errors.Is(err, automation.ErrUnknownAction))

	var verr *automation.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, is := range verr.Issues {
		fields[is.Field] = true
	}
	for _, f := range []string{"name", "delay", "delivery_channel", "trigger_condition.any", "action_kind"} {
		assert.True(t, fields[f], "missing issue for %s: %v", f, verr.Issues)
	}

	var count int64
	db.Model(&models.AutomationRule{}).Count(&count)
	assert.Zero(t, count)
}

func TestAutomationService_DuplicateName(t *testing.T) {
	_, svc, _ := newAutomationFixture(t)
	_, err := svc.CreateRule(context.Background(), overdueRequest("dup"))
	require.NoError(t, err)
	_, err = svc.CreateRule(context.Background(), overdueRequest("dup"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, automation.ErrValidation))
	assert.Contains(t, err.Error(), "already exists")
}

func TestAutomationService_UpdateToggleDelete(t *testing.T) {
	_, svc, runner := newAutomationFixture(t)
	ctx := context.Background()
	rule, err := svc.CreateRule(ctx, overdueRequest("edit me"))
	require.NoError(t, err)

	req := overdueRequest("edited")
	req.DeliveryChannel = "both"
	updated, err := svc.UpdateRule(ctx, rule.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Name)
	assert.Equal(t, "both", updated.DeliveryChannel)
	assert.True(t, updated.Enabled)

	// 同名更新不算冲突
	_, err = svc.UpdateRule(ctx, rule.ID, req)
	require.NoError(t, err)

	toggled, err := svc.SetEnabled(ctx, rule.ID, false)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	rules, total, err := svc.ListRules(ctx, &RuleListRequest{Enabled: &toggled.Enabled})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, rules, 1)

	require.NoError(t, svc.DeleteRule(ctx, rule.ID))
	assert.True(t, errors.Is(svc.DeleteRule(ctx, rule.ID), automation.ErrRuleNotFound))
	_, err = svc.GetRule(ctx, rule.ID)
	assert.True(t, errors.Is(err, automation.ErrRuleNotFound))

	assert.Equal(t, []string{rule.ID, rule.ID, rule.ID, rule.ID}, runner.changed)
}

func TestAutomationService_RunRule(t *testing.T) {
	db, svc, runner := newAutomationFixture(t)
	ctx := context.Background()
	rule, err := svc.CreateRule(ctx, overdueRequest("run me"))
	require.NoError(t, err)

	entry, err := svc.RunRule(ctx, rule.ID, map[string]interface{}{"taskId": 1}, "alice")
	require.NoError(t, err)
	assert.Equal(t, rule.ID, entry.RuleID)
	assert.Equal(t, automation.OperatorActor("alice"), runner.actor)

	_, err = svc.RunRule(ctx, "missing", nil, "alice")
	assert.True(t, errors.Is(err, automation.ErrRuleNotFound))

	noEngine := NewAutomationService(db, quietLogger(), svc.registry, nil)
	_, err = noEngine.RunRule(ctx, rule.ID, nil, "alice")
	assert.True(t, errors.Is(err, ErrEngineUnavailable))
}

func TestAutomationService_ListActionKinds(t *testing.T) {
	_, svc, _ := newAutomationFixture(t)
	kinds := svc.ListActionKinds()
	assert.Len(t, kinds, 5)
}

// 三个任务：逾期 3 天、逾期 1 天、已完成；2 天阈值的规则只命中第一个，且重复 tick 不会重复执行
func TestAutomationEndToEnd_OverdueScan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	staff := models.Staff{Name: "Dana", Email: "dana@example.com", Status: "active"}
	require.NoError(t, db.Create(&staff).Error)
	tasks := []models.Task{
		{Title: "three days late", Status: "todo", AssigneeID: &staff.ID, DueAt: timePtr(evalNow.Add(-72 * time.Hour))},
		{Title: "one day late", Status: "todo", AssigneeID: &staff.ID, DueAt: timePtr(evalNow.Add(-24 * time.Hour))},
		{Title: "finished", Status: "done", AssigneeID: &staff.ID, DueAt: timePtr(evalNow.Add(-72 * time.Hour))},
	}
	require.NoError(t, db.Create(&tasks).Error)

	store := NewEntityStore(db, quietLogger())
	repo := NewRuleRepository(db, quietLogger())
	pusher := &recordingPusher{}
	sender := &recordingSender{}
	notifier := NewNotificationService(db, quietLogger(), pusher, sender)
	reg := automation.NewDefaultRegistry(automation.Deps{Entities: store, Notifier: notifier, Mailer: sender})

	d := automation.NewDispatcher(automation.DispatcherDeps{
		Rules: repo, Logs: repo, Entities: store, Registry: reg,
		Pool: automation.NewPool(1, 8, quietLogger()),
	}, automation.DispatcherOptions{Clock: clockwork.NewFakeClockAt(evalNow), Logger: quietLogger()})
	defer d.Close()

	svc := NewAutomationService(db, quietLogger(), reg, d)
	req := overdueRequest("overdue 2d")
	req.DeliveryChannel = "both"
	rule, err := svc.CreateRule(ctx, req)
	require.NoError(t, err)

	n, err := d.HandleTick(ctx, evalNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d.Wait()

	n, err = d.HandleTick(ctx, evalNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	d.Wait()

	logs, total, err := repo.ListLogs(ctx, LogQuery{RuleID: rule.ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, models.ExecutionStatusOK, logs[0].Status)
	assert.Equal(t, tasks[0].ID, logs[0].EntityID)
	assert.Equal(t, string(automation.ActorScheduler), logs[0].Actor)

	var notes []models.Notification
	require.NoError(t, db.Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, "Overdue: three days late", notes[0].Title)
	assert.Equal(t, staff.ID, notes[0].RecipientID)
	assert.Equal(t, []uint{staff.ID}, pusher.pushed)
	assert.Equal(t, []string{"dana@example.com|Overdue: three days late"}, sender.sent)

	stored, err := repo.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
}

func TestNotificationService_Channels(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	withMail := models.Staff{Name: "Dana", Email: "dana@example.com"}
	noMail := models.Staff{Name: "Eli", Email: "eli-placeholder"}
	require.NoError(t, db.Create(&withMail).Error)
	require.NoError(t, db.Create(&noMail).Error)
	require.NoError(t, db.Model(&noMail).Update("email", "").Error)

	pusher := &recordingPusher{}
	sender := &recordingSender{}
	svc := NewNotificationService(db, quietLogger(), pusher, sender)

	require.NoError(t, svc.Notify(ctx, automation.Notice{RecipientID: withMail.ID, Title: "t", Body: "b", Channel: automation.ChannelEmail}))
	assert.Equal(t, []string{"dana@example.com|t"}, sender.sent)
	assert.Empty(t, pusher.pushed)

	err := svc.Notify(ctx, automation.Notice{RecipientID: noMail.ID, Title: "t", Channel: automation.ChannelBoth})
	assert.True(t, errors.Is(err, automation.ErrMissingField))
	// 站内渠道仍然送达
	assert.Equal(t, []uint{noMail.ID}, pusher.pushed)

	sender.err = errors.New("ses throttled")
	err = svc.Notify(ctx, automation.Notice{RecipientID: withMail.ID, Title: "t", Channel: automation.ChannelEmail})
	assert.True(t, errors.Is(err, automation.ErrTransientIO))

	err = svc.Notify(ctx, automation.Notice{RecipientID: 999, Title: "t"})
	assert.True(t, errors.Is(err, automation.ErrEntityNotFound))

	unread, err := svc.ListForStaff(ctx, noMail.ID, true, 0)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.NoError(t, svc.MarkRead(ctx, noMail.ID, unread[0].ID))
	unread, err = svc.ListForStaff(ctx, noMail.ID, true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)
}
