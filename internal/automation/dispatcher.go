package automation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"
)

const (
	defaultExecTimeout = 30 * time.Second
	logWriteTimeout    = 10 * time.Second

	actorEngine Actor = "system:engine"

	msgShutdownCancelled = "cancelled: shutdown before delay elapsed"
	msgConditionGone     = "condition no longer met"
)

// cron rules hold one latch per rule under this entity ID
const cronLatch uint = 0

// DispatcherDeps are the stores and workers a Dispatcher uses.
type DispatcherDeps struct {
	Rules    RuleStore
	Logs     LogStore
	Entities EntityStore
	Registry *Registry
	Pool     *Pool
}

// DispatcherOptions tune dispatch behaviour.
type DispatcherOptions struct {
	// RevalidateOnFire re-reads the entity when a delayed execution fires
	// and skips the action if the condition no longer holds.
	RevalidateOnFire bool
	ExecTimeout      time.Duration
	Clock            clockwork.Clock
	Logger           *logrus.Logger
	Metrics          *Metrics
}

type pendingRun struct {
	key        string
	ruleID     string
	ruleName   string
	actionKind ActionKind
	tc         TriggerContext
	actor      Actor
	dueAt      time.Time
	timer      clockwork.Timer
	onDone     func(*models.ExecutionLog)
}

type compiledRule struct {
	updatedAt time.Time
	rule      *Rule
}

// Dispatcher matches rules against events and ticks and executes the
// matching actions on the worker pool. Every execution attempt, including
// skips and cancellations, writes exactly one execution log row.
type Dispatcher struct {
	rules    RuleStore
	logs     LogStore
	entities EntityStore
	registry *Registry
	pool     *Pool

	clock       clockwork.Clock
	logger      *logrus.Logger
	tracer      trace.Tracer
	metrics     *Metrics
	revalidate  bool
	execTimeout time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	latches  map[string]map[uint]struct{}
	pending  map[string]*pendingRun
	compiled map[string]compiledRule
	flagged  map[string]time.Time
	seq      uint64
	closed   bool
}

// NewDispatcher wires a dispatcher. Zero options pick defaults.
func NewDispatcher(deps DispatcherDeps, opts DispatcherOptions) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}
	if deps.Pool == nil {
		deps.Pool = NewPool(4, 64, opts.Logger)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		rules:       deps.Rules,
		logs:        deps.Logs,
		entities:    deps.Entities,
		registry:    deps.Registry,
		pool:        deps.Pool,
		clock:       opts.Clock,
		logger:      opts.Logger,
		tracer:      otel.Tracer("arcana.automation"),
		metrics:     opts.Metrics,
		revalidate:  opts.RevalidateOnFire,
		execTimeout: opts.ExecTimeout,
		baseCtx:     base,
		cancelBase:  cancel,
		latches:     make(map[string]map[uint]struct{}),
		pending:     make(map[string]*pendingRun),
		compiled:    make(map[string]compiledRule),
		flagged:     make(map[string]time.Time),
	}
}

// HandleEvent evaluates event-driven rules against e and waits for the
// immediate (undelayed) executions it started. It returns the number of
// rules that matched.
func (d *Dispatcher) HandleEvent(ctx context.Context, e DomainEvent) (int, error) {
	return d.dispatchEvent(ctx, e, true)
}

// DispatchEvent is HandleEvent without waiting for executions to finish.
func (d *Dispatcher) DispatchEvent(ctx context.Context, e DomainEvent) (int, error) {
	return d.dispatchEvent(ctx, e, false)
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, e DomainEvent, wait bool) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	d.metrics.event(e.EventType)

	ctx, span := d.tracer.Start(ctx, "automation.handle_event", trace.WithAttributes(
		attribute.String("event.type", e.EventType),
		attribute.Int64("entity.id", int64(e.EntityID)),
	))
	defer span.End()

	stored, err := d.rules.ListEnabled(ctx, TriggerTypes(FamilyEvent))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("%w: list rules: %v", ErrTransientIO, err)
	}

	now := d.clock.Now()
	matched := 0
	var waits []<-chan struct{}
	for i := range stored {
		rule := d.compile(ctx, &stored[i])
		if rule == nil || !rule.AcceptsEvent(e) {
			continue
		}
		tc := TriggerContext{
			EventType:  e.EventType,
			EntityKind: e.Kind(),
			EntityID:   e.EntityID,
			Fields:     cloneMap(e.After),
			Before:     cloneMap(e.Before),
			MatchedAt:  now,
		}
		if !rule.Condition.Matches(tc.Fields, now) {
			continue
		}
		matched++
		d.logger.WithFields(logrus.Fields{
			"rule_id":    rule.ID,
			"rule":       rule.Name,
			"event_type": e.EventType,
			"entity_id":  e.EntityID,
		}).Debug("automation rule matched event")
		if done := d.schedule(ctx, rule, tc, EventActor(e.EventType), nil); done != nil {
			waits = append(waits, done)
		}
	}
	span.SetAttributes(attribute.Int("rules.matched", matched))

	if wait {
		for _, w := range waits {
			select {
			case <-w:
			case <-ctx.Done():
				return matched, ctx.Err()
			}
		}
	}
	return matched, nil
}

// HandleTick evaluates every enabled time-driven rule at now. Executions
// run on the pool; HandleTick does not wait for them.
func (d *Dispatcher) HandleTick(ctx context.Context, now time.Time) (int, error) {
	d.metrics.tick()
	ctx, span := d.tracer.Start(ctx, "automation.tick")
	defer span.End()

	stored, err := d.rules.ListEnabled(ctx, TriggerTypes(FamilyTime))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("%w: list rules: %v", ErrTransientIO, err)
	}

	active := make(map[string]struct{}, len(stored))
	matched := 0
	var errs []error
	for i := range stored {
		rule := d.compile(ctx, &stored[i])
		if rule == nil {
			continue
		}
		active[rule.ID] = struct{}{}
		if rule.TriggerType == TriggerIntervalCron {
			if d.tickCron(ctx, rule, now) {
				matched++
			}
			continue
		}
		n, err := d.scan(ctx, rule, now)
		matched += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	d.pruneLatches(active)

	span.SetAttributes(attribute.Int("rules.evaluated", len(stored)), attribute.Int("rules.matched", matched))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return matched, err
	}
	return matched, nil
}

func (d *Dispatcher) scan(ctx context.Context, rule *Rule, now time.Time) (int, error) {
	entities, err := d.entities.FindEntitiesMatching(ctx, rule.EntityKind, rule.ScanFilter(now))
	if err != nil {
		d.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "rule": rule.Name}).
			WithError(err).Warn("automation scan failed")
		return 0, fmt.Errorf("%w: scan %q: %v", ErrTransientIO, rule.Name, err)
	}

	seen := make(map[uint]struct{}, len(entities))
	started := 0
	for _, ent := range entities {
		if !rule.Condition.Matches(ent.Fields, now) {
			continue
		}
		seen[ent.ID] = struct{}{}
		if !d.latch(rule.ID, ent.ID) {
			continue
		}
		started++
		tc := TriggerContext{EntityKind: ent.Kind, EntityID: ent.ID, Fields: ent.Fields, MatchedAt: now}
		ruleID, entityID := rule.ID, ent.ID
		d.schedule(ctx, rule, tc, ActorScheduler, func(entry *models.ExecutionLog) {
			if entry == nil || entry.Status != models.ExecutionStatusOK {
				d.unlatch(ruleID, entityID)
			}
		})
	}
	d.releaseExcept(rule.ID, seen)
	return started, nil
}

// tickCron fires a cron rule at most once per occurrence since its last
// successful run. Missed occurrences collapse into one execution.
func (d *Dispatcher) tickCron(ctx context.Context, rule *Rule, now time.Time) bool {
	base := rule.CreatedAt
	if rule.LastRunAt != nil {
		base = *rule.LastRunAt
	}
	next := rule.Schedule.Next(base)
	if next.IsZero() || next.After(now) {
		return false
	}
	if !d.latch(rule.ID, cronLatch) {
		return false
	}
	tc := TriggerContext{
		Values:    map[string]interface{}{"scheduledFor": next, "firedAt": now},
		MatchedAt: now,
	}
	ruleID := rule.ID
	d.schedule(ctx, rule, tc, ActorScheduler, func(*models.ExecutionLog) {
		d.unlatch(ruleID, cronLatch)
	})
	return true
}

// RunNow executes rule id immediately, ignoring its trigger, condition
// and delay, and returns the execution log row.
func (d *Dispatcher) RunNow(ctx context.Context, id string, values map[string]interface{}, actor Actor) (*models.ExecutionLog, error) {
	m, err := d.rules.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule, err := Compile(d.registry, m)
	if err != nil {
		return nil, err
	}

	tc := TriggerContext{EntityKind: rule.EntityKind, Values: cloneMap(values), MatchedAt: d.clock.Now()}
	if entityID, ok := tc.Uint("entityId", "entity_id"); ok && rule.EntityKind != "" {
		tc.EntityID = entityID
	} else if rule.EntityKind == EntityTask {
		tc.EntityID, _ = tc.TaskID()
	}
	if tc.EntityID != 0 {
		ent, err := d.entities.GetEntity(ctx, rule.EntityKind, tc.EntityID)
		switch {
		case err == nil:
			tc.Fields = ent.Fields
		case errors.Is(err, ErrEntityNotFound):
		default:
			return nil, fmt.Errorf("%w: load %s %d: %v", ErrTransientIO, rule.EntityKind, tc.EntityID, err)
		}
	}

	var entry *models.ExecutionLog
	done, err := d.submit(ctx, rule, tc, actor, func(e *models.ExecutionLog) { entry = e })
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
		return entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// schedule runs an execution now or arms its delay timer. The returned
// channel is nil for delayed executions.
func (d *Dispatcher) schedule(ctx context.Context, rule *Rule, tc TriggerContext, actor Actor, onDone func(*models.ExecutionLog)) <-chan struct{} {
	if rule.Delay <= 0 {
		done, _ := d.submit(ctx, rule, tc, actor, onDone)
		return done
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		entry := d.newLog(rule.ID, rule.Name, rule.ActionKind, tc, actor)
		d.finish(entry, models.ExecutionStatusError, msgShutdownCancelled)
		if onDone != nil {
			onDone(entry)
		}
		return nil
	}
	d.seq++
	p := &pendingRun{
		key:        fmt.Sprintf("%s/%d", rule.ID, d.seq),
		ruleID:     rule.ID,
		ruleName:   rule.Name,
		actionKind: rule.ActionKind,
		tc:         tc.Clone(),
		actor:      actor,
		dueAt:      d.clock.Now().Add(rule.Delay),
		onDone:     onDone,
	}
	p.timer = d.clock.AfterFunc(rule.Delay, func() { d.fire(p) })
	d.pending[p.key] = p
	d.mu.Unlock()

	d.metrics.pendingAdd(1)
	d.logger.WithFields(logrus.Fields{
		"rule_id": rule.ID,
		"delay":   rule.Delay.String(),
		"due_at":  p.dueAt,
	}).Debug("automation execution delayed")
	return nil
}

// fire runs when a delay elapses. The rule is reloaded so edits, disables
// and deletes made during the delay are honoured.
func (d *Dispatcher) fire(p *pendingRun) {
	d.mu.Lock()
	if _, ok := d.pending[p.key]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, p.key)
	d.mu.Unlock()
	d.metrics.pendingAdd(-1)

	ctx := d.baseCtx
	skip := func(status, msg string) {
		entry := d.newLog(p.ruleID, p.ruleName, p.actionKind, p.tc, p.actor)
		d.finish(entry, status, msg)
		if p.onDone != nil {
			p.onDone(entry)
		}
	}

	m, err := d.rules.GetRule(ctx, p.ruleID)
	switch {
	case errors.Is(err, ErrRuleNotFound):
		skip(models.ExecutionStatusOK, "skipped: rule deleted before delay elapsed")
		return
	case err != nil:
		skip(models.ExecutionStatusError, fmt.Sprintf("%s: reload rule: %v", ErrTransientIO, err))
		return
	case !m.Enabled:
		skip(models.ExecutionStatusOK, "skipped: rule disabled before delay elapsed")
		return
	}

	rule := d.compile(ctx, m)
	if rule == nil {
		if p.onDone != nil {
			p.onDone(nil)
		}
		return
	}

	tc := p.tc
	if d.revalidate && rule.EntityKind != "" && tc.EntityID != 0 {
		ent, err := d.entities.GetEntity(ctx, rule.EntityKind, tc.EntityID)
		switch {
		case errors.Is(err, ErrEntityNotFound):
			skip(models.ExecutionStatusOK, msgConditionGone+": entity deleted")
			return
		case err != nil:
			skip(models.ExecutionStatusError, fmt.Sprintf("%s: revalidate: %v", ErrTransientIO, err))
			return
		case !rule.Condition.Matches(ent.Fields, d.clock.Now()):
			skip(models.ExecutionStatusOK, msgConditionGone)
			return
		}
		tc.Fields = ent.Fields
	}

	d.submit(ctx, rule, tc, p.actor, p.onDone)
}

// submit queues an execution. A rejected submission still writes its log row.
func (d *Dispatcher) submit(ctx context.Context, rule *Rule, tc TriggerContext, actor Actor, onDone func(*models.ExecutionLog)) (<-chan struct{}, error) {
	done, err := d.pool.Submit(ctx, func() {
		entry := d.execute(rule, tc, actor)
		if onDone != nil {
			onDone(entry)
		}
	})
	if err != nil {
		entry := d.newLog(rule.ID, rule.Name, rule.ActionKind, tc, actor)
		d.finish(entry, models.ExecutionStatusError, "dispatch rejected: "+err.Error())
		if onDone != nil {
			onDone(entry)
		}
		return nil, err
	}
	return done, nil
}

func (d *Dispatcher) execute(rule *Rule, tc TriggerContext, actor Actor) *models.ExecutionLog {
	start := d.clock.Now()
	ctx, cancel := context.WithTimeout(d.baseCtx, d.execTimeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "automation.execute", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.String("rule.name", rule.Name),
		attribute.String("action.kind", string(rule.ActionKind)),
		attribute.String("actor", string(actor)),
	))
	defer span.End()

	res, err := d.invoke(ctx, rule, tc, actor)

	entry := d.newLog(rule.ID, rule.Name, rule.ActionKind, tc, actor)
	entry.ExecutedAt = start
	status, msg := models.ExecutionStatusOK, res.Message
	switch {
	case err != nil:
		status, msg = models.ExecutionStatusError, err.Error()
	case !res.OK:
		status = models.ExecutionStatusError
		if msg == "" {
			msg = "action reported failure"
		}
	}
	if status != models.ExecutionStatusOK {
		span.RecordError(errors.New(msg))
		span.SetStatus(codes.Error, msg)
	}
	entry.DurationMS = d.clock.Since(start).Milliseconds()
	d.finish(entry, status, msg)

	if status == models.ExecutionStatusOK {
		wctx, wcancel := context.WithTimeout(context.Background(), logWriteTimeout)
		if _, err := d.rules.MarkRun(wctx, rule.ID, start); err != nil {
			d.logger.WithField("rule_id", rule.ID).WithError(err).Warn("failed to update last_run_at")
		}
		wcancel()
	}
	d.metrics.observeExecution(rule.ActionKind, status, d.clock.Since(start))
	return entry
}

type invokeResult struct {
	res Result
	err error
}

// invoke calls the handler on its own goroutine so a handler that ignores
// its context still gives the worker back at the deadline. Such a handler
// keeps running detached after the attempt is logged as an error; the
// built-in handlers check ctx before every write so they never mutate after
// that point, custom handlers must do the same.
func (d *Dispatcher) invoke(ctx context.Context, rule *Rule, tc TriggerContext, actor Actor) (Result, error) {
	out := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithFields(logrus.Fields{
					"rule_id": rule.ID,
					"action":  rule.ActionKind,
					"panic":   r,
				}).Errorf("automation action panicked\n%s", debug.Stack())
				out <- invokeResult{err: fmt.Errorf("panic in %s action: %v", rule.ActionKind, r)}
			}
		}()
		res, err := d.registry.Dispatch(ctx, rule.ActionKind, Invocation{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Channel:  rule.Channel,
			Context:  tc,
			Config:   rule.Config,
			Actor:    actor,
		})
		out <- invokeResult{res: res, err: err}
	}()

	select {
	case r := <-out:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %s action did not finish: %v", ErrTransientIO, rule.ActionKind, ctx.Err())
	}
}

func (d *Dispatcher) newLog(ruleID, ruleName string, kind ActionKind, tc TriggerContext, actor Actor) *models.ExecutionLog {
	return &models.ExecutionLog{
		RuleID:     ruleID,
		RuleName:   ruleName,
		ActionKind: string(kind),
		Context:    tc.JSON(),
		Actor:      string(actor),
		EntityKind: string(tc.EntityKind),
		EntityID:   tc.EntityID,
		ExecutedAt: d.clock.Now(),
	}
}

func (d *Dispatcher) finish(entry *models.ExecutionLog, status, msg string) {
	entry.Status = status
	entry.Message = msg
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()

	fields := logrus.Fields{
		"rule_id": entry.RuleID,
		"action":  entry.ActionKind,
		"status":  status,
		"actor":   entry.Actor,
	}
	if err := d.logs.AppendLog(ctx, entry); err != nil {
		d.logger.WithFields(fields).WithError(err).Error("failed to write execution log")
		return
	}
	if status == models.ExecutionStatusOK {
		d.logger.WithFields(fields).Info(msg)
	} else {
		d.logger.WithFields(fields).Warn(msg)
	}
}

// compile returns the typed rule, reusing the cached form while UpdatedAt
// is unchanged. A rule that no longer compiles is disabled and logged once.
func (d *Dispatcher) compile(ctx context.Context, m *models.AutomationRule) *Rule {
	d.mu.Lock()
	c, ok := d.compiled[m.ID]
	d.mu.Unlock()
	if ok && c.updatedAt.Equal(m.UpdatedAt) {
		r := *c.rule
		r.Enabled = m.Enabled
		r.LastRunAt = m.LastRunAt
		return &r
	}

	rule, err := Compile(d.registry, m)
	if err != nil {
		d.flag(ctx, m, err)
		return nil
	}
	d.mu.Lock()
	d.compiled[m.ID] = compiledRule{updatedAt: m.UpdatedAt, rule: rule}
	d.mu.Unlock()
	r := *rule
	return &r
}

func (d *Dispatcher) flag(ctx context.Context, m *models.AutomationRule, cause error) {
	d.mu.Lock()
	if at, ok := d.flagged[m.ID]; ok && at.Equal(m.UpdatedAt) {
		d.mu.Unlock()
		return
	}
	d.flagged[m.ID] = m.UpdatedAt
	d.mu.Unlock()

	entry := d.newLog(m.ID, m.Name, ActionKind(m.ActionKind), TriggerContext{MatchedAt: d.clock.Now()}, actorEngine)
	d.finish(entry, models.ExecutionStatusError, cause.Error()+" (rule disabled)")
	if err := d.rules.Disable(ctx, m.ID); err != nil {
		d.logger.WithField("rule_id", m.ID).WithError(err).Error("failed to disable unexecutable rule")
	}
}

func (d *Dispatcher) latch(ruleID string, entityID uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.latches[ruleID]
	if !ok {
		set = make(map[uint]struct{})
		d.latches[ruleID] = set
	}
	if _, held := set[entityID]; held {
		return false
	}
	set[entityID] = struct{}{}
	return true
}

func (d *Dispatcher) unlatch(ruleID string, entityID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.latches[ruleID], entityID)
}

func (d *Dispatcher) releaseExcept(ruleID string, keep map[uint]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.latches[ruleID] {
		if _, ok := keep[id]; !ok {
			delete(d.latches[ruleID], id)
		}
	}
}

func (d *Dispatcher) pruneLatches(active map[string]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.latches {
		if _, ok := active[id]; !ok {
			delete(d.latches, id)
		}
	}
}

// Latched reports whether (ruleID, entityID) is currently latched.
func (d *Dispatcher) Latched(ruleID string, entityID uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.latches[ruleID][entityID]
	return ok
}

// OnRuleChanged forgets latches and the compiled form of a rule that was
// edited, toggled or deleted.
func (d *Dispatcher) OnRuleChanged(ruleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.latches, ruleID)
	delete(d.compiled, ruleID)
	delete(d.flagged, ruleID)
}

// Pending returns the number of armed delay timers.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Wait blocks until every queued execution has finished. Armed delay
// timers are not waited for.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}

// CancelPending stops every armed delay timer and records each as a
// cancelled execution. Delays scheduled afterwards are cancelled at once.
func (d *Dispatcher) CancelPending() int {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*pendingRun)
	d.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		d.metrics.pendingAdd(-1)
		entry := d.newLog(p.ruleID, p.ruleName, p.actionKind, p.tc, p.actor)
		d.finish(entry, models.ExecutionStatusError, msgShutdownCancelled)
		if p.onDone != nil {
			p.onDone(entry)
		}
	}
	return len(pending)
}

// Close aborts executions still running after the pool drain deadline.
func (d *Dispatcher) Close() {
	d.cancelBase()
}
