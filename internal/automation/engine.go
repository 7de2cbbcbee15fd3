package automation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Options configure an Engine. Zero values pick defaults.
type Options struct {
	TickInterval     time.Duration
	Workers          int
	QueueSize        int
	ShutdownGrace    time.Duration
	ExecTimeout      time.Duration
	RevalidateOnFire bool
	Clock            clockwork.Clock
	Logger           *logrus.Logger
	Metrics          *Metrics
}

// Engine owns the scheduler, dispatcher and worker pool and runs them as
// one lifecycle.
type Engine struct {
	opts       Options
	pool       *Pool
	dispatcher *Dispatcher
	scheduler  *Scheduler
	logger     *logrus.Logger
	started    atomic.Bool
	stopped    atomic.Bool
}

// NewEngine wires an engine over the given stores and registry.
func NewEngine(rules RuleStore, logs LogStore, entities EntityStore, registry *Registry, opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	pool := NewPool(opts.Workers, opts.QueueSize, opts.Logger)
	d := NewDispatcher(DispatcherDeps{
		Rules:    rules,
		Logs:     logs,
		Entities: entities,
		Registry: registry,
		Pool:     pool,
	}, DispatcherOptions{
		RevalidateOnFire: opts.RevalidateOnFire,
		ExecTimeout:      opts.ExecTimeout,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
		Metrics:          opts.Metrics,
	})

	e := &Engine{opts: opts, pool: pool, dispatcher: d, logger: opts.Logger}
	e.scheduler = NewScheduler(opts.Clock, opts.TickInterval, e.tick, opts.Logger, opts.Metrics)
	return e
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	n, err := e.dispatcher.HandleTick(ctx, now)
	if err != nil {
		e.logger.WithError(err).Warn("automation tick finished with errors")
	}
	if n > 0 {
		e.logger.WithField("matched", n).Debug("automation tick dispatched executions")
	}
}

// Start begins ticking. It is a no-op on a started engine.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrPoolClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.scheduler.Start(ctx)
	return nil
}

// Dispatcher exposes the dispatcher for event ingestion and manual runs.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// State reports the scheduler state.
func (e *Engine) State() SchedulerState { return e.scheduler.State() }

// Running reports whether the engine was started and not yet shut down.
func (e *Engine) Running() bool { return e.started.Load() && !e.stopped.Load() }

// Shutdown stops the scheduler, cancels armed delays, then lets queued
// executions drain within the shutdown grace period.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if e.started.Load() {
		e.scheduler.Stop()
	}

	cancelled := e.dispatcher.CancelPending()
	if cancelled > 0 {
		e.logger.Infof("Cancelled %d delayed automation executions", cancelled)
	}

	graceCtx, cancel := context.WithTimeout(ctx, e.opts.ShutdownGrace)
	defer cancel()
	err := e.pool.Close(graceCtx)
	e.dispatcher.Close()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.logger.Warn("Automation worker pool did not drain before the shutdown deadline")
		return err
	}
	e.logger.Info("Automation engine stopped")
	return err
}
