package automation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// SchedulerState is Idle between ticks and Ticking while one is processed.
type SchedulerState int32

const (
	StateIdle SchedulerState = iota
	StateTicking
)

func (s SchedulerState) String() string {
	if s == StateTicking {
		return "ticking"
	}
	return "idle"
}

// TickFunc processes one tick.
type TickFunc func(ctx context.Context, now time.Time)

// Scheduler emits ticks at a fixed interval. Ticks never overlap: if the
// previous one is still running the next is coalesced into a single
// pending tick.
type Scheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	logger   *logrus.Logger
	metrics  *Metrics

	ticks  chan time.Time
	state  atomic.Int32
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	onTick TickFunc
}

// NewScheduler builds a scheduler that calls fn for each tick.
func NewScheduler(clock clockwork.Clock, interval time.Duration, fn TickFunc, logger *logrus.Logger, metrics *Metrics) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		clock:    clock,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		ticks:    make(chan time.Time, 1),
		stop:     make(chan struct{}),
		onTick:   fn,
	}
}

// Start launches the ticker and the tick consumer.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.produce(ctx)
	go s.consume(ctx)
	s.logger.Infof("Automation scheduler started (interval %s)", s.interval)
}

func (s *Scheduler) produce(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case t := <-ticker.Chan():
			select {
			case s.ticks <- t:
			default:
				s.metrics.coalesce()
				s.logger.Debug("automation tick coalesced; previous tick still running")
			}
		}
	}
}

func (s *Scheduler) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case t := <-s.ticks:
			s.state.Store(int32(StateTicking))
			s.onTick(ctx, t)
			s.state.Store(int32(StateIdle))
		}
	}
}

// State reports whether a tick is being processed.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Stop halts the ticker and waits for an in-progress tick to return.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}
