package automation

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool runs action executions on a fixed number of workers fed by a
// bounded queue. Submit blocks while the queue is full.
type Pool struct {
	jobs   chan func()
	quit   chan struct{}
	logger *logrus.Logger

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	workers sync.WaitGroup
	pending sync.WaitGroup
}

// NewPool starts workers goroutines reading from a queue of queueSize.
func NewPool(workers, queueSize int, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = logrus.New()
	}
	p := &Pool{
		jobs:   make(chan func(), queueSize),
		quit:   make(chan struct{}),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job func()) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("automation worker recovered from panic")
		}
	}()
	job()
}

// Submit enqueues job. The returned channel closes once the job finished.
func (p *Pool) Submit(ctx context.Context, job func()) (<-chan struct{}, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		job()
	}
	p.pending.Add(1)
	select {
	case p.jobs <- wrapped:
		return done, nil
	case <-p.quit:
		p.pending.Done()
		return nil, ErrPoolClosed
	case <-ctx.Done():
		p.pending.Done()
		return nil, ctx.Err()
	}
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Close stops accepting work and waits for queued and running jobs to
// drain, or for ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
