package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Dispatch after Shutdown.
var ErrPoolClosed = errors.New("dispatch pool closed")

// Pool is an in-process dispatcher: a buffered queue drained by a fixed number of goroutines.
type Pool struct {
	queue   chan Task
	handler Handler
	workers int
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers, queueSize int, handler Handler, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   make(chan Task, queueSize),
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Dispatch blocks while the queue is full, unless ctx ends first.
func (p *Pool) Dispatch(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("dispatch worker started", "worker", id)
	for t := range p.queue {
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task handler panic", "worker", id, "job_id", t.JobID, "panic", r)
		}
	}()
	// Tasks are not cancelled once started.
	if err := p.handler(context.Background(), t); err != nil {
		p.logger.Warn("task handler returned error", "worker", id, "job_id", t.JobID, "err", err)
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
