package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Config holds configuration for an OrderedPool.
type Config struct {
	// Workers is the number of tasks that may run at once.
	Workers int
	// QueueSize bounds the number of waiting tasks. 0 means unbounded.
	QueueSize int
	Logger    *zap.Logger
	// OnPanic is called on the worker after a task panics.
	OnPanic func(task Task, recovered any)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must be >= 0, got %d", c.QueueSize)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Workers == 0 {
		c.Workers = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type keyState struct {
	pending []Task
}

// OrderedPool is a fixed-size worker pool with per-ordering-key FIFO queues.
type OrderedPool struct {
	config Config
	log    *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	ready   []Task
	keys    map[string]*keyState
	waiting int
	running int
	started bool
	stopped bool

	wg sync.WaitGroup
}

var _ Scheduler = (*OrderedPool)(nil)

// NewOrderedPool creates a pool. Call Start before scheduling.
func NewOrderedPool(config Config) (*OrderedPool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	config.SetDefaults()

	p := &OrderedPool{
		config: config,
		log:    config.Logger.Named("dispatch"),
		keys:   make(map[string]*keyState),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Start launches the workers.
func (p *OrderedPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return nil
}

// Schedule queues a task. A task whose key is held waits behind it.
func (p *OrderedPool) Schedule(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped:
		return ErrStopped
	case !p.started:
		return ErrNotStarted
	case p.config.QueueSize > 0 && p.waiting >= p.config.QueueSize:
		return ErrQueueFull
	}
	p.waiting++

	if task.Key == "" {
		p.ready = append(p.ready, task)
		p.cond.Signal()
		return nil
	}

	if ks, held := p.keys[task.Key]; held {
		ks.pending = append(ks.pending, task)
		return nil
	}
	p.keys[task.Key] = &keyState{}
	p.ready = append(p.ready, task)
	p.cond.Signal()
	return nil
}

// Complete releases the key held by task and readies the next task queued
// behind it, if any.
func (p *OrderedPool) Complete(task Task) {
	if task.Key == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ks, held := p.keys[task.Key]
	if !held {
		return
	}
	if len(ks.pending) == 0 {
		delete(p.keys, task.Key)
		return
	}
	if p.stopped {
		return
	}
	next := ks.pending[0]
	ks.pending = ks.pending[1:]
	p.ready = append(p.ready, next)
	p.cond.Signal()
}

// Stop refuses new tasks and returns those that never started: the ready
// queue first, then each key's backlog in order.
func (p *OrderedPool) Stop() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	leftover := append([]Task(nil), p.ready...)
	for _, ks := range p.keys {
		leftover = append(leftover, ks.pending...)
	}
	p.ready = nil
	p.keys = make(map[string]*keyState)
	p.waiting = 0
	p.cond.Broadcast()
	return leftover
}

// Wait blocks until the workers have exited or ctx ends.
func (p *OrderedPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.log.Warn("stopped waiting for running tasks", zap.Int("running", p.Running()))
		return ctx.Err()
	}
}

// Running returns the number of tasks inside Run.
func (p *OrderedPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Queued returns the number of tasks waiting to start.
func (p *OrderedPool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

func (p *OrderedPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		task := p.ready[0]
		p.ready = p.ready[1:]
		p.waiting--
		p.running++
		p.mu.Unlock()

		p.run(ctx, task)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}

func (p *OrderedPool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panic recovered",
				zap.String("task", task.ID),
				zap.String("ordering_key", task.Key),
				zap.Any("panic", r))
			if p.config.OnPanic != nil {
				p.config.OnPanic(task, r)
			}
		}
	}()
	task.Run(ctx)
}
