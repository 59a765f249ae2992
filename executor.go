package saga

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor decides where a step action runs.
type Executor interface {
	// ShouldRun returns true if actions must be marshaled through Run
	// instead of being called inline by the driver.
	ShouldRun() bool

	// Run executes action to completion and returns its error. A panic
	// inside action is returned as a *PanicError.
	Run(ctx context.Context, action func(ctx context.Context) error) error
}

// InlineExecutor runs actions on the caller's goroutine.
type InlineExecutor struct{}

// Inline is the default executor.
var Inline Executor = InlineExecutor{}

// ShouldRun returns false: the driver calls actions directly.
func (InlineExecutor) ShouldRun() bool { return false }

// Run calls action inline.
func (InlineExecutor) Run(ctx context.Context, action func(ctx context.Context) error) error {
	return runCaptured(ctx, action)
}

// runCaptured calls action and converts a panic into an error.
func runCaptured(ctx context.Context, action func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(r)
		}
	}()
	return action(ctx)
}

type dedicatedJob struct {
	ctx    context.Context
	action func(ctx context.Context) error
	done   chan error
}

// DedicatedExecutor marshals every action onto one goroutine it owns, so
// all actions routed through it share a single execution context.
type DedicatedExecutor struct {
	jobs chan dedicatedJob
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDedicatedExecutor starts the executor goroutine. Call Close to stop it.
func NewDedicatedExecutor() *DedicatedExecutor {
	e := &DedicatedExecutor{
		jobs: make(chan dedicatedJob),
		quit: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *DedicatedExecutor) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case job := <-e.jobs:
			job.done <- runCaptured(job.ctx, job.action)
		}
	}
}

// ShouldRun returns true.
func (e *DedicatedExecutor) ShouldRun() bool { return true }

// Run hands action to the executor goroutine and waits for it. If ctx ends
// before the goroutine picks the action up, the action never runs. Once
// started, the action is always awaited.
func (e *DedicatedExecutor) Run(ctx context.Context, action func(ctx context.Context) error) error {
	job := dedicatedJob{ctx: ctx, action: action, done: make(chan error, 1)}
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrExecutorClosed
	}
	return <-job.done
}

// Close stops the executor goroutine and waits for the running action.
func (e *DedicatedExecutor) Close() {
	e.once.Do(func() { close(e.quit) })
	e.wg.Wait()
}

// BoundedExecutor runs actions on the caller's goroutine but admits at most
// a fixed number at a time. Share one between transactions to cap load on a
// common dependency.
type BoundedExecutor struct {
	sem *semaphore.Weighted
}

// NewBoundedExecutor admits up to limit concurrent actions.
func NewBoundedExecutor(limit int64) *BoundedExecutor {
	if limit < 1 {
		limit = 1
	}
	return &BoundedExecutor{sem: semaphore.NewWeighted(limit)}
}

// ShouldRun returns true.
func (e *BoundedExecutor) ShouldRun() bool { return true }

// Run waits for a slot, then calls action.
func (e *BoundedExecutor) Run(ctx context.Context, action func(ctx context.Context) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return runCaptured(ctx, action)
}

var (
	_ Executor = InlineExecutor{}
	_ Executor = (*DedicatedExecutor)(nil)
	_ Executor = (*BoundedExecutor)(nil)
)
