package dispatch

import (
	"context"
	"errors"
	"sync"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")
var ErrWrongDispatcher = errors.New("operation invoked outside its owning dispatcher")

type ctxKey struct{}

// Dispatcher is a serial task queue owned by a single entity. All state owned
// by the entity must only be touched from functions running on its queue.
type Dispatcher struct {
	name  string
	tasks chan *task

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// NewDispatcher creates a dispatcher and starts its worker goroutine.
func NewDispatcher(name string) *Dispatcher {
	d := &Dispatcher{
		name:  name,
		tasks: make(chan *task, 64),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for t := range d.tasks {
		ctx := context.WithValue(context.Background(), ctxKey{}, d)
		t.fn(ctx)
		close(t.done)
	}
}

// Name returns the dispatcher's name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Invoke runs fn on the dispatcher queue and waits for it to finish. The
// context passed to fn carries the dispatcher identity for VerifyAccess.
// If Invoke is called from within fn already running on this dispatcher the
// function is executed inline to avoid deadlocking the single queue.
func (d *Dispatcher) Invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if Current(ctx) == d {
		return fn(ctx)
	}

	var err error
	t := &task{
		done: make(chan struct{}),
		fn: func(taskCtx context.Context) {
			err = fn(taskCtx)
		},
	}

	if enqueueErr := d.enqueue(t); enqueueErr != nil {
		return enqueueErr
	}

	select {
	case <-t.done:
		return err
	case <-ctx.Done():
		// The task still runs to completion on the queue; the caller just
		// stops waiting for it.
		return ctx.Err()
	}
}

// InvokeAsync queues fn without waiting for it.
func (d *Dispatcher) InvokeAsync(fn func(ctx context.Context)) error {
	t := &task{
		done: make(chan struct{}),
		fn:   fn,
	}
	return d.enqueue(t)
}

func (d *Dispatcher) enqueue(t *task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	d.tasks <- t
	return nil
}

// VerifyAccess fails unless ctx carries this dispatcher's identity, i.e. the
// caller is running on this dispatcher's queue.
func (d *Dispatcher) VerifyAccess(ctx context.Context) error {
	if Current(ctx) != d {
		return ErrWrongDispatcher
	}
	return nil
}

// Current returns the dispatcher the context is executing on, or nil.
func Current(ctx context.Context) *Dispatcher {
	d, _ := ctx.Value(ctxKey{}).(*Dispatcher)
	return d
}

// Close drains the queue and stops the worker. Queued tasks still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()

	d.wg.Wait()
}

// Invoke runs fn on the dispatcher and returns its result. Free function
// because methods cannot have type parameters.
func Invoke[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := d.Invoke(ctx, func(taskCtx context.Context) error {
		var fnErr error
		result, fnErr = fn(taskCtx)
		return fnErr
	})
	return result, err
}
