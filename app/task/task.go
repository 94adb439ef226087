// Package task runs long operations on their own goroutines and streams
// ordered progress events back to the submitter. Every task ends in exactly
// one terminal state; after that the event stream is closed and nothing else
// is ever delivered on it.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Level classifies a progress event.
type Level string

// progress event levels
const (
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
)

// Event is one timestamped progress message. Events are delivered in the
// order they were reported.
type Event struct {
	Time    time.Time
	Level   Level
	Message string
}

// State is the lifecycle state of a task.
type State string

// task states, exactly one terminal state per task
const (
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// Fn is the operation body. It gets a cancellable context and a Progress to
// report through; returning context.Canceled (usually via ctx.Err()) makes
// the terminal state Cancelled instead of Failed.
type Fn[T any] func(ctx context.Context, p Progress) (T, error)

// reporter lets the non-generic Progress feed events into a generic Task
type reporter interface {
	enqueue(ev Event)
}

// Progress reports step-by-step events from inside a running operation.
type Progress struct {
	r reporter
}

// Report emits one progress event at the given level.
func (p Progress) Report(level Level, format string, args ...any) {
	p.r.enqueue(Event{Time: time.Now(), Level: level, Message: fmt.Sprintf(format, args...)})
}

// Infof reports an info level event.
func (p Progress) Infof(format string, args ...any) { p.Report(Info, format, args...) }

// Warnf reports a warning level event.
func (p Progress) Warnf(format string, args ...any) { p.Report(Warning, format, args...) }

// Errorf reports an error level event.
func (p Progress) Errorf(format string, args ...any) { p.Report(Error, format, args...) }

// Task is the handle for one submitted operation. The submitter consumes
// Events until the channel closes, then reads the outcome; Wait does both in
// one call for callers not interested in the stream.
type Task[T any] struct {
	name   string
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
	wake   chan struct{}

	mu       sync.Mutex
	queue    []Event
	finished bool
	state    State
	result   T
	err      error
}

// Start runs fn on its own goroutine and returns the handle immediately.
// The operation gets a context derived from ctx, so cancelling the parent
// cancels the task too.
func Start[T any](ctx context.Context, name string, fn Fn[T]) *Task[T] {
	tctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		name:   name,
		cancel: cancel,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		state:  Running,
	}
	go t.dispatch()
	go t.run(tctx, fn)
	return t
}

// run executes fn and records the terminal outcome
func (t *Task[T]) run(ctx context.Context, fn Fn[T]) {
	defer t.cancel()

	res, err := fn(ctx, Progress{r: t})

	t.mu.Lock()
	t.result, t.err = res, err
	switch {
	case err == nil:
		t.state = Succeeded
	case errors.Is(err, context.Canceled):
		t.state = Cancelled
	default:
		t.state = Failed
	}
	t.finished = true
	t.mu.Unlock()

	switch {
	case err == nil:
		log.Printf("[DEBUG] task %q completed", t.name)
	case errors.Is(err, context.Canceled):
		log.Printf("[INFO] task %q cancelled", t.name)
	default:
		log.Printf("[WARN] task %q failed: %v", t.name, err)
	}

	t.signal()
	close(t.done)
}

// enqueue accepts an event for delivery, keeping reported order. Events
// reported after the terminal outcome are dropped.
func (t *Task[T]) enqueue(ev Event) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		log.Printf("[WARN] task %q reported after completion, dropped: %s", t.name, ev.Message)
		return
	}
	t.queue = append(t.queue, ev)
	t.mu.Unlock()
	t.signal()
}

func (t *Task[T]) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single sender on the events channel. It drains the queue
// in order and closes the channel once the task finished and everything
// reported before that is delivered.
func (t *Task[T]) dispatch() {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			ev := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			t.events <- ev
			continue
		}
		fin := t.finished
		t.mu.Unlock()

		if fin {
			close(t.events)
			return
		}
		<-t.wake
	}
}

// Name returns the task name used in logs and events.
func (t *Task[T]) Name() string { return t.name }

// Events returns the progress stream. It is closed after the terminal
// outcome is recorded and every prior event was delivered. The caller is
// expected to drain it (directly or through Wait).
func (t *Task[T]) Events() <-chan Event { return t.events }

// Done is closed once the terminal outcome is recorded.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Cancel asks the operation to stop. Cancellation is cooperative: the
// operation notices through its context, never mid-write.
func (t *Task[T]) Cancel() { t.cancel() }

// State returns the current lifecycle state.
func (t *Task[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the outcome. Valid once Done is closed; before that it
// reports a running error.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finished {
		var zero T
		return zero, fmt.Errorf("task %q still running", t.name)
	}
	return t.result, t.err
}

// Wait drains the event stream and returns the outcome. It unblocks early
// when the passed ctx is done, leaving the task itself running.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	for {
		select {
		case _, ok := <-t.events:
			if !ok {
				return t.Result()
			}
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
