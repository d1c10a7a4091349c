package browser

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionClosed is returned for commands submitted after Close.
var ErrSessionClosed = errors.New("browser session closed")

// commandQueue serializes browser commands. The workflow runner and any
// number of control channels drive the same page; interleaving raw CDP
// input mid-step corrupts both, so everything funnels through one worker.
type commandQueue struct {
	tasks chan queuedTask

	quitOnce sync.Once
	quit     chan struct{}
}

type queuedTask struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

func newCommandQueue(depth int) *commandQueue {
	q := &commandQueue{
		tasks: make(chan queuedTask, depth),
		quit:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *commandQueue) run() {
	for {
		select {
		case t := <-q.tasks:
			q.exec(t)
		case <-q.quit:
			for {
				select {
				case t := <-q.tasks:
					t.reply <- ErrSessionClosed
				default:
					return
				}
			}
		}
	}
}

func (q *commandQueue) exec(t queuedTask) {
	// A command whose deadline passed while queued is skipped, not run.
	if err := t.ctx.Err(); err != nil {
		t.reply <- err
		return
	}
	t.reply <- t.fn(t.ctx)
}

// do submits fn and waits for its result. The context bounds queue wait
// plus execution: a command stuck behind a slow navigation times out
// without ever reaching the page.
func (q *commandQueue) do(ctx context.Context, fn func(ctx context.Context) error) error {
	t := queuedTask{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case q.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return ErrSessionClosed
	}
	select {
	case err := <-t.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return ErrSessionClosed
	}
}

func (q *commandQueue) close() {
	q.quitOnce.Do(func() { close(q.quit) })
}
