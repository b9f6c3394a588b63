package network

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

// loop is a single-goroutine executor. A node's registry and the queue and
// state of each of its links are only touched from inside tasks run here.
//
// The queue is unbounded so that tasks may post further tasks without
// deadlocking the worker. The worker stays alive while idle until stop
// closes quit.
type loop struct {
	mu    sync.Mutex
	tasks *deque.Deque[func()]
	wake  chan struct{}

	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

func newLoop() *loop {
	return &loop{
		tasks: deque.New[func()](),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// start launches the worker. Only the first call has an effect.
func (l *loop) start() {
	if l.started.CompareAndSwap(false, true) {
		go l.run()
	}
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			select {
			case <-l.quit:
				return
			default:
			}
			fn()
		}
	}
}

func (l *loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks.Len() == 0 {
		return nil, false
	}
	return l.tasks.PopFront(), true
}

// post schedules fn on the worker. It reports false once the loop is
// stopping, in which case fn will never run.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	l.mu.Lock()
	l.tasks.PushBack(fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the worker and waits for it to finish.
func (l *loop) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		fn()
		close(finished)
	}) {
		return ErrNodeStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.quit:
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop abandons pending tasks and joins the worker.
func (l *loop) stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
	})
	if l.started.Load() {
		<-l.done
	}
	l.mu.Lock()
	l.tasks.Clear()
	l.mu.Unlock()
}
