package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// worker is one tracked matching task.
type worker struct {
	id      int
	started time.Time
	done    chan struct{}
}

func (w *worker) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Tracker runs matching tasks with a cap on how many run at once and keeps a
// handle to each so shutdown can wait for them.
type Tracker struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	nextID  int
	workers []*worker
}

// NewTracker allows at most max concurrent tasks.
func NewTracker(max int) *Tracker {
	if max < 1 {
		max = 1
	}
	return &Tracker{sem: semaphore.NewWeighted(int64(max))}
}

// Go runs fn on a new goroutine, blocking while the cap is reached. It returns
// ctx's error if ctx ends first, in which case fn never runs.
func (t *Tracker) Go(ctx context.Context, fn func()) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	t.mu.Lock()
	w := &worker{id: t.nextID, started: time.Now(), done: make(chan struct{})}
	t.nextID++
	t.workers = append(t.workers, w)
	t.mu.Unlock()

	go func() {
		defer t.sem.Release(1)
		defer close(w.done)
		fn()
	}()
	return nil
}

// Active returns the number of tasks still running.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, w := range t.workers {
		if !w.finished() {
			n++
		}
	}
	return n
}

// Cleanup forgets finished tasks and returns how many were removed.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.workers[:0]
	for _, w := range t.workers {
		if !w.finished() {
			kept = append(kept, w)
		}
	}
	removed := len(t.workers) - len(kept)
	for i := len(kept); i < len(t.workers); i++ {
		t.workers[i] = nil
	}
	t.workers = kept
	return removed
}

// Join waits for every tracked task in start order, giving each at most timeout.
// It returns the ids of tasks that were still running when their wait expired.
func (t *Tracker) Join(timeout time.Duration) []int {
	t.mu.Lock()
	workers := append([]*worker(nil), t.workers...)
	t.mu.Unlock()

	var unjoined []int
	for _, w := range workers {
		timer := time.NewTimer(timeout)
		select {
		case <-w.done:
		case <-timer.C:
			unjoined = append(unjoined, w.id)
		}
		timer.Stop()
	}
	return unjoined
}
