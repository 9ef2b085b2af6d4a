package collaboration

import (
	"time"
)

// DefaultIdleWindow is how long the batcher waits after the last change
// before finalizing the in-progress operation.
const DefaultIdleWindow = 5 * time.Second

// Scheduler runs f once after d. The returned func cancels it.
type Scheduler func(d time.Duration, f func()) (cancel func())

// TimerScheduler schedules on the wall clock.
func TimerScheduler(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// Batcher accumulates changes into the in-progress operation and finalizes
// it after an idle window. A batcher belongs to one event loop: schedule must
// deliver the timer callback on that loop.
type Batcher struct {
	window   time.Duration
	author   string
	schedule Scheduler
	onIdle   func()

	current *Operation
	cancel  func()
	// gen invalidates timer callbacks that were already queued when the
	// timer was cancelled or restarted.
	gen uint64
}

// NewBatcher creates a batcher. onIdle runs when the idle window elapses with
// changes still open; it is expected to call Finalize.
func NewBatcher(window time.Duration, author string, schedule Scheduler, onIdle func()) *Batcher {
	if window <= 0 {
		window = DefaultIdleWindow
	}
	if schedule == nil {
		schedule = TimerScheduler
	}
	return &Batcher{
		window:   window,
		author:   author,
		schedule: schedule,
		onIdle:   onIdle,
		current:  NewOperation(author),
	}
}

// Record appends a change and restarts the idle timer.
func (b *Batcher) Record(c Change) {
	b.current.Add(c)
	b.stopTimer()
	gen := b.gen
	b.cancel = b.schedule(b.window, func() {
		if gen != b.gen || b.current.Len() == 0 {
			return
		}
		b.cancel = nil
		b.onIdle()
	})
}

// Finalize closes the in-progress operation and starts a new one. It returns
// nil when nothing was recorded.
func (b *Batcher) Finalize() *Operation {
	b.stopTimer()
	if b.current.Len() == 0 {
		return nil
	}
	op := b.current
	b.current = NewOperation(b.author)
	return op
}

// Dirty reports whether changes are waiting to be finalized.
func (b *Batcher) Dirty() bool {
	return b.current.Len() > 0
}

// Stop cancels the idle timer without finalizing.
func (b *Batcher) Stop() {
	b.stopTimer()
}

func (b *Batcher) stopTimer() {
	b.gen++
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}
