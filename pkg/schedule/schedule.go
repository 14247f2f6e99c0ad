// Package schedule runs a function on a fixed interval with an explicit
// start/stop lifecycle. Tasks can also be fired manually, which lets tests
// drive periodic work deterministically instead of waiting on the ticker.
package schedule

import (
	"sync"
	"time"
)

// Task invokes fn every interval until stopped.
type Task struct {
	interval time.Duration
	fn       func()
	fire     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Every starts a task running fn on the given interval.
func Every(interval time.Duration, fn func()) *Task {
	t := &Task{
		interval: interval,
		fn:       fn,
		fire:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// Fire schedules an immediate run of the task's function on the task's own
// goroutine. Requests arriving while a run is pending are coalesced.
func (t *Task) Fire() {
	select {
	case t.fire <- struct{}{}:
	default:
	}
}

// Stop halts the ticker and waits for any in-progress run to finish. It is
// safe to call more than once.
func (t *Task) Stop() {
	t.once.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *Task) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.fn()
		case <-t.fire:
			t.fn()
		case <-t.stop:
			return
		}
	}
}
