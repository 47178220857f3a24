package effects

import (
	"sync"
	"time"
)

// Deferred runs at most one pending "do this later" task. Every Schedule or
// Cancel bumps a generation counter; a fired task whose generation is stale
// does nothing.
type Deferred struct {
	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

// Schedule runs now immediately and later after the delay, unless another
// Schedule or Cancel happens first. Both functions run with the scheduler
// lock held and must not call back into the Deferred.
func (d *Deferred) Schedule(now func(), after time.Duration, later func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	g := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	if now != nil {
		now()
	}
	d.timer = time.AfterFunc(after, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.gen != g {
			return
		}
		d.timer = nil
		later()
	})
}

// Cancel invalidates the pending task, if any.
func (d *Deferred) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a task is waiting to fire.
func (d *Deferred) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
