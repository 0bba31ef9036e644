package ingest

import (
	"sync"
	"time"
)

// Debouncer arms a single-slot timer per tenant. Scheduling again before the
// timer fires replaces the pending fire (last write wins). A per-tenant
// sequence number discards fires that lost a race with a cancel or a
// reschedule, so a canceled rebuild either never runs or runs whole.
type Debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	seq    map[string]uint64
	timers map[string]*time.Timer
	fire   func(tenantID string)
}

func NewDebouncer(delay time.Duration, fire func(tenantID string)) *Debouncer {
	return &Debouncer{
		delay:  delay,
		seq:    make(map[string]uint64),
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// Schedule (re)arms the tenant's timer for the configured delay.
func (d *Debouncer) Schedule(tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq[tenantID]++
	seq := d.seq[tenantID]

	if timer, ok := d.timers[tenantID]; ok {
		timer.Stop()
	}
	d.timers[tenantID] = time.AfterFunc(d.delay, func() {
		d.onFire(tenantID, seq)
	})
}

// Cancel drops the tenant's pending fire, if any.
func (d *Debouncer) Cancel(tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq[tenantID]++
	if timer, ok := d.timers[tenantID]; ok {
		timer.Stop()
		delete(d.timers, tenantID)
	}
}

func (d *Debouncer) onFire(tenantID string, seq uint64) {
	d.mu.Lock()
	if d.seq[tenantID] != seq {
		// A newer schedule or a cancel superseded this fire
		d.mu.Unlock()
		return
	}
	delete(d.timers, tenantID)
	d.mu.Unlock()

	d.fire(tenantID)
}
