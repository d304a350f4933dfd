// Package debounce coalesces bursts of triggers per key. Every trigger bumps
// the key's generation; work started by an older generation can check its
// Token and drop its result instead of applying it.
package debounce

import (
	"context"
	"sync"
	"time"
)

// Func is the debounced work. ctx is the one given to the trigger that won.
type Func func(ctx context.Context, tok Token)

// Token identifies the generation a piece of work was scheduled under
type Token struct {
	Key        string
	Generation uint64
	d          *Debouncer
}

// Current reports whether no newer trigger has arrived for the key
func (t Token) Current() bool {
	if t.d == nil {
		return false
	}
	return t.d.Generation(t.Key) == t.Generation
}

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Debouncer delays work per key until the key has been quiet for delay
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	gens    map[string]uint64
	pending map[string]*pending
	stopped bool
	wg      sync.WaitGroup
}

// New creates a debouncer. A delay <= 0 runs work on the next goroutine
// without waiting, but generations are still tracked.
func New(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		gens:    make(map[string]uint64),
		pending: make(map[string]*pending),
	}
}

// Trigger schedules fn for key, replacing any work for key that has not
// started yet. It returns the generation assigned to this trigger.
func (d *Debouncer) Trigger(ctx context.Context, key string, fn Func) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gens[key]++
	gen := d.gens[key]
	if d.stopped {
		return gen
	}

	if p, ok := d.pending[key]; ok {
		if p.timer.Stop() {
			d.wg.Done()
		}
		delete(d.pending, key)
	}

	tok := Token{Key: key, Generation: gen, d: d}
	p := &pending{gen: gen}
	d.wg.Add(1)
	p.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if cur, ok := d.pending[key]; ok && cur == p {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		fn(ctx, tok)
	})
	d.pending[key] = p
	return gen
}

// Generation returns the latest generation for key
func (d *Debouncer) Generation(key string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gens[key]
}

// Pending reports whether work for key is waiting for its delay to pass
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Wait blocks until all scheduled and running work has finished
func (d *Debouncer) Wait() {
	d.wg.Wait()
}

// Stop drops pending work and refuses new triggers. Running work finishes.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	for key, p := range d.pending {
		if p.timer.Stop() {
			d.wg.Done()
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()
}
