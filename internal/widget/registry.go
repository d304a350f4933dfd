package widget

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/chambrid/storylink/pkg/store"
)

// Registry keeps one mounted widget per ticket. Widgets idle for longer than
// Options.IdleTimeout are unmounted.
type Registry struct {
	deps  Deps
	opts  Options
	log   logr.Logger
	group singleflight.Group
	now   func() time.Time

	mu      sync.RWMutex
	widgets map[string]*mounted
}

type mounted struct {
	widget *Widget
	used   time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(d Deps, opts Options, log logr.Logger) *Registry {
	return &Registry{
		deps:    d,
		opts:    opts,
		log:     log,
		now:     time.Now,
		widgets: make(map[string]*mounted),
	}
}

// Get returns the ticket's widget, mounting it on first use. Concurrent
// callers for the same ticket share one mount. A widget that failed to mount
// is not kept. The non-empty context fields of ticket are merged into an
// already mounted widget.
func (r *Registry) Get(ctx context.Context, ticket store.TicketContext) (*Widget, error) {
	if ticket.TicketID == "" {
		return nil, fmt.Errorf("ticket id is required")
	}
	r.EvictIdle()

	w, ok := r.touch(ticket.TicketID)
	if !ok {
		v, err, _ := r.group.Do(ticket.TicketID, func() (any, error) {
			if w, ok := r.touch(ticket.TicketID); ok {
				return w, nil
			}
			// the mount is shared, so one caller giving up must not fail the others
			w := New(ticket, r.deps, r.opts, r.log)
			if err := w.Mount(context.WithoutCancel(ctx)); err != nil {
				w.Close()
				return nil, err
			}
			r.mu.Lock()
			r.widgets[ticket.TicketID] = &mounted{widget: w, used: r.now()}
			r.mu.Unlock()
			return w, nil
		})
		if err != nil {
			return nil, err
		}
		w = v.(*Widget)
	}
	w.UpdateContext(ticket)
	return w, nil
}

// touch returns the ticket's widget and marks it used
func (r *Registry) touch(ticketID string) (*Widget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.widgets[ticketID]
	if !ok {
		return nil, false
	}
	m.used = r.now()
	return m.widget, true
}

// Lookup returns the ticket's widget if it is mounted
func (r *Registry) Lookup(ticketID string) (*Widget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.widgets[ticketID]
	if !ok {
		return nil, false
	}
	return m.widget, true
}

// Tickets returns the ids of the tickets with a mounted widget
func (r *Registry) Tickets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.widgets))
	for id := range r.widgets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EvictIdle unmounts the widgets not used within the idle timeout and returns
// how many were unmounted
func (r *Registry) EvictIdle() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	var idle []*Widget
	for id, m := range r.widgets {
		if m.used.Before(cutoff) {
			idle = append(idle, m.widget)
			delete(r.widgets, id)
		}
	}
	r.mu.Unlock()

	for _, w := range idle {
		w.Close()
		r.log.WithName("registry").V(1).Info("Unmounted idle widget", "ticket", w.ticketID)
	}
	return len(idle)
}

// Sweep runs EvictIdle every interval until ctx is done
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	if r.opts.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// Unmount closes and forgets the ticket's widget
func (r *Registry) Unmount(ticketID string) bool {
	r.mu.Lock()
	m, ok := r.widgets[ticketID]
	delete(r.widgets, ticketID)
	r.mu.Unlock()
	if ok {
		m.widget.Close()
	}
	return ok
}

// Close unmounts every widget
func (r *Registry) Close() {
	for _, id := range r.Tickets() {
		r.Unmount(id)
	}
}
