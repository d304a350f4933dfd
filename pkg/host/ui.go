package host

import (
	"context"
	"sort"
	"sync"
)

// TargetActionItem is one entry of a target action payload
type TargetActionItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Selected bool   `json:"selected"`
}

// TargetAction is an action the host shows outside the widget, e.g. the
// reply box item selection
type TargetAction struct {
	Name    string             `json:"name"`
	Type    string             `json:"type"`
	Title   string             `json:"title,omitempty"`
	Payload []TargetActionItem `json:"payload,omitempty"`
}

// UI is the host surface the widget drives
type UI interface {
	RegisterTargetAction(ctx context.Context, action TargetAction) error
	DeregisterTargetAction(ctx context.Context, name string) error
	SetBadgeCount(ctx context.Context, count int) error
	SetBlocking(ctx context.Context, blocking bool) error
}

// MemoryUI records what the widget asked the host to show
type MemoryUI struct {
	mu       sync.RWMutex
	actions  map[string]TargetAction
	badge    int
	blocking bool
	history  []string
}

// NewMemoryUI creates an empty UI surface
func NewMemoryUI() *MemoryUI {
	return &MemoryUI{actions: make(map[string]TargetAction)}
}

// RegisterTargetAction implements UI. Registering a name again replaces it.
func (u *MemoryUI) RegisterTargetAction(_ context.Context, action TargetAction) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	action.Payload = append([]TargetActionItem(nil), action.Payload...)
	u.actions[action.Name] = action
	u.history = append(u.history, action.Name)
	return nil
}

// DeregisterTargetAction implements UI
func (u *MemoryUI) DeregisterTargetAction(_ context.Context, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.actions, name)
	return nil
}

// SetBadgeCount implements UI
func (u *MemoryUI) SetBadgeCount(_ context.Context, count int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.badge = count
	return nil
}

// SetBlocking implements UI
func (u *MemoryUI) SetBlocking(_ context.Context, blocking bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blocking = blocking
	return nil
}

// TargetAction returns the registered action called name
func (u *MemoryUI) TargetAction(name string) (TargetAction, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	a, ok := u.actions[name]
	return a, ok
}

// TargetActions returns every registered action sorted by name
func (u *MemoryUI) TargetActions() []TargetAction {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]TargetAction, 0, len(u.actions))
	for _, a := range u.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Registrations returns how many times name was registered
func (u *MemoryUI) Registrations(name string) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	n := 0
	for _, h := range u.history {
		if h == name {
			n++
		}
	}
	return n
}

// BadgeCount returns the last badge count
func (u *MemoryUI) BadgeCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.badge
}

// Blocking reports whether the host UI is blocked
func (u *MemoryUI) Blocking() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.blocking
}
