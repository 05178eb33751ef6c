package presence

import (
	"context"
	"sync"
)

// Tracker records per-connection visibility, fed by client heartbeats.
// A connection that has never reported is treated as hidden.
type Tracker interface {
	MarkVisible(ctx context.Context, connID string, visible bool)
	IsVisible(ctx context.Context, connID string) bool
	Forget(ctx context.Context, connID string)
}

// MemoryTracker keeps visibility in process memory. Used when no Redis
// address is configured.
type MemoryTracker struct {
	mu      sync.RWMutex
	visible map[string]bool
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{visible: make(map[string]bool)}
}

func (t *MemoryTracker) MarkVisible(_ context.Context, connID string, visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible[connID] = visible
}

func (t *MemoryTracker) IsVisible(_ context.Context, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.visible[connID]
}

func (t *MemoryTracker) Forget(_ context.Context, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.visible, connID)
}
