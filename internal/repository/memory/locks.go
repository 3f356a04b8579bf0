package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"earnedvalue/internal/model"
)

// lockTable hands out one lock per component ID. The table mutex only guards
// the map; it is never held while a component lock is waited on.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) slot(id string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	return ch
}

// acquire blocks until the component lock is free, ctx ends, or timeout elapses.
func (t *lockTable) acquire(ctx context.Context, id string, timeout time.Duration) (func(), error) {
	ch := t.slot(id)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: component %s locked for more than %s", model.ErrConcurrentModification, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
