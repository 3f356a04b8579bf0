package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DirtyTracker remembers which projects changed since their last refresh.
type DirtyTracker interface {
	MarkDirty(ctx context.Context, projectID string) error
	// Drain removes and returns every dirty project.
	Drain(ctx context.Context) ([]string, error)
}

const dirtyProjectsKey = "progress:dirty_projects"

// RedisDirtyTracker shares the dirty set between the API, the consumer and
// the refresher through a Redis set.
type RedisDirtyTracker struct {
	rdb redis.Cmdable
	key string
}

func NewRedisDirtyTracker(rdb redis.Cmdable) *RedisDirtyTracker {
	return &RedisDirtyTracker{rdb: rdb, key: dirtyProjectsKey}
}

func (t *RedisDirtyTracker) MarkDirty(ctx context.Context, projectID string) error {
	if err := t.rdb.SAdd(ctx, t.key, projectID).Err(); err != nil {
		return fmt.Errorf("mark project %s dirty: %w", projectID, err)
	}
	return nil
}

func (t *RedisDirtyTracker) Drain(ctx context.Context) ([]string, error) {
	var out []string
	for {
		// SPOP removes atomically, so a mark racing with the drain is either
		// returned now or left for the next tick.
		batch, err := t.rdb.SPopN(ctx, t.key, 500).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("drain dirty projects: %w", err)
		}
		out = append(out, batch...)
		if len(batch) < 500 {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

// MemoryDirtyTracker is the single-process DirtyTracker.
type MemoryDirtyTracker struct {
	mu       sync.Mutex
	projects map[string]struct{}
}

func NewMemoryDirtyTracker() *MemoryDirtyTracker {
	return &MemoryDirtyTracker{projects: make(map[string]struct{})}
}

func (t *MemoryDirtyTracker) MarkDirty(_ context.Context, projectID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projects[projectID] = struct{}{}
	return nil
}

func (t *MemoryDirtyTracker) Drain(_ context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.projects))
	for p := range t.projects {
		out = append(out, p)
	}
	t.projects = make(map[string]struct{})
	sort.Strings(out)
	return out, nil
}
