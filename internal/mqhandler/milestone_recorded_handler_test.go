package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"earnedvalue/internal/model"
)

type fakeDirty struct {
	err    error
	marked []string
}

func (f *fakeDirty) MarkDirty(_ context.Context, projectID string) error {
	if f.err != nil {
		return f.err
	}
	f.marked = append(f.marked, projectID)
	return nil
}

type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDeduper) AcquireOnce(_ context.Context, handler, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	key := handler + ":" + id
	if f.seen[key] {
		return false
	}
	f.seen[key] = true
	return true
}

func (f *fakeDeduper) Release(_ context.Context, handler, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, handler+":"+id)
}

type fakeCounter struct {
	counts map[string]int64
}

func (f *fakeCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounter) Reset(_ context.Context, key string) error {
	delete(f.counts, key)
	return nil
}

type fakeDLQ struct {
	messages []string
}

func (f *fakeDLQ) PublishToDLQ(_ context.Context, _ string, payload []byte, _ string) error {
	f.messages = append(f.messages, string(payload))
	return nil
}

func payload(t *testing.T, eventID, projectID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(model.MilestoneRecordedPayload{EventID: eventID, ProjectID: projectID, ComponentID: "c1", Milestone: "Install", Delta: 8})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestHandleMarksProjectDirtyOnce(t *testing.T) {
	dirty := &fakeDirty{}
	dlq := &fakeDLQ{}
	h := NewMilestoneRecordedHandler(dirty, &fakeDeduper{}, &fakeCounter{}, dlq, zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), payload(t, "e1", "p1")); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if err := h.Handle(context.Background(), payload(t, "e2", "p1")); err != nil {
		t.Fatal(err)
	}
	if len(dirty.marked) != 2 {
		t.Errorf("marked = %v, want one per distinct event", dirty.marked)
	}
	if len(dlq.messages) != 0 {
		t.Errorf("unexpected dead letters: %v", dlq.messages)
	}
}

func TestHandleMalformedGoesToDLQ(t *testing.T) {
	dirty := &fakeDirty{}
	dlq := &fakeDLQ{}
	h := NewMilestoneRecordedHandler(dirty, &fakeDeduper{}, &fakeCounter{}, dlq, zap.NewNop())

	for _, raw := range []string{`{not json`, `{"event_id":"e1"}`} {
		if err := h.Handle(context.Background(), json.RawMessage(raw)); err != nil {
			t.Errorf("%s: err = %v, want ack", raw, err)
		}
	}
	if len(dlq.messages) != 2 || len(dirty.marked) != 0 {
		t.Errorf("dlq = %d, marked = %d", len(dlq.messages), len(dirty.marked))
	}
}

func TestHandleRetriesThenDeadLetters(t *testing.T) {
	dirty := &fakeDirty{err: context.DeadlineExceeded}
	dlq := &fakeDLQ{}
	counter := &fakeCounter{}
	h := NewMilestoneRecordedHandler(dirty, &fakeDeduper{}, counter, dlq, zap.NewNop())
	raw := payload(t, "e1", "p1")

	for i := 1; i <= maxRetries; i++ {
		if err := h.Handle(context.Background(), raw); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("attempt %d: err = %v, want requeue", i, err)
		}
	}
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("final attempt: err = %v, want ack", err)
	}
	if len(dlq.messages) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dlq.messages))
	}
	if len(counter.counts) != 0 {
		t.Errorf("retry counter not reset: %v", counter.counts)
	}
}

func TestHandleNonRetryableFailure(t *testing.T) {
	dirty := &fakeDirty{err: errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")}
	dlq := &fakeDLQ{}
	h := NewMilestoneRecordedHandler(dirty, &fakeDeduper{}, &fakeCounter{}, dlq, zap.NewNop())

	if err := h.Handle(context.Background(), payload(t, "e1", "p1")); err != nil {
		t.Fatalf("err = %v, want ack", err)
	}
	if len(dlq.messages) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dlq.messages))
	}
}
