package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"earnedvalue/internal/model"
	"earnedvalue/internal/repository"
)

func seedComponent(t *testing.T, s *Store, id string) {
	t.Helper()
	c := &model.Component{ID: id, ProjectID: "p1", WorkItemType: "spool", Identity: id, Milestones: map[string]float64{}}
	if err := s.CreateComponent(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestWithComponentLockRollsBackOnError(t *testing.T) {
	s := NewStore()
	seedComponent(t, s, "c1")

	boom := errors.New("boom")
	err := s.WithComponentLock(context.Background(), "c1", func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
		c.Milestones["Install"] = 100
		if err := tx.SaveComponent(ctx, c); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &model.MilestoneEvent{ComponentID: "c1", ProjectID: "p1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	c, _ := s.GetComponent(context.Background(), "c1")
	if c.Milestones["Install"] != 0 {
		t.Fatalf("component update leaked after rollback")
	}
	events, _ := s.ListComponentEvents(context.Background(), "c1")
	if len(events) != 0 {
		t.Fatalf("event leaked after rollback: %+v", events)
	}
}

func TestWithComponentLockTimeout(t *testing.T) {
	s := NewStore(WithLockTimeout(20 * time.Millisecond))
	seedComponent(t, s, "c1")
	seedComponent(t, s, "c2")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithComponentLock(context.Background(), "c1", func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithComponentLock(context.Background(), "c1", func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
		return nil
	})
	if !errors.Is(err, model.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	// another component is never blocked by c1's lock
	err = s.WithComponentLock(context.Background(), "c2", func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("c2 should not contend with c1: %v", err)
	}
	close(release)
}

func TestWithComponentLockSerializes(t *testing.T) {
	s := NewStore()
	seedComponent(t, s, "c1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithComponentLock(context.Background(), "c1", func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
				c.Version++
				return tx.SaveComponent(ctx, c)
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	c, _ := s.GetComponent(context.Background(), "c1")
	if c.Version != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", c.Version)
	}
}

func TestActivateTemplateVersions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	first := &model.Template{WorkItemType: "spool", ProjectID: "p1"}
	second := &model.Template{WorkItemType: "spool", ProjectID: "p1"}
	if err := s.ActivateTemplate(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.ActivateTemplate(ctx, second); err != nil {
		t.Fatal(err)
	}
	active, err := s.FindActiveTemplate(ctx, "spool", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != second.ID || active.Version != 2 {
		t.Fatalf("expected version 2 active, got %+v", active)
	}
	old, _ := s.GetTemplate(ctx, first.ID)
	if old.Active {
		t.Fatalf("prior template should be inactive")
	}
}
