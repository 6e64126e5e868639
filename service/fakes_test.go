package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"boardsync/domain"
	"boardsync/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Name)
	}
	return out
}

func (p *recordingPublisher) last(t *testing.T) domain.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		t.Fatalf("no events published")
	}
	return p.events[len(p.events)-1]
}

// conflictStore fails the first n saves with a concurrency conflict.
type conflictStore struct {
	*storage.Memory
	conflicts int
	saves     int
}

func (s *conflictStore) SaveTask(ctx context.Context, t *domain.Task) error {
	s.saves++
	if s.conflicts > 0 {
		s.conflicts--
		return domain.ErrConcurrencyConflict
	}
	return s.Memory.SaveTask(ctx, t)
}

// failingStore fails SaveTask for the listed task ids.
type failingStore struct {
	*storage.Memory
	failOn map[string]bool
}

func (s *failingStore) SaveTask(ctx context.Context, t *domain.Task) error {
	if s.failOn[t.ID] {
		return fmt.Errorf("save %s: connection reset", t.ID)
	}
	return s.Memory.SaveTask(ctx, t)
}

type fixture struct {
	st     Store
	mem    *storage.Memory
	pub    *recordingPublisher
	orders *OrderAssigner
	tasks  *TaskService
	lists  *ListService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storage.NewMemory()
	return newFixtureWith(t, mem, mem)
}

func newFixtureWith(t *testing.T, st Store, mem *storage.Memory) *fixture {
	t.Helper()
	pub := &recordingPublisher{}
	orders := NewOrderAssigner(st)
	tasks := NewTaskService(st, orders, pub)
	var seq int
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks.now = func() time.Time {
		seq++
		return base.Add(time.Duration(seq) * time.Second)
	}
	lists := NewListService(st, tasks, pub)
	return &fixture{st: st, mem: mem, pub: pub, orders: orders, tasks: tasks, lists: lists}
}

func (f *fixture) list(t *testing.T, owner, title string) domain.List {
	t.Helper()
	l, err := f.lists.CreateList(context.Background(), owner, domain.NewList{Title: title})
	if err != nil {
		t.Fatalf("create list %s: %v", title, err)
	}
	return l
}

func (f *fixture) task(t *testing.T, owner, listID string, board domain.Board, title string) domain.Task {
	t.Helper()
	task, err := f.tasks.CreateTask(context.Background(), owner, domain.NewTask{Title: title, Board: board, ListID: listID})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func (f *fixture) get(t *testing.T, owner, id string) domain.Task {
	t.Helper()
	task, err := f.st.GetTask(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	if task == nil {
		t.Fatalf("task %s not found", id)
	}
	return *task
}

func ptr[T any](v T) *T { return &v }
