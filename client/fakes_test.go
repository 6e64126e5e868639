package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boardsync/domain"
	"boardsync/events"
	"boardsync/service"
	"boardsync/storage"
)

var errNetwork = errors.New("connection reset")

// loopback is a Transport that calls the real services in process and
// streams events from a local hub.
type loopback struct {
	owner string
	mem   *storage.Memory
	tasks *service.TaskService
	lists *service.ListService
	hub   *events.Hub

	mu sync.Mutex
	// failBefore fails the named operation without reaching the server.
	failBefore map[string]error
	// failAfter reaches the server and then reports a failure anyway.
	failAfter map[string]error
	loads     int
	sessions  []*events.Session
}

func newLoopback(owner string) *loopback {
	mem := storage.NewMemory()
	hub := events.NewHub(64)
	pub := events.NewLocalPublisher(hub)
	tasks := service.NewTaskService(mem, service.NewOrderAssigner(mem), pub)
	return &loopback{
		owner:      owner,
		mem:        mem,
		tasks:      tasks,
		lists:      service.NewListService(mem, tasks, pub),
		hub:        hub,
		failBefore: map[string]error{},
		failAfter:  map[string]error{},
	}
}

func (l *loopback) failing(op string, before bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if before {
		l.failBefore[op] = err
	} else {
		l.failAfter[op] = err
	}
}

func (l *loopback) call(op string, fn func() error) error {
	l.mu.Lock()
	before, after := l.failBefore[op], l.failAfter[op]
	delete(l.failBefore, op)
	delete(l.failAfter, op)
	l.mu.Unlock()
	if before != nil {
		return before
	}
	if err := fn(); err != nil {
		return err
	}
	return after
}

func (l *loopback) reloads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func (l *loopback) GetLists(ctx context.Context) (out []domain.List, err error) {
	l.mu.Lock()
	l.loads++
	l.mu.Unlock()
	err = l.call("GetLists", func() (err error) {
		out, err = l.lists.GetLists(ctx, l.owner)
		return err
	})
	return out, err
}

func (l *loopback) CreateList(ctx context.Context, in domain.NewList) (out domain.List, err error) {
	err = l.call("CreateList", func() (err error) {
		out, err = l.lists.CreateList(ctx, l.owner, in)
		return err
	})
	return out, err
}

func (l *loopback) UpdateList(ctx context.Context, id string, patch domain.ListPatch) (out domain.List, err error) {
	err = l.call("UpdateList", func() (err error) {
		out, err = l.lists.UpdateList(ctx, l.owner, id, patch)
		return err
	})
	return out, err
}

func (l *loopback) DeleteList(ctx context.Context, id string) error {
	return l.call("DeleteList", func() error { return l.lists.DeleteList(ctx, l.owner, id) })
}

func (l *loopback) CreateTask(ctx context.Context, in domain.NewTask) (out domain.Task, err error) {
	err = l.call("CreateTask", func() (err error) {
		out, err = l.tasks.CreateTask(ctx, l.owner, in)
		return err
	})
	return out, err
}

func (l *loopback) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (out domain.Task, err error) {
	err = l.call("UpdateTask", func() (err error) {
		out, err = l.tasks.UpdateTask(ctx, l.owner, id, patch)
		return err
	})
	return out, err
}

func (l *loopback) MoveTask(ctx context.Context, id string, cmd MoveCommand) (out domain.Task, err error) {
	err = l.call("MoveTask", func() (err error) {
		out, err = l.tasks.MoveTask(ctx, l.owner, id, service.MoveRequest{Board: cmd.Board, Order: cmd.Order, Completed: cmd.Completed})
		return err
	})
	return out, err
}

func (l *loopback) ReorderTasks(ctx context.Context, typ domain.ReorderType, updates []domain.OrderUpdate) error {
	return l.call("ReorderTasks", func() error {
		if typ == domain.ReorderAllLists {
			return l.tasks.ReorderTasksAllLists(ctx, l.owner, updates)
		}
		return l.tasks.ReorderTasks(ctx, l.owner, updates)
	})
}

func (l *loopback) DeleteTask(ctx context.Context, id string) error {
	return l.call("DeleteTask", func() error { return l.tasks.DeleteTask(ctx, l.owner, id) })
}

func (l *loopback) DeleteAllCompletedTasks(ctx context.Context, listID string) (n int, err error) {
	err = l.call("DeleteAllCompletedTasks", func() (err error) {
		n, err = l.tasks.DeleteAllCompletedTasks(ctx, l.owner, listID)
		return err
	})
	return n, err
}

func (l *loopback) AddSubTask(ctx context.Context, taskID, title string) (out domain.SubTask, err error) {
	err = l.call("AddSubTask", func() (err error) {
		out, err = l.tasks.AddSubTask(ctx, l.owner, taskID, title)
		return err
	})
	return out, err
}

func (l *loopback) UpdateSubTask(ctx context.Context, taskID, subID string, patch domain.SubTaskPatch) (out domain.SubTask, err error) {
	err = l.call("UpdateSubTask", func() (err error) {
		out, err = l.tasks.UpdateSubTask(ctx, l.owner, taskID, subID, patch)
		return err
	})
	return out, err
}

func (l *loopback) DeleteSubTask(ctx context.Context, taskID, subID string) error {
	return l.call("DeleteSubTask", func() error { return l.tasks.DeleteSubTask(ctx, l.owner, taskID, subID) })
}

func (l *loopback) Stream(ctx context.Context, opened func(), handle func(domain.Event)) error {
	sess := l.hub.Subscribe(l.owner)
	defer l.hub.Unsubscribe(sess)
	l.mu.Lock()
	l.sessions = append(l.sessions, sess)
	l.mu.Unlock()
	opened()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				return errStreamClosed
			}
			handle(ev)
		}
	}
}

// drop closes every open stream, as the hub does for a slow session.
func (l *loopback) drop() {
	l.mu.Lock()
	sessions := l.sessions
	l.sessions = nil
	l.mu.Unlock()
	for _, s := range sessions {
		l.hub.Unsubscribe(s)
	}
}

// silent forwards commands but never delivers events.
type silent struct{ *loopback }

func (silent) Stream(ctx context.Context, opened func(), _ func(domain.Event)) error {
	opened()
	<-ctx.Done()
	return ctx.Err()
}

// running starts store.Run and waits for the first load.
func running(t *testing.T, s *Store, lb *loopback) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, func() bool { return lb.reloads() > 0 && lb.hub.Sessions(lb.owner) > 0 })
	eventually(t, func() bool { _, ok := s.Snapshot().View(domain.AllListsID); return ok })
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// seed creates a list with tasks on the server, bypassing the store.
func seed(t *testing.T, lb *loopback, title string, tasks ...string) domain.List {
	t.Helper()
	ctx := context.Background()
	l, err := lb.lists.CreateList(ctx, lb.owner, domain.NewList{Title: title})
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	for _, title := range tasks {
		if _, err := lb.tasks.CreateTask(ctx, lb.owner, domain.NewTask{Title: title, ListID: l.ID}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	return l
}

// serverView fetches the view straight from the server.
func serverView(t *testing.T, lb *loopback, id string) View {
	t.Helper()
	lists, err := lb.lists.GetLists(context.Background(), lb.owner)
	if err != nil {
		t.Fatalf("get lists: %v", err)
	}
	v := newState(lists).view(id)
	if v == nil {
		t.Fatalf("no view %s on server", id)
	}
	return v
}

func taskByTitle(t *testing.T, v View, title string) domain.Task {
	t.Helper()
	for _, task := range v.Tasks() {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("no task %q in view %s", title, v.ID())
	return domain.Task{}
}

func titles(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func view(t *testing.T, s *Store, id string) View {
	t.Helper()
	v, ok := s.Snapshot().View(id)
	if !ok {
		t.Fatalf("no view %s", id)
	}
	return v
}

// settled waits until the store holds the server's latest version of a task.
func settled(t *testing.T, s *Store, lb *loopback, listID, id string) {
	t.Helper()
	eventually(t, func() bool {
		got, ok := s.Snapshot().Task(id)
		if !ok {
			return false
		}
		for _, task := range serverView(t, lb, listID).Tasks() {
			if task.ID == id {
				return task.Version == got.Version
			}
		}
		return false
	})
}
