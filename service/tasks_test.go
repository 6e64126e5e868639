package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"boardsync/domain"
	"boardsync/storage"
)

func TestCreateTaskAssignsIncreasingOrders(t *testing.T) {
	f := newFixture(t)
	home := f.list(t, "alice", "Home")
	work := f.list(t, "alice", "Work")

	var orders, allLists []int
	for i := 0; i < 4; i++ {
		task := f.task(t, "alice", home.ID, domain.BoardToday, "home")
		orders = append(orders, task.Order)
		allLists = append(allLists, task.AllListsOrder)
		other := f.task(t, "alice", work.ID, domain.BoardToday, "work")
		allLists = append(allLists, other.AllListsOrder)
	}

	for i, want := range []int{0, 1, 2, 3} {
		if orders[i] != want {
			t.Fatalf("unexpected orders: %v", orders)
		}
	}
	for i := 1; i < len(allLists); i++ {
		if allLists[i] <= allLists[i-1] {
			t.Fatalf("allListsOrder not strictly increasing: %v", allLists)
		}
	}

	fresh := f.task(t, "alice", home.ID, domain.BoardBacklog, "fresh")
	if fresh.Order != 0 {
		t.Fatalf("expected first task on a board to get order 0, got %d", fresh.Order)
	}
	if fresh.OriginalBoard != domain.BoardBacklog || fresh.LastBoard != domain.BoardBacklog {
		t.Fatalf("expected original and last board to match, got %q %q", fresh.OriginalBoard, fresh.LastBoard)
	}
}

func TestCreateTaskConcurrentOrdersUnique(t *testing.T) {
	f := newFixture(t)
	home := f.list(t, "alice", "Home")

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	seenAll := map[int]bool{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := f.tasks.CreateTask(context.Background(), "alice", domain.NewTask{Title: "x", Board: domain.BoardToday, ListID: home.ID})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[task.Order] || seenAll[task.AllListsOrder] {
				t.Errorf("duplicate position %d/%d", task.Order, task.AllListsOrder)
			}
			seen[task.Order] = true
			seenAll[task.AllListsOrder] = true
		}()
	}
	wg.Wait()
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	home := f.list(t, "alice", "Home")
	ctx := context.Background()

	if _, err := f.tasks.CreateTask(ctx, "alice", domain.NewTask{Title: "   ", ListID: home.ID}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for blank title, got %v", err)
	}
	if _, err := f.tasks.CreateTask(ctx, "bob", domain.NewTask{Title: "mine", ListID: home.ID}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for foreign list, got %v", err)
	}
	if len(f.pub.names()) != 1 {
		t.Fatalf("expected only the list:created event, got %v", f.pub.names())
	}
}

func TestCreateTaskPublishesCreated(t *testing.T) {
	f := newFixture(t)
	home := f.list(t, "alice", "Home")
	task := f.task(t, "alice", home.ID, domain.BoardThisWeek, "  Plan trip ")

	ev := f.pub.last(t)
	if ev.Name != domain.EventTaskCreated || ev.UserID != "alice" {
		t.Fatalf("unexpected event: %s %s", ev.Name, ev.UserID)
	}
	var payload domain.TaskCreatedPayload
	if err := ev.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ListID != home.ID || payload.Task.ID != task.ID || payload.Task.Title != "Plan trip" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestUncompleteRestoresPreviousBoard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	task := f.task(t, "alice", home.ID, domain.BoardBacklog, "laundry")

	if _, err := f.tasks.UpdateTask(ctx, "alice", task.ID, domain.TaskPatch{Board: ptr(domain.BoardToday)}); err != nil {
		t.Fatalf("move to today: %v", err)
	}
	done, err := f.tasks.UpdateTask(ctx, "alice", task.ID, domain.TaskPatch{Completed: ptr(true)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Board != domain.BoardDone || !done.Completed || done.LastBoard != domain.BoardToday {
		t.Fatalf("unexpected completed task: board=%s completed=%v last=%s", done.Board, done.Completed, done.LastBoard)
	}
	reopened, err := f.tasks.UpdateTask(ctx, "alice", task.ID, domain.TaskPatch{Completed: ptr(false)})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Board != domain.BoardToday || reopened.Completed {
		t.Fatalf("expected task back on today, got board=%s completed=%v", reopened.Board, reopened.Completed)
	}
	if f.pub.last(t).Name != domain.EventTaskUpdated {
		t.Fatalf("expected task:updated, got %s", f.pub.last(t).Name)
	}
}

func TestMoveTaskAppliesCompletionRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	task := f.task(t, "alice", home.ID, domain.BoardThisWeek, "taxes")

	moved, err := f.tasks.MoveTask(ctx, "alice", task.ID, MoveRequest{Board: domain.BoardDone, Order: 3, Completed: ptr(true)})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !moved.Completed || moved.Order != 3 || moved.LastBoard != domain.BoardThisWeek {
		t.Fatalf("unexpected moved task: %#v", moved)
	}

	// A wrong hint is ignored in favour of the board rule.
	moved, err = f.tasks.MoveTask(ctx, "alice", task.ID, MoveRequest{Board: domain.BoardToday, Order: 0, Completed: ptr(true)})
	if err != nil {
		t.Fatalf("move out of done: %v", err)
	}
	if moved.Completed || moved.Board != domain.BoardToday || moved.LastBoard != domain.BoardDone {
		t.Fatalf("unexpected task after leaving done: %#v", moved)
	}
	if f.pub.last(t).Name != domain.EventTaskMoved {
		t.Fatalf("expected task:moved, got %s", f.pub.last(t).Name)
	}

	if _, err := f.tasks.MoveTask(ctx, "alice", task.ID, MoveRequest{Board: "someday"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown board, got %v", err)
	}
}

func TestReorderKeepsOrderKeysIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	a := f.task(t, "alice", home.ID, domain.BoardBacklog, "a")
	b := f.task(t, "alice", home.ID, domain.BoardBacklog, "b")

	if err := f.tasks.ReorderTasks(ctx, "alice", []domain.OrderUpdate{
		domain.RegularOrder(b.ID, 0),
		domain.RegularOrder(a.ID, 1),
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := f.get(t, "alice", a.ID); got.Order != 1 || got.AllListsOrder != a.AllListsOrder {
		t.Fatalf("unexpected a after regular reorder: order=%d allLists=%d", got.Order, got.AllListsOrder)
	}
	if got := f.get(t, "alice", b.ID); got.Order != 0 || got.AllListsOrder != b.AllListsOrder {
		t.Fatalf("unexpected b after regular reorder: order=%d allLists=%d", got.Order, got.AllListsOrder)
	}

	if err := f.tasks.ReorderTasksAllLists(ctx, "alice", []domain.OrderUpdate{
		domain.AllListsPosition(a.ID, 10),
		domain.AllListsPosition(b.ID, 5),
	}); err != nil {
		t.Fatalf("reorder all lists: %v", err)
	}
	if got := f.get(t, "alice", a.ID); got.Order != 1 || got.AllListsOrder != 10 {
		t.Fatalf("unexpected a after all lists reorder: order=%d allLists=%d", got.Order, got.AllListsOrder)
	}

	var payload domain.TaskReorderedPayload
	if err := f.pub.last(t).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Type != domain.ReorderAllLists || len(payload.Tasks) != 2 {
		t.Fatalf("unexpected reorder payload: %#v", payload)
	}
}

func TestReorderRejectsMismatchedKeys(t *testing.T) {
	f := newFixture(t)
	err := f.tasks.ReorderTasks(context.Background(), "alice", []domain.OrderUpdate{domain.AllListsPosition("t1", 0)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReorderPartialFailureReportsApplied(t *testing.T) {
	mem := storage.NewMemory()
	st := &failingStore{Memory: mem, failOn: map[string]bool{}}
	f := newFixtureWith(t, st, mem)
	home := f.list(t, "alice", "Home")
	a := f.task(t, "alice", home.ID, domain.BoardBacklog, "a")
	b := f.task(t, "alice", home.ID, domain.BoardBacklog, "b")
	c := f.task(t, "alice", home.ID, domain.BoardBacklog, "c")
	st.failOn[b.ID] = true

	err := f.tasks.ReorderTasks(context.Background(), "alice", []domain.OrderUpdate{
		domain.RegularOrder(c.ID, 0),
		domain.RegularOrder(b.ID, 1),
		domain.RegularOrder(a.ID, 2),
	})
	var rerr *ReorderError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ReorderError, got %v", err)
	}
	if rerr.Applied != 1 {
		t.Fatalf("expected 1 applied update, got %d", rerr.Applied)
	}
	if got := f.get(t, "alice", c.ID); got.Order != 0 {
		t.Fatalf("expected applied update to persist, got order %d", got.Order)
	}
	if got := f.get(t, "alice", a.ID); got.Order != 0 {
		t.Fatalf("expected update after failure to be skipped, got order %d", got.Order)
	}
	var payload domain.TaskReorderedPayload
	if err := f.pub.last(t).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Tasks) != 1 || payload.Tasks[0].TaskID != c.ID {
		t.Fatalf("expected applied prefix to be published, got %#v", payload.Tasks)
	}
}

func TestMutateRetriesOnConflict(t *testing.T) {
	mem := storage.NewMemory()
	st := &conflictStore{Memory: mem}
	f := newFixtureWith(t, st, mem)
	home := f.list(t, "alice", "Home")
	task := f.task(t, "alice", home.ID, domain.BoardBacklog, "a")

	st.conflicts = 2
	updated, err := f.tasks.UpdateTask(context.Background(), "alice", task.ID, domain.TaskPatch{Note: ptr("bring snacks")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Note != "bring snacks" || st.saves != 3 {
		t.Fatalf("unexpected result: note=%q saves=%d", updated.Note, st.saves)
	}

	st.conflicts = maxConflictRetries + 1
	if _, err := f.tasks.UpdateTask(context.Background(), "alice", task.ID, domain.TaskPatch{Note: ptr("x")}); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
}

func TestOwnershipMismatchIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	task := f.task(t, "alice", home.ID, domain.BoardBacklog, "private")

	checks := map[string]error{
		"update":  func() error { _, err := f.tasks.UpdateTask(ctx, "bob", task.ID, domain.TaskPatch{Title: ptr("mine")}); return err }(),
		"move":    func() error { _, err := f.tasks.MoveTask(ctx, "bob", task.ID, MoveRequest{Board: domain.BoardDone}); return err }(),
		"delete":  f.tasks.DeleteTask(ctx, "bob", task.ID),
		"reorder": f.tasks.ReorderTasksAllLists(ctx, "bob", []domain.OrderUpdate{domain.AllListsPosition(task.ID, 9)}),
		"subtask": func() error { _, err := f.tasks.AddSubTask(ctx, "bob", task.ID, "sneaky"); return err }(),
		"list":    func() error { _, err := f.tasks.GetTasksByList(ctx, "bob", home.ID); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s: expected not found, got %v", name, err)
		}
	}
	got := f.get(t, "alice", task.ID)
	if got.Title != "private" || got.AllListsOrder != task.AllListsOrder || len(got.SubTasks) != 0 {
		t.Fatalf("foreign commands mutated the task: %#v", got)
	}
}

func TestDeleteAllCompletedScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	work := f.list(t, "alice", "Work")
	homeDone := f.task(t, "alice", home.ID, domain.BoardDone, "home done")
	workDone := f.task(t, "alice", work.ID, domain.BoardDone, "work done")
	homeOpen := f.task(t, "alice", home.ID, domain.BoardToday, "home open")

	n, err := f.tasks.DeleteAllCompletedTasks(ctx, "alice", home.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deletion, got %d %v", n, err)
	}
	if got, _ := f.st.GetTask(ctx, "alice", homeDone.ID); got != nil {
		t.Fatalf("completed task in list should be deleted")
	}
	f.get(t, "alice", workDone.ID)
	f.get(t, "alice", homeOpen.ID)

	var payload domain.TasksDeletedBulkPayload
	if err := f.pub.last(t).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.IsAllLists || payload.ListID != home.ID || payload.DeletedCount != 1 {
		t.Fatalf("unexpected payload: %#v", payload)
	}

	n, err = f.tasks.DeleteAllCompletedTasks(ctx, "alice", domain.AllListsID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deletion across lists, got %d %v", n, err)
	}
	if err := f.pub.last(t).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.IsAllLists || payload.ListID != domain.AllListsID {
		t.Fatalf("unexpected all lists payload: %#v", payload)
	}
	f.get(t, "alice", homeOpen.ID)
}

func TestDeleteTaskPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	task := f.task(t, "alice", home.ID, domain.BoardBacklog, "gone")

	if err := f.tasks.DeleteTask(ctx, "alice", task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.tasks.DeleteTask(ctx, "alice", task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected second delete to be not found, got %v", err)
	}
	var payload domain.TaskDeletedPayload
	if err := f.pub.last(t).Decode(&payload); err != nil || payload.TaskID != task.ID {
		t.Fatalf("unexpected delete payload: %#v %v", payload, err)
	}
}

func TestGetAllTasksForUserDenormalizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	work, err := f.lists.CreateList(ctx, "alice", domain.NewList{Title: "Work", Color: domain.ColorRed})
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	f.task(t, "alice", home.ID, domain.BoardToday, "home")
	created := f.task(t, "alice", work.ID, domain.BoardToday, "work")
	f.list(t, "bob", "Other")

	all, err := f.tasks.GetTasksByList(ctx, "alice", domain.AllListsID)
	if err != nil {
		t.Fatalf("all tasks: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(all))
	}
	copies := 0
	for _, task := range all {
		if task.ID != created.ID {
			continue
		}
		copies++
		if task.ListInfo == nil || task.ListInfo.ID != work.ID || task.ListInfo.Title != "Work" || task.ListInfo.Color != domain.ColorRed {
			t.Fatalf("unexpected listInfo: %#v", task.ListInfo)
		}
	}
	if copies != 1 {
		t.Fatalf("expected exactly one copy of the task, got %d", copies)
	}
	if all[0].AllListsOrder > all[1].AllListsOrder {
		t.Fatalf("expected aggregate sorted by allListsOrder")
	}

	scoped, err := f.tasks.GetTasksByList(ctx, "alice", home.ID)
	if err != nil || len(scoped) != 1 || scoped[0].ListInfo != nil {
		t.Fatalf("unexpected list tasks: %#v %v", scoped, err)
	}
}

func TestRegularReorderEventCarriesVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	home := f.list(t, "alice", "Home")
	a := f.task(t, "alice", home.ID, domain.BoardBacklog, "a")
	b := f.task(t, "alice", home.ID, domain.BoardBacklog, "b")

	if err := f.tasks.ReorderTasks(ctx, "alice", []domain.OrderUpdate{
		domain.RegularOrder(b.ID, 0),
		domain.RegularOrder(a.ID, 1),
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	var payload domain.TaskReorderedPayload
	if err := f.pub.last(t).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Tasks) != 2 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	for _, u := range payload.Tasks {
		if got := f.get(t, "alice", u.TaskID); u.Version != got.Version {
			t.Fatalf("update for %s carries version %d, stored %d", u.TaskID, u.Version, got.Version)
		}
	}
}
