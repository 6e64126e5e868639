package client

import (
	"context"
	"errors"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

func (s *Store) command(ctx context.Context) (context.Context, context.CancelFunc) {
	s.clearError()
	return context.WithTimeout(ctx, s.CommandTimeout)
}

// optimistic applies fn to the state and notifies subscribers. It returns
// false when fn found nothing to change.
func (s *Store) optimistic(fn func(st *state) bool) bool {
	s.mu.Lock()
	ok := fn(s.st)
	s.mu.Unlock()
	if ok {
		s.changes.notify()
	}
	return ok
}

func unknownTask(id string) error {
	return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
}

// ToggleComplete flips the completion of a task. Completing moves it to
// Done; un-completing returns it to the board it came from.
func (s *Store) ToggleComplete(ctx context.Context, taskID string) error {
	ctx, cancel := s.command(ctx)
	defer cancel()

	var completed bool
	if !s.optimistic(func(st *state) bool {
		t, ok := st.find(taskID)
		if !ok {
			return false
		}
		completed = !t.Completed
		return st.patchTask(taskID, func(t *domain.Task) { t.SetCompleted(completed) })
	}) {
		return unknownTask(taskID)
	}
	if _, err := s.tr.UpdateTask(ctx, taskID, domain.TaskPatch{Completed: &completed}); err != nil {
		s.recover(ctx, "Failed to update task", err)
		return err
	}
	return nil
}

// DeleteTask removes a task everywhere before asking the server to.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	ctx, cancel := s.command(ctx)
	defer cancel()

	if !s.optimistic(func(st *state) bool {
		_, ok := st.find(taskID)
		st.removeTask(taskID)
		return ok
	}) {
		return unknownTask(taskID)
	}
	if err := s.tr.DeleteTask(ctx, taskID); err != nil {
		s.recover(ctx, "Failed to delete task", err)
		return err
	}
	return nil
}

// DeleteAllCompleted removes the completed tasks of one list, or of every
// list when listID is the all lists view.
func (s *Store) DeleteAllCompleted(ctx context.Context, listID string) (int, error) {
	ctx, cancel := s.command(ctx)
	defer cancel()

	s.optimistic(func(st *state) bool {
		st.deletedBulk(listID, listID == domain.AllListsID)
		return true
	})
	n, err := s.tr.DeleteAllCompletedTasks(ctx, listID)
	if err != nil {
		s.recover(ctx, "Failed to delete completed tasks", err)
		return 0, err
	}
	return n, nil
}

// sequence returns the ids of a board in the view's order with taskID
// placed at index.
func sequence(v View, b domain.Board, taskID string, index int) []string {
	var ids []string
	for _, t := range v.Board(b) {
		if t.ID != taskID {
			ids = append(ids, t.ID)
		}
	}
	index = max(0, min(index, len(ids)))
	ids = append(ids, "")
	copy(ids[index+1:], ids[index:])
	ids[index] = taskID
	return ids
}

// positions rewrites the view's order key to the index of each id and
// returns the matching order updates.
func positions(v View, ids []string) []domain.OrderUpdate {
	updates := make([]domain.OrderUpdate, len(ids))
	for i, id := range ids {
		if v.ReorderType() == domain.ReorderAllLists {
			updates[i] = domain.AllListsPosition(id, i)
		} else {
			updates[i] = domain.RegularOrder(id, i)
		}
	}
	return updates
}

// ReorderTask moves a task to index within its board in the given view.
// Only the view's own order key is rewritten.
func (s *Store) ReorderTask(ctx context.Context, viewID, taskID string, index int) error {
	ctx, cancel := s.command(ctx)
	defer cancel()

	var (
		typ     domain.ReorderType
		updates []domain.OrderUpdate
	)
	if !s.optimistic(func(st *state) bool {
		v := st.view(viewID)
		if v == nil {
			return false
		}
		items := *v.items()
		i := indexOf(items, taskID)
		if i < 0 {
			return false
		}
		typ = v.ReorderType()
		updates = positions(v, sequence(v, items[i].Board, taskID, index))
		st.reordered(typ, updates)
		return true
	}) {
		return unknownTask(taskID)
	}
	if err := s.tr.ReorderTasks(ctx, typ, updates); err != nil {
		s.recover(ctx, "Failed to reorder tasks", err)
		return err
	}
	return nil
}

// MoveTask moves a task to another board, placing it at index in the target
// board of the given view. In a concrete list the task takes order index
// and the target board is renumbered. In the all lists view the task is
// appended to the target board of its own list and only allListsOrder is
// renumbered.
func (s *Store) MoveTask(ctx context.Context, viewID, taskID string, target domain.Board, index int) error {
	if !target.Valid() {
		return domain.Invalid("unknown board %q", target)
	}
	ctx, cancel := s.command(ctx)
	defer cancel()

	var (
		cmd     MoveCommand
		typ     domain.ReorderType
		updates []domain.OrderUpdate
	)
	if !s.optimistic(func(st *state) bool {
		v := st.view(viewID)
		if v == nil {
			return false
		}
		items := *v.items()
		i := indexOf(items, taskID)
		if i < 0 {
			return false
		}
		moved := items[i]
		completed := domain.CompletedAfterMove(moved.Board, target, moved.Completed)
		ids := sequence(v, target, taskID, index)
		cmd = MoveCommand{Board: target, Order: slices.Index(ids, taskID), Completed: &completed}
		if _, ok := v.(*AggregateListView); ok {
			cmd.Order = nextOrder(st, moved.ListID(), target, taskID)
		}
		st.patchTask(taskID, func(t *domain.Task) {
			t.MoveTo(target)
			t.Order = cmd.Order
		})
		typ = v.ReorderType()
		updates = positions(v, ids)
		st.reordered(typ, updates)
		return true
	}) {
		return unknownTask(taskID)
	}
	if _, err := s.tr.MoveTask(ctx, taskID, cmd); err != nil {
		s.recover(ctx, "Failed to move task", err)
		return err
	}
	if len(updates) > 1 || typ == domain.ReorderAllLists {
		if err := s.tr.ReorderTasks(ctx, typ, updates); err != nil {
			s.recover(ctx, "Failed to reorder tasks", err)
			return err
		}
	}
	return nil
}

// nextOrder is one past the highest order on board b of the list, ignoring
// the task being moved. It falls back to the aggregate copies when the
// concrete list is not loaded.
func nextOrder(st *state, listID string, b domain.Board, skip string) int {
	var items []domain.Task
	if c := st.concrete(listID); c != nil {
		items = c.Items
	} else if a := st.aggregate(); a != nil {
		items = a.Items
	}
	next := 0
	for _, t := range items {
		if t.ID == skip || t.Board != b || t.ListID() != listID {
			continue
		}
		next = max(next, t.Order+1)
	}
	return next
}

// waitFor handles the outcome of a fire-and-wait command. Validation errors
// go back to the caller untouched; other failures are logged and reported
// but never reload, since nothing was applied locally.
func (s *Store) waitFor(op string, key string, err error) error {
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			log.WithError(err).WithField("op", op).Warn("command failed")
			s.setError("Failed to " + op)
		}
		return err
	}
	s.expect(key)
	return nil
}

// CreateTask asks the server for a new task. The task appears once its
// task:created event arrives.
func (s *Store) CreateTask(ctx context.Context, listID, title string, board domain.Board) (domain.Task, error) {
	in := domain.NewTask{Title: title, Board: board, ListID: listID}
	if err := in.Validate(); err != nil {
		return domain.Task{}, err
	}
	ctx, cancel := s.command(ctx)
	defer cancel()
	t, err := s.tr.CreateTask(ctx, in)
	return t, s.waitFor("create task", createdKey(t.ID), err)
}

// UpdateTitle renames a task once the server confirms it.
func (s *Store) UpdateTitle(ctx context.Context, taskID, title string) error {
	return s.updateText(ctx, taskID, domain.TaskPatch{Title: &title})
}

// UpdateNote replaces the note of a task once the server confirms it.
func (s *Store) UpdateNote(ctx context.Context, taskID, note string) error {
	return s.updateText(ctx, taskID, domain.TaskPatch{Note: &note})
}

func (s *Store) updateText(ctx context.Context, taskID string, patch domain.TaskPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.command(ctx)
	defer cancel()
	t, err := s.tr.UpdateTask(ctx, taskID, patch)
	return s.waitFor("update task", updatedKey(t), err)
}

func (s *Store) AddSubTask(ctx context.Context, taskID, title string) (domain.SubTask, error) {
	ctx, cancel := s.command(ctx)
	defer cancel()
	sub, err := s.tr.AddSubTask(ctx, taskID, title)
	return sub, s.waitFor("add subtask", subTaskKey(domain.EventSubTaskCreated, taskID, sub.ID), err)
}

func (s *Store) UpdateSubTask(ctx context.Context, taskID, subID string, patch domain.SubTaskPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.command(ctx)
	defer cancel()
	_, err := s.tr.UpdateSubTask(ctx, taskID, subID, patch)
	return s.waitFor("update subtask", subTaskKey(domain.EventSubTaskUpdated, taskID, subID), err)
}

func (s *Store) DeleteSubTask(ctx context.Context, taskID, subID string) error {
	ctx, cancel := s.command(ctx)
	defer cancel()
	err := s.tr.DeleteSubTask(ctx, taskID, subID)
	return s.waitFor("delete subtask", subTaskKey(domain.EventSubTaskDeleted, taskID, subID), err)
}

func (s *Store) CreateList(ctx context.Context, in domain.NewList) (domain.List, error) {
	if err := in.Validate(); err != nil {
		return domain.List{}, err
	}
	ctx, cancel := s.command(ctx)
	defer cancel()
	l, err := s.tr.CreateList(ctx, in)
	return l, s.waitFor("create list", listKey(domain.EventListCreated, l.ID), err)
}

func (s *Store) UpdateList(ctx context.Context, listID string, patch domain.ListPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.command(ctx)
	defer cancel()
	_, err := s.tr.UpdateList(ctx, listID, patch)
	return s.waitFor("update list", listKey(domain.EventListUpdated, listID), err)
}

func (s *Store) DeleteList(ctx context.Context, listID string) error {
	ctx, cancel := s.command(ctx)
	defer cancel()
	err := s.tr.DeleteList(ctx, listID)
	return s.waitFor("delete list", listKey(domain.EventListDeleted, listID), err)
}
