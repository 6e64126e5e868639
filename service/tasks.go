package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
)

// TaskService applies task commands on behalf of an owner.
type TaskService struct {
	st     Store
	orders *OrderAssigner
	pub    Publisher
	now    clock
	newID  func() string

	// BackfillOnRead repairs missing allListsOrder values on the first
	// aggregate read of each owner.
	BackfillOnRead bool
}

func NewTaskService(st Store, orders *OrderAssigner, pub Publisher) *TaskService {
	return &TaskService{st: st, orders: orders, pub: pub, now: utcNow, newID: newID}
}

// MoveRequest is a cross-board move. Completed is the caller's expectation of
// the resulting completion state.
type MoveRequest struct {
	Board     domain.Board `json:"board"`
	Order     int          `json:"order"`
	Completed *bool        `json:"completedStatus,omitempty"`
}

// ReorderError reports a reorder batch that stopped after Applied updates.
type ReorderError struct {
	Applied int
	Err     error
}

func (e *ReorderError) Error() string {
	return fmt.Sprintf("reorder stopped after %d updates: %v", e.Applied, e.Err)
}

func (e *ReorderError) Unwrap() error { return e.Err }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

func (s *TaskService) CreateTask(ctx context.Context, owner string, in domain.NewTask) (_ domain.Task, err error) {
	ctx, span := tracer().Start(ctx, "tasks.create", trace.WithAttributes(attribute.String("list.id", in.ListID)))
	defer func() { finish(span, err) }()

	if err := in.Validate(); err != nil {
		return domain.Task{}, err
	}
	list, err := s.st.GetList(ctx, owner, in.ListID)
	if err != nil {
		return domain.Task{}, err
	}
	if list == nil {
		return domain.Task{}, notFound("list", in.ListID)
	}
	now := s.now()
	t := domain.Task{
		ID:            s.newID(),
		Title:         in.Title,
		Board:         in.Board,
		OriginalBoard: in.Board,
		LastBoard:     in.Board,
		Completed:     in.Board == domain.BoardDone,
		List:          list.ID,
		Owner:         owner,
		SubTasks:      []domain.SubTask{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.orders.Insert(ctx, &t); err != nil {
		return domain.Task{}, err
	}
	span.SetAttributes(attribute.String("task.id", t.ID))
	publish(ctx, s.pub, owner, domain.EventTaskCreated, domain.TaskCreatedPayload{Task: t, ListID: t.List})
	return t, nil
}

// mutate re-reads and re-applies fn until the conditional save succeeds.
func (s *TaskService) mutate(ctx context.Context, owner, id string, fn func(*domain.Task) error) (domain.Task, error) {
	for attempt := 0; ; attempt++ {
		t, err := s.st.GetTask(ctx, owner, id)
		if err != nil {
			return domain.Task{}, err
		}
		if t == nil {
			return domain.Task{}, notFound("task", id)
		}
		if err := fn(t); err != nil {
			return domain.Task{}, err
		}
		t.UpdatedAt = s.now()
		if err := s.st.SaveTask(ctx, t); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Task{}, notFound("task", id)
			}
			if !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= maxConflictRetries {
				return domain.Task{}, err
			}
			log.WithFields(log.Fields{"task": id, "attempt": attempt + 1}).Debug("task save conflicted, retrying")
			continue
		}
		return *t, nil
	}
}

func (s *TaskService) UpdateTask(ctx context.Context, owner, id string, patch domain.TaskPatch) (_ domain.Task, err error) {
	ctx, span := tracer().Start(ctx, "tasks.update", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { finish(span, err) }()

	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	t, err := s.mutate(ctx, owner, id, func(t *domain.Task) error {
		t.Apply(patch)
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	publish(ctx, s.pub, owner, domain.EventTaskUpdated, domain.TaskPayload{Task: t})
	return t, nil
}

func (s *TaskService) MoveTask(ctx context.Context, owner, id string, req MoveRequest) (_ domain.Task, err error) {
	ctx, span := tracer().Start(ctx, "tasks.move", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.board", string(req.Board)),
	))
	defer func() { finish(span, err) }()

	if !req.Board.Valid() {
		return domain.Task{}, domain.Invalid("unknown board %q", req.Board)
	}
	t, err := s.mutate(ctx, owner, id, func(t *domain.Task) error {
		t.MoveTo(req.Board)
		t.Order = req.Order
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if req.Completed != nil && *req.Completed != t.Completed {
		log.WithFields(log.Fields{"task": id, "board": t.Board, "expected": *req.Completed}).Warn("move completion hint disagrees with board")
	}
	publish(ctx, s.pub, owner, domain.EventTaskMoved, domain.TaskPayload{Task: t})
	return t, nil
}

// ReorderTasks rewrites the per-list order of each task in turn. Updates are
// applied one at a time; on failure the error reports how many were applied.
func (s *TaskService) ReorderTasks(ctx context.Context, owner string, updates []domain.OrderUpdate) (err error) {
	ctx, span := tracer().Start(ctx, "tasks.reorder", trace.WithAttributes(attribute.Int("updates", len(updates))))
	defer func() { finish(span, err) }()

	if err := domain.ValidateOrderUpdates(domain.ReorderRegular, updates); err != nil {
		return err
	}
	applied := make([]domain.OrderUpdate, 0, len(updates))
	for _, u := range updates {
		order := *u.Order
		saved, err := s.mutate(ctx, owner, u.TaskID, func(t *domain.Task) error {
			t.Order = order
			return nil
		})
		if err != nil {
			return s.reorderFailed(ctx, owner, domain.ReorderRegular, applied, err)
		}
		u.Version = saved.Version
		applied = append(applied, u)
	}
	publish(ctx, s.pub, owner, domain.EventTaskReordered, domain.TaskReorderedPayload{Tasks: applied, Type: domain.ReorderRegular})
	return nil
}

// ReorderTasksAllLists rewrites the all-lists order of each task in turn.
func (s *TaskService) ReorderTasksAllLists(ctx context.Context, owner string, updates []domain.OrderUpdate) (err error) {
	ctx, span := tracer().Start(ctx, "tasks.reorder_all_lists", trace.WithAttributes(attribute.Int("updates", len(updates))))
	defer func() { finish(span, err) }()

	if err := domain.ValidateOrderUpdates(domain.ReorderAllLists, updates); err != nil {
		return err
	}
	for i, u := range updates {
		if err := s.st.SetAllListsOrder(ctx, owner, u.TaskID, *u.AllListsOrder); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				err = notFound("task", u.TaskID)
			}
			return s.reorderFailed(ctx, owner, domain.ReorderAllLists, updates[:i], err)
		}
	}
	publish(ctx, s.pub, owner, domain.EventTaskReordered, domain.TaskReorderedPayload{Tasks: updates, Type: domain.ReorderAllLists})
	return nil
}

// reorderFailed publishes the applied prefix so other sessions see what was
// persisted, then wraps err with the applied count.
func (s *TaskService) reorderFailed(ctx context.Context, owner string, typ domain.ReorderType, applied []domain.OrderUpdate, err error) error {
	log.WithError(err).WithFields(log.Fields{"user": owner, "type": typ, "applied": len(applied)}).Error("reorder batch failed")
	if len(applied) > 0 {
		publish(ctx, s.pub, owner, domain.EventTaskReordered, domain.TaskReorderedPayload{Tasks: applied, Type: typ})
	}
	return &ReorderError{Applied: len(applied), Err: err}
}

func (s *TaskService) DeleteTask(ctx context.Context, owner, id string) (err error) {
	ctx, span := tracer().Start(ctx, "tasks.delete", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { finish(span, err) }()

	ok, err := s.st.DeleteTask(ctx, owner, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("task", id)
	}
	publish(ctx, s.pub, owner, domain.EventTaskDeleted, domain.TaskDeletedPayload{TaskID: id})
	return nil
}

// DeleteAllCompletedTasks removes the completed tasks of one list, or of
// every list when listID is the all-lists id.
func (s *TaskService) DeleteAllCompletedTasks(ctx context.Context, owner, listID string) (_ int, err error) {
	ctx, span := tracer().Start(ctx, "tasks.delete_completed", trace.WithAttributes(attribute.String("list.id", listID)))
	defer func() { finish(span, err) }()

	isAll := listID == domain.AllListsID
	scope := ""
	if !isAll {
		list, err := s.st.GetList(ctx, owner, listID)
		if err != nil {
			return 0, err
		}
		if list == nil {
			return 0, notFound("list", listID)
		}
		scope = list.ID
	}
	n, err := s.st.DeleteCompletedTasks(ctx, owner, scope)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("tasks.deleted", n))
	publish(ctx, s.pub, owner, domain.EventTasksDeletedBulk, domain.TasksDeletedBulkPayload{
		ListID:       listID,
		IsAllLists:   isAll,
		DeletedCount: n,
	})
	return n, nil
}

// GetTasksByList returns the tasks of one list in board and order sequence.
// The all-lists id returns the aggregate view.
func (s *TaskService) GetTasksByList(ctx context.Context, owner, listID string) ([]domain.Task, error) {
	if listID == domain.AllListsID {
		return s.GetAllTasksForUser(ctx, owner)
	}
	list, err := s.st.GetList(ctx, owner, listID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, notFound("list", listID)
	}
	return s.st.ListTasks(ctx, owner, listID)
}

// GetAllTasksForUser returns every task of the owner, each carrying the
// listInfo of its list, in board and allListsOrder sequence.
func (s *TaskService) GetAllTasksForUser(ctx context.Context, owner string) (_ []domain.Task, err error) {
	ctx, span := tracer().Start(ctx, "tasks.all")
	defer func() { finish(span, err) }()

	if s.BackfillOnRead {
		if err := s.orders.EnsureBackfilled(ctx, owner); err != nil {
			// Reads still succeed; the next read retries the repair.
			log.WithError(err).WithField("user", owner).Error("all lists order backfill failed")
		}
	}
	tasks, err := s.st.ListTasks(ctx, owner, "")
	if err != nil {
		return nil, err
	}
	lists, err := s.st.ListLists(ctx, owner)
	if err != nil {
		return nil, err
	}
	infos := make(map[string]domain.ListInfo, len(lists))
	for _, l := range lists {
		infos[l.ID] = l.Info()
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		t = t.Clone()
		if info, ok := infos[t.List]; ok {
			t.ListInfo = &info
		}
		out = append(out, t)
	}
	sortAllLists(out)
	return out, nil
}

func sortAllLists(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Board != b.Board {
			return a.Board.Rank() < b.Board.Rank()
		}
		if a.AllListsOrder != b.AllListsOrder {
			return a.AllListsOrder < b.AllListsOrder
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
