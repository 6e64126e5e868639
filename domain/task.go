package domain

import (
	"strings"
	"time"
)

// SubTask is a checklist entry owned by a single task.
type SubTask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Task is a single card on a board.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Note          string    `json:"note"`
	Completed     bool      `json:"completed"`
	Board         Board     `json:"board"`
	OriginalBoard Board     `json:"originalBoard"`
	LastBoard     Board     `json:"lastBoard"`
	Order         int       `json:"order"`
	AllListsOrder int       `json:"allListsOrder"`
	List          string    `json:"list"`
	Owner         string    `json:"owner"`
	SubTasks      []SubTask `json:"subTasks"`
	ListInfo      *ListInfo `json:"listInfo,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	if t.SubTasks != nil {
		c.SubTasks = append([]SubTask(nil), t.SubTasks...)
	}
	if t.ListInfo != nil {
		info := *t.ListInfo
		c.ListInfo = &info
	}
	return c
}

// ListID returns the id of the list the task belongs to, preferring the
// denormalized listInfo when present.
func (t Task) ListID() string {
	if t.ListInfo != nil && t.ListInfo.ID != "" {
		return t.ListInfo.ID
	}
	return t.List
}

// MoveTo places the task on board b, keeping lastBoard and completed consistent.
func (t *Task) MoveTo(b Board) {
	t.Completed = CompletedAfterMove(t.Board, b, t.Completed)
	if b == t.Board {
		return
	}
	t.LastBoard = t.Board
	t.Board = b
}

// SetCompleted toggles completion. Completing moves the task to Done and
// un-completing moves it back to the board it came from.
func (t *Task) SetCompleted(completed bool) {
	if completed {
		t.MoveTo(BoardDone)
		return
	}
	if t.Board == BoardDone {
		t.MoveTo(RestoreBoard(*t))
		return
	}
	t.Completed = false
}

// Apply merges the patch into t. A board change wins over a completed flag in the same patch.
func (t *Task) Apply(p TaskPatch) {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Note != nil {
		t.Note = *p.Note
	}
	if p.OriginalBoard != nil {
		t.OriginalBoard = *p.OriginalBoard
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
	switch {
	case p.Board != nil:
		t.MoveTo(*p.Board)
	case p.Completed != nil:
		t.SetCompleted(*p.Completed)
	}
}

// NewTask carries the fields accepted by task creation.
type NewTask struct {
	Title  string `json:"title"`
	Board  Board  `json:"board"`
	ListID string `json:"listId"`
}

// Validate normalises the request and reports missing fields.
func (n *NewTask) Validate() error {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return Invalid("title is required")
	}
	if n.ListID == "" {
		return Invalid("listId is required")
	}
	if n.ListID == AllListsID {
		return Invalid("tasks cannot be created in the all lists view")
	}
	if n.Board == "" {
		n.Board = BoardBacklog
	}
	if !n.Board.Valid() {
		return Invalid("unknown board %q", n.Board)
	}
	return nil
}

// TaskPatch is a partial task update; nil fields are left untouched.
type TaskPatch struct {
	Title         *string `json:"title,omitempty"`
	Note          *string `json:"note,omitempty"`
	Completed     *bool   `json:"completed,omitempty"`
	Board         *Board  `json:"board,omitempty"`
	OriginalBoard *Board  `json:"originalBoard,omitempty"`
	Order         *int    `json:"order,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Note == nil && p.Completed == nil && p.Board == nil && p.OriginalBoard == nil && p.Order == nil
}

// Validate rejects blank titles and unknown boards.
func (p TaskPatch) Validate() error {
	if p.Empty() {
		return Invalid("update had no fields")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return Invalid("title is required")
	}
	if p.Board != nil && !p.Board.Valid() {
		return Invalid("unknown board %q", *p.Board)
	}
	if p.OriginalBoard != nil && !p.OriginalBoard.Valid() {
		return Invalid("unknown board %q", *p.OriginalBoard)
	}
	return nil
}

// SubTaskPatch is a partial subtask update.
type SubTaskPatch struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// Validate rejects empty and blank-title patches.
func (p SubTaskPatch) Validate() error {
	if p.Title == nil && p.Completed == nil {
		return Invalid("update had no fields")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return Invalid("title is required")
	}
	return nil
}

// Apply merges the patch into s.
func (p SubTaskPatch) Apply(s *SubTask) {
	if p.Title != nil {
		s.Title = strings.TrimSpace(*p.Title)
	}
	if p.Completed != nil {
		s.Completed = *p.Completed
	}
}

// OrderUpdate assigns a position to a task. Exactly one of Order and
// AllListsOrder is set, depending on which view was reordered. Version is
// only filled in on published events, with the task's version after a
// regular reorder wrote it.
type OrderUpdate struct {
	TaskID        string `json:"taskId"`
	Order         *int   `json:"order,omitempty"`
	AllListsOrder *int   `json:"allListsOrder,omitempty"`
	Version       int64  `json:"version,omitempty"`
}

// RegularOrder builds a per-list order update.
func RegularOrder(taskID string, order int) OrderUpdate {
	return OrderUpdate{TaskID: taskID, Order: &order}
}

// AllListsPosition builds an all-lists order update.
func AllListsPosition(taskID string, order int) OrderUpdate {
	return OrderUpdate{TaskID: taskID, AllListsOrder: &order}
}

// Position returns the assigned value for the given reorder type.
func (u OrderUpdate) Position(typ ReorderType) (int, bool) {
	if typ == ReorderAllLists {
		if u.AllListsOrder == nil {
			return 0, false
		}
		return *u.AllListsOrder, true
	}
	if u.Order == nil {
		return 0, false
	}
	return *u.Order, true
}

// ValidateOrderUpdates checks that every update carries the field for typ.
func ValidateOrderUpdates(typ ReorderType, updates []OrderUpdate) error {
	if len(updates) == 0 {
		return Invalid("no order updates")
	}
	for _, u := range updates {
		if u.TaskID == "" {
			return Invalid("taskId is required")
		}
		if _, ok := u.Position(typ); !ok {
			return Invalid("task %s has no %s position", u.TaskID, typ)
		}
	}
	return nil
}
