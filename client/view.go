package client

import (
	"sort"

	"boardsync/domain"
)

// View is the read side shared by a concrete list and the all lists
// aggregate. Each view decides which order key positions its tasks.
type View interface {
	ID() string
	Meta() domain.List
	Tasks() []domain.Task
	// Board returns the tasks of b sorted by the view's order key.
	Board(b domain.Board) []domain.Task
	Position(t domain.Task) int
	ReorderType() domain.ReorderType

	setPosition(t *domain.Task, pos int)
	items() *[]domain.Task
	clone() View
}

// ConcreteListView is one persisted list. Its tasks are positioned by order.
type ConcreteListView struct {
	List  domain.List
	Items []domain.Task
}

// AggregateListView is the synthesized all lists view. Its tasks carry
// listInfo and are positioned by allListsOrder.
type AggregateListView struct {
	List  domain.List
	Items []domain.Task
}

func (v *ConcreteListView) ID() string { return v.List.ID }
func (v *ConcreteListView) Meta() domain.List { return v.List }
func (v *ConcreteListView) Tasks() []domain.Task { return cloneTasks(v.Items) }
func (v *ConcreteListView) Board(b domain.Board) []domain.Task { return boardOf(v, b) }
func (v *ConcreteListView) Position(t domain.Task) int { return t.Order }
func (v *ConcreteListView) ReorderType() domain.ReorderType { return domain.ReorderRegular }
func (v *ConcreteListView) setPosition(t *domain.Task, pos int) { t.Order = pos }
func (v *ConcreteListView) items() *[]domain.Task { return &v.Items }
func (v *ConcreteListView) clone() View {
	return &ConcreteListView{List: v.List, Items: cloneTasks(v.Items)}
}

func (v *AggregateListView) ID() string { return domain.AllListsID }
func (v *AggregateListView) Meta() domain.List { return v.List }
func (v *AggregateListView) Tasks() []domain.Task { return cloneTasks(v.Items) }
func (v *AggregateListView) Board(b domain.Board) []domain.Task { return boardOf(v, b) }
func (v *AggregateListView) Position(t domain.Task) int { return t.AllListsOrder }
func (v *AggregateListView) ReorderType() domain.ReorderType { return domain.ReorderAllLists }
func (v *AggregateListView) setPosition(t *domain.Task, pos int) { t.AllListsOrder = pos }
func (v *AggregateListView) items() *[]domain.Task { return &v.Items }
func (v *AggregateListView) clone() View {
	return &AggregateListView{List: v.List, Items: cloneTasks(v.Items)}
}

func boardOf(v View, b domain.Board) []domain.Task {
	var out []domain.Task
	for _, t := range *v.items() {
		if t.Board == b {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := v.Position(out[i]), v.Position(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneTasks(in []domain.Task) []domain.Task {
	if in == nil {
		return nil
	}
	out := make([]domain.Task, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

func indexOf(tasks []domain.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// newView splits a list returned by the server into its variant.
func newView(l domain.List) View {
	items := l.Tasks
	if items == nil {
		items = []domain.Task{}
	}
	l.Tasks = nil
	if l.IsAllLists || l.ID == domain.AllListsID {
		return &AggregateListView{List: l, Items: items}
	}
	return &ConcreteListView{List: l, Items: items}
}

// Snapshot is a copy of the store state, safe to read without locking.
type Snapshot struct {
	// Views holds the concrete lists in server order followed by the
	// aggregate view when the server returned one.
	Views []View
	// Err is the last user-facing failure message, if any.
	Err string
}

// View returns the view with the given id.
func (s Snapshot) View(id string) (View, bool) {
	for _, v := range s.Views {
		if v.ID() == id {
			return v, true
		}
	}
	return nil, false
}

// Task returns the first copy of the task found in any view.
func (s Snapshot) Task(id string) (domain.Task, bool) {
	for _, v := range s.Views {
		items := *v.items()
		if i := indexOf(items, id); i >= 0 {
			return items[i].Clone(), true
		}
	}
	return domain.Task{}, false
}
