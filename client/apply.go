package client

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// state is the mutable store content. Every rule here is idempotent, so an
// event may be applied more than once, which happens when events are
// replayed onto a freshly loaded snapshot.
type state struct {
	views []View
}

func newState(lists []domain.List) *state {
	st := &state{}
	var all View
	for _, l := range lists {
		v := newView(l)
		if _, ok := v.(*AggregateListView); ok {
			all = v
			continue
		}
		st.views = append(st.views, v)
	}
	if all != nil {
		st.views = append(st.views, all)
	}
	return st
}

func (st *state) snapshot() []View {
	out := make([]View, len(st.views))
	for i, v := range st.views {
		out[i] = v.clone()
	}
	return out
}

func (st *state) view(id string) View {
	for _, v := range st.views {
		if v.ID() == id {
			return v
		}
	}
	return nil
}

func (st *state) aggregate() *AggregateListView {
	for _, v := range st.views {
		if a, ok := v.(*AggregateListView); ok {
			return a
		}
	}
	return nil
}

func (st *state) concrete(id string) *ConcreteListView {
	if c, ok := st.view(id).(*ConcreteListView); ok {
		return c
	}
	return nil
}

// find returns the first copy of a task in any view.
func (st *state) find(id string) (domain.Task, bool) {
	for _, v := range st.views {
		items := *v.items()
		if i := indexOf(items, id); i >= 0 {
			return items[i], true
		}
	}
	return domain.Task{}, false
}

func createdKey(taskID string) string { return "task:created/" + taskID }

func updatedKey(t domain.Task) string { return fmt.Sprintf("task:updated/%s@%d", t.ID, t.Version) }

func subTaskKey(event, taskID, subID string) string { return event + "/" + taskID + "/" + subID }

func listKey(event, listID string) string { return event + "/" + listID }

// apply folds one event into the state and returns the confirmation key the
// event satisfies, if any.
func (st *state) apply(ev domain.Event) (string, error) {
	switch ev.Name {
	case domain.EventTaskCreated:
		var p domain.TaskCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.taskCreated(p)
		return createdKey(p.Task.ID), nil
	case domain.EventTaskUpdated, domain.EventTaskMoved:
		var p domain.TaskPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.replaceTask(p.Task)
		if ev.Name == domain.EventTaskUpdated {
			return updatedKey(p.Task), nil
		}
		return "", nil
	case domain.EventTaskDeleted:
		var p domain.TaskDeletedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.removeTask(p.TaskID)
		return "", nil
	case domain.EventTaskReordered:
		var p domain.TaskReorderedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.reordered(p.Type, p.Tasks)
		return "", nil
	case domain.EventTasksDeletedBulk:
		var p domain.TasksDeletedBulkPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.deletedBulk(p.ListID, p.IsAllLists)
		return "", nil
	case domain.EventSubTaskCreated, domain.EventSubTaskUpdated:
		var p domain.SubTaskPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.putSubTask(p.TaskID, p.SubTask, p.Version)
		return subTaskKey(ev.Name, p.TaskID, p.SubTask.ID), nil
	case domain.EventSubTaskDeleted:
		var p domain.SubTaskDeletedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.removeSubTask(p.TaskID, p.SubTaskID, p.Version)
		return subTaskKey(ev.Name, p.TaskID, p.SubTaskID), nil
	case domain.EventListCreated, domain.EventListUpdated:
		var p domain.ListPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.putList(p.List)
		return listKey(ev.Name, p.List.ID), nil
	case domain.EventListDeleted:
		var p domain.ListDeletedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		st.removeList(p.ListID)
		return listKey(ev.Name, p.ListID), nil
	default:
		log.WithField("event", ev.Name).Warn("ignoring unknown event")
		return "", nil
	}
}

// upsert inserts t into items or replaces an older copy. The local copy's
// listInfo always survives.
func upsert(items *[]domain.Task, t domain.Task) {
	i := indexOf(*items, t.ID)
	if i < 0 {
		*items = append(*items, t)
		return
	}
	cur := (*items)[i]
	if t.Version < cur.Version {
		return
	}
	t.ListInfo = cur.ListInfo
	(*items)[i] = t
}

func (st *state) taskCreated(p domain.TaskCreatedPayload) {
	t := p.Task.Clone()
	listID := p.ListID
	if listID == "" {
		listID = t.List
	}
	var info *domain.ListInfo
	if c := st.concrete(listID); c != nil {
		local := t.Clone()
		local.ListInfo = nil
		upsert(&c.Items, local)
		meta := c.List.Info()
		info = &meta
	}
	if a := st.aggregate(); a != nil {
		if info == nil {
			info = t.ListInfo
		}
		if info == nil {
			info = &domain.ListInfo{ID: listID}
		}
		denorm := t.Clone()
		denorm.ListInfo = info
		if i := indexOf(a.Items, t.ID); i >= 0 && a.Items[i].ListInfo != nil {
			denorm.ListInfo = a.Items[i].ListInfo
		}
		upsert(&a.Items, denorm)
	}
}

// replaceTask swaps the task in every view that currently holds it.
// allListsOrder only changes through all-lists reorders, so the local value
// is kept.
func (st *state) replaceTask(t domain.Task) {
	for _, v := range st.views {
		items := v.items()
		i := indexOf(*items, t.ID)
		if i < 0 {
			continue
		}
		cur := (*items)[i]
		if t.Version < cur.Version {
			continue
		}
		next := t.Clone()
		next.ListInfo = cur.ListInfo
		next.AllListsOrder = cur.AllListsOrder
		(*items)[i] = next
	}
}

// patchTask applies fn to every copy of the task.
func (st *state) patchTask(id string, fn func(*domain.Task)) bool {
	found := false
	for _, v := range st.views {
		items := *v.items()
		if i := indexOf(items, id); i >= 0 {
			fn(&items[i])
			found = true
		}
	}
	return found
}

func (st *state) removeTask(id string) {
	for _, v := range st.views {
		items := v.items()
		if i := indexOf(*items, id); i >= 0 {
			*items = append((*items)[:i], (*items)[i+1:]...)
		}
	}
}

// newer reports whether a write at version is ahead of t. Zero means the
// event carries no version and always applies.
func newer(t domain.Task, version int64) bool {
	return version == 0 || version > t.Version
}

func advance(t *domain.Task, version int64) {
	if version > t.Version {
		t.Version = version
	}
}

// reordered patches positions only in the views whose order key matches
// typ. A versioned update advances every copy of the task so that an older
// task:updated arriving later is ignored.
func (st *state) reordered(typ domain.ReorderType, updates []domain.OrderUpdate) {
	for _, v := range st.views {
		items := *v.items()
		for _, u := range updates {
			pos, ok := u.Position(typ)
			if !ok {
				continue
			}
			i := indexOf(items, u.TaskID)
			if i < 0 || !newer(items[i], u.Version) {
				continue
			}
			if v.ReorderType() == typ {
				v.setPosition(&items[i], pos)
			}
			advance(&items[i], u.Version)
		}
	}
}

func removeCompleted(items *[]domain.Task, keep func(domain.Task) bool) {
	out := (*items)[:0]
	for _, t := range *items {
		if t.Completed && !keep(t) {
			continue
		}
		out = append(out, t)
	}
	*items = out
}

func (st *state) deletedBulk(listID string, allLists bool) {
	if allLists || listID == domain.AllListsID {
		for _, v := range st.views {
			removeCompleted(v.items(), func(domain.Task) bool { return false })
		}
		return
	}
	if c := st.concrete(listID); c != nil {
		removeCompleted(&c.Items, func(domain.Task) bool { return false })
	}
	if a := st.aggregate(); a != nil {
		removeCompleted(&a.Items, func(t domain.Task) bool { return t.ListID() != listID })
	}
}

func (st *state) putSubTask(taskID string, sub domain.SubTask, version int64) {
	st.patchTask(taskID, func(t *domain.Task) {
		if !newer(*t, version) {
			return
		}
		advance(t, version)
		for i := range t.SubTasks {
			if t.SubTasks[i].ID == sub.ID {
				t.SubTasks[i] = sub
				return
			}
		}
		t.SubTasks = append(t.SubTasks, sub)
	})
}

func (st *state) removeSubTask(taskID, subID string, version int64) {
	st.patchTask(taskID, func(t *domain.Task) {
		if !newer(*t, version) {
			return
		}
		advance(t, version)
		for i := range t.SubTasks {
			if t.SubTasks[i].ID == subID {
				t.SubTasks = append(t.SubTasks[:i], t.SubTasks[i+1:]...)
				return
			}
		}
	})
}

// putList inserts a new concrete list ahead of the aggregate view or merges
// the metadata of a known one, keeping its loaded tasks.
func (st *state) putList(l domain.List) {
	if l.ID == "" || l.ID == domain.AllListsID {
		return
	}
	l.Tasks = nil
	if c := st.concrete(l.ID); c != nil {
		c.List = l
		return
	}
	v := &ConcreteListView{List: l, Items: []domain.Task{}}
	n := len(st.views)
	if n > 0 {
		if _, ok := st.views[n-1].(*AggregateListView); ok {
			st.views = append(st.views[:n-1], v, st.views[n-1])
			return
		}
	}
	st.views = append(st.views, v)
}

// removeList drops the list and, since the server cascades the delete, the
// aggregate entries that belonged to it.
func (st *state) removeList(id string) {
	for i, v := range st.views {
		if c, ok := v.(*ConcreteListView); ok && c.List.ID == id {
			st.views = append(st.views[:i], st.views[i+1:]...)
			break
		}
	}
	if a := st.aggregate(); a != nil {
		out := a.Items[:0]
		for _, t := range a.Items {
			if t.ListID() != id {
				out = append(out, t)
			}
		}
		a.Items = out
	}
}
