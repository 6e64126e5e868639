package storage

import (
	"context"
	"fmt"
	"sync"

	"boardsync/domain"
)

type memTask struct {
	task        domain.Task
	hasAllLists bool
}

// Memory is a process-local Backend used for local runs and tests.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*memTask
	lists map[string]domain.List
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*memTask), lists: make(map[string]domain.List)}
}

func (m *Memory) InsertTask(_ context.Context, t domain.Task) error {
	return m.insert(t, true)
}

// InsertLegacyTask stores a task without an allListsOrder, as written before
// the all lists view existed.
func (m *Memory) InsertLegacyTask(_ context.Context, t domain.Task) error {
	t.AllListsOrder = 0
	return m.insert(t, false)
}

func (m *Memory) insert(t domain.Task, hasAllLists bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = &memTask{task: t.Clone(), hasAllLists: hasAllLists}
	return nil
}

func (m *Memory) GetTask(_ context.Context, owner, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[id]
	if !ok || rec.task.Owner != owner {
		return nil, nil
	}
	t := rec.task.Clone()
	return &t, nil
}

func (m *Memory) SaveTask(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[t.ID]
	if !ok || rec.task.Owner != t.Owner {
		return domain.ErrNotFound
	}
	if rec.task.Version != t.Version {
		return domain.ErrConcurrencyConflict
	}
	t.Version++
	next := t.Clone()
	next.AllListsOrder = rec.task.AllListsOrder
	next.ListInfo = nil
	rec.task = next
	t.AllListsOrder = next.AllListsOrder
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, owner, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok || rec.task.Owner != owner {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *Memory) ListTasks(_ context.Context, owner, listID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, rec := range m.tasks {
		if rec.task.Owner != owner || (listID != "" && rec.task.List != listID) {
			continue
		}
		out = append(out, rec.task.Clone())
	}
	sortTasks(out)
	return out, nil
}

func (m *Memory) DeleteCompletedTasks(_ context.Context, owner, listID string) (int, error) {
	return m.deleteWhere(func(t domain.Task) bool {
		return t.Owner == owner && t.Completed && (listID == "" || t.List == listID)
	}), nil
}

func (m *Memory) DeleteListTasks(_ context.Context, owner, listID string) (int, error) {
	return m.deleteWhere(func(t domain.Task) bool {
		return t.Owner == owner && t.List == listID
	}), nil
}

func (m *Memory) deleteWhere(match func(domain.Task) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.tasks {
		if match(rec.task) {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

func (m *Memory) MaxOrder(_ context.Context, owner, listID string, board domain.Board) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max, found := 0, false
	for _, rec := range m.tasks {
		t := rec.task
		if t.Owner != owner || t.List != listID || t.Board != board {
			continue
		}
		if !found || t.Order > max {
			max, found = t.Order, true
		}
	}
	return max, found, nil
}

func (m *Memory) MaxAllListsOrder(_ context.Context, owner string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max, found := 0, false
	for _, rec := range m.tasks {
		if rec.task.Owner != owner || !rec.hasAllLists {
			continue
		}
		if !found || rec.task.AllListsOrder > max {
			max, found = rec.task.AllListsOrder, true
		}
	}
	return max, found, nil
}

func (m *Memory) TasksMissingAllListsOrder(_ context.Context, owner string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, rec := range m.tasks {
		if rec.task.Owner == owner && !rec.hasAllLists {
			out = append(out, rec.task.Clone())
		}
	}
	sortLegacy(out)
	return out, nil
}

func (m *Memory) SetAllListsOrder(_ context.Context, owner, id string, order int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok || rec.task.Owner != owner {
		return domain.ErrNotFound
	}
	rec.task.AllListsOrder = order
	rec.hasAllLists = true
	return nil
}

func (m *Memory) SetAllListsOrderIfMissing(_ context.Context, owner, id string, order int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok || rec.task.Owner != owner || rec.hasAllLists {
		return false, nil
	}
	rec.task.AllListsOrder = order
	rec.hasAllLists = true
	return true, nil
}

func (m *Memory) TaskOwners(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	owners := []string{}
	for _, rec := range m.tasks {
		if _, ok := seen[rec.task.Owner]; ok {
			continue
		}
		seen[rec.task.Owner] = struct{}{}
		owners = append(owners, rec.task.Owner)
	}
	return owners, nil
}

func (m *Memory) InsertList(_ context.Context, l domain.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[l.ID]; ok {
		return fmt.Errorf("list %s already exists", l.ID)
	}
	l.Tasks = nil
	m.lists[l.ID] = l
	return nil
}

func (m *Memory) GetList(_ context.Context, owner, id string) (*domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[id]
	if !ok || l.Owner != owner {
		return nil, nil
	}
	return &l, nil
}

func (m *Memory) SaveList(_ context.Context, l domain.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.lists[l.ID]
	if !ok || cur.Owner != l.Owner {
		return domain.ErrNotFound
	}
	l.Tasks = nil
	m.lists[l.ID] = l
	return nil
}

func (m *Memory) DeleteList(_ context.Context, owner, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[id]
	if !ok || l.Owner != owner {
		return false, nil
	}
	delete(m.lists, id)
	return true, nil
}

func (m *Memory) ListLists(_ context.Context, owner string) ([]domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.List{}
	for _, l := range m.lists {
		if l.Owner == owner {
			out = append(out, l)
		}
	}
	sortLists(out)
	return out, nil
}
