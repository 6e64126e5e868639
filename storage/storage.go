// Package storage holds the persistence backends for lists and tasks and a
// Redis read cache that can wrap any of them.
package storage

import (
	"context"
	"sort"

	"boardsync/domain"
)

// Backend is implemented by every persistence backend.
//
// Lookups scoped to an owner never see other owners' entities: GetTask and
// GetList return (nil, nil) both for missing ids and for ids owned by someone else.
// SaveTask is conditional on t.Version and bumps it on success; it does not
// write AllListsOrder, which only changes through InsertTask, SetAllListsOrder
// and SetAllListsOrderIfMissing.
type Backend interface {
	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, owner, id string) (*domain.Task, error)
	SaveTask(ctx context.Context, t *domain.Task) error
	DeleteTask(ctx context.Context, owner, id string) (bool, error)
	ListTasks(ctx context.Context, owner, listID string) ([]domain.Task, error)
	DeleteCompletedTasks(ctx context.Context, owner, listID string) (int, error)
	DeleteListTasks(ctx context.Context, owner, listID string) (int, error)
	MaxOrder(ctx context.Context, owner, listID string, board domain.Board) (int, bool, error)
	MaxAllListsOrder(ctx context.Context, owner string) (int, bool, error)
	TasksMissingAllListsOrder(ctx context.Context, owner string) ([]domain.Task, error)
	SetAllListsOrder(ctx context.Context, owner, id string, order int) error
	SetAllListsOrderIfMissing(ctx context.Context, owner, id string, order int) (bool, error)
	TaskOwners(ctx context.Context) ([]string, error)

	InsertList(ctx context.Context, l domain.List) error
	GetList(ctx context.Context, owner, id string) (*domain.List, error)
	SaveList(ctx context.Context, l domain.List) error
	DeleteList(ctx context.Context, owner, id string) (bool, error)
	ListLists(ctx context.Context, owner string) ([]domain.List, error)
}

// sortTasks orders tasks by board, then position, then creation time.
func sortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Board != b.Board {
			return a.Board.Rank() < b.Board.Rank()
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// sortLegacy orders tasks the way the all-lists backfill numbers them.
func sortLegacy(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Board != b.Board {
			return a.Board.Rank() < b.Board.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func sortLists(lists []domain.List) {
	sort.SliceStable(lists, func(i, j int) bool { return lists[i].Title < lists[j].Title })
}
