package service

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
)

// OrderAssigner hands out positions for new tasks. Assignment and the
// allListsOrder repair run under a per-owner lock so that tasks created
// concurrently in one process never share a position.
type OrderAssigner struct {
	st OrderStore

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	repaired map[string]bool
}

func NewOrderAssigner(st OrderStore) *OrderAssigner {
	return &OrderAssigner{
		st:       st,
		locks:    make(map[string]*sync.Mutex),
		repaired: make(map[string]bool),
	}
}

func (a *OrderAssigner) lock(owner string) func() {
	a.mu.Lock()
	l, ok := a.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		a.locks[owner] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (a *OrderAssigner) isRepaired(owner string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repaired[owner]
}

func (a *OrderAssigner) markRepaired(owner string) {
	a.mu.Lock()
	a.repaired[owner] = true
	a.mu.Unlock()
}

// NextOrder returns one past the highest order on board within the list, or 0.
func (a *OrderAssigner) NextOrder(ctx context.Context, owner, listID string, board domain.Board) (int, error) {
	max, ok, err := a.st.MaxOrder(ctx, owner, listID, board)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return max + 1, nil
}

// NextAllListsOrder returns one past the highest allListsOrder of the owner, or 0.
// Tasks still missing an allListsOrder are not counted.
func (a *OrderAssigner) NextAllListsOrder(ctx context.Context, owner string) (int, error) {
	max, ok, err := a.st.MaxAllListsOrder(ctx, owner)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return max + 1, nil
}

// Insert assigns both positions to t and stores it. The owner's legacy tasks
// are repaired first, once per process.
func (a *OrderAssigner) Insert(ctx context.Context, t *domain.Task) error {
	unlock := a.lock(t.Owner)
	defer unlock()

	if !a.isRepaired(t.Owner) {
		if _, err := a.repairLocked(ctx, t.Owner); err != nil {
			return fmt.Errorf("repair all lists order: %w", err)
		}
		a.markRepaired(t.Owner)
	}
	order, err := a.NextOrder(ctx, t.Owner, t.List, t.Board)
	if err != nil {
		return err
	}
	allListsOrder, err := a.NextAllListsOrder(ctx, t.Owner)
	if err != nil {
		return err
	}
	t.Order = order
	t.AllListsOrder = allListsOrder
	return a.st.InsertTask(ctx, *t)
}

// Backfill assigns sequential allListsOrder values, in board then creation
// order, to the owner's tasks that lack one. Only tasks still missing a value
// are written, so repeated or concurrent runs never assign twice.
func (a *OrderAssigner) Backfill(ctx context.Context, owner string) (n int, err error) {
	ctx, span := tracer().Start(ctx, "orders.backfill", trace.WithAttributes(attribute.String("owner", owner)))
	defer func() { finish(span, err) }()

	unlock := a.lock(owner)
	defer unlock()
	n, err = a.repairLocked(ctx, owner)
	if err != nil {
		return n, err
	}
	a.markRepaired(owner)
	return n, nil
}

// EnsureBackfilled runs Backfill for owner unless it already succeeded in this process.
func (a *OrderAssigner) EnsureBackfilled(ctx context.Context, owner string) error {
	if a.isRepaired(owner) {
		return nil
	}
	_, err := a.Backfill(ctx, owner)
	return err
}

// BackfillAll repairs every owner that has tasks and reports how many tasks were written.
func (a *OrderAssigner) BackfillAll(ctx context.Context) (owners, tasks int, err error) {
	all, err := a.st.TaskOwners(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, owner := range all {
		n, err := a.Backfill(ctx, owner)
		if err != nil {
			return owners, tasks, fmt.Errorf("backfill %s: %w", owner, err)
		}
		owners++
		tasks += n
	}
	return owners, tasks, nil
}

func (a *OrderAssigner) repairLocked(ctx context.Context, owner string) (int, error) {
	missing, err := a.st.TasksMissingAllListsOrder(ctx, owner)
	if err != nil || len(missing) == 0 {
		return 0, err
	}
	next, err := a.NextAllListsOrder(ctx, owner)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, t := range missing {
		ok, err := a.st.SetAllListsOrderIfMissing(ctx, owner, t.ID, next)
		if err != nil {
			return written, err
		}
		if ok {
			next++
			written++
		}
	}
	log.WithFields(log.Fields{"owner": owner, "tasks": written}).Info("backfilled all lists order")
	return written, nil
}
