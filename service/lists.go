package service

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
)

// AllListsTitle is the title of the synthesized aggregate list.
const AllListsTitle = "All Lists"

// ListService applies list commands on behalf of an owner.
type ListService struct {
	st    Store
	tasks *TaskService
	pub   Publisher
	now   clock
	newID func() string
}

func NewListService(st Store, tasks *TaskService, pub Publisher) *ListService {
	return &ListService{st: st, tasks: tasks, pub: pub, now: utcNow, newID: newID}
}

func (s *ListService) CreateList(ctx context.Context, owner string, in domain.NewList) (_ domain.List, err error) {
	ctx, span := tracer().Start(ctx, "lists.create")
	defer func() { finish(span, err) }()

	if err := in.Validate(); err != nil {
		return domain.List{}, err
	}
	l := domain.List{
		ID:          s.newID(),
		Title:       in.Title,
		Description: in.Description,
		Color:       in.Color,
		ImageURL:    in.ImageURL,
		Owner:       owner,
		UpdatedAt:   s.now(),
	}
	if err := s.st.InsertList(ctx, l); err != nil {
		return domain.List{}, err
	}
	publish(ctx, s.pub, owner, domain.EventListCreated, domain.ListPayload{List: l})
	return l, nil
}

func (s *ListService) UpdateList(ctx context.Context, owner, id string, patch domain.ListPatch) (_ domain.List, err error) {
	ctx, span := tracer().Start(ctx, "lists.update", trace.WithAttributes(attribute.String("list.id", id)))
	defer func() { finish(span, err) }()

	if id == domain.AllListsID {
		return domain.List{}, domain.Invalid("the all lists view cannot be edited")
	}
	if err := patch.Validate(); err != nil {
		return domain.List{}, err
	}
	l, err := s.st.GetList(ctx, owner, id)
	if err != nil {
		return domain.List{}, err
	}
	if l == nil {
		return domain.List{}, notFound("list", id)
	}
	patch.Apply(l)
	l.UpdatedAt = s.now()
	if err := s.st.SaveList(ctx, *l); err != nil {
		return domain.List{}, err
	}
	publish(ctx, s.pub, owner, domain.EventListUpdated, domain.ListPayload{List: *l})
	return *l, nil
}

// DeleteList removes the list and every task in it.
func (s *ListService) DeleteList(ctx context.Context, owner, id string) (err error) {
	ctx, span := tracer().Start(ctx, "lists.delete", trace.WithAttributes(attribute.String("list.id", id)))
	defer func() { finish(span, err) }()

	ok, err := s.st.DeleteList(ctx, owner, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("list", id)
	}
	n, err := s.st.DeleteListTasks(ctx, owner, id)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"user": owner, "list": id}).Error("failed to delete tasks of deleted list")
		return err
	}
	span.SetAttributes(attribute.Int("tasks.deleted", n))
	publish(ctx, s.pub, owner, domain.EventListDeleted, domain.ListDeletedPayload{ListID: id})
	return nil
}

// GetLists returns the owner's lists with their tasks, followed by the
// synthesized all lists entry holding the aggregate view.
func (s *ListService) GetLists(ctx context.Context, owner string) ([]domain.List, error) {
	lists, err := s.st.ListLists(ctx, owner)
	if err != nil {
		return nil, err
	}
	all, err := s.tasks.GetAllTasksForUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	byList := make(map[string][]domain.Task, len(lists))
	for _, t := range all {
		t = t.Clone()
		t.ListInfo = nil
		byList[t.List] = append(byList[t.List], t)
	}
	out := make([]domain.List, 0, len(lists)+1)
	for _, l := range lists {
		l.Tasks = byList[l.ID]
		if l.Tasks == nil {
			l.Tasks = []domain.Task{}
		}
		sortByOrder(l.Tasks)
		out = append(out, l)
	}
	out = append(out, domain.List{
		ID:         domain.AllListsID,
		Title:      AllListsTitle,
		Color:      domain.ColorBlue,
		Owner:      owner,
		IsAllLists: true,
		Tasks:      all,
	})
	return out, nil
}

func sortByOrder(tasks []domain.Task) {
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
