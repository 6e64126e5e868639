package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"boardsync/domain"
)

const (
	edmInt32    = "Edm.Int32"
	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"
)

// Tables stores lists and tasks in Azure Table Storage, partitioned by owner.
type Tables struct {
	taskTable *aztables.Client
	listTable *aztables.Client
}

// NewTables creates a Tables backend from the given connection string.
func NewTables(connStr, tasksTable, listsTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{taskTable: svc.NewClient(tasksTable), listTable: svc.NewClient(listsTable)}, nil
}

// CreateTables creates the backing tables, ignoring ones that already exist.
func (s *Tables) CreateTables(ctx context.Context) error {
	for _, c := range []*aztables.Client{s.taskTable, s.listTable} {
		if _, err := c.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

// entityKeys are the system keys of a table entity: the owner and the entity id.
type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	Title             string    `json:"Title"`
	Note              string    `json:"Note"`
	Completed         bool      `json:"Completed"`
	Board             string    `json:"Board"`
	OriginalBoard     string    `json:"OriginalBoard"`
	LastBoard         string    `json:"LastBoard"`
	Order             int       `json:"Order"`
	OrderType         string    `json:"Order@odata.type"`
	AllListsOrder     *int      `json:"AllListsOrder,omitempty"`
	AllListsOrderType *string   `json:"AllListsOrder@odata.type,omitempty"`
	List              string    `json:"List"`
	SubTasks          string    `json:"SubTasks"`
	Version           int64     `json:"Version,string"`
	VersionType       string    `json:"Version@odata.type"`
	CreatedAt         time.Time `json:"CreatedAt"`
	CreatedAtType     string    `json:"CreatedAt@odata.type"`
	UpdatedAt         time.Time `json:"UpdatedAt"`
	UpdatedAtType     string    `json:"UpdatedAt@odata.type"`
}

// taskUpdate is merged into an existing entity and leaves AllListsOrder alone.
type taskUpdate struct {
	entityKeys
	Title         string    `json:"Title"`
	Note          string    `json:"Note"`
	Completed     bool      `json:"Completed"`
	Board         string    `json:"Board"`
	OriginalBoard string    `json:"OriginalBoard"`
	LastBoard     string    `json:"LastBoard"`
	Order         int       `json:"Order"`
	OrderType     string    `json:"Order@odata.type"`
	SubTasks      string    `json:"SubTasks"`
	Version       int64     `json:"Version,string"`
	VersionType   string    `json:"Version@odata.type"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

type allListsOrderUpdate struct {
	entityKeys
	AllListsOrder     int    `json:"AllListsOrder"`
	AllListsOrderType string `json:"AllListsOrder@odata.type"`
}

type listEntity struct {
	entityKeys
	Title         string    `json:"Title"`
	Description   string    `json:"Description"`
	Color         string    `json:"Color"`
	ImageURL      string    `json:"ImageUrl"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

func newTaskEntity(t domain.Task) (taskEntity, error) {
	subs, err := encodeSubTasks(t.SubTasks)
	if err != nil {
		return taskEntity{}, err
	}
	alo := t.AllListsOrder
	aloType := edmInt32
	return taskEntity{
		entityKeys:        entityKeys{PartitionKey: t.Owner, RowKey: t.ID},
		Title:             t.Title,
		Note:              t.Note,
		Completed:         t.Completed,
		Board:             string(t.Board),
		OriginalBoard:     string(t.OriginalBoard),
		LastBoard:         string(t.LastBoard),
		Order:             t.Order,
		OrderType:         edmInt32,
		AllListsOrder:     &alo,
		AllListsOrderType: &aloType,
		List:              t.List,
		SubTasks:          subs,
		Version:           t.Version,
		VersionType:       edmInt64,
		CreatedAt:         t.CreatedAt.UTC(),
		CreatedAtType:     edmDateTime,
		UpdatedAt:         t.UpdatedAt.UTC(),
		UpdatedAtType:     edmDateTime,
	}, nil
}

func (e taskEntity) task() (domain.Task, error) {
	t := domain.Task{
		ID:            e.RowKey,
		Owner:         e.PartitionKey,
		Title:         e.Title,
		Note:          e.Note,
		Completed:     e.Completed,
		Board:         domain.Board(e.Board),
		OriginalBoard: domain.Board(e.OriginalBoard),
		LastBoard:     domain.Board(e.LastBoard),
		Order:         e.Order,
		List:          e.List,
		SubTasks:      []domain.SubTask{},
		Version:       e.Version,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.AllListsOrder != nil {
		t.AllListsOrder = *e.AllListsOrder
	}
	if e.SubTasks != "" {
		if err := sonic.UnmarshalString(e.SubTasks, &t.SubTasks); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

func encodeSubTasks(subs []domain.SubTask) (string, error) {
	if subs == nil {
		subs = []domain.SubTask{}
	}
	return sonic.MarshalString(subs)
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (s *Tables) InsertTask(ctx context.Context, t domain.Task) error {
	ent, err := newTaskEntity(t)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return err
}

func (s *Tables) getTaskEntity(ctx context.Context, owner, id string) (*taskEntity, azcore.ETag, error) {
	resp, err := s.taskTable.GetEntity(ctx, owner, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	var ent taskEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, "", err
	}
	return &ent, resp.ETag, nil
}

func (s *Tables) GetTask(ctx context.Context, owner, id string) (*domain.Task, error) {
	ent, _, err := s.getTaskEntity(ctx, owner, id)
	if err != nil || ent == nil {
		return nil, err
	}
	t, err := ent.task()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTask compares the stored Version and writes through the entity ETag, so a
// concurrent writer between the read and the merge surfaces as a conflict.
func (s *Tables) SaveTask(ctx context.Context, t *domain.Task) error {
	ent, etag, err := s.getTaskEntity(ctx, t.Owner, t.ID)
	if err != nil {
		return err
	}
	if ent == nil {
		return domain.ErrNotFound
	}
	if ent.Version != t.Version {
		return domain.ErrConcurrencyConflict
	}
	subs, err := encodeSubTasks(t.SubTasks)
	if err != nil {
		return err
	}
	upd := taskUpdate{
		entityKeys:    entityKeys{PartitionKey: t.Owner, RowKey: t.ID},
		Title:         t.Title,
		Note:          t.Note,
		Completed:     t.Completed,
		Board:         string(t.Board),
		OriginalBoard: string(t.OriginalBoard),
		LastBoard:     string(t.LastBoard),
		Order:         t.Order,
		OrderType:     edmInt32,
		SubTasks:      subs,
		Version:       t.Version + 1,
		VersionType:   edmInt64,
		UpdatedAt:     t.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	}
	payload, err := sonic.Marshal(upd)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	switch {
	case err == nil:
	case isStatus(err, http.StatusPreconditionFailed):
		return domain.ErrConcurrencyConflict
	case isStatus(err, http.StatusNotFound):
		return domain.ErrNotFound
	default:
		return err
	}
	t.Version++
	if ent.AllListsOrder != nil {
		t.AllListsOrder = *ent.AllListsOrder
	}
	return nil
}

func (s *Tables) DeleteTask(ctx context.Context, owner, id string) (bool, error) {
	_, err := s.taskTable.DeleteEntity(ctx, owner, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Tables) queryTasks(ctx context.Context, filter string) ([]taskEntity, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []taskEntity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func ownerFilter(owner, listID string) string {
	filter := "PartitionKey eq " + quote(owner)
	if listID != "" {
		filter += " and List eq " + quote(listID)
	}
	return filter
}

func (s *Tables) ListTasks(ctx context.Context, owner, listID string) ([]domain.Task, error) {
	ents, err := s.queryTasks(ctx, ownerFilter(owner, listID))
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ents))
	for _, ent := range ents {
		t, err := ent.task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *Tables) deleteMatching(ctx context.Context, filter string) (int, error) {
	ents, err := s.queryTasks(ctx, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range ents {
		ok, err := s.DeleteTask(ctx, ent.PartitionKey, ent.RowKey)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Tables) DeleteCompletedTasks(ctx context.Context, owner, listID string) (int, error) {
	return s.deleteMatching(ctx, ownerFilter(owner, listID)+" and Completed eq true")
}

func (s *Tables) DeleteListTasks(ctx context.Context, owner, listID string) (int, error) {
	return s.deleteMatching(ctx, ownerFilter(owner, listID))
}

func (s *Tables) MaxOrder(ctx context.Context, owner, listID string, board domain.Board) (int, bool, error) {
	ents, err := s.queryTasks(ctx, ownerFilter(owner, listID)+" and Board eq "+quote(string(board)))
	if err != nil {
		return 0, false, err
	}
	max, found := 0, false
	for _, ent := range ents {
		if !found || ent.Order > max {
			max, found = ent.Order, true
		}
	}
	return max, found, nil
}

func (s *Tables) MaxAllListsOrder(ctx context.Context, owner string) (int, bool, error) {
	ents, err := s.queryTasks(ctx, ownerFilter(owner, ""))
	if err != nil {
		return 0, false, err
	}
	max, found := 0, false
	for _, ent := range ents {
		if ent.AllListsOrder == nil {
			continue
		}
		if !found || *ent.AllListsOrder > max {
			max, found = *ent.AllListsOrder, true
		}
	}
	return max, found, nil
}

func (s *Tables) TasksMissingAllListsOrder(ctx context.Context, owner string) ([]domain.Task, error) {
	ents, err := s.queryTasks(ctx, ownerFilter(owner, ""))
	if err != nil {
		return nil, err
	}
	out := []domain.Task{}
	for _, ent := range ents {
		if ent.AllListsOrder != nil {
			continue
		}
		t, err := ent.task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sortLegacy(out)
	return out, nil
}

func (s *Tables) writeAllListsOrder(ctx context.Context, owner, id string, order int, etag azcore.ETag) error {
	payload, err := sonic.Marshal(allListsOrderUpdate{
		entityKeys:        entityKeys{PartitionKey: owner, RowKey: id},
		AllListsOrder:     order,
		AllListsOrderType: edmInt32,
	})
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	return err
}

func (s *Tables) SetAllListsOrder(ctx context.Context, owner, id string, order int) error {
	err := s.writeAllListsOrder(ctx, owner, id, order, azcore.ETagAny)
	if isStatus(err, http.StatusNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func (s *Tables) SetAllListsOrderIfMissing(ctx context.Context, owner, id string, order int) (bool, error) {
	ent, etag, err := s.getTaskEntity(ctx, owner, id)
	if err != nil || ent == nil || ent.AllListsOrder != nil {
		return false, err
	}
	err = s.writeAllListsOrder(ctx, owner, id, order, etag)
	if err != nil {
		if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Tables) TaskOwners(ctx context.Context) ([]string, error) {
	sel := "PartitionKey"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Select: &sel})
	seen := map[string]struct{}{}
	owners := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent entityKeys
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			if _, ok := seen[ent.PartitionKey]; ok {
				continue
			}
			seen[ent.PartitionKey] = struct{}{}
			owners = append(owners, ent.PartitionKey)
		}
	}
	return owners, nil
}

func newListEntity(l domain.List) listEntity {
	return listEntity{
		entityKeys:    entityKeys{PartitionKey: l.Owner, RowKey: l.ID},
		Title:         l.Title,
		Description:   l.Description,
		Color:         string(l.Color),
		ImageURL:      l.ImageURL,
		UpdatedAt:     l.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	}
}

func (e listEntity) list() domain.List {
	return domain.List{
		ID:          e.RowKey,
		Owner:       e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Color:       domain.Color(e.Color),
		ImageURL:    e.ImageURL,
		UpdatedAt:   e.UpdatedAt,
	}
}

func (s *Tables) InsertList(ctx context.Context, l domain.List) error {
	payload, err := sonic.Marshal(newListEntity(l))
	if err != nil {
		return err
	}
	_, err = s.listTable.AddEntity(ctx, payload, nil)
	return err
}

func (s *Tables) GetList(ctx context.Context, owner, id string) (*domain.List, error) {
	resp, err := s.listTable.GetEntity(ctx, owner, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ent listEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	l := ent.list()
	return &l, nil
}

func (s *Tables) SaveList(ctx context.Context, l domain.List) error {
	payload, err := sonic.Marshal(newListEntity(l))
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.listTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if isStatus(err, http.StatusNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func (s *Tables) DeleteList(ctx context.Context, owner, id string) (bool, error) {
	_, err := s.listTable.DeleteEntity(ctx, owner, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Tables) ListLists(ctx context.Context, owner string) ([]domain.List, error) {
	filter := "PartitionKey eq " + quote(owner)
	pager := s.listTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.List{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent listEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent.list())
		}
	}
	sortLists(out)
	return out, nil
}
