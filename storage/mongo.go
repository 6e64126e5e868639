package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"boardsync/domain"
)

// Mongo stores lists and tasks as documents; every write is filtered by owner.
type Mongo struct {
	client *mongo.Client
	tasks  *mongo.Collection
	lists  *mongo.Collection
}

// NewMongo connects to uri and verifies the connection.
func NewMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	db := client.Database(dbName)
	return &Mongo{client: client, tasks: db.Collection("tasks"), lists: db.Collection("lists")}, nil
}

// Close disconnects the underlying client.
func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes backing order lookups and owner scans.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner", Value: 1}, {Key: "list", Value: 1}, {Key: "board", Value: 1}, {Key: "order", Value: -1}}},
		{Keys: bson.D{{Key: "owner", Value: 1}, {Key: "allListsOrder", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.lists.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "owner", Value: 1}}})
	return err
}

type subTaskDocument struct {
	ID        string `bson:"id"`
	Title     string `bson:"title"`
	Completed bool   `bson:"completed"`
}

type taskDocument struct {
	ID            string            `bson:"_id"`
	Owner         string            `bson:"owner"`
	List          string            `bson:"list"`
	Title         string            `bson:"title"`
	Note          string            `bson:"note"`
	Completed     bool              `bson:"completed"`
	Board         string            `bson:"board"`
	OriginalBoard string            `bson:"originalBoard"`
	LastBoard     string            `bson:"lastBoard"`
	Order         int               `bson:"order"`
	AllListsOrder *int              `bson:"allListsOrder,omitempty"`
	SubTasks      []subTaskDocument `bson:"subTasks"`
	Version       int64             `bson:"version"`
	CreatedAt     time.Time         `bson:"createdAt"`
	UpdatedAt     time.Time         `bson:"updatedAt"`
}

type listDocument struct {
	ID          string    `bson:"_id"`
	Owner       string    `bson:"owner"`
	Title       string    `bson:"title"`
	Description string    `bson:"description"`
	Color       string    `bson:"color"`
	ImageURL    string    `bson:"imageUrl,omitempty"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

func subTaskDocuments(subs []domain.SubTask) []subTaskDocument {
	out := make([]subTaskDocument, 0, len(subs))
	for _, st := range subs {
		out = append(out, subTaskDocument{ID: st.ID, Title: st.Title, Completed: st.Completed})
	}
	return out
}

func newTaskDocument(t domain.Task) taskDocument {
	alo := t.AllListsOrder
	return taskDocument{
		ID:            t.ID,
		Owner:         t.Owner,
		List:          t.List,
		Title:         t.Title,
		Note:          t.Note,
		Completed:     t.Completed,
		Board:         string(t.Board),
		OriginalBoard: string(t.OriginalBoard),
		LastBoard:     string(t.LastBoard),
		Order:         t.Order,
		AllListsOrder: &alo,
		SubTasks:      subTaskDocuments(t.SubTasks),
		Version:       t.Version,
		CreatedAt:     t.CreatedAt.UTC(),
		UpdatedAt:     t.UpdatedAt.UTC(),
	}
}

func (d taskDocument) task() domain.Task {
	t := domain.Task{
		ID:            d.ID,
		Owner:         d.Owner,
		List:          d.List,
		Title:         d.Title,
		Note:          d.Note,
		Completed:     d.Completed,
		Board:         domain.Board(d.Board),
		OriginalBoard: domain.Board(d.OriginalBoard),
		LastBoard:     domain.Board(d.LastBoard),
		Order:         d.Order,
		SubTasks:      make([]domain.SubTask, 0, len(d.SubTasks)),
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.AllListsOrder != nil {
		t.AllListsOrder = *d.AllListsOrder
	}
	for _, st := range d.SubTasks {
		t.SubTasks = append(t.SubTasks, domain.SubTask{ID: st.ID, Title: st.Title, Completed: st.Completed})
	}
	return t
}

func byOwner(owner, id string) bson.M {
	return bson.M{"_id": id, "owner": owner}
}

func (s *Mongo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := s.tasks.InsertOne(ctx, newTaskDocument(t))
	return err
}

func (s *Mongo) GetTask(ctx context.Context, owner, id string) (*domain.Task, error) {
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, byOwner(owner, id)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	t := doc.task()
	return &t, nil
}

func (s *Mongo) SaveTask(ctx context.Context, t *domain.Task) error {
	filter := byOwner(t.Owner, t.ID)
	filter["version"] = t.Version
	update := bson.M{"$set": bson.M{
		"title":         t.Title,
		"note":          t.Note,
		"completed":     t.Completed,
		"board":         string(t.Board),
		"originalBoard": string(t.OriginalBoard),
		"lastBoard":     string(t.LastBoard),
		"order":         t.Order,
		"subTasks":      subTaskDocuments(t.SubTasks),
		"version":       t.Version + 1,
		"updatedAt":     t.UpdatedAt.UTC(),
	}}
	var doc taskDocument
	err := s.tasks.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		t.Version = doc.Version
		if doc.AllListsOrder != nil {
			t.AllListsOrder = *doc.AllListsOrder
		}
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return err
	}
	n, err := s.tasks.CountDocuments(ctx, byOwner(t.Owner, t.ID))
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrencyConflict
}

func (s *Mongo) DeleteTask(ctx context.Context, owner, id string) (bool, error) {
	res, err := s.tasks.DeleteOne(ctx, byOwner(owner, id))
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *Mongo) findTasks(ctx context.Context, filter bson.M) ([]domain.Task, error) {
	cursor, err := s.tasks.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []domain.Task{}
	for cursor.Next(ctx) {
		var doc taskDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.task())
	}
	return out, cursor.Err()
}

func taskFilter(owner, listID string) bson.M {
	filter := bson.M{"owner": owner}
	if listID != "" {
		filter["list"] = listID
	}
	return filter
}

func (s *Mongo) ListTasks(ctx context.Context, owner, listID string) ([]domain.Task, error) {
	tasks, err := s.findTasks(ctx, taskFilter(owner, listID))
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *Mongo) DeleteCompletedTasks(ctx context.Context, owner, listID string) (int, error) {
	filter := taskFilter(owner, listID)
	filter["completed"] = true
	res, err := s.tasks.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *Mongo) DeleteListTasks(ctx context.Context, owner, listID string) (int, error) {
	res, err := s.tasks.DeleteMany(ctx, taskFilter(owner, listID))
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *Mongo) maxField(ctx context.Context, filter bson.M, field string) (int, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: field, Value: -1}})
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if field == "allListsOrder" {
		if doc.AllListsOrder == nil {
			return 0, false, nil
		}
		return *doc.AllListsOrder, true, nil
	}
	return doc.Order, true, nil
}

func (s *Mongo) MaxOrder(ctx context.Context, owner, listID string, board domain.Board) (int, bool, error) {
	filter := taskFilter(owner, listID)
	filter["board"] = string(board)
	return s.maxField(ctx, filter, "order")
}

func (s *Mongo) MaxAllListsOrder(ctx context.Context, owner string) (int, bool, error) {
	filter := taskFilter(owner, "")
	filter["allListsOrder"] = bson.M{"$exists": true}
	return s.maxField(ctx, filter, "allListsOrder")
}

func (s *Mongo) TasksMissingAllListsOrder(ctx context.Context, owner string) ([]domain.Task, error) {
	filter := taskFilter(owner, "")
	filter["allListsOrder"] = bson.M{"$exists": false}
	tasks, err := s.findTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortLegacy(tasks)
	return tasks, nil
}

func (s *Mongo) SetAllListsOrder(ctx context.Context, owner, id string, order int) error {
	res, err := s.tasks.UpdateOne(ctx, byOwner(owner, id), bson.M{"$set": bson.M{"allListsOrder": order}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Mongo) SetAllListsOrderIfMissing(ctx context.Context, owner, id string, order int) (bool, error) {
	filter := byOwner(owner, id)
	filter["allListsOrder"] = bson.M{"$exists": false}
	res, err := s.tasks.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"allListsOrder": order}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (s *Mongo) TaskOwners(ctx context.Context) ([]string, error) {
	values, err := s.tasks.Distinct(ctx, "owner", bson.D{})
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(values))
	for _, v := range values {
		if owner, ok := v.(string); ok {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

func newListDocument(l domain.List) listDocument {
	return listDocument{
		ID:          l.ID,
		Owner:       l.Owner,
		Title:       l.Title,
		Description: l.Description,
		Color:       string(l.Color),
		ImageURL:    l.ImageURL,
		UpdatedAt:   l.UpdatedAt.UTC(),
	}
}

func (d listDocument) list() domain.List {
	return domain.List{
		ID:          d.ID,
		Owner:       d.Owner,
		Title:       d.Title,
		Description: d.Description,
		Color:       domain.Color(d.Color),
		ImageURL:    d.ImageURL,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (s *Mongo) InsertList(ctx context.Context, l domain.List) error {
	_, err := s.lists.InsertOne(ctx, newListDocument(l))
	return err
}

func (s *Mongo) GetList(ctx context.Context, owner, id string) (*domain.List, error) {
	var doc listDocument
	if err := s.lists.FindOne(ctx, byOwner(owner, id)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	l := doc.list()
	return &l, nil
}

func (s *Mongo) SaveList(ctx context.Context, l domain.List) error {
	res, err := s.lists.ReplaceOne(ctx, byOwner(l.Owner, l.ID), newListDocument(l))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Mongo) DeleteList(ctx context.Context, owner, id string) (bool, error) {
	res, err := s.lists.DeleteOne(ctx, byOwner(owner, id))
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *Mongo) ListLists(ctx context.Context, owner string) ([]domain.List, error) {
	cursor, err := s.lists.Find(ctx, bson.M{"owner": owner})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []domain.List{}
	for cursor.Next(ctx) {
		var doc listDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.list())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	sortLists(out)
	return out, nil
}
