// Package service applies list and task commands for one owner at a time,
// assigns positions and publishes the resulting events.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
)

func tracer() trace.Tracer { return otel.Tracer("boardsync/service") }

// maxConflictRetries bounds the re-read and re-apply loop on optimistic concurrency conflicts.
const maxConflictRetries = 5

// OrderStore is the persistence needed to assign positions.
type OrderStore interface {
	InsertTask(ctx context.Context, t domain.Task) error
	MaxOrder(ctx context.Context, owner, listID string, board domain.Board) (int, bool, error)
	MaxAllListsOrder(ctx context.Context, owner string) (int, bool, error)
	TasksMissingAllListsOrder(ctx context.Context, owner string) ([]domain.Task, error)
	SetAllListsOrderIfMissing(ctx context.Context, owner, id string, order int) (bool, error)
	TaskOwners(ctx context.Context) ([]string, error)
}

// Store is the persistence needed by the task and list services.
type Store interface {
	OrderStore
	GetTask(ctx context.Context, owner, id string) (*domain.Task, error)
	SaveTask(ctx context.Context, t *domain.Task) error
	DeleteTask(ctx context.Context, owner, id string) (bool, error)
	ListTasks(ctx context.Context, owner, listID string) ([]domain.Task, error)
	DeleteCompletedTasks(ctx context.Context, owner, listID string) (int, error)
	DeleteListTasks(ctx context.Context, owner, listID string) (int, error)
	SetAllListsOrder(ctx context.Context, owner, id string, order int) error

	InsertList(ctx context.Context, l domain.List) error
	GetList(ctx context.Context, owner, id string) (*domain.List, error)
	SaveList(ctx context.Context, l domain.List) error
	DeleteList(ctx context.Context, owner, id string) (bool, error)
	ListLists(ctx context.Context, owner string) ([]domain.List, error)
}

// Publisher delivers an event to every live session of the event's user.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

func newID() string { return uuid.NewString() }

// publish emits an event. Delivery failures are logged and never fail the
// command: sessions that miss an event recover by reloading.
func publish(ctx context.Context, pub Publisher, owner, name string, payload any) {
	if pub == nil {
		return
	}
	ev, err := domain.NewEvent(owner, name, payload)
	if err != nil {
		log.WithError(err).WithField("event", name).Error("failed to encode event")
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(log.Fields{"event": name, "user": owner}).Warn("failed to publish event")
	}
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
