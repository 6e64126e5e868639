package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
)

func findSubTask(t *domain.Task, subID string) int {
	for i := range t.SubTasks {
		if t.SubTasks[i].ID == subID {
			return i
		}
	}
	return -1
}

func (s *TaskService) AddSubTask(ctx context.Context, owner, taskID, title string) (_ domain.SubTask, err error) {
	ctx, span := tracer().Start(ctx, "subtasks.create", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer func() { finish(span, err) }()

	title = strings.TrimSpace(title)
	if title == "" {
		return domain.SubTask{}, domain.Invalid("title is required")
	}
	sub := domain.SubTask{ID: s.newID(), Title: title}
	saved, err := s.mutate(ctx, owner, taskID, func(t *domain.Task) error {
		t.SubTasks = append(t.SubTasks, sub)
		return nil
	})
	if err != nil {
		return domain.SubTask{}, err
	}
	publish(ctx, s.pub, owner, domain.EventSubTaskCreated, domain.SubTaskPayload{TaskID: taskID, SubTask: sub, Version: saved.Version})
	return sub, nil
}

func (s *TaskService) UpdateSubTask(ctx context.Context, owner, taskID, subID string, patch domain.SubTaskPatch) (_ domain.SubTask, err error) {
	ctx, span := tracer().Start(ctx, "subtasks.update", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("subtask.id", subID),
	))
	defer func() { finish(span, err) }()

	if err := patch.Validate(); err != nil {
		return domain.SubTask{}, err
	}
	var sub domain.SubTask
	saved, err := s.mutate(ctx, owner, taskID, func(t *domain.Task) error {
		i := findSubTask(t, subID)
		if i < 0 {
			return notFound("subtask", subID)
		}
		patch.Apply(&t.SubTasks[i])
		sub = t.SubTasks[i]
		return nil
	})
	if err != nil {
		return domain.SubTask{}, err
	}
	publish(ctx, s.pub, owner, domain.EventSubTaskUpdated, domain.SubTaskPayload{TaskID: taskID, SubTask: sub, Version: saved.Version})
	return sub, nil
}

func (s *TaskService) DeleteSubTask(ctx context.Context, owner, taskID, subID string) (err error) {
	ctx, span := tracer().Start(ctx, "subtasks.delete", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("subtask.id", subID),
	))
	defer func() { finish(span, err) }()

	saved, err := s.mutate(ctx, owner, taskID, func(t *domain.Task) error {
		i := findSubTask(t, subID)
		if i < 0 {
			return notFound("subtask", subID)
		}
		t.SubTasks = append(t.SubTasks[:i], t.SubTasks[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	publish(ctx, s.pub, owner, domain.EventSubTaskDeleted, domain.SubTaskDeletedPayload{TaskID: taskID, SubTaskID: subID, Version: saved.Version})
	return nil
}
