// Package api exposes the list and task commands, the aggregate queries and
// the per-user event stream over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/events"
	"boardsync/service"
)

// Tasks is the task command and query surface.
type Tasks interface {
	CreateTask(ctx context.Context, owner string, in domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, owner, id string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, owner, id string, req service.MoveRequest) (domain.Task, error)
	ReorderTasks(ctx context.Context, owner string, updates []domain.OrderUpdate) error
	ReorderTasksAllLists(ctx context.Context, owner string, updates []domain.OrderUpdate) error
	DeleteTask(ctx context.Context, owner, id string) error
	DeleteAllCompletedTasks(ctx context.Context, owner, listID string) (int, error)
	AddSubTask(ctx context.Context, owner, taskID, title string) (domain.SubTask, error)
	UpdateSubTask(ctx context.Context, owner, taskID, subID string, patch domain.SubTaskPatch) (domain.SubTask, error)
	DeleteSubTask(ctx context.Context, owner, taskID, subID string) error
	GetTasksByList(ctx context.Context, owner, listID string) ([]domain.Task, error)
	GetAllTasksForUser(ctx context.Context, owner string) ([]domain.Task, error)
}

// Lists is the list command and query surface.
type Lists interface {
	CreateList(ctx context.Context, owner string, in domain.NewList) (domain.List, error)
	UpdateList(ctx context.Context, owner, id string, patch domain.ListPatch) (domain.List, error)
	DeleteList(ctx context.Context, owner, id string) error
	GetLists(ctx context.Context, owner string) ([]domain.List, error)
}

// Config groups the collaborators of the HTTP surface.
type Config struct {
	Tasks     Tasks
	Lists     Lists
	Auth      Authenticator
	Hub       *events.Hub
	Deduper   Deduper
	Logger    *log.Logger
	Keepalive time.Duration
}

// ReorderRequest is the body of both reorder routes.
type ReorderRequest struct {
	Tasks []domain.OrderUpdate `json:"tasks"`
}

type subTaskRequest struct {
	Title string `json:"title"`
}

type deletedResponse struct {
	DeletedCount int `json:"deletedCount"`
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, cfg Config) {
	e.JSONSerializer = SonicSerializer{}
	e.GET("/healthz", healthz)

	g := e.Group("/api", requireUser(cfg.Auth))
	dedupe := idempotent(cfg.Deduper)

	g.GET("/lists", getLists(cfg.Lists, cfg.Logger))
	g.POST("/lists", createList(cfg.Lists), dedupe)
	g.PATCH("/lists/:id", updateList(cfg.Lists))
	g.DELETE("/lists/:id", deleteList(cfg.Lists))
	g.GET("/lists/:id/tasks", getListTasks(cfg.Tasks, cfg.Logger))
	g.DELETE("/lists/:id/tasks/completed", deleteCompleted(cfg.Tasks))

	g.GET("/tasks", getAllTasks(cfg.Tasks, cfg.Logger))
	g.POST("/tasks", createTask(cfg.Tasks), dedupe)
	g.POST("/tasks/reorder", reorder(cfg.Tasks, domain.ReorderRegular))
	g.POST("/tasks/reorder-all-lists", reorder(cfg.Tasks, domain.ReorderAllLists))
	g.PATCH("/tasks/:id", updateTask(cfg.Tasks))
	g.DELETE("/tasks/:id", deleteTask(cfg.Tasks))
	g.POST("/tasks/:id/move", moveTask(cfg.Tasks))
	g.POST("/tasks/:id/subtasks", addSubTask(cfg.Tasks), dedupe)
	g.PATCH("/tasks/:id/subtasks/:subId", updateSubTask(cfg.Tasks))
	g.DELETE("/tasks/:id/subtasks/:subId", deleteSubTask(cfg.Tasks))

	g.GET("/events", streamEvents(cfg.Hub, cfg.Keepalive))
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func getLists(lists Lists, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newReadMetrics(logger, "/api/lists")
		defer func() { metrics.Log(c.Response().Status, err) }()

		start := time.Now()
		out, fetchErr := lists.GetLists(c.Request().Context(), userID(c))
		metrics.ObserveFetch(time.Since(start))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			return fail(c, fetchErr)
		}
		metrics.SetItems(len(out))
		return c.JSON(http.StatusOK, out)
	}
}

func createList(lists Lists) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.NewList
		if err := decode(c, &in); err != nil {
			return badRequest(c, "invalid body")
		}
		l, err := lists.CreateList(c.Request().Context(), userID(c), in)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, l)
	}
}

func updateList(lists Lists) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.ListPatch
		if err := decode(c, &patch); err != nil {
			return badRequest(c, "invalid body")
		}
		l, err := lists.UpdateList(c.Request().Context(), userID(c), c.Param("id"), patch)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, l)
	}
}

func deleteList(lists Lists) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := lists.DeleteList(c.Request().Context(), userID(c), c.Param("id")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func readTasks(logger *log.Logger, route string, fetch func(c echo.Context) ([]domain.Task, error)) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newReadMetrics(logger, route)
		defer func() { metrics.Log(c.Response().Status, err) }()

		start := time.Now()
		tasks, fetchErr := fetch(c)
		metrics.ObserveFetch(time.Since(start))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			return fail(c, fetchErr)
		}
		metrics.SetItems(len(tasks))
		return c.JSON(http.StatusOK, tasks)
	}
}

func getListTasks(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return readTasks(logger, "/api/lists/:id/tasks", func(c echo.Context) ([]domain.Task, error) {
		return tasks.GetTasksByList(c.Request().Context(), userID(c), c.Param("id"))
	})
}

func getAllTasks(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return readTasks(logger, "/api/tasks", func(c echo.Context) ([]domain.Task, error) {
		return tasks.GetAllTasksForUser(c.Request().Context(), userID(c))
	})
}

func deleteCompleted(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := tasks.DeleteAllCompletedTasks(c.Request().Context(), userID(c), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, deletedResponse{DeletedCount: n})
	}
}

func createTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.NewTask
		if err := decode(c, &in); err != nil {
			return badRequest(c, "invalid body")
		}
		t, err := tasks.CreateTask(c.Request().Context(), userID(c), in)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, t)
	}
}

func updateTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.TaskPatch
		if err := decode(c, &patch); err != nil {
			return badRequest(c, "invalid body")
		}
		t, err := tasks.UpdateTask(c.Request().Context(), userID(c), c.Param("id"), patch)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func moveTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req service.MoveRequest
		if err := decode(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		t, err := tasks.MoveTask(c.Request().Context(), userID(c), c.Param("id"), req)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func reorder(tasks Tasks, typ domain.ReorderType) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ReorderRequest
		if err := decode(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		apply := tasks.ReorderTasks
		if typ == domain.ReorderAllLists {
			apply = tasks.ReorderTasksAllLists
		}
		if err := apply(c.Request().Context(), userID(c), req.Tasks); err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, reorderResponse{Applied: len(req.Tasks)})
	}
}

func deleteTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.DeleteTask(c.Request().Context(), userID(c), c.Param("id")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func addSubTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req subTaskRequest
		if err := decode(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		sub, err := tasks.AddSubTask(c.Request().Context(), userID(c), c.Param("id"), req.Title)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, sub)
	}
}

func updateSubTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.SubTaskPatch
		if err := decode(c, &patch); err != nil {
			return badRequest(c, "invalid body")
		}
		sub, err := tasks.UpdateSubTask(c.Request().Context(), userID(c), c.Param("id"), c.Param("subId"), patch)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, sub)
	}
}

func deleteSubTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.DeleteSubTask(c.Request().Context(), userID(c), c.Param("id"), c.Param("subId")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
