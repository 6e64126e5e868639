package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"boardsync/domain"
	"boardsync/service"
)

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	expectStatus(t, s.do(t, http.MethodGet, "/healthz", "", ""), http.StatusOK)
}

func TestRequiresAuthentication(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/lists", "", "")
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestCreateTaskAndReadAllLists(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/lists", "alice", `{"title":"Home","color":"green"}`)
	expectStatus(t, rec, http.StatusCreated)
	var list domain.List
	decodeBody(t, rec, &list)

	rec = s.do(t, http.MethodPost, "/api/tasks", "alice", `{"title":"Water plants","board":"today","listId":"`+list.ID+`"}`)
	expectStatus(t, rec, http.StatusCreated)
	var task domain.Task
	decodeBody(t, rec, &task)
	if task.Board != domain.BoardToday || task.Order != 0 || task.List != list.ID {
		t.Fatalf("unexpected task: %#v", task)
	}

	rec = s.do(t, http.MethodGet, "/api/lists/"+domain.AllListsID+"/tasks", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	var all []domain.Task
	decodeBody(t, rec, &all)
	if len(all) != 1 || all[0].ListInfo == nil || all[0].ListInfo.Color != domain.ColorGreen {
		t.Fatalf("unexpected aggregate: %#v", all)
	}

	rec = s.do(t, http.MethodGet, "/api/lists", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	var lists []domain.List
	decodeBody(t, rec, &lists)
	if len(lists) != 2 || !lists[1].IsAllLists {
		t.Fatalf("unexpected lists: %#v", lists)
	}

	found := false
	for _, entry := range s.hook.AllEntries() {
		if entry.Message == "tasks.request.metrics" && entry.Data["route"] == "/api/lists" {
			found = true
			if entry.Data["status"] != http.StatusOK {
				t.Fatalf("unexpected logged status: %v", entry.Data["status"])
			}
		}
	}
	if !found {
		t.Fatalf("expected request metrics to be logged")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/lists", "alice", `{"title":"Home"}`)
	expectStatus(t, rec, http.StatusCreated)
	var list domain.List
	decodeBody(t, rec, &list)

	expectStatus(t, s.do(t, http.MethodPost, "/api/tasks", "alice", `{"title":"  ","listId":"`+list.ID+`"}`), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodPost, "/api/tasks", "bob", `{"title":"x","listId":"`+list.ID+`"}`), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodPost, "/api/tasks", "alice", `{not json`), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodDelete, "/api/tasks/missing", "alice", ""), http.StatusNotFound)

	rec = s.do(t, http.MethodPatch, "/api/lists/"+list.ID, "bob", `{"title":"mine"}`)
	expectStatus(t, rec, http.StatusNotFound)
	var body errorResponse
	decodeBody(t, rec, &body)
	if body.Error == "" {
		t.Fatalf("expected error message in body")
	}
}

func TestMoveAndDeleteCompleted(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/lists", "alice", `{"title":"Home"}`)
	var list domain.List
	decodeBody(t, rec, &list)
	rec = s.do(t, http.MethodPost, "/api/tasks", "alice", `{"title":"a","listId":"`+list.ID+`"}`)
	var task domain.Task
	decodeBody(t, rec, &task)

	rec = s.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/move", "alice", `{"board":"Done","order":0,"completedStatus":true}`)
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &task)
	if !task.Completed || task.LastBoard != domain.BoardBacklog {
		t.Fatalf("unexpected moved task: %#v", task)
	}

	rec = s.do(t, http.MethodDelete, "/api/lists/"+list.ID+"/tasks/completed", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	var deleted deletedResponse
	decodeBody(t, rec, &deleted)
	if deleted.DeletedCount != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted.DeletedCount)
	}
}

func TestSubTaskRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/lists", "alice", `{"title":"Home"}`)
	var list domain.List
	decodeBody(t, rec, &list)
	rec = s.do(t, http.MethodPost, "/api/tasks", "alice", `{"title":"a","listId":"`+list.ID+`"}`)
	var task domain.Task
	decodeBody(t, rec, &task)

	rec = s.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/subtasks", "alice", `{"title":"step one"}`)
	expectStatus(t, rec, http.StatusCreated)
	var sub domain.SubTask
	decodeBody(t, rec, &sub)

	rec = s.do(t, http.MethodPatch, "/api/tasks/"+task.ID+"/subtasks/"+sub.ID, "alice", `{"completed":true}`)
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &sub)
	if !sub.Completed {
		t.Fatalf("expected completed subtask")
	}
	expectStatus(t, s.do(t, http.MethodDelete, "/api/tasks/"+task.ID+"/subtasks/"+sub.ID, "alice", ""), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodDelete, "/api/tasks/"+task.ID+"/subtasks/"+sub.ID, "alice", ""), http.StatusNotFound)
}

type partialReorder struct {
	Tasks
	applied int
}

func (p partialReorder) ReorderTasks(context.Context, string, []domain.OrderUpdate) error {
	return &service.ReorderError{Applied: p.applied, Err: context.DeadlineExceeded}
}

func TestReorderPartialFailureReportsApplied(t *testing.T) {
	e := echo.New()
	Register(e, Config{Tasks: partialReorder{applied: 2}, Auth: stubAuth{}})
	s := &testServer{e: e}

	rec := s.do(t, http.MethodPost, "/api/tasks/reorder", "alice", `{"tasks":[{"taskId":"a","order":0},{"taskId":"b","order":1},{"taskId":"c","order":2}]}`)
	expectStatus(t, rec, http.StatusInternalServerError)
	var body reorderResponse
	decodeBody(t, rec, &body)
	if body.Applied != 2 || body.Error == "" {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestReorderStoppedByMissingTaskIsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/lists", "alice", `{"title":"Home"}`)
	var list domain.List
	decodeBody(t, rec, &list)
	rec = s.do(t, http.MethodPost, "/api/tasks", "alice", `{"title":"a","listId":"`+list.ID+`"}`)
	var task domain.Task
	decodeBody(t, rec, &task)

	rec = s.do(t, http.MethodPost, "/api/tasks/reorder", "alice", `{"tasks":[{"taskId":"`+task.ID+`","order":0},{"taskId":"missing","order":1}]}`)
	expectStatus(t, rec, http.StatusNotFound)
	var body reorderResponse
	decodeBody(t, rec, &body)
	if body.Applied != 1 || body.Error == "" {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestReorderRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/lists", "alice", `{"title":"Home"}`)
	var list domain.List
	decodeBody(t, rec, &list)
	var ids []string
	for _, title := range []string{"a", "b"} {
		rec = s.do(t, http.MethodPost, "/api/tasks", "alice", `{"title":"`+title+`","listId":"`+list.ID+`"}`)
		var task domain.Task
		decodeBody(t, rec, &task)
		ids = append(ids, task.ID)
	}

	rec = s.do(t, http.MethodPost, "/api/tasks/reorder", "alice", `{"tasks":[{"taskId":"`+ids[1]+`","order":0},{"taskId":"`+ids[0]+`","order":1}]}`)
	expectStatus(t, rec, http.StatusOK)
	rec = s.do(t, http.MethodPost, "/api/tasks/reorder-all-lists", "alice", `{"tasks":[{"taskId":"`+ids[1]+`","order":0}]}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodGet, "/api/lists/"+list.ID+"/tasks", "alice", "")
	var tasks []domain.Task
	decodeBody(t, rec, &tasks)
	if len(tasks) != 2 || tasks[0].ID != ids[1] {
		t.Fatalf("unexpected order after reorder: %#v", tasks)
	}
}

func TestDeleteListRoute(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/lists", "alice", `{"title":"Home"}`)
	var list domain.List
	decodeBody(t, rec, &list)

	sess := s.hub.Subscribe("alice")
	defer s.hub.Unsubscribe(sess)
	expectStatus(t, s.do(t, http.MethodDelete, "/api/lists/"+list.ID, "alice", ""), http.StatusNoContent)
	select {
	case ev := <-sess.Events():
		if ev.Name != domain.EventListDeleted {
			t.Fatalf("unexpected event %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatalf("list:deleted not published")
	}
}
