package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"boardsync/domain"
)

// MoveCommand is the body of a cross-board move.
type MoveCommand struct {
	Board     domain.Board `json:"board"`
	Order     int          `json:"order"`
	Completed *bool        `json:"completedStatus,omitempty"`
}

// Transport is the command, query and event surface of the server.
type Transport interface {
	GetLists(ctx context.Context) ([]domain.List, error)
	CreateList(ctx context.Context, in domain.NewList) (domain.List, error)
	UpdateList(ctx context.Context, id string, patch domain.ListPatch) (domain.List, error)
	DeleteList(ctx context.Context, id string) error

	CreateTask(ctx context.Context, in domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, id string, cmd MoveCommand) (domain.Task, error)
	ReorderTasks(ctx context.Context, typ domain.ReorderType, updates []domain.OrderUpdate) error
	DeleteTask(ctx context.Context, id string) error
	DeleteAllCompletedTasks(ctx context.Context, listID string) (int, error)

	AddSubTask(ctx context.Context, taskID, title string) (domain.SubTask, error)
	UpdateSubTask(ctx context.Context, taskID, subID string, patch domain.SubTaskPatch) (domain.SubTask, error)
	DeleteSubTask(ctx context.Context, taskID, subID string) error

	// Stream delivers events to handle until ctx is done or the connection
	// drops. opened runs once the server accepted the stream, on the
	// goroutine that called Stream.
	Stream(ctx context.Context, opened func(), handle func(domain.Event)) error
}

// StatusError is a non-2xx answer that maps to no domain error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Code, e.Message)
}

// PartialReorderError reports a reorder batch the server applied only in part.
type PartialReorderError struct {
	Applied int
	Message string
}

func (e *PartialReorderError) Error() string {
	return fmt.Sprintf("reorder applied %d updates: %s", e.Applied, e.Message)
}

var errStreamClosed = errors.New("event stream closed")

// HTTPTransport talks to the boardsync HTTP API. Commands and queries run
// through a circuit breaker; the event stream does not.
type HTTPTransport struct {
	BaseURL string
	Bearer  string

	http   *http.Client
	stream *http.Client
	cb     *gobreaker.CircuitBreaker
}

// NewHTTPTransport creates a transport for the API at baseURL.
func NewHTTPTransport(baseURL, bearer string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		http:    &http.Client{Timeout: DefaultCommandTimeout},
		stream:  &http.Client{},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "boardsync-api",
			MaxRequests: 1,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
			IsSuccessful: func(err error) bool {
				// Rejections by the server say nothing about its health.
				return err == nil || errors.Is(err, domain.ErrValidation) ||
					errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConcurrencyConflict)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			},
		}),
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Applied *int   `json:"applied,omitempty"`
}

func statusError(code int, body []byte) error {
	var eb errorBody
	_ = sonic.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	if eb.Applied != nil {
		return &PartialReorderError{Applied: *eb.Applied, Message: msg}
	}
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, msg)
	}
	return &StatusError{Code: code, Message: msg}
}

func (h *HTTPTransport) do(ctx context.Context, method, path string, body, out any, headers ...string) error {
	_, err := h.cb.Execute(func() (interface{}, error) {
		var r io.Reader
		if body != nil {
			data, err := sonic.Marshal(body)
			if err != nil {
				return nil, err
			}
			r = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, r)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if h.Bearer != "" {
			req.Header.Set("Authorization", "Bearer "+h.Bearer)
		}
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		resp, err := h.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, statusError(resp.StatusCode, data)
		}
		if out != nil && len(data) > 0 {
			if err := sonic.Unmarshal(data, out); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func esc(s string) string { return url.PathEscape(s) }

func idempotencyKey() []string {
	return []string{"Idempotency-Key", uuid.NewString()}
}

func (h *HTTPTransport) GetLists(ctx context.Context) ([]domain.List, error) {
	var out []domain.List
	err := h.do(ctx, http.MethodGet, "/api/lists", nil, &out)
	return out, err
}

func (h *HTTPTransport) CreateList(ctx context.Context, in domain.NewList) (domain.List, error) {
	var out domain.List
	err := h.do(ctx, http.MethodPost, "/api/lists", in, &out, idempotencyKey()...)
	return out, err
}

func (h *HTTPTransport) UpdateList(ctx context.Context, id string, patch domain.ListPatch) (domain.List, error) {
	var out domain.List
	err := h.do(ctx, http.MethodPatch, "/api/lists/"+esc(id), patch, &out)
	return out, err
}

func (h *HTTPTransport) DeleteList(ctx context.Context, id string) error {
	return h.do(ctx, http.MethodDelete, "/api/lists/"+esc(id), nil, nil)
}

func (h *HTTPTransport) CreateTask(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	var out domain.Task
	err := h.do(ctx, http.MethodPost, "/api/tasks", in, &out, idempotencyKey()...)
	return out, err
}

func (h *HTTPTransport) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var out domain.Task
	err := h.do(ctx, http.MethodPatch, "/api/tasks/"+esc(id), patch, &out)
	return out, err
}

func (h *HTTPTransport) MoveTask(ctx context.Context, id string, cmd MoveCommand) (domain.Task, error) {
	var out domain.Task
	err := h.do(ctx, http.MethodPost, "/api/tasks/"+esc(id)+"/move", cmd, &out)
	return out, err
}

func (h *HTTPTransport) ReorderTasks(ctx context.Context, typ domain.ReorderType, updates []domain.OrderUpdate) error {
	path := "/api/tasks/reorder"
	if typ == domain.ReorderAllLists {
		path = "/api/tasks/reorder-all-lists"
	}
	return h.do(ctx, http.MethodPost, path, struct {
		Tasks []domain.OrderUpdate `json:"tasks"`
	}{updates}, nil)
}

func (h *HTTPTransport) DeleteTask(ctx context.Context, id string) error {
	return h.do(ctx, http.MethodDelete, "/api/tasks/"+esc(id), nil, nil)
}

func (h *HTTPTransport) DeleteAllCompletedTasks(ctx context.Context, listID string) (int, error) {
	var out struct {
		DeletedCount int `json:"deletedCount"`
	}
	err := h.do(ctx, http.MethodDelete, "/api/lists/"+esc(listID)+"/tasks/completed", nil, &out)
	return out.DeletedCount, err
}

func (h *HTTPTransport) AddSubTask(ctx context.Context, taskID, title string) (domain.SubTask, error) {
	var out domain.SubTask
	body := struct {
		Title string `json:"title"`
	}{title}
	err := h.do(ctx, http.MethodPost, "/api/tasks/"+esc(taskID)+"/subtasks", body, &out, idempotencyKey()...)
	return out, err
}

func (h *HTTPTransport) UpdateSubTask(ctx context.Context, taskID, subID string, patch domain.SubTaskPatch) (domain.SubTask, error) {
	var out domain.SubTask
	err := h.do(ctx, http.MethodPatch, "/api/tasks/"+esc(taskID)+"/subtasks/"+esc(subID), patch, &out)
	return out, err
}

func (h *HTTPTransport) DeleteSubTask(ctx context.Context, taskID, subID string) error {
	return h.do(ctx, http.MethodDelete, "/api/tasks/"+esc(taskID)+"/subtasks/"+esc(subID), nil, nil)
}

// Stream opens the server-sent event stream.
func (h *HTTPTransport) Stream(ctx context.Context, opened func(), handle func(domain.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if h.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+h.Bearer)
	}
	resp, err := h.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, data)
	}
	if opened != nil {
		opened()
	}
	if err := readEvents(resp.Body, handle); err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errStreamClosed
}
