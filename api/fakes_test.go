package api

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/events"
	"boardsync/service"
	"boardsync/storage"
)

// stubAuth treats the bearer value as the user id.
type stubAuth struct{}

func (stubAuth) UserIDFromAuthHeader(h string) (string, error) {
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "" {
		return "", errors.New("missing authorization header")
	}
	return user, nil
}

type testServer struct {
	e    *echo.Echo
	hub  *events.Hub
	hook *test.Hook
}

func newTestServer(t *testing.T, deduper Deduper) *testServer {
	t.Helper()
	mem := storage.NewMemory()
	hub := events.NewHub(16)
	pub := events.NewLocalPublisher(hub)
	tasks := service.NewTaskService(mem, service.NewOrderAssigner(mem), pub)
	lists := service.NewListService(mem, tasks, pub)
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	e := echo.New()
	Register(e, Config{Tasks: tasks, Lists: lists, Auth: stubAuth{}, Hub: hub, Deduper: deduper, Logger: logger})
	return &testServer{e: e, hub: hub, hook: hook}
}

func (s *testServer) do(t *testing.T, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}
