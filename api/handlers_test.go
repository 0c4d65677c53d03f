package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"slate-api/domain"
)

type mockStore struct {
	mu       sync.Mutex
	tasks    []domain.Task
	projects []domain.Project
	fetchErr error
	moveErr  error
	applyErr error

	applyDelay time.Duration

	lastMove  *domain.TaskMove
	applied   [][]domain.TaskMove
	progress  map[string]int
	reordered []domain.ProjectOrder
	enqueued  [][]domain.TaskMove
}

func (m *mockStore) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return m.tasks, m.fetchErr
}

func (m *mockStore) FetchColumn(ctx context.Context, userID, column string) ([]domain.Task, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Column == column {
			out = append(out, t)
		}
	}
	domain.SortTasks(out)
	return out, nil
}

func (m *mockStore) FetchProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	return m.projects, m.fetchErr
}

func (m *mockStore) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	for _, t := range m.tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return domain.Task{}, taskMissingErr("task not found")
}

func (m *mockStore) MoveTask(ctx context.Context, userID string, move domain.TaskMove) error {
	if m.moveErr != nil {
		return m.moveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMove = &move
	return nil
}

func (m *mockStore) ApplyTaskMoves(ctx context.Context, userID string, moves []domain.TaskMove) error {
	if m.applyDelay > 0 {
		select {
		case <-time.After(m.applyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.applyErr != nil {
		return m.applyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, moves)
	return nil
}

func (m *mockStore) ReorderProjects(ctx context.Context, userID string, orders []domain.ProjectOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reordered = orders
	return nil
}

func (m *mockStore) SetProjectProgress(ctx context.Context, userID, projectID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress == nil {
		m.progress = make(map[string]int)
	}
	m.progress[projectID] = progress
	return nil
}

func (m *mockStore) EnqueueBatch(ctx context.Context, userID string, moves []domain.TaskMove) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, moves)
	return nil
}

func (m *mockStore) enqueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enqueued)
}

type taskMissingErr string

func (e taskMissingErr) Error() string { return string(e) }
func (taskMissingErr) NotFound()       {}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type deniedAuth struct{}

func (deniedAuth) UserIDFromAuthHeader(string) (string, error) {
	return "", errors.New("bad auth header")
}

type noopLocks struct{}

func (noopLocks) Acquire(context.Context, string, string) (func(), error) {
	return func() {}, nil
}

func (noopLocks) AcquireMany(context.Context, string, []string) (func(), error) {
	return func() {}, nil
}

type busyLocks struct{}

func (busyLocks) Acquire(context.Context, string, string) (func(), error) {
	return nil, errors.New("lock busy")
}

func (busyLocks) AcquireMany(context.Context, string, []string) (func(), error) {
	return nil, errors.New("lock busy")
}

type fakeDeduper struct {
	mu      sync.Mutex
	known   map[string]bool
	removed []string
	addErr  error
}

func (d *fakeDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addErr != nil {
		return false, d.addErr
	}
	if d.known[userID+":"+key] {
		return false, nil
	}
	if d.known == nil {
		d.known = make(map[string]bool)
	}
	d.known[userID+":"+key] = true
	return true, nil
}

func (d *fakeDeduper) Remove(ctx context.Context, userID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.known, userID+":"+key)
	d.removed = append(d.removed, key)
	return nil
}

func newMoveContext(e *echo.Echo, taskID, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPatch, "/api/tasks/"+taskID+"/move", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(taskID)
	return c, rec
}

func boardFixture() []domain.Task {
	return []domain.Task{
		{ID: "t1", ProjectID: "p1", Column: domain.ColumnTodo, Order: 0},
		{ID: "t2", ProjectID: "p1", Column: domain.ColumnDone, Order: 0},
		{ID: "d1", Column: domain.ColumnInProgress, Order: 0},
		{ID: "d2", Column: domain.ColumnInProgress, Order: 1},
	}
}

func TestGetTasks(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getTasks(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestGetTasksUnauthorized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getTasks(&mockStore{}, deniedAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestMoveTaskMidpointOrder(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	c, rec := newMoveContext(e, "t1", `{"toColumn":"in-progress","toIndex":1}`)

	if err := moveTask(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp moveTaskResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.TaskID != "t1" || resp.Column != domain.ColumnInProgress {
		t.Fatalf("unexpected response: %#v", resp)
	}
	// Between the in-progress neighbors at 0 and 1.
	if resp.Order != 0.5 {
		t.Fatalf("expected midpoint order 0.5, got %v", resp.Order)
	}
	if store.lastMove == nil || store.lastMove.NewOrder != 0.5 {
		t.Fatalf("unexpected persisted move: %#v", store.lastMove)
	}
	// Project p1 has t1 and t2; t2 sits in the done column.
	if resp.Progress != 50 {
		t.Fatalf("expected progress 50, got %d", resp.Progress)
	}
	if store.progress["p1"] != 50 {
		t.Fatalf("expected stored progress 50, got %#v", store.progress)
	}
}

func TestMoveTaskExplicitOrder(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	c, rec := newMoveContext(e, "d2", `{"toColumn":"in-progress","newOrder":-1}`)

	if err := moveTask(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.lastMove == nil || store.lastMove.NewOrder != -1 {
		t.Fatalf("expected caller-supplied order to win: %#v", store.lastMove)
	}
}

func TestMoveTaskUnknownColumn(t *testing.T) {
	e := echo.New()
	c, rec := newMoveContext(e, "t1", `{"toColumn":"archive","toIndex":0}`)

	if err := moveTask(&mockStore{}, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestMoveTaskMissingTarget(t *testing.T) {
	e := echo.New()
	c, rec := newMoveContext(e, "t1", `{"toColumn":"todo"}`)

	if err := moveTask(&mockStore{}, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestMoveTaskNotFound(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	c, rec := newMoveContext(e, "ghost", `{"toColumn":"todo","toIndex":0}`)

	if err := moveTask(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestMoveTaskLockBusy(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	c, rec := newMoveContext(e, "t1", `{"toColumn":"todo","toIndex":0}`)

	if err := moveTask(store, busyLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", rec.Code)
	}
	if store.lastMove != nil {
		t.Fatal("no move should persist while the container is locked")
	}
}

func newBatchContext(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPatch, "/api/tasks/batchMove", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestBatchMoveFastPath(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	handler := batchMove(store, noopLocks{}, mockAuth{}, &fakeDeduper{}, log.New())
	c, rec := newBatchContext(e, `{"idempotencyKey":"k1","batch":[{"taskId":"t1","toColumn":"in-progress","toIndex":0}]}`)

	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp batchMoveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.Success || resp.Mode != modeFast {
		t.Fatalf("unexpected response: %#v", resp)
	}

	byTask := make(map[string]domain.TaskMove, len(resp.Results))
	for _, mv := range resp.Results {
		byTask[mv.TaskID] = mv
	}
	// Both touched containers are rebuilt with integer spacing.
	if mv := byTask["t1"]; mv.ToColumn != domain.ColumnInProgress || mv.NewOrder != 0 {
		t.Fatalf("unexpected move for t1: %#v", mv)
	}
	if mv := byTask["d1"]; mv.ToColumn != domain.ColumnInProgress || mv.NewOrder != 1 {
		t.Fatalf("unexpected move for d1: %#v", mv)
	}
	if mv := byTask["d2"]; mv.ToColumn != domain.ColumnInProgress || mv.NewOrder != 2 {
		t.Fatalf("unexpected move for d2: %#v", mv)
	}

	if len(store.applied) != 1 {
		t.Fatalf("expected one transactional apply, got %d", len(store.applied))
	}
	if store.progress["p1"] != 50 {
		t.Fatalf("expected recomputed progress 50, got %#v", store.progress)
	}
}

func TestBatchMoveEmptyBatch(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	handler := batchMove(store, noopLocks{}, mockAuth{}, &fakeDeduper{}, log.New())
	c, rec := newBatchContext(e, `{"batch":[]}`)

	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if len(store.applied) != 0 {
		t.Fatal("empty batch must not touch storage")
	}
}

func TestBatchMoveDuplicateKey(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	deduper := &fakeDeduper{known: map[string]bool{"user:k1": true}}
	handler := batchMove(store, noopLocks{}, mockAuth{}, deduper, log.New())
	c, rec := newBatchContext(e, `{"idempotencyKey":"k1","batch":[{"taskId":"t1","toColumn":"done","toIndex":0}]}`)

	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp batchMoveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.Success {
		t.Fatalf("duplicate submission should succeed: %#v", resp)
	}
	if len(store.applied) != 0 {
		t.Fatal("duplicate batch must not reapply")
	}
}

func TestBatchMoveUnknownTask(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	deduper := &fakeDeduper{}
	handler := batchMove(store, noopLocks{}, mockAuth{}, deduper, log.New())
	c, rec := newBatchContext(e, `{"idempotencyKey":"k2","batch":[{"taskId":"ghost","toColumn":"done","toIndex":0}]}`)

	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	// The key rolls back so the client can retry a corrected batch.
	if len(deduper.removed) != 1 || deduper.removed[0] != "k2" {
		t.Fatalf("expected idempotency key rollback, got %#v", deduper.removed)
	}
}

func TestBatchMoveApplyFailureRollsBackKey(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture(), applyErr: errors.New("boom")}
	deduper := &fakeDeduper{}
	handler := batchMove(store, noopLocks{}, mockAuth{}, deduper, log.New())
	c, rec := newBatchContext(e, `{"idempotencyKey":"k3","batch":[{"taskId":"t1","toColumn":"done","toIndex":0}]}`)

	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if len(deduper.removed) != 1 {
		t.Fatalf("expected idempotency key rollback, got %#v", deduper.removed)
	}
}

func TestBatchMoveFallsBackToOutbox(t *testing.T) {
	t.Setenv("BATCH_FAST_BUDGET", "20ms")
	t.Setenv("OUTBOX_DIR", t.TempDir())
	shutdownBatchOutbox()

	store := &mockStore{tasks: boardFixture(), applyDelay: 500 * time.Millisecond}
	logger := log.New()
	initBatchOutbox(store, logger)
	t.Cleanup(shutdownBatchOutbox)

	e := echo.New()
	handler := batchMove(store, noopLocks{}, mockAuth{}, &fakeDeduper{}, logger)
	c, rec := newBatchContext(e, `{"idempotencyKey":"k4","batch":[{"taskId":"t1","toColumn":"in-progress","toIndex":0}]}`)

	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp batchMoveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.Success || resp.Mode != modeBackground {
		t.Fatalf("unexpected response: %#v", resp)
	}

	deadline := time.Now().Add(3 * time.Second)
	for store.enqueuedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch never reached the durable queue")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newReorderContext(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPatch, "/api/projects/reorder", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestReorderProjects(t *testing.T) {
	e := echo.New()
	store := &mockStore{projects: []domain.Project{
		{ID: "p1", Order: 0},
		{ID: "p2", Order: 1},
		{ID: "p3", Order: 2},
	}}
	c, rec := newReorderContext(e, `{"projectIds":["p3","p1","p2"]}`)

	if err := reorderProjects(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.reordered) != 3 {
		t.Fatalf("expected 3 project orders, got %#v", store.reordered)
	}
	// Sequential midpoints over the requested sequence keep the result
	// strictly increasing.
	for i := 1; i < len(store.reordered); i++ {
		if store.reordered[i].NewOrder <= store.reordered[i-1].NewOrder {
			t.Fatalf("orders not strictly increasing: %#v", store.reordered)
		}
	}
	if store.reordered[0].ProjectID != "p3" || store.reordered[1].ProjectID != "p1" || store.reordered[2].ProjectID != "p2" {
		t.Fatalf("unexpected sequence: %#v", store.reordered)
	}
}

func TestReorderProjectsBackwardDrag(t *testing.T) {
	e := echo.New()
	store := &mockStore{projects: []domain.Project{
		{ID: "p1", Order: 1},
		{ID: "p2", Order: 10},
		{ID: "p3", Order: 20},
	}}
	// Drag the first project to the end: the submitted sequence's current
	// orders are 10, 20, 1 — not ascending.
	c, rec := newReorderContext(e, `{"projectIds":["p2","p3","p1"]}`)

	if err := reorderProjects(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.reordered) != 3 {
		t.Fatalf("expected 3 project orders, got %#v", store.reordered)
	}
	want := []string{"p2", "p3", "p1"}
	for i, id := range want {
		if store.reordered[i].ProjectID != id {
			t.Fatalf("unexpected sequence: %#v", store.reordered)
		}
	}
	for i := 1; i < len(store.reordered); i++ {
		if store.reordered[i].NewOrder <= store.reordered[i-1].NewOrder {
			t.Fatalf("persisted orders do not render the requested sequence: %#v", store.reordered)
		}
	}
}

func TestReorderProjectsUnknownID(t *testing.T) {
	e := echo.New()
	store := &mockStore{projects: []domain.Project{{ID: "p1"}}}
	c, rec := newReorderContext(e, `{"projectIds":["p1","ghost"]}`)

	if err := reorderProjects(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	if store.reordered != nil {
		t.Fatal("no reorder should persist for an unknown project")
	}
}

func TestReorderProjectsDuplicateIDs(t *testing.T) {
	e := echo.New()
	store := &mockStore{projects: []domain.Project{{ID: "p1"}}}
	c, rec := newReorderContext(e, `{"projectIds":["p1","p1"]}`)

	if err := reorderProjects(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestReorderProjectsEmpty(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	c, rec := newReorderContext(e, `{"projectIds":[]}`)

	if err := reorderProjects(store, noopLocks{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.reordered != nil {
		t.Fatal("empty request must not touch storage")
	}
}
