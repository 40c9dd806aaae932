package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/deonneon/ohtani-harada/autosave"
	"github.com/deonneon/ohtani-harada/domain"
	"github.com/deonneon/ohtani-harada/storage"
)

type mockStore struct {
	matrix  *domain.MatrixData
	backup  *domain.MatrixData
	loadErr error
	saveErr error
	saves   int
	clears  int
}

func (m *mockStore) SaveMatrix(ctx context.Context, data domain.MatrixData) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.matrix = &data
	return nil
}

func (m *mockStore) LoadMatrix(ctx context.Context) (*domain.MatrixData, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.matrix, nil
}

func (m *mockStore) ClearMatrix(ctx context.Context) error {
	m.clears++
	m.matrix = nil
	return nil
}

func (m *mockStore) HasMatrix(ctx context.Context) (bool, error) {
	return m.matrix != nil, nil
}

func (m *mockStore) Metadata(ctx context.Context) (*storage.Metadata, error) {
	if m.matrix == nil {
		return nil, nil
	}
	return &storage.Metadata{Version: "1.0.0", SizeBytes: 512, LastSaved: time.Now().UTC()}, nil
}

func (m *mockStore) Usage(ctx context.Context) (*storage.Usage, error) {
	return &storage.Usage{UsedBytes: 512, LimitBytes: storage.DefaultMaxBytes, Percent: 0.02}, nil
}

func (m *mockStore) CreateBackup(ctx context.Context) bool {
	if m.matrix == nil {
		return false
	}
	m.backup = m.matrix
	return true
}

func (m *mockStore) RestoreFromBackup(ctx context.Context) *domain.MatrixData {
	return m.backup
}

func (m *mockStore) BackupMetadata(ctx context.Context) (*storage.Metadata, error) {
	if m.backup == nil {
		return nil, nil
	}
	return &storage.Metadata{Version: "1.0.0", SizeBytes: 512}, nil
}

func (m *mockStore) ClearBackup(ctx context.Context) error {
	m.backup = nil
	return nil
}

func (m *mockStore) MaxBytes() int { return storage.DefaultMaxBytes }

type mockAuth struct{ err error }

func (a mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "user", nil
}

func testServer(t *testing.T, store MatrixStore) *echo.Echo {
	t.Helper()
	e := echo.New()
	logger := log.New()
	logger.SetOutput(io.Discard)
	Register(e, store, nil, mockAuth{}, logger)
	return e
}

func testMatrix() *domain.MatrixData {
	return &domain.MatrixData{
		Goal: domain.Goal{ID: "goal-1", Title: "Run a marathon", Description: "Under four hours", CreatedDate: time.Now().UTC()},
		FocusAreas: []domain.FocusArea{
			{ID: "area-1", Title: "Training", Description: "Weekly mileage", GoalID: "goal-1"},
			{ID: "area-2", Title: "Nutrition", Description: "Fueling", GoalID: "goal-1"},
		},
		Tasks: []domain.Task{
			{ID: "task-1", Title: "Long run", AreaID: "area-1", Status: domain.StatusPending, Priority: domain.PriorityHigh},
			{ID: "task-2", Title: "Intervals", AreaID: "area-1", Status: domain.StatusInProgress, Priority: domain.PriorityMedium},
		},
	}
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderAuthorization, "Bearer h.p.s")
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestGetMatrixEmptyStore(t *testing.T) {
	e := testServer(t, &mockStore{})
	rec := doRequest(e, http.MethodGet, "/api/matrix", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetMatrix(t *testing.T) {
	e := testServer(t, &mockStore{matrix: testMatrix()})
	rec := doRequest(e, http.MethodGet, "/api/matrix", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var m domain.MatrixData
	if err := sonic.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m.Goal.ID != "goal-1" || len(m.Tasks) != 2 {
		t.Fatalf("unexpected matrix: %+v", m)
	}
}

func TestGetMatrixUnauthorized(t *testing.T) {
	e := echo.New()
	logger := log.New()
	logger.SetOutput(io.Discard)
	Register(e, &mockStore{}, nil, mockAuth{err: errMissingAuthorization}, logger)

	rec := doRequest(e, http.MethodGet, "/api/matrix", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestGetMatrixCorruptionIsRecoverable(t *testing.T) {
	store := &mockStore{loadErr: &storage.CorruptionError{Reason: "payload is not valid JSON"}}
	e := testServer(t, store)

	rec := doRequest(e, http.MethodGet, "/api/matrix", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if !resp.Recoverable {
		t.Fatalf("corruption not flagged recoverable: %+v", resp)
	}
}

func TestPutMatrix(t *testing.T) {
	store := &mockStore{}
	e := testServer(t, store)
	body, _ := sonic.ConfigStd.Marshal(testMatrix())

	rec := doRequest(e, http.MethodPut, "/api/matrix", string(body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", rec.Code, rec.Body.String())
	}
	if store.saves != 1 || store.matrix == nil {
		t.Fatalf("matrix not persisted: saves=%d", store.saves)
	}
}

func TestPutMatrixRejectsInvalid(t *testing.T) {
	store := &mockStore{}
	e := testServer(t, store)
	m := testMatrix()
	m.Tasks[0].AreaID = "area-missing"
	body, _ := sonic.ConfigStd.Marshal(m)

	rec := doRequest(e, http.MethodPut, "/api/matrix", string(body))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if len(resp.Details) == 0 {
		t.Fatalf("expected validation details: %+v", resp)
	}
	if store.saves != 0 {
		t.Fatal("invalid matrix was persisted")
	}
}

func TestPutMatrixQuota(t *testing.T) {
	store := &mockStore{saveErr: &storage.QuotaExceededError{Size: 3 << 20, Limit: 2 << 20}}
	e := testServer(t, store)
	body, _ := sonic.ConfigStd.Marshal(testMatrix())

	rec := doRequest(e, http.MethodPut, "/api/matrix", string(body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", rec.Code)
	}
}

func TestDeleteMatrix(t *testing.T) {
	store := &mockStore{matrix: testMatrix()}
	e := testServer(t, store)

	rec := doRequest(e, http.MethodDelete, "/api/matrix", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if store.clears != 1 || store.matrix != nil {
		t.Fatal("matrix not cleared")
	}
	// the in-memory copy is gone too
	rec = doRequest(e, http.MethodGet, "/api/matrix", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after delete, got %d", rec.Code)
	}
}

func TestHeadMatrix(t *testing.T) {
	store := &mockStore{}
	e := testServer(t, store)

	if rec := doRequest(e, http.MethodHead, "/api/matrix", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	store.matrix = testMatrix()
	if rec := doRequest(e, http.MethodHead, "/api/matrix", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestCommandsApplySequentially(t *testing.T) {
	store := &mockStore{matrix: testMatrix()}
	e := testServer(t, store)

	body := `[
		{"entityType":"task","type":"update-status","data":{"id":"task-1","status":"completed"}},
		{"entityType":"task","type":"add","data":{"title":"Meal plan","areaId":"area-2"}}
	]`
	rec := doRequest(e, http.MethodPost, "/api/commands", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Applied int               `json:"applied"`
		Matrix  domain.MatrixData `json:"matrix"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Applied != 2 {
		t.Fatalf("applied %d, want 2", resp.Applied)
	}
	if len(resp.Matrix.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(resp.Matrix.Tasks))
	}
	task, ok := domain.FindTask(resp.Matrix, "task-1")
	if !ok || task.Status != domain.StatusCompleted || task.CompletedDate == nil {
		t.Fatalf("status command not applied: %+v", task)
	}
	// no saver configured, so the store is written synchronously
	if store.saves != 1 {
		t.Fatalf("saves=%d, want 1", store.saves)
	}
}

func TestCommandsFailAtomically(t *testing.T) {
	store := &mockStore{matrix: testMatrix()}
	e := testServer(t, store)

	// second command targets a missing task; nothing may persist
	body := `[
		{"entityType":"task","type":"update-status","data":{"id":"task-1","status":"completed"}},
		{"entityType":"task","type":"delete","data":{"id":"task-99"}}
	]`
	rec := doRequest(e, http.MethodPost, "/api/commands", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rec.Code, rec.Body.String())
	}
	if store.saves != 0 {
		t.Fatal("failed batch was persisted")
	}
	if store.matrix.Tasks[0].Status != domain.StatusPending {
		t.Fatal("partial batch mutated the stored matrix")
	}
}

func TestCommandsRejectUnknownEntityType(t *testing.T) {
	e := testServer(t, &mockStore{matrix: testMatrix()})
	rec := doRequest(e, http.MethodPost, "/api/commands", `[{"entityType":"widget","type":"add","data":{}}]`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestCommandsRejectInvalidInput(t *testing.T) {
	e := testServer(t, &mockStore{matrix: testMatrix()})
	rec := doRequest(e, http.MethodPost, "/api/commands", `[{"entityType":"task","type":"add","data":{"title":"ab","areaId":"area-1"}}]`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeError(t, rec)
	if len(resp.Details) == 0 {
		t.Fatalf("expected validation details: %+v", resp)
	}
}

func TestCommandsRequireExistingMatrix(t *testing.T) {
	e := testServer(t, &mockStore{})
	rec := doRequest(e, http.MethodPost, "/api/commands", `[{"entityType":"goal","type":"update","data":{"goalId":"g","title":"x"}}]`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestCommandsRejectEmptyBatch(t *testing.T) {
	e := testServer(t, &mockStore{matrix: testMatrix()})
	if rec := doRequest(e, http.MethodPost, "/api/commands", `[]`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/api/commands", `{"not":"a list"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestCommandsDebouncedThroughSaver(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	kv := storage.NewRedisKV(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	logger := log.New()
	logger.SetOutput(io.Discard)
	saved := make(chan any, 1)
	saver := autosave.New(context.Background(), kv, autosave.Options{
		Delay:   20 * time.Millisecond,
		Key:     "test:draft",
		Enabled: true,
		OnSave:  func(v any) { saved <- v },
	}, logger)
	t.Cleanup(saver.Stop)

	store := &mockStore{matrix: testMatrix()}
	e := echo.New()
	Register(e, store, saver, mockAuth{}, logger)

	body := `[{"entityType":"task","type":"update-status","data":{"id":"task-1","status":"completed"}}]`
	rec := doRequest(e, http.MethodPost, "/api/commands", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	// the write is deferred to the saver, not done inline
	if store.saves != 0 {
		t.Fatalf("store written synchronously: saves=%d", store.saves)
	}

	select {
	case v := <-saved:
		m, ok := v.(domain.MatrixData)
		if !ok {
			t.Fatalf("saver delivered %T", v)
		}
		task, _ := domain.FindTask(m, "task-1")
		if task.Status != domain.StatusCompleted {
			t.Fatalf("saver saw stale matrix: %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debounced save never fired")
	}
	if !mr.Exists("test:draft") {
		t.Fatal("draft key not written")
	}
}

func TestBackupAndRestore(t *testing.T) {
	store := &mockStore{matrix: testMatrix()}
	e := testServer(t, store)

	rec := doRequest(e, http.MethodPost, "/api/matrix/backup", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var created map[string]bool
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil || !created["created"] {
		t.Fatalf("unexpected backup response: %s", rec.Body.String())
	}

	// wipe the primary; the backup survives and restores
	doRequest(e, http.MethodDelete, "/api/matrix", "")
	rec = doRequest(e, http.MethodPost, "/api/matrix/restore", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var m domain.MatrixData
	if err := sonic.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m.Goal.ID != "goal-1" {
		t.Fatalf("restored wrong matrix: %+v", m.Goal)
	}

	rec = doRequest(e, http.MethodDelete, "/api/matrix/backup", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPost, "/api/matrix/restore", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after backup cleared, got %d", rec.Code)
	}
}

func TestRecoverFresh(t *testing.T) {
	store := &mockStore{}
	e := testServer(t, store)

	rec := doRequest(e, http.MethodPost, "/api/matrix/recover", `{"mode":"fresh","goal":{"title":"New goal","description":"Start over"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var m domain.MatrixData
	if err := sonic.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m.Goal.Title != "New goal" {
		t.Fatalf("goal title %q", m.Goal.Title)
	}
	if len(m.FocusAreas) != domain.MaxFocusAreas || len(m.Tasks) != domain.MaxTasks {
		t.Fatalf("fresh matrix shape: %d areas, %d tasks", len(m.FocusAreas), len(m.Tasks))
	}
	if store.saves != 1 {
		t.Fatal("fresh matrix not persisted")
	}
}

func TestRecoverBackupMissing(t *testing.T) {
	e := testServer(t, &mockStore{})
	rec := doRequest(e, http.MethodPost, "/api/matrix/recover", `{"mode":"backup"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestRecoverModes(t *testing.T) {
	e := testServer(t, &mockStore{})
	if rec := doRequest(e, http.MethodPost, "/api/matrix/recover", `{"mode":"manual"}`); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/api/matrix/recover", `{"mode":"wish"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestMetadataEndpoints(t *testing.T) {
	store := &mockStore{}
	e := testServer(t, store)

	if rec := doRequest(e, http.MethodGet, "/api/matrix/meta", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	store.matrix = testMatrix()
	rec := doRequest(e, http.MethodGet, "/api/matrix/meta", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var meta storage.Metadata
	if err := sonic.Unmarshal(rec.Body.Bytes(), &meta); err != nil || meta.Version != "1.0.0" {
		t.Fatalf("unexpected metadata: %s", rec.Body.String())
	}

	rec = doRequest(e, http.MethodGet, "/api/matrix/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var usage storage.Usage
	if err := sonic.Unmarshal(rec.Body.Bytes(), &usage); err != nil || usage.LimitBytes != storage.DefaultMaxBytes {
		t.Fatalf("unexpected usage: %s", rec.Body.String())
	}
}

func TestGetStats(t *testing.T) {
	store := &mockStore{matrix: testMatrix()}
	e := testServer(t, store)

	rec := doRequest(e, http.MethodGet, "/api/matrix/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var stats domain.MatrixStats
	if err := sonic.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if stats.TotalTasks != 2 {
		t.Fatalf("total %d, want 2", stats.TotalTasks)
	}
}

func TestHealthz(t *testing.T) {
	e := testServer(t, &mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}
