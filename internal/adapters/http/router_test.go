package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/defect-dataset-exporter/internal/config"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/observability/metrics"
)

const routerTaskID = "1f2e3d4c-5b6a-4798-8a7b-6c5d4e3f2a1b"

func newTestHandler(cfg config.Config, svc Services) http.Handler {
	return NewRouter(cfg, svc).Handler()
}

type querySuccessFake struct {
	got domain.QueryRequest
}

func (f *querySuccessFake) Run(_ context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	f.got = req
	return &domain.QueryResult{
		TaskID: routerTaskID,
		Count:  1,
		Items:  []domain.PreviewItem{{ID: 0, ImgName: "a.jpg", Annotations: []domain.PreviewAnnotation{}}},
	}, nil
}

type exporterFake struct {
	path     string
	selected []int
	calls    int
}

func (f *exporterFake) Export(_ context.Context, taskID string, selected []int) (*domain.Archive, error) {
	f.calls++
	f.selected = selected
	return &domain.Archive{TaskID: taskID, Path: f.path, FileName: domain.ArchiveFileName(taskID)}, nil
}

type tasksFake struct {
	dir string
	doc *domain.COCODocument
}

func (f tasksFake) LoadDocument(context.Context, string) (*domain.COCODocument, error) {
	return f.doc, nil
}

func (f tasksFake) ArtifactPath(_ context.Context, _ string, name string) (string, error) {
	p := filepath.Join(f.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", domain.WrapError(domain.ErrTaskNotFound, "artifact", err)
	}
	return p, nil
}

type sheetsFake struct {
	path string
}

func (f sheetsFake) ExportXLSX(context.Context, string) (string, error) {
	return f.path, nil
}

type settingsManagerFake struct {
	current  config.Settings
	applied  json.RawMessage
	applyErr error
	tested   *config.Settings
	testErr  error
}

func (f *settingsManagerFake) Current() config.Settings { return f.current }

func (f *settingsManagerFake) Apply(_ context.Context, raw json.RawMessage) (config.Settings, error) {
	f.applied = raw
	return f.current, f.applyErr
}

func (f *settingsManagerFake) TestConnection(_ context.Context, s config.Settings) error {
	f.tested = &s
	return f.testErr
}

func writeTempFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestHealthzEndpoint(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{})
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthz response %d %s", res.Code, res.Body.String())
	}
}

func TestQueryEndpointReturnsPreview(t *testing.T) {
	q := &querySuccessFake{}
	handler := newTestHandler(config.Config{}, Services{Query: q})

	body := `{"sql":"SELECT * FROM t WHERE c_time > '${START_TIME}'","start_time":"2025-01-01","sample_size":5}`
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body)))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if q.got.StartTime != "2025-01-01" || q.got.SampleSize == nil || *q.got.SampleSize != 5 {
		t.Fatalf("request not forwarded: %+v", q.got)
	}

	var resp struct {
		Success bool                 `json:"success"`
		TaskID  string               `json:"task_id"`
		Count   int                  `json:"count"`
		Data    []domain.PreviewItem `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.TaskID != routerTaskID || resp.Count != 1 || len(resp.Data) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestQueryEndpointRejectsInvalidJSON(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{Query: &querySuccessFake{}})
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader("{")))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestExportEndpointSelection(t *testing.T) {
	dir := t.TempDir()
	zipPath := writeTempFile(t, dir, "archive.zip", "PK-fake")
	exp := &exporterFake{path: zipPath}
	handler := newTestHandler(config.Config{}, Services{Exporter: exp})

	res := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/export/"+routerTaskID, strings.NewReader(`{"selected_indices":[1,"2"]}`))
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if len(exp.selected) != 2 || exp.selected[0] != 1 || exp.selected[1] != 2 {
		t.Fatalf("unexpected selection %v", exp.selected)
	}
	if got := res.Header().Get("Content-Disposition"); !strings.Contains(got, "coco_export_"+routerTaskID+".zip") {
		t.Fatalf("unexpected disposition %q", got)
	}
	if res.Header().Get("Content-Type") != "application/zip" || res.Body.String() != "PK-fake" {
		t.Fatalf("unexpected archive response")
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/export/"+routerTaskID, nil))
	if res.Code != http.StatusOK || exp.selected != nil {
		t.Fatalf("GET must export everything, got %d selection %v", res.Code, exp.selected)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/export/"+routerTaskID, nil))
	if res.Code != http.StatusOK || exp.selected != nil {
		t.Fatalf("POST without body must export everything, got %d selection %v", res.Code, exp.selected)
	}
}

func TestExportEndpointRejectsBadIndices(t *testing.T) {
	exp := &exporterFake{}
	handler := newTestHandler(config.Config{}, Services{Exporter: exp})

	res := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/export/"+routerTaskID, strings.NewReader(`{"selected_indices":["x"]}`))
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest || exp.calls != 0 {
		t.Fatalf("expected 400 without export, got %d calls=%d", res.Code, exp.calls)
	}
}

func TestArtifactDownloads(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, domain.CSVFileName, "img_path\n/p/a.jpg\n")
	writeTempFile(t, dir, "a.jpg", "jpeg-bytes")
	xlsx := writeTempFile(t, dir, "result.xlsx", "xlsx-bytes")

	handler := newTestHandler(config.Config{}, Services{
		Tasks:  tasksFake{dir: dir},
		Sheets: sheetsFake{path: xlsx},
	})

	cases := []struct {
		path        string
		body        string
		disposition string
	}{
		{"/api/export-csv/" + routerTaskID, "img_path\n/p/a.jpg\n", `filename="result.csv"`},
		{"/api/export-xlsx/" + routerTaskID, "xlsx-bytes", `filename="result.xlsx"`},
		{"/api/tasks/" + routerTaskID + "/images/a.jpg", "jpeg-bytes", ""},
	}
	for _, tc := range cases {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.path, res.Code)
		}
		if res.Body.String() != tc.body {
			t.Fatalf("%s: unexpected body %q", tc.path, res.Body.String())
		}
		if tc.disposition != "" && !strings.Contains(res.Header().Get("Content-Disposition"), tc.disposition) {
			t.Fatalf("%s: unexpected disposition %q", tc.path, res.Header().Get("Content-Disposition"))
		}
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/tasks/"+routerTaskID+"/images/b.jpg", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("missing image must be 404, got %d", res.Code)
	}
}

func TestCocoEndpointWrapsDocument(t *testing.T) {
	doc := &domain.COCODocument{Images: []domain.COCOImage{{ID: 0, FileName: "a.jpg"}}}
	handler := newTestHandler(config.Config{}, Services{Tasks: tasksFake{doc: doc}})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/coco/"+routerTaskID, nil))
	var resp struct {
		Success bool                `json:"success"`
		Data    domain.COCODocument `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || len(resp.Data.Images) != 1 || resp.Data.Images[0].FileName != "a.jpg" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestConfigEndpoints(t *testing.T) {
	mgr := &settingsManagerFake{current: config.DefaultSettings()}
	handler := newTestHandler(config.Config{}, Services{Settings: mgr})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	var got struct {
		Success bool           `json:"success"`
		Config  map[string]any `json:"config"`
	}
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Success || got.Config["db_host"] != "localhost" {
		t.Fatalf("unexpected config response: %+v", got)
	}

	res = httptest.NewRecorder()
	body := `{"config":{"db_host":"h","db_user":"u","db_password":"p","db_database":"d","img_base_path":"/b"}}`
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(body)))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !bytes.Contains(mgr.applied, []byte(`"db_host":"h"`)) {
		t.Fatalf("raw config not forwarded: %s", mgr.applied)
	}

	mgr.applyErr = domain.WrapError(domain.ErrInvalidInput, "save settings", errors.New("missing required field: db_user"))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"config":{}}`)))
	if res.Code != http.StatusBadRequest || !strings.Contains(res.Body.String(), "db_user") {
		t.Fatalf("expected 400 naming the field, got %d %s", res.Code, res.Body.String())
	}
}

func TestTestConnectionEndpoint(t *testing.T) {
	mgr := &settingsManagerFake{current: config.DefaultSettings()}
	handler := newTestHandler(config.Config{}, Services{Settings: mgr})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/config/test-connection", strings.NewReader(`{"host":"h","user":"u"}`)))
	if res.Code != http.StatusBadRequest || mgr.tested != nil {
		t.Fatalf("incomplete credentials must be rejected, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	body := `{"host":"db","user":"u","password":"p","database":"vision"}`
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/config/test-connection", strings.NewReader(body)))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if mgr.tested == nil || mgr.tested.DBHost != "db" || mgr.tested.DBDatabase != "vision" {
		t.Fatalf("candidate settings not forwarded: %+v", mgr.tested)
	}

	mgr.testErr = errors.New("access denied")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/config/test-connection", strings.NewReader(body)))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on failed connection, got %d", res.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewHTTPServerMetrics("api")
	handler := newTestHandler(config.Config{}, Services{Metrics: m})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), "dde_http_requests_total") {
		t.Fatalf("expected http metrics, got %s", raw)
	}
}
