package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/kirillkom/defect-dataset-exporter/internal/config"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/ports"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/usecase"
	"github.com/kirillkom/defect-dataset-exporter/internal/observability/metrics"
)

const (
	maxJSONBody  = 1 << 20
	xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// SettingsManager owns the operator settings and the connection they drive.
type SettingsManager interface {
	Current() config.Settings
	Apply(ctx context.Context, raw json.RawMessage) (config.Settings, error)
	TestConnection(ctx context.Context, settings config.Settings) error
}

type Services struct {
	Query    ports.TaskQueryService
	Exporter ports.DatasetExporter
	Tasks    ports.TaskReader
	Sheets   ports.SpreadsheetExporter
	Settings SettingsManager
	Metrics  *metrics.HTTPServerMetrics
}

type Router struct {
	cfg config.Config
	svc Services
}

func NewRouter(cfg config.Config, svc Services) *Router {
	return &Router{cfg: cfg, svc: svc}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.svc.Metrics != nil {
		mux.Handle("GET /metrics", rt.svc.Metrics.Handler())
	}
	mux.HandleFunc("GET /api/config", rt.getConfig)
	mux.HandleFunc("POST /api/config", rt.saveConfig)
	mux.HandleFunc("POST /api/config/test-connection", rt.testConnection)
	mux.HandleFunc("POST /api/query", rt.runQuery)
	mux.HandleFunc("GET /api/tasks/{task_id}/images/{name}", rt.taskImage)
	mux.HandleFunc("GET /api/export/{task_id}", rt.exportArchive)
	mux.HandleFunc("POST /api/export/{task_id}", rt.exportArchive)
	mux.HandleFunc("GET /api/export-csv/{task_id}", rt.exportCSV)
	mux.HandleFunc("GET /api/export-xlsx/{task_id}", rt.exportXLSX)
	mux.HandleFunc("GET /api/coco/{task_id}", rt.cocoDocument)

	var onReject rejectFunc
	if rt.svc.Metrics != nil {
		onReject = rt.svc.Metrics.RecordRejected
	}

	var handler http.Handler = mux
	handler = backpressureWithReject(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, onReject)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, onReject)
	if rt.svc.Metrics != nil {
		handler = rt.svc.Metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success bool            `json:"success"`
		Config  config.Settings `json:"config"`
	}{Success: true, Config: rt.svc.Settings.Current()})
}

func (rt *Router) saveConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config json.RawMessage `json:"config"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Config) == 0 || string(req.Config) == "null" {
		req.Config = json.RawMessage(`{}`)
	}

	if _, err := rt.svc.Settings.Apply(r.Context(), req.Config); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "settings saved"})
}

func (rt *Router) testConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Host     string `json:"host"`
		User     string `json:"user"`
		Password string `json:"password"`
		Database string `json:"database"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Host == "" || req.User == "" || req.Password == "" || req.Database == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "host, user, password and database are required"})
		return
	}

	candidate := rt.svc.Settings.Current()
	candidate.DBHost = req.Host
	candidate.DBUser = req.User
	candidate.DBPassword = req.Password
	candidate.DBDatabase = req.Database
	if err := rt.svc.Settings.TestConnection(r.Context(), candidate); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "connection succeeded"})
}

func (rt *Router) runQuery(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	if rt.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.QueryTimeout)
		defer cancel()
	}

	result, err := rt.svc.Query.Run(ctx, req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*domain.QueryResult
	}{Success: true, QueryResult: result})
}

func (rt *Router) taskImage(w http.ResponseWriter, r *http.Request) {
	path, err := rt.svc.Tasks.ArtifactPath(r.Context(), r.PathValue("task_id"), r.PathValue("name"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (rt *Router) exportArchive(w http.ResponseWriter, r *http.Request) {
	var selected []int
	if r.Method == http.MethodPost {
		ids, err := readSelectedIndices(w, r)
		if err != nil {
			rt.writeError(w, r, err)
			return
		}
		selected = ids
	}

	archive, err := rt.svc.Exporter.Export(r.Context(), r.PathValue("task_id"), selected)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	serveAttachment(w, r, archive.Path, archive.FileName, "application/zip")
}

func (rt *Router) exportCSV(w http.ResponseWriter, r *http.Request) {
	path, err := rt.svc.Tasks.ArtifactPath(r.Context(), r.PathValue("task_id"), domain.CSVFileName)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	serveAttachment(w, r, path, domain.CSVFileName, "text/csv; charset=utf-8")
}

func (rt *Router) exportXLSX(w http.ResponseWriter, r *http.Request) {
	path, err := rt.svc.Sheets.ExportXLSX(r.Context(), r.PathValue("task_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	serveAttachment(w, r, path, usecase.XLSXFileName, xlsxMimeType)
}

func (rt *Router) cocoDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.svc.Tasks.LoadDocument(r.Context(), r.PathValue("task_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool                 `json:"success"`
		Data    *domain.COCODocument `json:"data"`
	}{Success: true, Data: doc})
}

// readSelectedIndices accepts ids as numbers or numeric strings. A missing
// body or field means no selection.
func readSelectedIndices(w http.ResponseWriter, r *http.Request) ([]int, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read export body", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	var req struct {
		SelectedIndices []json.RawMessage `json:"selected_indices"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode export body", err)
	}
	if req.SelectedIndices == nil {
		return nil, nil
	}

	ids := make([]int, 0, len(req.SelectedIndices))
	for _, item := range req.SelectedIndices {
		var n int
		if err := json.Unmarshal(item, &n); err == nil {
			ids = append(ids, n)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				ids = append(ids, n)
				continue
			}
		}
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode export body", fmt.Errorf("invalid index %s", item))
	}
	return ids, nil
}

func serveAttachment(w http.ResponseWriter, r *http.Request, path, name, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: "file is not available"})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "file is not available"})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return false
	}
	return true
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
