// Package api serves the save, load, inspect and import operations as JSON
// over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/AltynCore/keste/internal/persist"
	"github.com/AltynCore/keste/internal/workbook"
	"github.com/AltynCore/keste/pkg/database"
)

// MaxBodyBytes caps the size of a request body, dump included.
const MaxBodyBytes = 256 << 20

const RequestIDHeader = "X-Request-Id"

type Handler struct {
	engine *persist.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewHandler(engine *persist.Engine, logger *slog.Logger) *Handler {
	h := &Handler{
		engine: engine,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.RegisterRoutes(h.mux)
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/save", h.withRequestID(h.handleSave))
	mux.Handle("POST /v1/load", h.withRequestID(h.handleLoad))
	mux.Handle("POST /v1/inspect", h.withRequestID(h.handleInspect))
	mux.Handle("POST /v1/import", h.withRequestID(h.handleImport))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type loadResponse struct {
	SQLDump string `json:"sql_dump"`
}

type importRequest struct {
	XLSXPath string `json:"xlsx_path"`
	OutPath  string `json:"out_path"`
}

type importResponse struct {
	BytesWritten int64 `json:"bytes_written"`
	Sheets       int   `json:"sheets"`
	Cells        int   `json:"cells"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	var req persist.SaveRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.OutPath == "" {
		h.writeError(w, r, fmt.Errorf("%w: out_path is required", persist.ErrInvalidRequest))
		return
	}

	res, err := h.engine.Save(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req persist.LoadRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.FilePath == "" {
		h.writeError(w, r, fmt.Errorf("%w: file_path is required", persist.ErrInvalidRequest))
		return
	}

	dump, err := h.engine.Load(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loadResponse{SQLDump: dump})
}

func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req persist.LoadRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	wb, err := h.engine.LoadWorkbook(r.Context(), req.FilePath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wb.Summary())
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.XLSXPath == "" || req.OutPath == "" {
		h.writeError(w, r, fmt.Errorf("%w: xlsx_path and out_path are required", persist.ErrInvalidRequest))
		return
	}

	wb, res, err := h.engine.ImportXLSX(r.Context(), req.XLSXPath, req.OutPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sum := wb.Summary()
	writeJSON(w, http.StatusOK, importResponse{
		BytesWritten: res.BytesWritten,
		Sheets:       len(sum.Sheets),
		Cells:        sum.Cells,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", persist.ErrInvalidRequest, err)
	}
	return nil
}

// StatusCode maps an engine error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, persist.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrFormat),
		errors.Is(err, database.ErrExecution),
		errors.Is(err, workbook.ErrNotWorkbook),
		errors.Is(err, workbook.ErrNotXLSX),
		errors.Is(err, workbook.ErrUnsupportedVersion),
		errors.Is(err, workbook.ErrInvalidWorkbook):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"request_id", w.Header().Get(RequestIDHeader),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// withRequestID tags the exchange with the caller's request id, or a new
// one when none was sent.
func (h *Handler) withRequestID(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		h.logger.Debug("api request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next(w, r)
	})
}
