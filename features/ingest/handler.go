package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"medrag/apps/ingest/internal/middleware"
)

type Handler struct {
	session   *Session
	uploadDir string
	maxUpload int64
}

func NewHandler(session *Session, uploadDir string, maxUploadMB int) *Handler {
	if uploadDir == "" {
		uploadDir = "./uploads"
	}
	if maxUploadMB <= 0 {
		maxUploadMB = 100
	}
	return &Handler{
		session:   session,
		uploadDir: uploadDir,
		maxUpload: int64(maxUploadMB) << 20,
	}
}

// Create accepts a multipart batch: one or more PDF uploads under "files"
// (or a single "file"), or a "url" field, plus the phase toggles p1, p2 and
// p3 which default to enabled.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Invalid multipart request or file too large", http.StatusBadRequest)
		return
	}

	phases := PhaseSet{
		Split: formBool(r, "p1", true),
		OCR:   formBool(r, "p2", true),
		Embed: formBool(r, "p3", true),
	}

	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = r.MultipartForm.File["files"]
		if len(headers) == 0 {
			headers = r.MultipartForm.File["file"]
		}
	}
	rawURL := strings.TrimSpace(r.FormValue("url"))

	if len(headers) == 0 && rawURL == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Either a file or a url is required", http.StatusBadRequest)
		return
	}

	var views []JobView
	for _, fh := range headers {
		name := filepath.Base(fh.Filename)
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			h.writeError(r.Context(), w, "VALIDATION_ERROR",
				fmt.Sprintf("unsupported file type %q, only PDF is accepted", filepath.Ext(name)), http.StatusBadRequest)
			return
		}
		src, err := h.saveUpload(fh)
		if err != nil {
			slog.Error("failed to store upload", "error", err, "filename", filepath.Base(fh.Filename))
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to store uploaded file", http.StatusInternalServerError)
			return
		}
		view, err := h.session.Add(src, phases)
		if err != nil {
			_ = os.Remove(src.Path)
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		views = append(views, view)
	}

	if rawURL != "" {
		view, err := h.session.Add(Source{Kind: SourceURL, Name: rawURL, URL: rawURL}, phases)
		if err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		views = append(views, view)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": views,
		"meta": map[string]int{"count": len(views)},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Run kicks off the queue scan. The scan outlives the request, so progress
// is read back through List.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := h.session.Run(ctx); err != nil {
			slog.Error("queue run failed", "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	views, processing := h.session.Snapshot()
	if views == nil {
		views = []JobView{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": views,
		"meta": map[string]interface{}{
			"count":      len(views),
			"processing": processing,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Overwrite *bool `json:"overwrite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Overwrite == nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "overwrite is required", http.StatusBadRequest)
		return
	}

	if err := h.session.Decide(context.WithoutCancel(r.Context()), id, *req.Overwrite); err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			h.writeError(r.Context(), w, "NOT_FOUND", "Job not found", http.StatusNotFound)
		case errors.Is(err, ErrNoDecisionPending):
			h.writeError(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.session.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Job not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

func formBool(r *http.Request, key string, def bool) bool {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "on"
}

// saveUpload streams one multipart part to the upload directory under a
// UUID-prefixed name so repeated uploads never collide on disk. The original
// filename is kept as the job name.
func (h *Handler) saveUpload(fh *multipart.FileHeader) (Source, error) {
	name := filepath.Base(fh.Filename)

	if err := os.MkdirAll(h.uploadDir, 0o750); err != nil {
		return Source{}, fmt.Errorf("create upload directory: %w", err)
	}

	src, err := fh.Open()
	if err != nil {
		return Source{}, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	path := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%s", uuid.New().String(), name))
	dst, err := os.Create(path) // #nosec G304 -- path is UUID + sanitized basename
	if err != nil {
		return Source{}, fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()

	size, err := io.Copy(dst, src)
	if err != nil {
		_ = os.Remove(path)
		return Source{}, fmt.Errorf("write upload file: %w", err)
	}

	return Source{Kind: SourceFile, Name: name, Path: path, Size: size}, nil
}
