package library

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"medrag/apps/ingest/internal/middleware"
	"medrag/apps/ingest/internal/pipeline"
)

// Remover is the slice of the pipeline client used to remove an indexed
// document from the library.
type Remover interface {
	DeleteLibraryDocument(ctx context.Context, id string) error
}

type Handler struct {
	remover Remover
}

func NewHandler(remover Remover) *Handler {
	return &Handler{remover: remover}
}

// Delete removes one indexed document. The deletion happens on the
// processing service; this endpoint only relays the outcome.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Document id is required", http.StatusBadRequest)
		return
	}

	if err := h.remover.DeleteLibraryDocument(r.Context(), id); err != nil {
		var be *pipeline.BackendError
		if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
			h.writeError(r.Context(), w, "NOT_FOUND", "Document not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to delete library document", "error", err, "id", id)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to delete document", http.StatusInternalServerError)
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
