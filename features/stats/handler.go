package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/debugonezero/plug-memory/internal/middleware"
)

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type VectorStore interface {
	Count(ctx context.Context) (int, error)
}

type ModelReporter interface {
	ModelID() string
}

type Handler struct {
	jobRepo     JobRepo
	vectorStore VectorStore
	embedder    ModelReporter
}

func NewHandler(j JobRepo, v VectorStore, e ModelReporter) *Handler {
	return &Handler{jobRepo: j, vectorStore: v, embedder: e}
}

type StatsResponse struct {
	Entries        int    `json:"entries"`
	FailedRecords  int    `json:"failed_records"`
	EmbeddingModel string `json:"embedding_model"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	eCount, err := h.vectorStore.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count entries", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count entries", http.StatusInternalServerError)
		return
	}

	jCount, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count failed records", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count failed records", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Entries:        eCount,
		FailedRecords:  jCount,
		EmbeddingModel: h.embedder.ModelID(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
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
