package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/companionhq/companion/internal/api"
	"github.com/companionhq/companion/internal/auth"
)

const maxRequestBody = 1 << 20

// Enqueuer hands an ingestion to a background worker and returns its job id.
type Enqueuer func(ctx context.Context, key CompanionKey, text string, metadata Metadata, recordID string) (string, error)

// Handler exposes the Manager over HTTP. Every route is scoped to
// /companions/{companion}/models/{model} and the authenticated user.
type Handler struct {
	mgr     *Manager
	enqueue Enqueuer
}

// NewHandler creates a memory handler. enqueue may be nil, in which case async ingestion
// is refused.
func NewHandler(mgr *Manager, enqueue Enqueuer) *Handler {
	return &Handler{mgr: mgr, enqueue: enqueue}
}

type AppendTurnRequest struct {
	Role    Role   `json:"role" validate:"required,oneof=system user"`
	Content string `json:"content" validate:"required,max=32768"`
}

type SeedHistoryRequest struct {
	Seed      string `json:"seed" validate:"required,max=65536"`
	Delimiter string `json:"delimiter" validate:"max=16"`
}

type IngestMemoryRequest struct {
	Text     string   `json:"text" validate:"required,max=32768"`
	Metadata Metadata `json:"metadata"`
	RecordID string   `json:"record_id" validate:"max=128"`
}

type SearchMemoryRequest struct {
	Query string `json:"query" validate:"required,max=32768"`
	TopK  int    `json:"top_k" validate:"omitempty,min=1,max=50"`
}

// SearchMemoryResponse carries the matches. Degraded is set when the embedding provider or
// the index could not be reached and the results are empty for that reason.
type SearchMemoryResponse struct {
	Results  []RetrievalResult `json:"results"`
	Degraded bool              `json:"degraded"`
}

type BuildContextRequest struct {
	Query   string  `json:"query" validate:"max=32768"`
	Persona Persona `json:"persona"`
}

type ContextResponse struct {
	ContextPayload
	Prompt string `json:"prompt"`
}

// GetHistory returns the most recent turns, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	limit := h.mgr.Config().RecentLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 || v > 1000 {
			api.HandleError(w, api.NewBadRequestError("limit must be between 1 and 1000"))
			return
		}
		limit = v
	}

	turns, err := h.mgr.GetRecentHistory(r.Context(), key, limit)
	if err != nil {
		handleError(w, "reading history", err)
		return
	}

	api.JSON(w, http.StatusOK, turns)
}

// AppendTurn stores one message.
func (h *Handler) AppendTurn(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	var req AppendTurnRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.mgr.AppendTurn(r.Context(), key, Turn{Role: req.Role, Content: req.Content}); err != nil {
		handleError(w, "appending turn", err)
		return
	}

	api.JSONMessage(w, http.StatusCreated, "turn appended")
}

// ClearHistory drops the short-term history.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	if err := h.mgr.ClearHistory(r.Context(), key); err != nil {
		handleError(w, "clearing history", err)
		return
	}

	api.JSONMessage(w, http.StatusOK, "history cleared")
}

// SeedHistory writes the companion's example dialogue into an empty history.
func (h *Handler) SeedHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	var req SeedHistoryRequest
	if !decode(w, r, &req) {
		return
	}

	seeded, err := h.mgr.SeedHistory(r.Context(), key, req.Seed, req.Delimiter)
	if err != nil {
		handleError(w, "seeding history", err)
		return
	}

	status := http.StatusOK
	if seeded {
		status = http.StatusCreated
	}
	api.JSON(w, status, map[string]bool{"seeded": seeded})
}

// IngestMemory stores a long-term memory. With ?async=true the work is queued and the
// response carries the job id.
func (h *Handler) IngestMemory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	var req IngestMemoryRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Metadata.Validate(); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.enqueue == nil {
			api.HandleError(w, api.NewServiceUnavailableError("asynchronous ingestion is not enabled"))
			return
		}
		jobID, err := h.enqueue(r.Context(), key, req.Text, req.Metadata, req.RecordID)
		if err != nil {
			slog.Error("queueing memory ingestion", "error", err, "key", key.String())
			api.HandleError(w, api.ErrServiceUnavailable)
			return
		}
		api.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	var opts []IngestOption
	if req.RecordID != "" {
		opts = append(opts, WithRecordID(req.RecordID))
	}
	rec, err := h.mgr.IngestMemory(r.Context(), key, req.Text, req.Metadata, opts...)
	if err != nil {
		handleError(w, "ingesting memory", err)
		return
	}

	rec.Vector = nil
	api.JSON(w, http.StatusCreated, rec)
}

// SearchMemory returns the memories most similar to the query. Like BuildContext it answers
// 200 when retrieval is down, with no results and the degraded flag set.
func (h *Handler) SearchMemory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	var req SearchMemoryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TopK == 0 {
		req.TopK = h.mgr.Config().TopK
	}

	results, err := h.mgr.RetrieveRelevantMemories(r.Context(), key, req.Query, req.TopK)
	if err != nil {
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrConfiguration) {
			handleError(w, "searching memories", err)
			return
		}
		slog.Warn("searching memories, answering degraded", "error", err, "key", key.String())
		api.JSON(w, http.StatusOK, SearchMemoryResponse{Results: []RetrievalResult{}, Degraded: true})
		return
	}

	if results == nil {
		results = []RetrievalResult{}
	}
	for i := range results {
		results[i].Record.Vector = nil
	}
	api.JSON(w, http.StatusOK, SearchMemoryResponse{Results: results})
}

// ForgetMemory deletes every long-term memory of the conversation.
func (h *Handler) ForgetMemory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	if err := h.mgr.ForgetMemories(r.Context(), key); err != nil {
		handleError(w, "forgetting memories", err)
		return
	}

	api.JSONMessage(w, http.StatusOK, "memories deleted")
}

// BuildContext assembles the prompt context for the next model call. It always answers
// 200; a degraded payload says so in its body.
func (h *Handler) BuildContext(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	var req BuildContextRequest
	if !decode(w, r, &req) {
		return
	}
	if err := key.Validate(); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	payload := h.mgr.BuildContext(r.Context(), key, req.Query, req.Persona)
	api.JSON(w, http.StatusOK, ContextResponse{
		ContextPayload: payload,
		Prompt:         payload.Prompt(key.CompanionName),
	})
}

func (h *Handler) key(w http.ResponseWriter, r *http.Request) (CompanionKey, bool) {
	uid, ok := auth.CurrentUser(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return CompanionKey{}, false
	}
	return CompanionKey{
		CompanionName: chi.URLParam(r, "companion"),
		ModelName:     chi.URLParam(r, "model"),
		UserID:        uid,
	}, true
}

func decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return false
	}
	if err := validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return false
	}
	return true
}

// handleError maps the memory error taxonomy onto HTTP statuses.
func handleError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		api.HandleError(w, api.NewValidationError(err.Error()))
	case errors.Is(err, ErrConfiguration):
		slog.Error(op, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	case errors.Is(err, ErrHistoryUnavailable),
		errors.Is(err, ErrEmbeddingUnavailable),
		errors.Is(err, ErrIndexUnavailable):
		slog.Warn(op, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
	default:
		slog.Error(op, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
