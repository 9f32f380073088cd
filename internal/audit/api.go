package audit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/signato/platform/internal/shared/auth"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// Handler provides HTTP handlers for the audit module
type Handler struct {
	log         Log
	checkpoints *CheckpointService
}

// NewHandler creates a new audit handler
func NewHandler(log Log, checkpoints *CheckpointService) *Handler {
	return &Handler{log: log, checkpoints: checkpoints}
}

// Routes registers the audit routes. All routes are document-scoped and
// admin-only; document owners read their trail through the signing API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{documentID}", func(r chi.Router) {
		r.Get("/", h.ReadTrail)
		r.Get("/verify", h.VerifyChain)
		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", h.ListCheckpoints)
			r.Post("/", h.CreateCheckpoint)
			r.Get("/verify", h.VerifyCheckpoint)
		})
	})

	return r
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	user := auth.GetUser(r.Context())
	if user == nil || !user.IsAdmin() {
		writeError(w, errors.Forbidden("admin access required"))
		return "", false
	}

	id, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid document id"))
		return "", false
	}
	return id, true
}

// ReadTrail returns the audit entries of a document in sequence order
func (h *Handler) ReadTrail(w http.ResponseWriter, r *http.Request) {
	documentID, ok := h.documentID(w, r)
	if !ok {
		return
	}

	from := int64(0)
	to := int64(-1)
	if v := r.URL.Query().Get("from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			from = n
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			to = n
		}
	}

	entries, err := h.log.Read(r.Context(), documentID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// VerifyChain verifies the hash chain of a document's trail
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	documentID, ok := h.documentID(w, r)
	if !ok {
		return
	}

	result, err := h.log.VerifyChain(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateCheckpoint witnesses the current chain head
func (h *Handler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	documentID, ok := h.documentID(w, r)
	if !ok {
		return
	}

	checkpoint, err := h.checkpoints.Create(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkpoint)
}

// ListCheckpoints lists witnessed checkpoints, newest first
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	documentID, ok := h.documentID(w, r)
	if !ok {
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	checkpoints, err := h.log.ListCheckpoints(r.Context(), documentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": checkpoints,
		"count":       len(checkpoints),
	})
}

// VerifyCheckpoint verifies the latest checkpoint against the chain
func (h *Handler) VerifyCheckpoint(w http.ResponseWriter, r *http.Request) {
	documentID, ok := h.documentID(w, r)
	if !ok {
		return
	}

	checkpoint, err := h.checkpoints.Verify(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint": checkpoint,
		"valid":      true,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if appErr, ok := err.(*errors.AppError); ok {
		writeJSON(w, appErr.HTTPStatus, appErr)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal server error"})
}
