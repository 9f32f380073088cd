package document

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/signato/platform/internal/audit"
	"github.com/signato/platform/internal/authz"
	"github.com/signato/platform/internal/shared/auth"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// Handler serves the read side of the document module. Mutations go
// through the signing coordinator.
type Handler struct {
	store      Store
	log        audit.Log
	authorizer *authz.Engine
}

// NewHandler creates a new document handler
func NewHandler(store Store, log audit.Log, authorizer *authz.Engine) *Handler {
	return &Handler{store: store, log: log, authorizer: authorizer}
}

// Routes registers the document routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListDocuments)
	r.Route("/{documentID}", func(r chi.Router) {
		r.Get("/", h.GetDocument)
		r.Get("/audit", h.ReadAuditTrail)
	})

	return r
}

// ListDocuments lists the documents the caller can read
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	subject := authz.Subject{Type: "user", ID: user.ID}
	ids, err := h.authorizer.ListObjectsOfType(r.Context(), subject, authz.PermDocumentRead, authz.ObjectTypeDocument)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"documents": []any{}, "count": 0})
		return
	}

	filter := ListFilter{IDs: ids}
	if s := r.URL.Query().Get("status"); s != "" {
		status := Status(s)
		filter.Status = &status
	}

	docs, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

// GetDocument returns one document with signers and fields
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := h.authorize(w, r, authz.PermDocumentRead)
	if !ok {
		return
	}

	doc, err := h.store.Get(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ReadAuditTrail returns the document's audit entries in sequence order
func (h *Handler) ReadAuditTrail(w http.ResponseWriter, r *http.Request) {
	documentID, ok := h.authorize(w, r, authz.PermDocumentRead)
	if !ok {
		return
	}

	entries, err := h.log.Read(r.Context(), documentID, 0, -1)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// authorize resolves the document id and checks the permission. A deny
// caused by an unavailable relationship store maps to a retryable 503
// rather than a hard denial.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, permission string) (types.ID, bool) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return "", false
	}
	documentID, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid document id"))
		return "", false
	}

	decision := h.authorizer.Authorize(
		r.Context(),
		authz.Subject{Type: "user", ID: user.ID},
		permission,
		authz.Object{Type: authz.ObjectTypeDocument, ID: documentID},
		authz.Env{Now: time.Now().UTC(), IP: r.RemoteAddr},
	)
	if !decision.Allowed {
		if decision.Reason == authz.ReasonUnavailable {
			writeError(w, errors.DependencyUnavailable("authorization", nil))
			return "", false
		}
		writeError(w, errors.Forbidden(decision.Reason))
		return "", false
	}
	return documentID, true
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
