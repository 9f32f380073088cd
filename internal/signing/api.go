package signing

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/signato/platform/internal/shared/auth"
	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/middleware"
	"github.com/signato/platform/internal/shared/types"
)

// Handler serves the write side of the document lifecycle plus the
// public signing-link endpoints.
type Handler struct {
	service *Service
	limiter *middleware.IPRateLimiter
}

// NewHandler creates a new signing handler
func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
		limiter: middleware.NewIPRateLimiter(10, 20),
	}
}

// Routes registers the authenticated document mutation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateDocument)
	r.Route("/{documentID}", func(r chi.Router) {
		r.Post("/signers", h.AddSigner)
		r.Post("/fields", h.AddField)
		r.Post("/send", h.Send)
		r.Post("/void", h.Void)
		r.Post("/signers/{signerID}/resend", h.ResendLink)
		r.Get("/download", h.Download)
		r.Post("/validate", h.ValidateSignatures)
	})

	return r
}

// PublicRoutes registers the link-authenticated signer routes. They
// carry no session; the link token is the credential, so they are rate
// limited per source IP.
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.limiter.Middleware)

	r.Route("/{documentID}/{signerID}", func(r chi.Router) {
		r.Get("/", h.Open)
		r.Get("/validate", h.ValidateLink)
		r.Post("/signature", h.SubmitSignature)
		r.Post("/decline", h.Decline)
	})

	return r
}

// CreateDocument uploads a file and creates a draft document
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	doc, err := h.service.CreateDocument(r.Context(), user, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// AddSigner adds a signer to a draft document
func (h *Handler) AddSigner(w http.ResponseWriter, r *http.Request) {
	user, documentID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req AddSignerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	signer, err := h.service.AddSigner(r.Context(), user, documentID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, signer)
}

// AddField places a field on a draft document
func (h *Handler) AddField(w http.ResponseWriter, r *http.Request) {
	user, documentID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req AddFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	field, err := h.service.AddField(r.Context(), user, documentID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, field)
}

// Send sends the document out for signature
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	user, documentID, ok := h.caller(w, r)
	if !ok {
		return
	}

	links, err := h.service.Send(r.Context(), user, documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "out_for_signature",
		"links":  links,
	})
}

// Void cancels a document before completion
func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	user, documentID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	doc, err := h.service.Void(r.Context(), user, documentID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ResendLink rotates and reissues one signer's signing link
func (h *Handler) ResendLink(w http.ResponseWriter, r *http.Request) {
	user, documentID, ok := h.caller(w, r)
	if !ok {
		return
	}
	signerID, err := types.ParseID(chi.URLParam(r, "signerID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid signer id"))
		return
	}

	link, err := h.service.ResendLink(r.Context(), user, documentID, signerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// Download redirects to a signed, time-bounded content URL
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	user, documentID, ok := h.caller(w, r)
	if !ok {
		return
	}

	url, err := h.service.DownloadURL(r.Context(), user, documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// ValidateSignatures re-verifies every signature on a document
func (h *Handler) ValidateSignatures(w http.ResponseWriter, r *http.Request) {
	user, documentID, ok := h.caller(w, r)
	if !ok {
		return
	}

	outcomes, err := h.service.ValidateSignatures(r.Context(), user, documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signatures": outcomes,
		"count":      len(outcomes),
	})
}

// ValidateLink reports whether a signing link is usable, without side
// effects
func (h *Handler) ValidateLink(w http.ResponseWriter, r *http.Request) {
	documentID, signerID, token, ok := h.link(w, r)
	if !ok {
		return
	}

	check, err := h.service.ValidateLink(r.Context(), documentID, signerID, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// Open serves the document to a link holder and records the first view
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	documentID, signerID, token, ok := h.link(w, r)
	if !ok {
		return
	}

	doc, err := h.service.Open(r.Context(), documentID, signerID, token, requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// SubmitSignature signs the document as the link holder
func (h *Handler) SubmitSignature(w http.ResponseWriter, r *http.Request) {
	documentID, signerID, token, ok := h.link(w, r)
	if !ok {
		return
	}

	var req struct {
		Values map[types.ID]string `json:"values"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
	}

	result, err := h.service.SubmitSignature(r.Context(), documentID, signerID, token, req.Values, requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Decline records the link holder's refusal to sign
func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	documentID, signerID, token, ok := h.link(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
	}

	doc, err := h.service.Decline(r.Context(), documentID, signerID, token, req.Reason, requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// caller resolves the authenticated user and the document id.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (*auth.User, types.ID, bool) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return nil, "", false
	}
	documentID, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid document id"))
		return nil, "", false
	}
	return user, documentID, true
}

// link resolves the ids and token of a signing-link request.
func (h *Handler) link(w http.ResponseWriter, r *http.Request) (types.ID, types.ID, string, bool) {
	documentID, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid document id"))
		return "", "", "", false
	}
	signerID, err := types.ParseID(chi.URLParam(r, "signerID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid signer id"))
		return "", "", "", false
	}
	token := r.URL.Query().Get("t")
	if token == "" {
		writeError(w, errors.Unauthorized("missing link token"))
		return "", "", "", false
	}
	return documentID, signerID, token, true
}

func requestContext(r *http.Request) RequestContext {
	return RequestContext{IP: r.RemoteAddr, UserAgent: r.UserAgent()}
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
