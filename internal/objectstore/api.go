package objectstore

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/signato/platform/internal/shared/errors"
)

// Handler serves signed-URL downloads. It is mounted on a public route;
// the HMAC in the URL is the authorization.
type Handler struct {
	gateway *Gateway
}

// NewHandler creates an object download handler
func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

// Routes registers the download route
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{ref}", h.Download)
	return r
}

// Download streams a blob after verifying the URL signature and expiry
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	ref := Ref(chi.URLParam(r, "ref"))
	if err := ref.Validate(); err != nil {
		writeError(w, err)
		return
	}

	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		writeError(w, errors.BadRequest("missing expiry"))
		return
	}
	sig := r.URL.Query().Get("sig")

	if err := h.gateway.VerifyURL(ref, exp, sig); err != nil {
		writeError(w, err)
		return
	}

	obj, err := h.gateway.Stat(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	content, err := h.gateway.Get(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", obj.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"message": "internal server error"})
}
