package router

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

type deletedRequest struct {
	Value *bool `json:"value" validate:"required"`
}

func (h *handlers) downloads(w http.ResponseWriter, r *http.Request) {
	list, err := h.Downloads.Downloads(r.Context(), r.URL.Query().Get("queryOffset"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Download{}
	}
	writeJSON(w, http.StatusOK, list)
}

// downloadLink returns the IDS link of a prepared download. Downloads that
// are not complete yet have no link.
func (h *handlers) downloadLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := h.Downloads.Download(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if d == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "download not found"})
		return
	}
	if d.Status != model.DownloadComplete || d.PreparedID == "" {
		writeJSON(w, http.StatusConflict, errorBody{Error: "download is " + string(d.Status)})
		return
	}
	u, err := h.Downloads.PreparedURL(r.Context(), d.PreparedID, d.FileName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (h *handlers) setDeleted(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req deletedRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.Downloads.SetDeleted(r.Context(), id, *req.Value); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) typeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Downloads.TypeStatus(r.Context(), chi.URLParam(r, "transport"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) isTwoLevel(w http.ResponseWriter, r *http.Request) {
	two, err := h.Downloads.IsTwoLevel(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"twoLevel": two})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "id must be a positive integer")
		return 0, false
	}
	return id, true
}
