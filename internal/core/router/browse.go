package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ral-facilities/datagateway-go/internal/core/catalog"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/query/store"
	"github.com/ral-facilities/datagateway-go/internal/query/translate"
)

const sizeConcurrency = 8

// browseResponse carries Sizes, keyed by row id, only when the request
// asks for sizes=true.
type browseResponse struct {
	State model.QueryState  `json:"state"`
	URL   string            `json:"url"`
	Rows  []json.RawMessage `json:"rows"`
	Total int64             `json:"total"`
	Sizes map[int64]int64   `json:"sizes,omitempty"`
}

type countResponse struct {
	State model.QueryState `json:"state"`
	Total int64            `json:"total"`
}

// browseParams decodes the address-bar state of r and translates it. The
// returned params carry no paging.
func (h *handlers) browseParams(r *http.Request) (string, *store.Store, translate.Params, error) {
	entity := chi.URLParam(r, "entity")
	if _, err := catalog.Endpoint(entity); err != nil {
		return "", nil, nil, err
	}
	st := store.New(h.Codec, nil, nil, h.Logger, r.URL.Path, store.Options{})
	res := st.Sync(r.Context(), r.URL.Path, r.URL.RawQuery)
	p, err := translate.Translate(res.State.Sort, res.State.Filters)
	if err != nil {
		return "", nil, nil, err
	}
	return entity, st, p, nil
}

func (h *handlers) browse(w http.ResponseWriter, r *http.Request) {
	entity, st, p, err := h.browseParams(r)
	if err != nil {
		h.browseError(w, r, err)
		return
	}
	state := st.Snapshot()
	url, err := st.URL()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var (
		rows  []json.RawMessage
		total int64
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		rows, err = h.Catalog.Fetch(ctx, entity, p.Page(state.Page, state.Results))
		return err
	})
	g.Go(func() error {
		var err error
		total, err = h.count(ctx, entity, p)
		return err
	})
	if err := g.Wait(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}

	resp := browseResponse{State: state, URL: url, Rows: rows, Total: total}
	if r.URL.Query().Get("sizes") == "true" {
		ep, _ := catalog.Endpoint(entity)
		if t, err := model.ParseEntityType(singular(ep)); err == nil {
			resp.Sizes = h.rowSizes(r.Context(), t, rows)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) browseCount(w http.ResponseWriter, r *http.Request) {
	entity, st, p, err := h.browseParams(r)
	if err != nil {
		h.browseError(w, r, err)
		return
	}
	total, err := h.count(r.Context(), entity, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{State: st.Snapshot(), Total: total})
}

func (h *handlers) browseError(w http.ResponseWriter, r *http.Request, err error) {
	if _, perr := catalog.Endpoint(chi.URLParam(r, "entity")); perr != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: perr.Error()})
		return
	}
	h.writeError(w, r, err)
}

func (h *handlers) count(ctx context.Context, entity string, p translate.Params) (int64, error) {
	fetch := func(ctx context.Context) (int64, error) { return h.Catalog.Count(ctx, entity, p) }
	if h.Sizes == nil {
		return fetch(ctx)
	}
	ep, _ := catalog.Endpoint(entity)
	return h.Sizes.Count(ctx, ep, p.Get(translate.KeyWhere), fetch)
}

// rowSizes resolves the size column of a page. Failed lookups are left out.
func (h *handlers) rowSizes(ctx context.Context, t model.EntityType, rows []json.RawMessage) map[int64]int64 {
	ids := make([]int64, 0, len(rows))
	for _, raw := range rows {
		var row struct {
			ID *int64 `json:"id"`
			UC *int64 `json:"ID"`
		}
		if json.Unmarshal(raw, &row) != nil {
			continue
		}
		switch {
		case row.ID != nil:
			ids = append(ids, *row.ID)
		case row.UC != nil:
			ids = append(ids, *row.UC)
		}
	}

	sizes := make([]int64, len(ids))
	var g errgroup.Group
	g.SetLimit(sizeConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			n, err := h.size(ctx, t, id)
			if err != nil {
				h.Logger.DebugContext(ctx, "row size lookup failed", "type", t, "id", id, "err", err)
				n = model.UnknownValue
			}
			sizes[i] = n
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[int64]int64, len(ids))
	for i, id := range ids {
		out[id] = sizes[i]
	}
	return out
}

func (h *handlers) size(ctx context.Context, t model.EntityType, id int64) (int64, error) {
	if h.Sizes == nil {
		return h.Downloads.Size(ctx, t, id)
	}
	return h.Sizes.Size(ctx, t, id, h.Downloads.Size)
}

func (h *handlers) entitySize(w http.ResponseWriter, r *http.Request) {
	t, err := model.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "id must be a positive integer")
		return
	}
	n, err := h.size(r.Context(), t, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entityType": t, "entityId": id, "size": n})
}

var singulars = map[string]string{
	"investigations": "investigation",
	"datasets":       "dataset",
	"datafiles":      "datafile",
}

func singular(entity string) string {
	if s, ok := singulars[entity]; ok {
		return s
	}
	return entity
}
