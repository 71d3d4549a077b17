package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/query/codec"
	"github.com/ral-facilities/datagateway-go/internal/query/store"
)

// navigateRequest applies one state edit to the listing at Path whose
// address-bar query is Query. LoadedPath, when different from Path, is the
// listing the caller's rows were loaded for.
type navigateRequest struct {
	Path              string          `json:"path" validate:"required,startswith=/"`
	LoadedPath        string          `json:"loadedPath" validate:"omitempty,startswith=/"`
	Query             string          `json:"query"`
	Op                string          `json:"op" validate:"required,oneof=sync view search page results filter sort"`
	Column            string          `json:"column" validate:"required_if=Op filter,required_if=Op sort"`
	Value             json.RawMessage `json:"value"`
	ResetOnPathChange bool            `json:"resetOnPathChange"`
}

type navigateResponse struct {
	URL         string           `json:"url"`
	State       model.QueryState `json:"state"`
	Clear       string           `json:"clear"`
	PathChanged bool             `json:"pathChanged"`
}

var errBadValue = errors.New("invalid value")

func (h *handlers) navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ctx := r.Context()

	var (
		pushed string
		clear  = store.ClearNone
	)
	nav := store.NavigatorFunc(func(_ context.Context, u string) error {
		pushed = u
		return nil
	})
	clr := store.ClearerFunc(func(_ context.Context, s store.ClearScope) {
		clear = max(clear, s)
	})

	loaded := req.LoadedPath
	if loaded == "" {
		loaded = req.Path
	}
	st := store.New(h.Codec, nav, clr, h.Logger, loaded, store.Options{ResetOnPathChange: req.ResetOnPathChange})
	st.Sync(ctx, loaded, req.Query)
	st.MarkLoaded()
	clear = store.ClearNone

	res := store.SyncResult{}
	if req.Path != loaded {
		res = st.Sync(ctx, req.Path, req.Query)
	}

	if err := applyOp(ctx, st, req); err != nil {
		if errors.Is(err, errBadValue) {
			badRequest(w, err.Error())
			return
		}
		h.writeError(w, r, err)
		return
	}

	if pushed == "" {
		u, err := st.URL()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		pushed = u
	}
	writeJSON(w, http.StatusOK, navigateResponse{
		URL:         pushed,
		State:       st.Snapshot(),
		Clear:       clear.String(),
		PathChanged: res.PathChanged,
	})
}

func applyOp(ctx context.Context, st *store.Store, req navigateRequest) error {
	null := len(req.Value) == 0 || string(req.Value) == "null"
	switch req.Op {
	case "sync":
		return nil
	case "view":
		var v string
		if !null {
			if err := json.Unmarshal(req.Value, &v); err != nil {
				return fmt.Errorf("%w: view must be a string", errBadValue)
			}
		}
		if _, ok := model.ParseView(v); v != "" && !ok {
			return fmt.Errorf("%w: unknown view %q", errBadValue, v)
		}
		return st.SetView(ctx, model.View(v))
	case "search":
		var s string
		if !null {
			if err := json.Unmarshal(req.Value, &s); err != nil {
				return fmt.Errorf("%w: search must be a string", errBadValue)
			}
		}
		return st.SetSearch(ctx, s)
	case "page", "results":
		var n int
		if !null {
			if err := json.Unmarshal(req.Value, &n); err != nil {
				return fmt.Errorf("%w: %s must be an integer", errBadValue, req.Op)
			}
		}
		if req.Op == "page" {
			return st.SetPage(ctx, n)
		}
		return st.SetResults(ctx, n)
	case "filter":
		var f model.FilterValue
		if !null {
			v, err := codec.DecodeFilterValue(req.Value)
			if err != nil {
				return fmt.Errorf("%w: %v", errBadValue, err)
			}
			f = v
		}
		if err := st.SetFilter(ctx, req.Column, f); err != nil {
			return fmt.Errorf("%w: %v", errBadValue, err)
		}
		return nil
	case "sort":
		var o string
		if !null {
			if err := json.Unmarshal(req.Value, &o); err != nil {
				return fmt.Errorf("%w: sort must be asc or desc", errBadValue)
			}
		}
		if err := st.SetSort(ctx, req.Column, model.Order(o)); err != nil {
			return fmt.Errorf("%w: %v", errBadValue, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown op %q", errBadValue, req.Op)
}
