package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ral-facilities/datagateway-go/internal/cart/aggregator"
	"github.com/ral-facilities/datagateway-go/internal/cartevents"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/download"
	"github.com/ral-facilities/datagateway-go/internal/logger"
)

type itemsRequest struct {
	EntityType string  `json:"entityType" validate:"required,oneof=investigation dataset datafile"`
	IDs        []int64 `json:"ids" validate:"required,min=1,dive,gt=0"`
}

type totalsResponse struct {
	aggregator.Totals
	Limits download.LimitCheck `json:"limits"`
	Errors []string            `json:"errors,omitempty"`
}

type estimateResponse struct {
	download.Estimate
	TwoLevel bool `json:"twoLevel"`
	Loading  bool `json:"loading"`
}

type submitResponse struct {
	DownloadID int64  `json:"downloadId"`
	FileName   string `json:"fileName"`
}

func (h *handlers) cart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Downloads.Cart(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handlers) clearCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Downloads.RemoveAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), cartevents.Event{Type: cartevents.TypeClear})
	writeJSON(w, http.StatusOK, c)
}

func (h *handlers) addItems(w http.ResponseWriter, r *http.Request) {
	var req itemsRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	t := model.EntityType(req.EntityType)
	c, err := h.Downloads.AddToCart(r.Context(), t, req.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), cartevents.Event{Type: cartevents.TypeAdd, Items: keys(t, req.IDs)})
	writeJSON(w, http.StatusOK, c)
}

// removeItems takes entityType and a comma separated ids list in the query.
func (h *handlers) removeItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := model.ParseEntityType(q.Get("entityType"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	ids, err := parseIDs(q.Get("ids"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	c, err := h.Downloads.RemoveFromCart(r.Context(), t, ids)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), cartevents.Event{Type: cartevents.TypeRemove, Items: keys(t, ids)})
	writeJSON(w, http.StatusOK, c)
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.New("ids must be positive integers")
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("ids is required")
	}
	return ids, nil
}

func keys(t model.EntityType, ids []int64) []model.EntryKey {
	out := make([]model.EntryKey, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.EntryKey{ID: id, Type: t})
	}
	return out
}

func (h *handlers) publish(ctx context.Context, ev cartevents.Event) {
	ev.Facility = h.Facility
	ev.RequestID = logger.RequestID(ctx)
	ev.TS = time.Now().UTC()
	h.Events.Publish(ev)
}

// totals aggregates the current cart. Lookups bypass the size cache and
// those still running after the wait timeout are reported as loading.
func (h *handlers) totals(ctx context.Context) (aggregator.Totals, []string, error) {
	c, err := h.Downloads.Cart(ctx)
	if err != nil {
		return aggregator.Totals{}, nil, err
	}
	agg := aggregator.New(h.Downloads, h.Logger, aggregator.Options{
		LookupTimeout: h.LookupTimeout,
		ErrorBuffer:   len(c.CartItems) * 2,
	})
	defer func() { _ = agg.Close() }()

	agg.SetEntries(ctx, c.CartItems)
	wctx, cancel := context.WithTimeout(ctx, h.WaitTimeout)
	defer cancel()
	if err := agg.Wait(wctx); err != nil && ctx.Err() != nil {
		return aggregator.Totals{}, nil, ctx.Err()
	}
	t := agg.Snapshot()

	var errs []string
drain:
	for {
		select {
		case e := <-agg.Errors():
			errs = append(errs, e.Error())
		default:
			break drain
		}
	}
	return t, errs, nil
}

func (h *handlers) cartTotals(w http.ResponseWriter, r *http.Request) {
	t, errs, err := h.totals(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totalsResponse{
		Totals: t,
		Limits: download.CheckLimits(t, h.Limits.FileCountMax, h.Limits.TotalSizeMax),
		Errors: errs,
	})
}

func (h *handlers) cartEstimate(w http.ResponseWriter, r *http.Request) {
	t, _, err := h.totals(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	two, err := h.Downloads.IsTwoLevel(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateResponse{
		Estimate: download.NewEstimate(t.TotalSize, two),
		TwoLevel: two,
		Loading:  t.SizesLoading,
	})
}

// submit refuses carts that fail the limit check with 409 and the check.
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req download.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		badRequest(w, err.Error())
		return
	}
	t, _, err := h.totals(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if lc := download.CheckLimits(t, h.Limits.FileCountMax, h.Limits.TotalSizeMax); !lc.CanSubmit {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "cart cannot be submitted", "limits": lc})
		return
	}
	id, name, err := h.Downloads.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), cartevents.Event{Type: cartevents.TypeSubmit, DownloadID: id, Transport: req.Transport})
	writeJSON(w, http.StatusOK, submitResponse{DownloadID: id, FileName: name})
}
