// Package router exposes the query-state engine, the catalog and the cart
// over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ral-facilities/datagateway-go/internal/cache/sizecache"
	"github.com/ral-facilities/datagateway-go/internal/cart/aggregator"
	"github.com/ral-facilities/datagateway-go/internal/cartevents"
	"github.com/ral-facilities/datagateway-go/internal/core/catalog"
	"github.com/ral-facilities/datagateway-go/internal/core/httpclient"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/observability"
	"github.com/ral-facilities/datagateway-go/internal/core/session"
	"github.com/ral-facilities/datagateway-go/internal/download"
	"github.com/ral-facilities/datagateway-go/internal/query/codec"
	"github.com/ral-facilities/datagateway-go/internal/query/translate"
)

// DownloadService is the download (cart) service as the handlers use it.
type DownloadService interface {
	aggregator.Lookup
	Cart(ctx context.Context) (download.Cart, error)
	AddToCart(ctx context.Context, t model.EntityType, ids []int64) (download.Cart, error)
	RemoveFromCart(ctx context.Context, t model.EntityType, ids []int64) (download.Cart, error)
	RemoveAll(ctx context.Context) (download.Cart, error)
	IsTwoLevel(ctx context.Context) (bool, error)
	Submit(ctx context.Context, r download.SubmitRequest) (int64, string, error)
	Downloads(ctx context.Context, queryOffset string) ([]model.Download, error)
	Download(ctx context.Context, id int64) (*model.Download, error)
	SetDeleted(ctx context.Context, id int64, deleted bool) error
	TypeStatus(ctx context.Context, transport string) (download.TypeStatus, error)
	PreparedURL(ctx context.Context, preparedID, outname string) (string, error)
}

type Limits struct {
	FileCountMax int64
	TotalSizeMax int64
}

type Deps struct {
	Logger    *slog.Logger
	Facility  string
	Codec     *codec.Codec
	Catalog   catalog.Interface
	Downloads DownloadService
	// Sizes may be nil, in which case every lookup goes upstream.
	Sizes  *sizecache.Cache
	Events cartevents.Publisher
	Limits Limits

	LookupTimeout time.Duration
	WaitTimeout   time.Duration
}

type handlers struct {
	Deps
	validate *validator.Validate
}

// Register mounts the API routes on r.
func Register(r chi.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Codec == nil {
		d.Codec = codec.New(d.Logger)
	}
	if d.Events == nil {
		d.Events = cartevents.Nop{}
	}
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = 5 * time.Second
	}
	h := &handlers{Deps: d, validate: validator.New(validator.WithRequiredStructEnabled())}

	r.Get("/browse/{entity}", instrument("/browse/{entity}", h.browse))
	r.Get("/browse/{entity}/count", instrument("/browse/{entity}/count", h.browseCount))
	r.Post("/navigate", instrument("/navigate", h.navigate))

	r.Get("/cart", instrument("/cart", h.cart))
	r.Delete("/cart", instrument("/cart", h.clearCart))
	r.Post("/cart/items", instrument("/cart/items", h.addItems))
	r.Delete("/cart/items", instrument("/cart/items", h.removeItems))
	r.Get("/cart/totals", instrument("/cart/totals", h.cartTotals))
	r.Get("/cart/estimate", instrument("/cart/estimate", h.cartEstimate))
	r.Post("/cart/submit", instrument("/cart/submit", h.submit))

	r.Get("/downloads", instrument("/downloads", h.downloads))
	r.Get("/downloads/{id}/link", instrument("/downloads/{id}/link", h.downloadLink))
	r.Put("/downloads/{id}/deleted", instrument("/downloads/{id}/deleted", h.setDeleted))
	r.Get("/download-types/{transport}/status", instrument("/download-types/{transport}/status", h.typeStatus))
	r.Get("/is-two-level", instrument("/is-two-level", h.isTwoLevel))
	r.Get("/entities/{type}/{id}/size", instrument("/entities/{type}/{id}/size", h.entitySize))
}

func instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error    string `json:"error"`
	Upstream string `json:"upstream,omitempty"`
	Status   int    `json:"upstreamStatus,omitempty"`
	Body     string `json:"upstreamBody,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// writeError maps an error to a status: upstream failures are 502, a
// missing credential 401, invalid input 400, and a filter the translator
// cannot express 500.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		se *httpclient.StatusError
		ve validator.ValidationErrors
	)
	body := errorBody{Error: err.Error()}
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &se):
		code = http.StatusBadGateway
		body.Upstream, body.Status, body.Body = se.Upstream, se.Code, se.Body
	case errors.Is(err, session.ErrNoToken):
		code = http.StatusUnauthorized
	case errors.As(err, &ve):
		code = http.StatusBadRequest
	case errors.Is(err, translate.ErrUnknownFilter):
		code = http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	level := slog.LevelWarn
	if code >= http.StatusInternalServerError && code != http.StatusBadGateway {
		level = slog.LevelError
	}
	h.Logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", code,
		"err", err)
	writeJSON(w, code, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
