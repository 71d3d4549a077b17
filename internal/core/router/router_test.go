package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ral-facilities/datagateway-go/internal/cartevents"
	"github.com/ral-facilities/datagateway-go/internal/core/httpclient"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/session"
	"github.com/ral-facilities/datagateway-go/internal/download"
	"github.com/ral-facilities/datagateway-go/internal/query/translate"
)

type fakeCatalog struct {
	mu      sync.Mutex
	rows    []json.RawMessage
	total   int64
	fetched translate.Params
	counts  int
	err     error
}

func (f *fakeCatalog) Fetch(_ context.Context, _ string, p translate.Params) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = p
	return f.rows, f.err
}

func (f *fakeCatalog) Count(context.Context, string, translate.Params) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts++
	return f.total, f.err
}

func (f *fakeCatalog) DatafileSize(context.Context, int64) (int64, error) { return 0, nil }

func (f *fakeCatalog) DatafileCount(context.Context, model.EntityType, int64) (int64, error) {
	return 0, nil
}

type fakeDownloads struct {
	mu        sync.Mutex
	cart      download.Cart
	sizes     map[model.EntryKey]int64
	counts    map[model.EntryKey]int64
	sizeErr   error
	block     chan struct{}
	twoLevel  bool
	submitted []download.SubmitRequest
	removed   []int64
	deleted   map[int64]bool
	list      []model.Download
}

func (f *fakeDownloads) Size(ctx context.Context, t model.EntityType, id int64) (int64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[model.EntryKey{ID: id, Type: t}], nil
}

func (f *fakeDownloads) FileCount(_ context.Context, t model.EntityType, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[model.EntryKey{ID: id, Type: t}], nil
}

func (f *fakeDownloads) Cart(context.Context) (download.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cart, nil
}

func (f *fakeDownloads) AddToCart(_ context.Context, t model.EntityType, ids []int64) (download.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.cart.CartItems = append(f.cart.CartItems, model.CartEntry{EntityID: id, EntityType: t})
	}
	return f.cart, nil
}

func (f *fakeDownloads) RemoveFromCart(_ context.Context, _ model.EntityType, ids []int64) (download.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ids...)
	return f.cart, nil
}

func (f *fakeDownloads) RemoveAll(context.Context) (download.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cart.CartItems = nil
	return f.cart, nil
}

func (f *fakeDownloads) IsTwoLevel(context.Context) (bool, error) { return f.twoLevel, nil }

func (f *fakeDownloads) Submit(_ context.Context, r download.SubmitRequest) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, r)
	return 99, "LILS_file", nil
}

func (f *fakeDownloads) Downloads(_ context.Context, queryOffset string) ([]model.Download, error) {
	return f.list, nil
}

func (f *fakeDownloads) Download(_ context.Context, id int64) (*model.Download, error) {
	for i := range f.list {
		if f.list[i].ID == id {
			return &f.list[i], nil
		}
	}
	return nil, nil
}

func (f *fakeDownloads) SetDeleted(_ context.Context, id int64, deleted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted == nil {
		f.deleted = map[int64]bool{}
	}
	f.deleted[id] = deleted
	return nil
}

func (f *fakeDownloads) TypeStatus(context.Context, string) (download.TypeStatus, error) {
	return download.TypeStatus{Disabled: true, Message: "down"}, nil
}

func (f *fakeDownloads) PreparedURL(_ context.Context, preparedID, outname string) (string, error) {
	return "https://ids.example/getData?preparedId=" + preparedID + "&outname=" + url.QueryEscape(outname), nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []cartevents.Event
}

func (r *recordingEvents) Publish(ev cartevents.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) types() []cartevents.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cartevents.Type
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// Response shapes as a client sees them. Filter values stay raw.
type wireState struct {
	View    *string                    `json:"view"`
	Page    *int                       `json:"page"`
	Filters map[string]json.RawMessage `json:"filters"`
	Sort    map[string]string          `json:"sort"`
}

type wireBrowse struct {
	State wireState         `json:"state"`
	URL   string            `json:"url"`
	Rows  []json.RawMessage `json:"rows"`
	Total int64             `json:"total"`
	Sizes map[int64]int64   `json:"sizes"`
}

type wireNavigate struct {
	URL         string    `json:"url"`
	State       wireState `json:"state"`
	Clear       string    `json:"clear"`
	PathChanged bool      `json:"pathChanged"`
}

type testEnv struct {
	srv    *httptest.Server
	cat    *fakeCatalog
	dl     *fakeDownloads
	events *recordingEvents
}

func newEnv(t *testing.T, limits Limits) *testEnv {
	t.Helper()
	return newEnvWait(t, limits, time.Second)
}

func newEnvWait(t *testing.T, limits Limits, wait time.Duration) *testEnv {
	t.Helper()
	env := &testEnv{
		cat:    &fakeCatalog{},
		dl:     &fakeDownloads{sizes: map[model.EntryKey]int64{}, counts: map[model.EntryKey]int64{}},
		events: &recordingEvents{},
	}
	r := chi.NewRouter()
	Register(r, Deps{
		Facility:      "LILS",
		Catalog:       env.cat,
		Downloads:     env.dl,
		Events:        env.events,
		Limits:        limits,
		LookupTimeout: 5 * time.Second,
		WaitTimeout:   wait,
	})
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestBrowse_TranslatesAddressBarState(t *testing.T) {
	env := newEnv(t, Limits{})
	env.cat.rows = []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}
	env.cat.total = 42

	q := url.Values{}
	q.Set("filters", `{"title":{"value":"neutron","type":"include"}}`)
	q.Set("sort", `{"name":"asc"}`)
	q.Set("page", "2")
	q.Set("results", "10")

	var got wireBrowse
	if code := env.do(t, http.MethodGet, "/browse/investigations?"+q.Encode(), nil, &got); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if got.Total != 42 || len(got.Rows) != 2 {
		t.Fatalf("total=%d rows=%d", got.Total, len(got.Rows))
	}
	if got.State.Page == nil || *got.State.Page != 2 {
		t.Fatalf("page=%v", got.State.Page)
	}
	p := env.cat.fetched
	if len(p.Get(translate.KeyOrder)) != 2 || len(p.Get(translate.KeyWhere)) != 1 {
		t.Fatalf("params=%v", p)
	}
	if p.Get(translate.KeySkip)[0] != "10" || p.Get(translate.KeyLimit)[0] != "10" {
		t.Fatalf("paging=%v", p)
	}
	if !strings.HasPrefix(got.URL, "/browse/investigations?") {
		t.Fatalf("url=%s", got.URL)
	}
}

func TestBrowse_UnknownEntityIs404(t *testing.T) {
	env := newEnv(t, Limits{})
	if code := env.do(t, http.MethodGet, "/browse/widgets", nil, nil); code != http.StatusNotFound {
		t.Fatalf("status=%d", code)
	}
}

func TestBrowse_UpstreamFailureIs502(t *testing.T) {
	env := newEnv(t, Limits{})
	env.cat.err = fmt.Errorf("fetch: %w", &httpclient.StatusError{Upstream: "catalog", Code: 403, Body: "expired"})
	if code := env.do(t, http.MethodGet, "/browse/datasets", nil, nil); code != http.StatusBadGateway {
		t.Fatalf("status=%d", code)
	}
}

func TestBrowse_RowSizes(t *testing.T) {
	env := newEnv(t, Limits{})
	env.cat.rows = []json.RawMessage{json.RawMessage(`{"id":5}`), json.RawMessage(`{"ID":6}`)}
	env.dl.sizes[model.EntryKey{ID: 5, Type: model.EntityDataset}] = 100
	env.dl.sizes[model.EntryKey{ID: 6, Type: model.EntityDataset}] = 200

	var got wireBrowse
	env.do(t, http.MethodGet, "/browse/datasets?sizes=true", nil, &got)
	if got.Sizes[5] != 100 || got.Sizes[6] != 200 {
		t.Fatalf("sizes=%v", got.Sizes)
	}
}

func TestNavigate_FilterEditClearsRowsAndPushesURL(t *testing.T) {
	env := newEnv(t, Limits{})
	req := map[string]any{
		"path":   "/browse/investigations",
		"query":  "page=3",
		"op":     "filter",
		"column": "title",
		"value":  map[string]string{"value": "x", "type": "include"},
	}
	var got wireNavigate
	if code := env.do(t, http.MethodPost, "/navigate", req, &got); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if got.Clear != "rows" {
		t.Fatalf("clear=%s", got.Clear)
	}
	u, err := url.Parse(got.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Path != "/browse/investigations" || u.Query().Get("filters") == "" {
		t.Fatalf("url=%s", got.URL)
	}
	if _, ok := got.State.Filters["title"]; !ok {
		t.Fatalf("filter not stored: %+v", got.State)
	}
}

func TestNavigate_ViewEditDoesNotClear(t *testing.T) {
	env := newEnv(t, Limits{})
	req := map[string]any{"path": "/browse/datasets", "op": "view", "value": "card"}
	var got wireNavigate
	env.do(t, http.MethodPost, "/navigate", req, &got)
	if got.Clear != "none" || got.State.View == nil || *got.State.View != "card" {
		t.Fatalf("resp=%+v", got)
	}
}

func TestNavigate_PathChangeClearsAll(t *testing.T) {
	env := newEnv(t, Limits{})
	req := map[string]any{
		"path":       "/browse/datasets",
		"loadedPath": "/browse/investigations",
		"op":         "sort",
		"column":     "name",
		"value":      "desc",
	}
	var got wireNavigate
	env.do(t, http.MethodPost, "/navigate", req, &got)
	if !got.PathChanged || got.Clear != "all" {
		t.Fatalf("resp=%+v", got)
	}
}

func TestNavigate_RejectsBadInput(t *testing.T) {
	env := newEnv(t, Limits{})
	cases := []map[string]any{
		{"path": "/x", "op": "explode"},
		{"path": "/x", "op": "filter"},
		{"path": "/x", "op": "sort", "column": "name", "value": "sideways"},
		{"path": "/x", "op": "view", "value": "grid"},
		{"path": "/x", "op": "filter", "column": "c", "value": 7},
		{"path": "/x", "op": "page", "value": "two"},
	}
	for _, c := range cases {
		if code := env.do(t, http.MethodPost, "/navigate", c, nil); code != http.StatusBadRequest {
			t.Fatalf("%v: status=%d", c, code)
		}
	}
}

func TestCart_AddRemoveClearPublishEvents(t *testing.T) {
	env := newEnv(t, Limits{})
	var c download.Cart
	if code := env.do(t, http.MethodPost, "/cart/items", map[string]any{"entityType": "dataset", "ids": []int64{1, 2}}, &c); code != http.StatusOK {
		t.Fatalf("add status=%d", code)
	}
	if len(c.CartItems) != 2 {
		t.Fatalf("cart=%+v", c)
	}
	if code := env.do(t, http.MethodDelete, "/cart/items?entityType=dataset&ids=1,2", nil, nil); code != http.StatusOK {
		t.Fatalf("remove status=%d", code)
	}
	if len(env.dl.removed) != 2 {
		t.Fatalf("removed=%v", env.dl.removed)
	}
	if code := env.do(t, http.MethodDelete, "/cart", nil, nil); code != http.StatusOK {
		t.Fatalf("clear status=%d", code)
	}
	want := []cartevents.Type{cartevents.TypeAdd, cartevents.TypeRemove, cartevents.TypeClear}
	got := env.events.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events=%v", got)
	}
	if env.events.events[0].Facility != "LILS" || len(env.events.events[0].Items) != 2 {
		t.Fatalf("event=%+v", env.events.events[0])
	}

	if code := env.do(t, http.MethodPost, "/cart/items", map[string]any{"entityType": "widget", "ids": []int64{1}}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad type status=%d", code)
	}
	if code := env.do(t, http.MethodDelete, "/cart/items?entityType=dataset&ids=a", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad ids status=%d", code)
	}
}

func seedCart(env *testEnv) {
	env.dl.cart.CartItems = []model.CartEntry{
		{EntityID: 1, EntityType: model.EntityDataset},
		{EntityID: 2, EntityType: model.EntityDatafile},
	}
	env.dl.sizes[model.EntryKey{ID: 1, Type: model.EntityDataset}] = 1000
	env.dl.sizes[model.EntryKey{ID: 2, Type: model.EntityDatafile}] = 24
	env.dl.counts[model.EntryKey{ID: 1, Type: model.EntityDataset}] = 4
	env.dl.counts[model.EntryKey{ID: 2, Type: model.EntityDatafile}] = 1
}

func TestCartTotals_AggregatesAndChecksLimits(t *testing.T) {
	env := newEnv(t, Limits{FileCountMax: 3, TotalSizeMax: download.Unlimited})
	seedCart(env)

	var got totalsResponse
	if code := env.do(t, http.MethodGet, "/cart/totals", nil, &got); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if got.TotalSize != 1024 || got.FileCount != 5 || got.Loading() {
		t.Fatalf("totals=%+v", got.Totals)
	}
	if !got.Limits.FileCountExceeded || got.Limits.CanSubmit {
		t.Fatalf("limits=%+v", got.Limits)
	}
}

func TestCartTotals_PartialAfterWaitTimeout(t *testing.T) {
	env := newEnvWait(t, Limits{FileCountMax: download.Unlimited, TotalSizeMax: download.Unlimited}, 50*time.Millisecond)
	seedCart(env)
	env.dl.block = make(chan struct{})
	defer close(env.dl.block)

	var got totalsResponse
	if code := env.do(t, http.MethodGet, "/cart/totals", nil, &got); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if !got.SizesLoading || got.Limits.CanSubmit {
		t.Fatalf("totals=%+v limits=%+v", got.Totals, got.Limits)
	}
}

func TestCartTotals_LookupErrorsReported(t *testing.T) {
	env := newEnv(t, Limits{FileCountMax: download.Unlimited, TotalSizeMax: download.Unlimited})
	seedCart(env)
	env.dl.sizeErr = errors.New("boom")

	var got totalsResponse
	env.do(t, http.MethodGet, "/cart/totals", nil, &got)
	if len(got.Errors) != 2 || got.Limits.CanSubmit {
		t.Fatalf("errors=%v limits=%+v", got.Errors, got.Limits)
	}
}

func TestCartEstimate(t *testing.T) {
	env := newEnv(t, Limits{})
	seedCart(env)
	var got estimateResponse
	env.do(t, http.MethodGet, "/cart/estimate", nil, &got)
	if got.TotalSize != 1024 || !got.ShowTimes || len(got.Times) != len(download.Rates) {
		t.Fatalf("estimate=%+v", got)
	}

	env.dl.twoLevel = true
	got = estimateResponse{}
	env.do(t, http.MethodGet, "/cart/estimate", nil, &got)
	if got.ShowTimes || !got.TwoLevel || len(got.Times) != 0 {
		t.Fatalf("two-level estimate=%+v", got)
	}
}

func TestSubmit(t *testing.T) {
	env := newEnv(t, Limits{FileCountMax: download.Unlimited, TotalSizeMax: download.Unlimited})

	if code := env.do(t, http.MethodPost, "/cart/submit", map[string]any{"transport": "https"}, nil); code != http.StatusConflict {
		t.Fatalf("empty cart status=%d", code)
	}

	seedCart(env)
	var got submitResponse
	if code := env.do(t, http.MethodPost, "/cart/submit", map[string]any{"transport": "https", "email": "a@b.org"}, &got); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if got.DownloadID != 99 || len(env.dl.submitted) != 1 {
		t.Fatalf("resp=%+v submitted=%v", got, env.dl.submitted)
	}
	evs := env.events.types()
	if len(evs) != 1 || evs[0] != cartevents.TypeSubmit {
		t.Fatalf("events=%v", evs)
	}

	if code := env.do(t, http.MethodPost, "/cart/submit", map[string]any{"email": "a@b.org"}, nil); code != http.StatusBadRequest {
		t.Fatalf("missing transport status=%d", code)
	}
}

func TestDownloads(t *testing.T) {
	env := newEnv(t, Limits{})
	env.dl.list = []model.Download{
		{ID: 1, FileName: "ready", Status: model.DownloadComplete, PreparedID: "p1"},
		{ID: 2, FileName: "busy", Status: "RESTORING"},
	}

	var list []model.Download
	env.do(t, http.MethodGet, "/downloads", nil, &list)
	if len(list) != 2 {
		t.Fatalf("list=%+v", list)
	}

	var link map[string]string
	if code := env.do(t, http.MethodGet, "/downloads/1/link", nil, &link); code != http.StatusOK {
		t.Fatalf("link status=%d", code)
	}
	if !strings.Contains(link["url"], "preparedId=p1") {
		t.Fatalf("link=%v", link)
	}
	if code := env.do(t, http.MethodGet, "/downloads/2/link", nil, nil); code != http.StatusConflict {
		t.Fatalf("incomplete link status=%d", code)
	}
	if code := env.do(t, http.MethodGet, "/downloads/3/link", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing link status=%d", code)
	}

	if code := env.do(t, http.MethodPut, "/downloads/1/deleted", map[string]bool{"value": true}, nil); code != http.StatusNoContent {
		t.Fatalf("delete status=%d", code)
	}
	if !env.dl.deleted[1] {
		t.Fatalf("deleted=%v", env.dl.deleted)
	}
	if code := env.do(t, http.MethodPut, "/downloads/1/deleted", map[string]any{}, nil); code != http.StatusBadRequest {
		t.Fatalf("missing value status=%d", code)
	}

	var st download.TypeStatus
	env.do(t, http.MethodGet, "/download-types/globus/status", nil, &st)
	if !st.Disabled {
		t.Fatalf("status=%+v", st)
	}
}

func TestWriteError_MissingToken(t *testing.T) {
	h := &handlers{Deps: Deps{Logger: slog.New(slog.DiscardHandler)}}
	rec := httptest.NewRecorder()
	h.writeError(rec, httptest.NewRequest(http.MethodGet, "/cart", nil), fmt.Errorf("download token: %w", session.ErrNoToken))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
}
