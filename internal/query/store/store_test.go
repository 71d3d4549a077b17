package store

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

type fakeNav struct{ urls []string }

func (f *fakeNav) Push(_ context.Context, u string) error {
	f.urls = append(f.urls, u)
	return nil
}

func (f *fakeNav) last(t *testing.T) (string, string) {
	t.Helper()
	if len(f.urls) == 0 {
		t.Fatalf("nothing pushed")
	}
	path, query, _ := strings.Cut(f.urls[len(f.urls)-1], "?")
	return path, query
}

type fakeClear struct{ scopes []ClearScope }

func (f *fakeClear) Clear(_ context.Context, s ClearScope) { f.scopes = append(f.scopes, s) }

func newTestStore(path string) (*Store, *fakeNav, *fakeClear) {
	nav, clr := &fakeNav{}, &fakeClear{}
	return New(nil, nav, clr, nil, path, Options{}), nav, clr
}

func TestSetFilter_NilRemovesKey(t *testing.T) {
	ctx := context.Background()
	s, nav, _ := newTestStore("/browse/investigation")

	if err := s.SetFilter(ctx, "name", model.TextFilter{Value: "abc", Type: model.MatchInclude}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetFilter(ctx, "title", model.SetFilter{"x"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetFilter(ctx, "name", nil); err != nil {
		t.Fatalf("unset: %v", err)
	}
	snap := s.Snapshot()
	if _, ok := snap.Filters.Get("name"); ok {
		t.Fatalf("name still present: %v", snap.Filters.Keys())
	}
	if snap.Filters.Len() != 1 {
		t.Fatalf("filters=%v", snap.Filters.Keys())
	}
	_, q := nav.last(t)
	vals, err := url.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse pushed url: %v", err)
	}
	if got := vals.Get("filters"); got != `{"title":["x"]}` {
		t.Fatalf("pushed filters=%s", got)
	}
}

func TestSetFilter_EmptyValuesAreRemoved(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore("/browse/dataset")
	_ = s.SetFilter(ctx, "a", model.SetFilter{"1"})
	_ = s.SetFilter(ctx, "a", model.SetFilter{})
	_ = s.SetFilter(ctx, "b", model.TextFilter{Value: "", Type: model.MatchExclude})
	if n := s.Snapshot().Filters.Len(); n != 0 {
		t.Fatalf("empty filters stored: %d", n)
	}
}

func TestSetFilter_RejectsNonPrimitiveSet(t *testing.T) {
	s, nav, _ := newTestStore("/p")
	if err := s.SetFilter(context.Background(), "a", model.SetFilter{[]int{1}}); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(nav.urls) != 0 {
		t.Fatalf("push after rejected mutation")
	}
}

func TestSetFilter_RejectsValuesThatCannotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, nav, clr := newTestStore("/p")

	bad := []model.FilterValue{
		model.SetFilter{json.Number("abc")},
		model.TextFilter{Value: "x"},
		model.TextFilter{Value: "x", Type: "contains"},
	}
	for _, f := range bad {
		if err := s.SetFilter(ctx, "a", f); err == nil {
			t.Fatalf("expected error for %#v", f)
		}
	}
	if n := s.Snapshot().Filters.Len(); n != 0 {
		t.Fatalf("rejected filter stored: %d", n)
	}
	if len(nav.urls) != 0 || len(clr.scopes) != 0 {
		t.Fatalf("side effects after rejected filter: urls=%v scopes=%v", nav.urls, clr.scopes)
	}
	if err := s.SetPage(ctx, 2); err != nil {
		t.Fatalf("store unusable after rejected filter: %v", err)
	}
}

func TestSetView_RejectsUnknownView(t *testing.T) {
	ctx := context.Background()
	s, nav, _ := newTestStore("/p")

	if err := s.SetView(ctx, "grid"); err == nil {
		t.Fatalf("expected error for unknown view")
	}
	if v := s.Snapshot().View; v != nil {
		t.Fatalf("view=%v after rejected set", *v)
	}
	if len(nav.urls) != 0 {
		t.Fatalf("push after rejected view")
	}

	if err := s.SetView(ctx, model.ViewCard); err != nil {
		t.Fatalf("set view: %v", err)
	}
	path, q := nav.last(t)
	res := s.Sync(ctx, path, q)
	if res.State.View == nil || *res.State.View != model.ViewCard {
		t.Fatalf("view lost on re-entry: %+v", res.State.View)
	}
}

func TestClearScope_SamePathClearsRows(t *testing.T) {
	ctx := context.Background()
	s, _, clr := newTestStore("/browse/investigation")

	_ = s.SetSearch(ctx, "abc")
	_ = s.SetPage(ctx, 2)
	if len(clr.scopes) != 0 {
		t.Fatalf("non-data mutators signalled clear: %v", clr.scopes)
	}
	_ = s.SetSort(ctx, "name", model.OrderAsc)
	_ = s.SetSort(ctx, "name", model.OrderAsc)
	if len(clr.scopes) != 1 || clr.scopes[0] != ClearRows {
		t.Fatalf("scopes=%v", clr.scopes)
	}
}

func TestClearScope_PathChangedClearsAll(t *testing.T) {
	ctx := context.Background()
	s, _, clr := newTestStore("/browse/investigation")

	res := s.Sync(ctx, "/browse/investigation/1/dataset", "")
	if !res.PathChanged || res.Clear != ClearAll {
		t.Fatalf("sync=%+v", res)
	}
	// data for the new path has not been loaded yet
	_ = s.SetFilter(ctx, "name", model.TextFilter{Value: "x", Type: model.MatchInclude})
	s.MarkLoaded()
	_ = s.SetFilter(ctx, "name", model.TextFilter{Value: "y", Type: model.MatchInclude})

	want := []ClearScope{ClearAll, ClearAll, ClearRows}
	if len(clr.scopes) != len(want) {
		t.Fatalf("scopes=%v want %v", clr.scopes, want)
	}
	for i := range want {
		if clr.scopes[i] != want[i] {
			t.Fatalf("scopes=%v want %v", clr.scopes, want)
		}
	}
}

func TestSync_PushedURLIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, nav, clr := newTestStore("/browse/investigation")

	_ = s.SetView(ctx, model.ViewCard)
	_ = s.SetResults(ctx, 20)
	_ = s.SetFilter(ctx, "startDate", model.DateRangeFilter{StartDate: "2021-08-05", EndDate: "2021-08-06"})
	_ = s.SetSort(ctx, "name", model.OrderDesc)
	before := s.Snapshot()
	cleared := len(clr.scopes)

	path, q := nav.last(t)
	res := s.Sync(ctx, path, q)
	if res.PathChanged || res.FiltersChanged || res.SortChanged || res.Clear != ClearNone {
		t.Fatalf("re-entry changed state: %+v", res)
	}
	if len(clr.scopes) != cleared {
		t.Fatalf("re-entry signalled clear")
	}
	u, err := s.URL()
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if u != nav.urls[len(nav.urls)-1] {
		t.Fatalf("url drifted: %s vs %s", u, nav.urls[len(nav.urls)-1])
	}
	after := s.Snapshot()
	if *after.View != *before.View || *after.Results != *before.Results {
		t.Fatalf("scalars drifted")
	}
}

func TestSync_DetectsExternalChange(t *testing.T) {
	ctx := context.Background()
	s, _, clr := newTestStore("/p")
	res := s.Sync(ctx, "/p", `sort={"title":"asc"}`)
	if !res.SortChanged || res.FiltersChanged || res.Clear != ClearRows {
		t.Fatalf("sync=%+v", res)
	}
	if len(clr.scopes) != 1 {
		t.Fatalf("scopes=%v", clr.scopes)
	}
}

func TestSync_MalformedKeepsHeldState(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore("/p")
	_ = s.SetFilter(ctx, "name", model.TextFilter{Value: "keep", Type: model.MatchInclude})

	res := s.Sync(ctx, "/p", "filters=%7Bbroken&page=4")
	if res.FiltersChanged {
		t.Fatalf("malformed filters treated as change")
	}
	if f, ok := res.State.Filters.Get("name"); !ok || f.(model.TextFilter).Value != "keep" {
		t.Fatalf("held filter lost")
	}
	if res.State.Page == nil || *res.State.Page != 4 {
		t.Fatalf("page=%v", res.State.Page)
	}
}

func TestResetWhenPathChanges(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore("/a")
	_ = s.SetFilter(ctx, "name", model.TextFilter{Value: "x", Type: model.MatchInclude})

	s.ResetWhenPathChanges(true)
	res := s.Sync(ctx, "/b", "filters=%7Bbroken")
	if res.State.Filters.Len() != 0 {
		t.Fatalf("filters carried across paths: %v", res.State.Filters.Keys())
	}
	if s.Path() != "/b" {
		t.Fatalf("path=%s", s.Path())
	}

	s.ResetWhenPathChanges(false)
	_ = s.SetFilter(ctx, "name", model.TextFilter{Value: "y", Type: model.MatchInclude})
	res = s.Sync(ctx, "/c", "filters=%7Bbroken")
	if res.State.Filters.Len() != 1 {
		t.Fatalf("expected fallback to previous filters, got %v", res.State.Filters.Keys())
	}
}

func TestSetPage_NonPositiveClears(t *testing.T) {
	ctx := context.Background()
	s, nav, _ := newTestStore("/p")
	_ = s.SetPage(ctx, 3)
	_ = s.SetPage(ctx, 0)
	if s.Snapshot().Page != nil {
		t.Fatalf("page not cleared")
	}
	if got := nav.urls[len(nav.urls)-1]; got != "/p" {
		t.Fatalf("url=%s", got)
	}
}

func TestSnapshot_IsReadOnlyCopy(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore("/p")
	_ = s.SetSort(ctx, "name", model.OrderAsc)
	snap := s.Snapshot()
	snap.Sort.Set("other", model.OrderDesc)
	snap.Sort.Delete("name")
	if _, ok := s.Snapshot().Sort.Get("name"); !ok {
		t.Fatalf("snapshot mutation leaked into store")
	}
}

func TestSnapshot_SetFilterIsCopied(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore("/p")
	if err := s.SetFilter(ctx, "id", model.SetFilter{"a", "b"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, _ := s.Snapshot().Filters.Get("id")
	v.(model.SetFilter)[0] = "z"

	got, _ := s.Snapshot().Filters.Get("id")
	if got.(model.SetFilter)[0] != "a" {
		t.Fatalf("snapshot mutation leaked into store: %v", got)
	}
}
