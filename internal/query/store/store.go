// Package store holds the canonical query state of one listing and keeps it
// consistent with the address bar.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/query/changes"
	"github.com/ral-facilities/datagateway-go/internal/query/codec"
)

type ClearScope int

const (
	ClearNone ClearScope = iota
	// ClearRows drops cached page rows but keeps totals and scroll position.
	ClearRows
	// ClearAll drops everything loaded for the previous location.
	ClearAll
)

func (c ClearScope) String() string {
	switch c {
	case ClearRows:
		return "rows"
	case ClearAll:
		return "all"
	default:
		return "none"
	}
}

// Navigator pushes a URL to the address bar. It must not call back into the
// Store synchronously; the resulting navigation re-enters through Sync.
type Navigator interface {
	Push(ctx context.Context, url string) error
}

type Clearer interface {
	Clear(ctx context.Context, scope ClearScope)
}

type NavigatorFunc func(ctx context.Context, url string) error

func (f NavigatorFunc) Push(ctx context.Context, url string) error { return f(ctx, url) }

type ClearerFunc func(ctx context.Context, scope ClearScope)

func (f ClearerFunc) Clear(ctx context.Context, scope ClearScope) { f(ctx, scope) }

type Options struct {
	// ResetOnPathChange makes a navigation to another path start from an
	// empty state instead of falling back to the previous listing's filters.
	ResetOnPathChange bool
}

type Store struct {
	mu     sync.Mutex
	codec  *codec.Codec
	nav    Navigator
	clr    Clearer
	logger *slog.Logger

	state             model.QueryState
	path              string
	dataPath          string
	resetOnPathChange bool
}

func New(c *codec.Codec, nav Navigator, clr Clearer, logger *slog.Logger, path string, opts Options) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if c == nil {
		c = codec.New(logger)
	}
	return &Store{
		codec:             c,
		nav:               nav,
		clr:               clr,
		logger:            logger,
		path:              path,
		dataPath:          path,
		resetOnPathChange: opts.ResetOnPathChange,
	}
}

// SyncResult describes what an inbound navigation changed.
type SyncResult struct {
	State          model.QueryState
	PathChanged    bool
	FiltersChanged bool
	SortChanged    bool
	Clear          ClearScope
}

// Sync is the navigation re-entry point. Filters and sort are only replaced
// when their content differs from the held state, so decoding a URL this
// store just pushed is a no-op.
func (s *Store) Sync(ctx context.Context, path, rawQuery string) SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	pathChanged := path != s.path
	fallback := s.state
	if pathChanged && s.resetOnPathChange {
		fallback = model.QueryState{}
	}
	parsed := s.codec.Decode(ctx, rawQuery, fallback)

	held := s.state
	if pathChanged && s.resetOnPathChange {
		held = model.QueryState{}
	}
	res := SyncResult{
		PathChanged:    pathChanged,
		FiltersChanged: changes.FiltersChanged(parsed.Filters, held.Filters),
		SortChanged:    changes.SortChanged(parsed.Sort, held.Sort),
	}

	next := parsed
	if !res.FiltersChanged {
		next.Filters = held.Filters
	}
	if !res.SortChanged {
		next.Sort = held.Sort
	}
	s.state = next
	s.path = path

	switch {
	case pathChanged:
		res.Clear = ClearAll
	case res.FiltersChanged || res.SortChanged:
		res.Clear = ClearRows
	}
	if res.Clear != ClearNone {
		s.logger.DebugContext(ctx, "navigation changed state",
			"path", path,
			"filters_changed", res.FiltersChanged,
			"sort_changed", res.SortChanged,
			"clear", res.Clear.String())
		s.signal(ctx, res.Clear)
	}
	res.State = s.state.Clone()
	return res
}

// MarkLoaded records that data for the current path has been fetched.
func (s *Store) MarkLoaded() {
	s.mu.Lock()
	s.dataPath = s.path
	s.mu.Unlock()
}

// ResetWhenPathChanges toggles whether navigating to another path discards
// the held filters and sort.
func (s *Store) ResetWhenPathChanges(on bool) {
	s.mu.Lock()
	s.resetOnPathChange = on
	s.mu.Unlock()
}

func (s *Store) Snapshot() model.QueryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// URL is the current path with the encoded state.
func (s *Store) URL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url()
}

// SetView stores v; an empty view clears it.
func (s *Store) SetView(ctx context.Context, v model.View) error {
	if v != "" {
		if _, ok := model.ParseView(string(v)); !ok {
			return fmt.Errorf("set view: invalid view %q", v)
		}
	}
	return s.mutate(ctx, false, func(st *model.QueryState) bool {
		if v == "" {
			st.View = nil
			return true
		}
		st.View = &v
		return true
	})
}

// SetSearch stores text; an empty string clears the search.
func (s *Store) SetSearch(ctx context.Context, text string) error {
	return s.mutate(ctx, false, func(st *model.QueryState) bool {
		if text == "" {
			st.Search = nil
			return true
		}
		st.Search = &text
		return true
	})
}

// SetPage clears the page when n < 1.
func (s *Store) SetPage(ctx context.Context, n int) error {
	return s.mutate(ctx, false, func(st *model.QueryState) bool {
		st.Page = positive(n)
		return true
	})
}

// SetResults clears the page size when n < 1.
func (s *Store) SetResults(ctx context.Context, n int) error {
	return s.mutate(ctx, false, func(st *model.QueryState) bool {
		st.Results = positive(n)
		return true
	})
}

// SetFilter stores f under column. A nil or empty filter removes the column.
func (s *Store) SetFilter(ctx context.Context, column string, f model.FilterValue) error {
	if err := validFilter(f); err != nil {
		return fmt.Errorf("set filter %q: %w", column, err)
	}
	return s.mutate(ctx, true, func(st *model.QueryState) bool {
		prev, had := st.Filters.Get(column)
		if f == nil || f.Empty() {
			return st.Filters.Delete(column)
		}
		if had && changes.SameFilter(prev, f) {
			return false
		}
		st.Filters.Set(column, f)
		return true
	})
}

// SetSort stores o under column. An empty order removes the column.
func (s *Store) SetSort(ctx context.Context, column string, o model.Order) error {
	if o != "" {
		if _, ok := model.ParseOrder(string(o)); !ok {
			return fmt.Errorf("set sort %q: invalid order %q", column, o)
		}
	}
	return s.mutate(ctx, true, func(st *model.QueryState) bool {
		prev, had := st.Sort.Get(column)
		if o == "" {
			return st.Sort.Delete(column)
		}
		if had && prev == o {
			return false
		}
		st.Sort.Set(column, o)
		return true
	})
}

// validFilter checks what Encode and Decode need to round-trip f. Empty
// filters are removals and always pass.
func validFilter(f model.FilterValue) error {
	if f == nil || f.Empty() {
		return nil
	}
	switch v := f.(type) {
	case model.TextFilter:
		return v.Validate()
	case model.SetFilter:
		return v.Validate()
	}
	return nil
}

// mutate applies fn to a copy of the state and commits it once its URL
// encodes, then pushes the URL and, for data-affecting edits that changed
// something, signals a clear. A failed encode leaves the state untouched.
func (s *Store) mutate(ctx context.Context, affectsData bool, fn func(*model.QueryState) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	changed := fn(&next)

	u, err := s.urlOf(next)
	if err != nil {
		return err
	}
	s.state = next
	if s.nav != nil {
		if err := s.nav.Push(ctx, u); err != nil {
			return fmt.Errorf("push %s: %w", u, err)
		}
	}
	if affectsData && changed {
		scope := ClearRows
		if s.path != s.dataPath {
			scope = ClearAll
		}
		s.signal(ctx, scope)
	}
	return nil
}

func (s *Store) url() (string, error) {
	return s.urlOf(s.state)
}

func (s *Store) urlOf(st model.QueryState) (string, error) {
	q, err := codec.Encode(st)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	if q == "" {
		return s.path, nil
	}
	sep := "?"
	if strings.Contains(s.path, "?") {
		sep = "&"
	}
	return s.path + sep + q, nil
}

func (s *Store) signal(ctx context.Context, scope ClearScope) {
	if s.clr != nil {
		s.clr.Clear(ctx, scope)
	}
}

func positive(n int) *int {
	if n < 1 {
		return nil
	}
	return &n
}
