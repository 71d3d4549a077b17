// Package codec converts between a listing URL query string and model.QueryState.
package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/observability"
)

const (
	KeyView    = "view"
	KeySearch  = "search"
	KeyPage    = "page"
	KeyResults = "results"
	KeyFilters = "filters"
	KeySort    = "sort"
)

type Codec struct {
	logger *slog.Logger
}

func New(l *slog.Logger) *Codec {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Codec{logger: l}
}

// Decode never fails. A malformed filters or sort token is replaced by the
// matching field of fallback and logged once; every other field decodes
// independently. Unknown keys are ignored.
func (c *Codec) Decode(ctx context.Context, raw string, fallback model.QueryState) model.QueryState {
	raw = strings.TrimPrefix(raw, "?")
	q, err := url.ParseQuery(raw)
	if err != nil {
		// ParseQuery keeps every pair it could read
		c.warn(ctx, "query", "malformed query string", err)
	}

	var s model.QueryState

	if v := q.Get(KeyView); v != "" {
		if view, ok := model.ParseView(v); ok {
			s.View = &view
		} else {
			c.warn(ctx, KeyView, "unknown view", fmt.Errorf("value %q", v))
		}
	}
	if v := q.Get(KeySearch); v != "" {
		s.Search = &v
	}
	s.Page = c.positive(ctx, q, KeyPage)
	s.Results = c.positive(ctx, q, KeyResults)

	if q.Has(KeyFilters) {
		f, err := DecodeFilters([]byte(q.Get(KeyFilters)))
		if err != nil {
			c.warn(ctx, KeyFilters, "filters fallback", err)
			f = fallback.Filters.Clone()
		}
		s.Filters = f
	}
	if q.Has(KeySort) {
		so, err := DecodeSort([]byte(q.Get(KeySort)))
		if err != nil {
			c.warn(ctx, KeySort, "sort fallback", err)
			so = fallback.Sort.Clone()
		}
		s.Sort = so
	}
	return s
}

func (c *Codec) positive(ctx context.Context, q url.Values, key string) *int {
	if !q.Has(key) {
		return nil
	}
	v := q.Get(key)
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		c.warn(ctx, key, "non-numeric value dropped", err)
		return nil
	}
	if n < 1 {
		c.warn(ctx, key, "out of range value dropped", fmt.Errorf("value %d", n))
		return nil
	}
	return &n
}

func (c *Codec) warn(ctx context.Context, field, msg string, err error) {
	observability.IncDecodeFallback(field)
	c.logger.WarnContext(ctx, msg, "field", field, "err", err)
}

// Encode is the right inverse of Decode: for every state Decode can produce,
// decoding the result yields the same state. Nil and empty fields are omitted.
func Encode(s model.QueryState) (string, error) {
	q := url.Values{}
	if s.View != nil && *s.View != "" {
		q.Set(KeyView, string(*s.View))
	}
	if s.Search != nil && *s.Search != "" {
		q.Set(KeySearch, *s.Search)
	}
	if s.Page != nil {
		q.Set(KeyPage, strconv.Itoa(*s.Page))
	}
	if s.Results != nil {
		q.Set(KeyResults, strconv.Itoa(*s.Results))
	}

	var kept model.Filters
	for col, f := range s.Filters.All() {
		if f == nil || f.Empty() {
			continue
		}
		kept.Set(col, f)
	}
	if kept.Len() > 0 {
		b, err := kept.MarshalJSON()
		if err != nil {
			return "", fmt.Errorf("encode filters: %w", err)
		}
		q.Set(KeyFilters, string(b))
	}
	if s.Sort.Len() > 0 {
		b, err := s.Sort.MarshalJSON()
		if err != nil {
			return "", fmt.Errorf("encode sort: %w", err)
		}
		q.Set(KeySort, string(b))
	}
	return q.Encode(), nil
}

// DecodeFilters parses a filters token. Empty filters are dropped so the
// result never stores an empty shape.
func DecodeFilters(b []byte) (model.Filters, error) {
	var raw model.OrderedMap[json.RawMessage]
	if err := raw.UnmarshalJSON(b); err != nil {
		return model.Filters{}, fmt.Errorf("filters: %w", err)
	}
	var out model.Filters
	for col, rv := range raw.All() {
		f, err := DecodeFilterValue(rv)
		if err != nil {
			return model.Filters{}, fmt.Errorf("filter %q: %w", col, err)
		}
		if f.Empty() {
			continue
		}
		out.Set(col, f)
	}
	return out, nil
}

func DecodeSort(b []byte) (model.Sort, error) {
	var raw model.OrderedMap[string]
	if err := raw.UnmarshalJSON(b); err != nil {
		return model.Sort{}, fmt.Errorf("sort: %w", err)
	}
	var out model.Sort
	for col, v := range raw.All() {
		o, ok := model.ParseOrder(v)
		if !ok {
			return model.Sort{}, fmt.Errorf("sort %q: invalid order %q", col, v)
		}
		out.Set(col, o)
	}
	return out, nil
}

var ErrUnknownShape = errors.New("unrecognised filter shape")

// DecodeFilterValue resolves the shape of one filter. A bare string is the
// legacy form of an include text filter.
func DecodeFilterValue(b json.RawMessage) (model.FilterValue, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, ErrUnknownShape
	}
	switch b[0] {
	case '[':
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var items []any
		if err := dec.Decode(&items); err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
		set := model.SetFilter(items)
		if err := set.Validate(); err != nil {
			return nil, err
		}
		return set, nil
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("text: %w", err)
		}
		return model.TextFilter{Value: s, Type: model.MatchInclude}, nil
	case '{':
		return decodeObject(b)
	default:
		return nil, ErrUnknownShape
	}
}

func decodeObject(b []byte) (model.FilterValue, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("object: %w", err)
	}
	if _, ok := fields["value"]; ok {
		var t struct {
			Value *string `json:"value"`
			Type  *string `json:"type"`
		}
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("text: %w", err)
		}
		for k := range fields {
			if k != "value" && k != "type" {
				return nil, fmt.Errorf("text: %w: key %q", ErrUnknownShape, k)
			}
		}
		f := model.TextFilter{Type: model.MatchInclude}
		if t.Value != nil {
			f.Value = *t.Value
		}
		if t.Type != nil {
			switch mt := model.MatchType(*t.Type); mt {
			case model.MatchInclude, model.MatchExclude:
				f.Type = mt
			default:
				return nil, fmt.Errorf("text: unknown match type %q", *t.Type)
			}
		}
		return f, nil
	}

	for k := range fields {
		if k != "startDate" && k != "endDate" {
			return nil, fmt.Errorf("%w: key %q", ErrUnknownShape, k)
		}
	}
	var r struct {
		StartDate *string `json:"startDate"`
		EndDate   *string `json:"endDate"`
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("range: %w", err)
	}
	var f model.DateRangeFilter
	if r.StartDate != nil {
		f.StartDate = *r.StartDate
	}
	if r.EndDate != nil {
		f.EndDate = *r.EndDate
	}
	return f, nil
}
