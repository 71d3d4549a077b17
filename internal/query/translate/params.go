package translate

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

const (
	KeyOrder    = "order"
	KeyWhere    = "where"
	KeySkip     = "skip"
	KeyLimit    = "limit"
	KeyInclude  = "include"
	KeyDistinct = "distinct"
)

// Param is one occurrence of a repeated catalog query parameter. Value is
// already JSON-encoded.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Params is an append-only, ordered parameter list.
type Params []Param

func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// AddJSON encodes v and appends it under key.
func (p Params) AddJSON(key string, v any) (Params, error) {
	b, err := model.MarshalCompact(v)
	if err != nil {
		return p, fmt.Errorf("encode %s: %w", key, err)
	}
	return p.Add(key, string(b)), nil
}

// WithoutOrder drops every order parameter; count endpoints reject them.
func (p Params) WithoutOrder() Params {
	out := make(Params, 0, len(p))
	for _, x := range p {
		if x.Key != KeyOrder {
			out = append(out, x)
		}
	}
	return out
}

func (p Params) Get(key string) []string {
	var out []string
	for _, x := range p {
		if x.Key == key {
			out = append(out, x.Value)
		}
	}
	return out
}

// Encode renders p as a query string keeping occurrence order, unlike
// url.Values which sorts by key.
func (p Params) Encode() string {
	var b strings.Builder
	for i, x := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(x.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(x.Value))
	}
	return b.String()
}

// Page appends skip/limit for a 1-based page. Nil page or results leaves p
// unchanged.
func (p Params) Page(page, results *int) Params {
	if page == nil || results == nil || *page < 1 || *results < 1 {
		return p
	}
	skip := (*page - 1) * *results
	return p.Add(KeySkip, strconv.Itoa(skip)).Add(KeyLimit, strconv.Itoa(*results))
}

// Where appends {column: {op: value}}.
func (p Params) Where(column, op string, value any) (Params, error) {
	return p.AddJSON(KeyWhere, map[string]map[string]any{column: {op: value}})
}

func (p Params) Include(v any) (Params, error) {
	return p.AddJSON(KeyInclude, v)
}

func (p Params) Distinct(columns ...string) (Params, error) {
	return p.AddJSON(KeyDistinct, columns)
}
