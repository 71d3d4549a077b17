// Package model defines core domain types shared across the gateway.
package model

type View string

const (
	ViewTable View = "table"
	ViewCard  View = "card"
)

func ParseView(s string) (View, bool) {
	switch View(s) {
	case ViewTable, ViewCard:
		return View(s), true
	default:
		return "", false
	}
}

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

func ParseOrder(s string) (Order, bool) {
	switch Order(s) {
	case OrderAsc, OrderDesc:
		return Order(s), true
	default:
		return "", false
	}
}

type (
	Filters = OrderedMap[FilterValue]
	Sort    = OrderedMap[Order]
)

// QueryState is the navigable state of a listing as carried in the address bar.
type QueryState struct {
	View    *View   `json:"view,omitempty"`
	Search  *string `json:"search,omitempty"`
	Page    *int    `json:"page,omitempty"`
	Results *int    `json:"results,omitempty"`
	Filters Filters `json:"filters"`
	Sort    Sort    `json:"sort"`
}

// Clone deep-copies the state so the result can be handed out read-only.
func (s QueryState) Clone() QueryState {
	out := QueryState{
		Filters: s.Filters.Clone(),
		Sort:    s.Sort.Clone(),
	}
	for k, v := range s.Filters.All() {
		if set, ok := v.(SetFilter); ok {
			out.Filters.Set(k, set.Clone())
		}
	}
	if s.View != nil {
		v := *s.View
		out.View = &v
	}
	if s.Search != nil {
		v := *s.Search
		out.Search = &v
	}
	if s.Page != nil {
		v := *s.Page
		out.Page = &v
	}
	if s.Results != nil {
		v := *s.Results
		out.Results = &v
	}
	return out
}
