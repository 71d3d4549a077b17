// Package translate compiles sort and filter state into the catalog API's
// repeated order/where parameters.
package translate

import (
	"errors"
	"fmt"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

// TieBreak is always the last order so pagination is stable.
const TieBreak = "id asc"

const (
	dayStart = " 00:00:00"
	dayEnd   = " 23:59:59"
)

var ErrUnknownFilter = errors.New("unknown filter shape")

// Translate is deterministic: equal inputs give byte-identical output.
func Translate(sort model.Sort, filters model.Filters) (Params, error) {
	p := make(Params, 0, sort.Len()+1+filters.Len())
	var err error

	for col, o := range sort.All() {
		if p, err = p.AddJSON(KeyOrder, col+" "+string(o)); err != nil {
			return nil, err
		}
	}
	if p, err = p.AddJSON(KeyOrder, TieBreak); err != nil {
		return nil, err
	}

	for col, f := range filters.All() {
		if p, err = appendFilter(p, col, f); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func appendFilter(p Params, col string, f model.FilterValue) (Params, error) {
	var err error
	switch v := f.(type) {
	case model.SetFilter:
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("filter %q: %w", col, err)
		}
		items := []any(v)
		if items == nil {
			items = []any{}
		}
		return p.Where(col, "in", items)
	case model.DateRangeFilter:
		if v.StartDate != "" {
			if p, err = p.Where(col, "gte", v.StartDate+dayStart); err != nil {
				return nil, err
			}
		}
		if v.EndDate != "" {
			if p, err = p.Where(col, "lte", v.EndDate+dayEnd); err != nil {
				return nil, err
			}
		}
		return p, nil
	case model.TextFilter:
		switch v.Type {
		case model.MatchInclude:
			return p.Where(col, "like", v.Value)
		case model.MatchExclude:
			return p.Where(col, "nlike", v.Value)
		default:
			return nil, fmt.Errorf("filter %q: %w: match type %q", col, ErrUnknownFilter, v.Type)
		}
	default:
		return nil, fmt.Errorf("filter %q: %w: %T", col, ErrUnknownFilter, f)
	}
}
