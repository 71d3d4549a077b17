// Package changes decides whether freshly decoded filters or sort differ in
// content from the state already held, so that re-serialised but identical
// navigation does not discard in-flight data.
package changes

import (
	"encoding/json"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

// ObjectChanged compares by key, not by position: reordering keys alone is
// not a change. Every key of parsed is visited.
func ObjectChanged[V any](parsed, current model.OrderedMap[V], same func(a, b V) bool) bool {
	if parsed.Len() == 0 && current.Len() == 0 {
		return false
	}
	if parsed.Len() != current.Len() {
		return true
	}
	changed := false
	for k, pv := range parsed.All() {
		cv, ok := current.Get(k)
		if !ok || !same(pv, cv) {
			changed = true
		}
	}
	return changed
}

func FiltersChanged(parsed, current model.Filters) bool {
	return ObjectChanged(parsed, current, SameFilter)
}

func SortChanged(parsed, current model.Sort) bool {
	return ObjectChanged(parsed, current, func(a, b model.Order) bool { return a == b })
}

// SameFilter reports structural equality of two filter values. Values of
// different shapes are never equal.
func SameFilter(a, b model.FilterValue) bool {
	switch av := a.(type) {
	case model.SetFilter:
		bv, ok := b.(model.SetFilter)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !samePrimitive(av[i], bv[i]) {
				return false
			}
		}
		return true
	case model.DateRangeFilter:
		bv, ok := b.(model.DateRangeFilter)
		return ok && av.StartDate == bv.StartDate && av.EndDate == bv.EndDate
	case model.TextFilter:
		bv, ok := b.(model.TextFilter)
		return ok && av.Value == bv.Value && av.Type == bv.Type
	default:
		return a == nil && b == nil
	}
}

// samePrimitive compares numbers by value, so 1 and 1.0 are equal.
func samePrimitive(a, b any) bool {
	if !model.IsPrimitive(a) || !model.IsPrimitive(b) {
		return false
	}
	an, aok := a.(json.Number)
	bn, bok := b.(json.Number)
	if aok && bok {
		af, aerr := an.Float64()
		bf, berr := bn.Float64()
		if aerr != nil || berr != nil {
			return an == bn
		}
		return af == bf
	}
	return a == b
}
