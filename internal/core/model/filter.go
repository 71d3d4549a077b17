package model

import (
	"encoding/json"
	"fmt"
)

// FilterValue is one of TextFilter, DateRangeFilter or SetFilter.
type FilterValue interface {
	// Empty reports whether the filter constrains nothing and must not be stored.
	Empty() bool
	filter()
}

type MatchType string

const (
	MatchInclude MatchType = "include"
	MatchExclude MatchType = "exclude"
)

type TextFilter struct {
	Value string    `json:"value"`
	Type  MatchType `json:"type"`
}

func (f TextFilter) Empty() bool { return f.Value == "" }
func (TextFilter) filter()       {}

// Validate rejects a match type other than include or exclude.
func (f TextFilter) Validate() error {
	switch f.Type {
	case MatchInclude, MatchExclude:
		return nil
	default:
		return fmt.Errorf("text filter: invalid match type %q", f.Type)
	}
}

type DateRangeFilter struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

func (f DateRangeFilter) Empty() bool { return f.StartDate == "" && f.EndDate == "" }
func (DateRangeFilter) filter()       {}

// SetFilter holds primitives only: string, bool or json.Number.
type SetFilter []any

func (f SetFilter) Empty() bool { return len(f) == 0 }
func (SetFilter) filter()       {}

// Validate rejects anything that is not a JSON primitive, and numbers that
// are not valid JSON number literals.
func (f SetFilter) Validate() error {
	for i, v := range f {
		if !IsPrimitive(v) {
			return fmt.Errorf("set element %d: unsupported type %T", i, v)
		}
		if n, ok := v.(json.Number); ok && !validNumber(n) {
			return fmt.Errorf("set element %d: invalid number %q", i, string(n))
		}
	}
	return nil
}

// Clone copies the backing array.
func (f SetFilter) Clone() SetFilter {
	if f == nil {
		return nil
	}
	return append(SetFilter(nil), f...)
}

func validNumber(n json.Number) bool {
	b := []byte(n)
	if len(b) == 0 || (b[0] != '-' && (b[0] < '0' || b[0] > '9')) {
		return false
	}
	return json.Valid(b)
}

func IsPrimitive(v any) bool {
	switch v.(type) {
	case string, bool, json.Number:
		return true
	default:
		return false
	}
}
