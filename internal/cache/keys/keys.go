// Package keys builds the Redis keys of cached entity sizes and browse counts.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

const maxWhereTextLen = 160

// SizeKey is size:<facility>:<type>:<id>.
func SizeKey(facility string, t model.EntityType, id int64) string {
	return fmt.Sprintf("size:%s:%s:%d", sanitizeSegment(facility), sanitizeSegment(string(t)), id)
}

// SizePattern matches every size key of an entity type, for SCAN-based purges.
func SizePattern(facility string, t model.EntityType) string {
	return fmt.Sprintf("size:%s:%s:*", sanitizeSegment(facility), sanitizeSegment(string(t)))
}

// CountKey identifies a browse count by entity and the translated where
// clauses, in order. The readable part is truncated; the hash covers the
// full text. Clauses are compact JSON, so they are hashed as given.
func CountKey(facility, entity string, where []string) string {
	text := strings.Join(where, "&")
	safe := sanitizeForKey(collapseASCIIWhitespace(text))
	if len(safe) > maxWhereTextLen {
		safe = safe[:maxWhereTextLen]
	}
	sum := xxhash.Sum64String(text)
	return fmt.Sprintf("count:%s:%s:where=%s:f=%016x",
		sanitizeSegment(facility), sanitizeSegment(strings.ToLower(strings.TrimSpace(entity))), safe, sum)
}

// CountPrefix is the prefix shared by all count keys of an entity.
func CountPrefix(facility, entity string) string {
	return fmt.Sprintf("count:%s:%s:", sanitizeSegment(facility), sanitizeSegment(strings.ToLower(strings.TrimSpace(entity))))
}

func sanitizeForKey(s string) string {
	return sanitize(s, true)
}

// segments never contain ':' so keys stay splittable
func sanitizeSegment(s string) string {
	return strings.ReplaceAll(sanitize(strings.TrimSpace(s), false), ":", "-")
}

func sanitize(s string, allowEq bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIISpace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || (allowEq && r == '='):
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isASCIISpace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isASCIISpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
