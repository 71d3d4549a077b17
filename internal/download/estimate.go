package download

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ral-facilities/datagateway-go/internal/cart/aggregator"
)

// Rates are the line speeds, in Mbps, download times are estimated for.
var Rates = []int{1, 30, 100}

type RateEstimate struct {
	Mbps    int     `json:"mbps"`
	Seconds float64 `json:"seconds"`
	Text    string  `json:"text"`
}

type Estimate struct {
	TotalSize int64          `json:"totalSize"`
	Size      string         `json:"size"`
	ShowTimes bool           `json:"showTimes"`
	Times     []RateEstimate `json:"times,omitempty"`
}

// NewEstimate derives download times from a byte total. Two-level storage
// stages data first, so no times are given.
func NewEstimate(totalSize int64, twoLevel bool) Estimate {
	e := Estimate{TotalSize: totalSize, Size: FormatBytes(totalSize), ShowTimes: !twoLevel}
	if twoLevel {
		return e
	}
	mb := float64(max(totalSize, 0)) / (1024 * 1024)
	for _, r := range Rates {
		secs := mb / (float64(r) / 8)
		e.Times = append(e.Times, RateEstimate{Mbps: r, Seconds: secs, Text: FormatDuration(secs)})
	}
	return e
}

// FormatDuration renders whole days, hours, minutes and seconds, e.g.
// "1 day, 2 hours, 3 min, 4 sec". Anything under a second is "< 1 second".
func FormatDuration(seconds float64) string {
	total := int64(seconds)
	d := total / (3600 * 24)
	h := total % (3600 * 24) / 3600
	m := total % 3600 / 60
	s := total % 60

	var parts []string
	if d > 0 {
		parts = append(parts, plural(d, "day", "days"))
	}
	if h > 0 {
		parts = append(parts, plural(h, "hour", "hours"))
	}
	if m > 0 {
		parts = append(parts, strconv.FormatInt(m, 10)+" min")
	}
	if s > 0 {
		parts = append(parts, strconv.FormatInt(s, 10)+" sec")
	}
	if len(parts) == 0 {
		return "< 1 second"
	}
	return strings.Join(parts, ", ")
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return strconv.FormatInt(n, 10) + " " + many
}

// FormatBytes renders a byte count in binary units; negative is unknown.
func FormatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

// DefaultFileName is <facility>_<Y>-<M>-<D>_<h>-<m>-<s> without zero padding.
func DefaultFileName(facility string, t time.Time) string {
	return fmt.Sprintf("%s_%d-%d-%d_%d-%d-%d",
		facility, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// Unlimited disables a limit.
const Unlimited int64 = -1

type LimitCheck struct {
	EmptyItems        bool `json:"emptyItems"`
	FileCountExceeded bool `json:"fileCountExceeded"`
	TotalSizeExceeded bool `json:"totalSizeExceeded"`
	Loading           bool `json:"loading"`
	Unresolved        bool `json:"unresolved"`
	CanSubmit         bool `json:"canSubmit"`
}

// CheckLimits gates submission: nothing empty, nothing still loading, every
// row's size and file count resolved, non-zero totals, and both totals within
// their limits.
func CheckLimits(t aggregator.Totals, fileCountMax, totalSizeMax int64) LimitCheck {
	lc := LimitCheck{
		EmptyItems:        t.EmptyItems,
		FileCountExceeded: fileCountMax != Unlimited && t.FileCount > fileCountMax,
		TotalSizeExceeded: totalSizeMax != Unlimited && t.TotalSize > totalSizeMax,
		Loading:           t.Loading(),
	}
	for _, r := range t.Rows {
		if !r.Size.Known() || !r.FileCount.Known() {
			lc.Unresolved = true
			break
		}
	}
	lc.CanSubmit = len(t.Rows) > 0 && t.FileCount > 0 && t.TotalSize > 0 &&
		!lc.EmptyItems && !lc.FileCountExceeded && !lc.TotalSizeExceeded && !lc.Loading && !lc.Unresolved
	return lc
}
