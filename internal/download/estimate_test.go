package download

import (
	"testing"
	"time"

	"github.com/ral-facilities/datagateway-go/internal/cart/aggregator"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

func TestFormatDuration(t *testing.T) {
	cases := map[float64]string{
		0:                         "< 1 second",
		0.9:                       "< 1 second",
		1:                         "1 sec",
		60:                        "1 min",
		61:                        "1 min, 1 sec",
		3600:                      "1 hour",
		7322:                      "2 hours, 2 min, 2 sec",
		86400:                     "1 day",
		86400*2 + 3600 + 180:      "2 days, 1 hour, 3 min",
		86400 + 2*3600 + 3*60 + 4: "1 day, 2 hours, 3 min, 4 sec",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%v)=%q want %q", in, got, want)
		}
	}
}

func TestNewEstimate(t *testing.T) {
	// 100 MiB: 800 s at 1 Mbps, 26.67 s at 30 Mbps, 8 s at 100 Mbps
	e := NewEstimate(100*1024*1024, false)
	if !e.ShowTimes || len(e.Times) != 3 {
		t.Fatalf("estimate=%+v", e)
	}
	want := []string{"13 min, 20 sec", "26 sec", "8 sec"}
	for i, r := range e.Times {
		if r.Mbps != Rates[i] || r.Text != want[i] {
			t.Fatalf("rate %d: %+v want %s", i, r, want[i])
		}
	}
	if e.Size != "100 MiB" {
		t.Fatalf("size=%q", e.Size)
	}

	two := NewEstimate(100*1024*1024, true)
	if two.ShowTimes || len(two.Times) != 0 {
		t.Fatalf("two-level estimate should omit times: %+v", two)
	}
}

func TestDefaultFileName(t *testing.T) {
	got := DefaultFileName("LILS", time.Date(2021, 11, 2, 9, 0, 5, 0, time.UTC))
	if got != "LILS_2021-11-2_9-0-5" {
		t.Fatalf("name=%s", got)
	}
}

func TestFormatBytes(t *testing.T) {
	if FormatBytes(-1) != "unknown" || FormatBytes(0) != "0 B" || FormatBytes(2048) != "2.0 KiB" {
		t.Fatalf("got %q %q %q", FormatBytes(-1), FormatBytes(0), FormatBytes(2048))
	}
}

func row(size, count int64) model.CartAggregateRow {
	return model.CartAggregateRow{Size: model.Resolved(size), FileCount: model.Resolved(count)}
}

func TestCheckLimits(t *testing.T) {
	ok := aggregator.Totals{Rows: []model.CartAggregateRow{row(10, 2)}, TotalSize: 10, FileCount: 2}
	if lc := CheckLimits(ok, Unlimited, Unlimited); !lc.CanSubmit {
		t.Fatalf("unlimited cart blocked: %+v", lc)
	}
	if lc := CheckLimits(ok, 1, Unlimited); lc.CanSubmit || !lc.FileCountExceeded {
		t.Fatalf("file limit not applied: %+v", lc)
	}
	if lc := CheckLimits(ok, Unlimited, 9); lc.CanSubmit || !lc.TotalSizeExceeded {
		t.Fatalf("size limit not applied: %+v", lc)
	}

	empty := ok
	empty.EmptyItems = true
	if lc := CheckLimits(empty, Unlimited, Unlimited); lc.CanSubmit || !lc.EmptyItems {
		t.Fatalf("empty items not blocking: %+v", lc)
	}

	loading := ok
	loading.SizesLoading = true
	if lc := CheckLimits(loading, Unlimited, Unlimited); lc.CanSubmit || !lc.Loading {
		t.Fatalf("loading not blocking: %+v", lc)
	}

	if lc := CheckLimits(aggregator.Totals{}, Unlimited, Unlimited); lc.CanSubmit {
		t.Fatalf("empty cart submittable")
	}
}

func TestCheckLimits_UnresolvedLookupsBlock(t *testing.T) {
	failed := model.CartAggregateRow{Size: model.Unknown(), FileCount: model.Unknown()}
	all := aggregator.Totals{Rows: []model.CartAggregateRow{failed}}
	if lc := CheckLimits(all, Unlimited, Unlimited); lc.CanSubmit || !lc.Unresolved {
		t.Fatalf("cart with no resolved lookups submittable: %+v", lc)
	}

	partial := aggregator.Totals{Rows: []model.CartAggregateRow{row(10, 2), failed}, TotalSize: 10, FileCount: 2}
	if lc := CheckLimits(partial, Unlimited, Unlimited); lc.CanSubmit || !lc.Unresolved {
		t.Fatalf("cart with a failed lookup submittable: %+v", lc)
	}

	sizeOnly := aggregator.Totals{Rows: []model.CartAggregateRow{row(10, 2)}, TotalSize: 10}
	if lc := CheckLimits(sizeOnly, Unlimited, Unlimited); lc.CanSubmit {
		t.Fatalf("zero file count submittable: %+v", lc)
	}
}
