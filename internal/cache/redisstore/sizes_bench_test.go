package redisstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/ral-facilities/datagateway-go/internal/cache/keys"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

// seedCartSizes caches a size for n datafiles, as a cart of n items would.
func seedCartSizes(b *testing.B, n int) (*Client, []string) {
	b.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		b.Fatalf("miniredis: %v", err)
	}
	b.Cleanup(mr.Close)

	ctx := context.Background()
	rc, err := New(ctx, mr.Addr())
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	b.Cleanup(func() { _ = rc.Close() })

	ks := make([]string, n)
	for i := range n {
		ks[i] = keys.SizeKey("LILS", model.EntityDatafile, int64(i+1))
		if err := rc.Set(ctx, ks[i], []byte(strconv.FormatInt(int64(i)*4096, 10)), time.Hour); err != nil {
			b.Fatalf("Set: %v", err)
		}
	}
	return rc, ks
}

func benchCartSizes(b *testing.B, n int) {
	b.Run("MGET", func(b *testing.B) {
		rc, ks := seedCartSizes(b, n)
		ctx := context.Background()
		b.ReportAllocs()
		for b.Loop() {
			if _, err := rc.MGet(ctx, ks); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("GET", func(b *testing.B) {
		rc, ks := seedCartSizes(b, n)
		ctx := context.Background()
		b.ReportAllocs()
		for b.Loop() {
			for _, k := range ks {
				if _, err := rc.rdb.Get(ctx, k).Bytes(); err != nil {
					b.Fatal(err)
				}
			}
		}
	})
}

func BenchmarkCartSizes_50(b *testing.B) { benchCartSizes(b, 50) }
func BenchmarkCartSizes_500(b *testing.B) { benchCartSizes(b, 500) }
func BenchmarkCartSizes_5000(b *testing.B) { benchCartSizes(b, 5000) }
