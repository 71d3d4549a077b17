// Package aggregator computes running size and file-count totals for a cart
// by resolving every entry independently and in parallel.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/observability"
	"github.com/ral-facilities/datagateway-go/internal/logger"
)

// Lookup resolves per-entity totals. Implementations own timeouts and retries.
type Lookup interface {
	Size(ctx context.Context, t model.EntityType, id int64) (int64, error)
	FileCount(ctx context.Context, t model.EntityType, id int64) (int64, error)
}

type Kind string

const (
	KindSize      Kind = "size"
	KindFileCount Kind = "fileCount"
)

// LookupError reports one failed lookup. The entry's value stays unknown.
type LookupError struct {
	Key   model.EntryKey
	Kind  Kind
	Epoch uint64
	Err   error
}

func (e LookupError) Error() string {
	return string(e.Kind) + " lookup for " + e.Key.String() + ": " + e.Err.Error()
}

func (e LookupError) Unwrap() error { return e.Err }

type Options struct {
	// LookupTimeout bounds each lookup; zero leaves it to the Lookup.
	LookupTimeout time.Duration
	// ErrorBuffer is the capacity of the Errors channel. Errors beyond it
	// are dropped rather than blocking lookups.
	ErrorBuffer int
}

// Totals is a consistent view of one epoch.
type Totals struct {
	Rows              []model.CartAggregateRow `json:"rows"`
	TotalSize         int64                    `json:"totalSize"`
	FileCount         int64                    `json:"fileCount"`
	SizesLoading      bool                     `json:"sizesLoading"`
	FileCountsLoading bool                     `json:"fileCountsLoading"`
	EmptyItems        bool                     `json:"emptyItems"`
	Epoch             uint64                   `json:"epoch"`
}

// Loading reports whether any lookup of the epoch is still outstanding.
func (t Totals) Loading() bool { return t.SizesLoading || t.FileCountsLoading }

type row struct {
	entry model.CartEntry
	size  model.Lookup
	count model.Lookup
}

type Aggregator struct {
	lookup Lookup
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	epoch   uint64
	cancel  context.CancelFunc
	entries []model.CartEntry
	order   []model.EntryKey
	rows    map[model.EntryKey]*row
	pending int
	settled chan struct{}
	errs    chan LookupError
	closed  bool
}

func New(lookup Lookup, l *slog.Logger, opts Options) *Aggregator {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = 64
	}
	settled := make(chan struct{})
	close(settled)
	return &Aggregator{
		lookup:  lookup,
		logger:  l,
		opts:    opts,
		rows:    map[model.EntryKey]*row{},
		settled: settled,
		errs:    make(chan LookupError, opts.ErrorBuffer),
	}
}

// SetEntries replaces the cart and starts a new epoch. Duplicate entries
// (same id and type) are collapsed. In-flight lookups of the previous epoch
// are cancelled and their late results discarded.
func (a *Aggregator) SetEntries(ctx context.Context, entries []model.CartEntry) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = dedupe(entries)
	return a.startLocked(ctx)
}

// Refresh re-resolves the current entries, e.g. after facility settings change.
func (a *Aggregator) Refresh(ctx context.Context) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startLocked(ctx)
}

func (a *Aggregator) startLocked(ctx context.Context) uint64 {
	if a.closed {
		return a.epoch
	}
	if a.cancel != nil {
		a.cancel()
	}
	closeOnce(a.settled)
	a.epoch++
	epoch := a.epoch

	lctx, cancel := context.WithCancel(logger.WithEpoch(ctx, epoch))
	a.cancel = cancel

	a.order = make([]model.EntryKey, 0, len(a.entries))
	a.rows = make(map[model.EntryKey]*row, len(a.entries))
	for _, e := range a.entries {
		k := e.Key()
		a.order = append(a.order, k)
		a.rows[k] = &row{entry: e, size: model.Loading(), count: model.Loading()}
	}
	a.pending = 2 * len(a.entries)
	a.settled = make(chan struct{})
	if a.pending == 0 {
		close(a.settled)
		observability.ObserveCartTotals(0, 0, 0)
	}

	a.logger.DebugContext(lctx, "cart lookups started", "entries", len(a.entries))
	for _, e := range a.entries {
		go a.run(lctx, epoch, e, KindSize)
		go a.run(lctx, epoch, e, KindFileCount)
	}
	return epoch
}

func (a *Aggregator) run(ctx context.Context, epoch uint64, e model.CartEntry, kind Kind) {
	if a.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.LookupTimeout)
		defer cancel()
	}
	start := time.Now()
	var (
		n   int64
		err error
	)
	switch kind {
	case KindSize:
		n, err = a.lookup.Size(ctx, e.EntityType, e.EntityID)
	default:
		n, err = a.lookup.FileCount(ctx, e.EntityType, e.EntityID)
	}
	a.apply(ctx, epoch, e.Key(), kind, n, err, time.Since(start))
}

func (a *Aggregator) apply(ctx context.Context, epoch uint64, key model.EntryKey, kind Kind, n int64, err error, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if epoch != a.epoch {
		observability.IncStaleResult()
		observability.ObserveLookup(string(kind), "stale", d)
		return
	}
	r, ok := a.rows[key]
	if !ok {
		return
	}

	v := model.Resolved(n)
	outcome := "resolved"
	switch {
	case err != nil:
		v = model.Unknown()
		outcome = "error"
		a.logger.DebugContext(ctx, "cart lookup failed",
			"kind", string(kind),
			"entity_type", string(key.Type),
			"entity_id", key.ID,
			"err", err)
		select {
		case a.errs <- LookupError{Key: key, Kind: kind, Epoch: epoch, Err: err}:
		default:
		}
	case n < 0:
		v = model.Unknown()
		outcome = "unknown"
	}
	observability.ObserveLookup(string(kind), outcome, d)

	if kind == KindSize {
		r.size = v
	} else {
		r.count = v
	}

	a.pending--
	if a.pending == 0 {
		close(a.settled)
		t := a.totalsLocked()
		observability.ObserveCartTotals(len(t.Rows), t.FileCount, t.TotalSize)
	}
}

// Snapshot returns rows in entry order with totals over resolved values only.
func (a *Aggregator) Snapshot() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalsLocked()
}

func (a *Aggregator) totalsLocked() Totals {
	t := Totals{Epoch: a.epoch, Rows: make([]model.CartAggregateRow, 0, len(a.order))}
	for _, k := range a.order {
		r := a.rows[k]
		t.Rows = append(t.Rows, model.CartAggregateRow{CartEntry: r.entry, Size: r.size, FileCount: r.count})

		if r.size.Known() {
			t.TotalSize += r.size.Value
			if r.size.Value == 0 {
				t.EmptyItems = true
			}
		}
		if r.count.Known() {
			t.FileCount += r.count.Value
			if r.count.Value == 0 {
				t.EmptyItems = true
			}
		}
		t.SizesLoading = t.SizesLoading || r.size.IsLoading()
		t.FileCountsLoading = t.FileCountsLoading || r.count.IsLoading()
	}
	return t
}

// Wait blocks until the latest epoch has settled or ctx ends. An epoch
// started while waiting is waited for in turn.
func (a *Aggregator) Wait(ctx context.Context) error {
	for {
		a.mu.Lock()
		ch, epoch := a.settled, a.epoch
		a.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}

		a.mu.Lock()
		done := a.closed || a.epoch == epoch
		a.mu.Unlock()
		if done {
			return nil
		}
	}
}

// Errors delivers per-lookup failures of the current epoch. It is closed by Close.
func (a *Aggregator) Errors() <-chan LookupError { return a.errs }

var ErrClosed = errors.New("aggregator closed")

// Close cancels outstanding lookups. Results arriving afterwards are discarded.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.closed = true
	a.epoch++
	if a.cancel != nil {
		a.cancel()
	}
	closeOnce(a.settled)
	close(a.errs)
	return nil
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func dedupe(entries []model.CartEntry) []model.CartEntry {
	seen := make(map[model.EntryKey]struct{}, len(entries))
	out := make([]model.CartEntry, 0, len(entries))
	for _, e := range entries {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}
