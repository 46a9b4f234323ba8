package logger

import (
	"context"
	"hash/maphash"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// SamplingConfig bounds log volume per distinct message. The first
// Threshold records of a message within a tick always pass; after that,
// records pass at Rate (ErrorRate for warn and above).
type SamplingConfig struct {
	Enabled   bool
	Tick      time.Duration
	Threshold uint64
	Rate      float64
	ErrorRate float64
}

type samplingHandler struct {
	next slog.Handler
	cfg  SamplingConfig
	seed maphash.Seed

	counters  *sync.Map // message hash -> *atomic.Uint64
	lastReset *atomic.Int64
}

func newSamplingHandler(next slog.Handler, cfg SamplingConfig) slog.Handler {
	if !cfg.Enabled {
		return next
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.ErrorRate <= 0 {
		cfg.ErrorRate = 1.0
	}
	h := &samplingHandler{
		next:      next,
		cfg:       cfg,
		seed:      maphash.MakeSeed(),
		counters:  &sync.Map{},
		lastReset: &atomic.Int64{},
	}
	h.lastReset.Store(time.Now().UnixNano())
	return h
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.maybeReset()

	key := maphash.String(h.seed, r.Message)
	c, _ := h.counters.LoadOrStore(key, &atomic.Uint64{})
	n := c.(*atomic.Uint64).Add(1)

	if n <= h.cfg.Threshold {
		return h.next.Handle(ctx, r)
	}
	rate := h.cfg.Rate
	if r.Level >= slog.LevelWarn {
		rate = h.cfg.ErrorRate
	}
	if rate >= 1.0 || rand.Float64() < rate {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *samplingHandler) maybeReset() {
	now := time.Now().UnixNano()
	last := h.lastReset.Load()
	if now-last < h.cfg.Tick.Nanoseconds() {
		return
	}
	if h.lastReset.CompareAndSwap(last, now) {
		h.counters.Range(func(k, _ any) bool {
			h.counters.Delete(k)
			return true
		})
	}
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{
		next:      h.next.WithAttrs(attrs),
		cfg:       h.cfg,
		seed:      h.seed,
		counters:  h.counters,
		lastReset: h.lastReset,
	}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{
		next:      h.next.WithGroup(name),
		cfg:       h.cfg,
		seed:      h.seed,
		counters:  h.counters,
		lastReset: h.lastReset,
	}
}
