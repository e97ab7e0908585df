package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// asyncHandler decouples log emission from I/O with a buffered channel
// and a single drain goroutine. Records are dropped, not blocked on,
// when the buffer is full; the drop count is retained for diagnostics.
type asyncHandler struct {
	inner   slog.Handler
	ch      chan slog.Record
	wg      *sync.WaitGroup
	dropped *atomic.Int64
}

func newAsyncHandler(inner slog.Handler, buffer int) *asyncHandler {
	h := &asyncHandler{
		inner:   inner,
		ch:      make(chan slog.Record, buffer),
		wg:      &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	h.wg.Add(1)
	go h.drain()
	return h
}

func (h *asyncHandler) drain() {
	defer h.wg.Done()
	for rec := range h.ch {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *asyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it if the buffer is full.
func (h *asyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.ch <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the channel but wrapping a new inner handler.
func (h *asyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &asyncHandler{inner: h.inner.WithAttrs(attrs), ch: h.ch, wg: h.wg, dropped: h.dropped}
}

// WithGroup returns a handler sharing the channel but wrapping a new inner handler.
func (h *asyncHandler) WithGroup(name string) slog.Handler {
	return &asyncHandler{inner: h.inner.WithGroup(name), ch: h.ch, wg: h.wg, dropped: h.dropped}
}

// Dropped returns the number of records discarded under pressure.
func (h *asyncHandler) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the drainer after flushing buffered records.
func (h *asyncHandler) Close() {
	close(h.ch)
	h.wg.Wait()
}
