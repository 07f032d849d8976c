package respond

import (
	"net/http"
	"sync"
)

// BaselineHeaders are the headers present on every page response regardless
// of outcome.
var BaselineHeaders = map[string]string{
	"Cache-Control": "no-cache, no-store, must-revalidate",
	"Pragma":        "no-cache",
	"Content-Type":  "text/html",
}

// HeadWriter wraps an http.ResponseWriter with the one-shot head-write latch
// (spec.md's shouldWriteHead) the request handler needs: WriteHead is safe
// to call from multiple goroutines racing to claim the head (the primary
// fragment's response/fallback/error events, and the handler's no-primary
// path), and only the first call has any effect.
type HeadWriter struct {
	w http.ResponseWriter

	mu      sync.Mutex
	written bool
}

// NewHeadWriter wraps w.
func NewHeadWriter(w http.ResponseWriter) *HeadWriter {
	return &HeadWriter{w: w}
}

// WriteHead applies status and headers, writes the baseline headers first,
// and calls WriteHeader, but only on the first call; later calls are no-ops
// and report false.
func (h *HeadWriter) WriteHead(status int, headers http.Header) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.written {
		return false
	}
	h.written = true

	for k, v := range BaselineHeaders {
		if h.w.Header().Get(k) == "" && headers.Get(k) == "" {
			h.w.Header().Set(k, v)
		}
	}
	for k, vs := range headers {
		for _, v := range vs {
			h.w.Header().Add(k, v)
		}
	}
	h.w.WriteHeader(status)
	return true
}

// HeadWritten reports whether WriteHead has already committed the head.
func (h *HeadWriter) HeadWritten() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

// Unwrap returns the wrapped http.ResponseWriter, for callers (the
// Content-Length Meter) that need to write body bytes directly once the
// head has been committed.
func (h *HeadWriter) Unwrap() http.ResponseWriter {
	return h.w
}
