// Package meter implements the Content-Length Meter (C1): a pass-through
// writer that forwards every chunk unchanged, accumulates the byte count,
// and invokes a completion callback with the total once closed.
package meter

import (
	"io"
	"sync/atomic"
)

// Meter wraps an io.Writer, counting bytes written through it and firing an
// OnClose callback exactly once when Close is called.
type Meter struct {
	w       io.Writer
	count   atomic.Int64
	onClose func(total int64)
	closed  atomic.Bool
}

// New creates a Meter around w. onClose may be nil.
func New(w io.Writer, onClose func(total int64)) *Meter {
	return &Meter{w: w, onClose: onClose}
}

// Write forwards p to the underlying writer unchanged. If the downstream
// write fails, the error propagates unchanged and the counter still
// reflects only the bytes that were successfully passed through.
func (m *Meter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if n > 0 {
		m.count.Add(int64(n))
	}
	return n, err
}

// Count returns the number of bytes written so far.
func (m *Meter) Count() int64 {
	return m.count.Load()
}

// Close invokes OnClose with the final byte count. Safe to call more than
// once; only the first call fires the callback.
func (m *Meter) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.onClose != nil {
		m.onClose(m.count.Load())
	}
	return nil
}
