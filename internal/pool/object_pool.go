package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a generic object pool built on sync.Pool, with hit-rate metrics.
type Pool[T any] struct {
	pool    sync.Pool
	newFunc func() T
	reset   func(*T)

	gets   atomic.Int64
	puts   atomic.Int64
	news   atomic.Int64
	resets atomic.Int64
}

// NewPool creates an object pool. resetFunc may be nil if objects need no
// clearing between uses.
func NewPool[T any](newFunc func() T, resetFunc func(*T)) *Pool[T] {
	p := &Pool[T]{
		newFunc: newFunc,
		reset:   resetFunc,
	}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool.
func (p *Pool[T]) Put(obj T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.resets.Add(1)
		p.reset(&obj)
	}
	p.pool.Put(obj)
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Gets:   p.gets.Load(),
		Puts:   p.puts.Load(),
		News:   p.news.Load(),
		Resets: p.resets.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Gets   int64 `json:"gets"`
	Puts   int64 `json:"puts"`
	News   int64 `json:"news"`
	Resets int64 `json:"resets"`
}

// HitRate returns the fraction of Get calls that were satisfied without
// allocating a new object.
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// ByteBufferPool provides pooled byte buffers with a 4 KiB initial capacity,
// reset on return.
var ByteBufferPool = NewPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
	func(b **bytes.Buffer) {
		(*b).Reset()
	},
)

// SlicePool provides pooled slices whose backing arrays are reused across
// Get/Put cycles.
type SlicePool[T any] struct {
	pool     sync.Pool
	initSize int
}

// NewSlicePool creates a new slice pool.
func NewSlicePool[T any](initSize int) *SlicePool[T] {
	return &SlicePool[T]{
		initSize: initSize,
		pool: sync.Pool{
			New: func() any {
				return make([]T, 0, initSize)
			},
		},
	}
}

// Get retrieves a slice from the pool.
func (p *SlicePool[T]) Get() []T {
	return p.pool.Get().([]T)
}

// Put returns a slice to the pool.
func (p *SlicePool[T]) Put(s []T) {
	s = s[:0]
	p.pool.Put(s)
}

// MapPool provides pooled maps that are reused across Get/Put cycles.
type MapPool[K comparable, V any] struct {
	pool     sync.Pool
	initSize int
}

// NewMapPool creates a new map pool.
func NewMapPool[K comparable, V any](initSize int) *MapPool[K, V] {
	return &MapPool[K, V]{
		initSize: initSize,
		pool: sync.Pool{
			New: func() any {
				return make(map[K]V, initSize)
			},
		},
	}
}

// Get retrieves a map from the pool.
func (p *MapPool[K, V]) Get() map[K]V {
	return p.pool.Get().(map[K]V)
}

// Put returns a map to the pool.
func (p *MapPool[K, V]) Put(m map[K]V) {
	clear(m)
	p.pool.Put(m)
}

// Global pools for the hot paths shared across requests.
var (
	GlobalStringSlice = NewSlicePool[string](16)
	GlobalAnyMap      = NewMapPool[string, any](8)
)
