// Package pool provides bounded-concurrency and object-reuse primitives
// shared by the fragment composition server: GoroutinePool caps the number
// of concurrent upstream fragment fetches a single page request (and the
// process as a whole) may hold open, and Pool/SlicePool/MapPool reuse
// buffers, slices, and maps across requests to keep the per-request hot
// path allocation-light.
package pool
