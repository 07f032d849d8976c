package compose

import "sync/atomic"

// IndexGenerator produces the strictly increasing fragment index sequence
// described in spec.md §3: each fragment reserves `step` consecutive
// integers (its own index plus headroom for per-fragment asset links), so
// successive fragments never collide in the client runtime's identifier
// space.
type IndexGenerator struct {
	step int64
	next atomic.Int64
}

// NewIndexGenerator builds a generator with the given step (maxAssetLinks).
// A step below 1 is treated as 1.
func NewIndexGenerator(step int) *IndexGenerator {
	if step < 1 {
		step = 1
	}
	return &IndexGenerator{step: int64(step)}
}

// Next returns the next index in the sequence, starting at 0.
func (g *IndexGenerator) Next() int {
	v := g.next.Add(g.step)
	return int(v - g.step)
}
