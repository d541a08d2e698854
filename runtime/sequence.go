package runtime

import "sync/atomic"

// SeqGen produces monotonically increasing sequence numbers (1-indexed).
// The zero value is ready to use.
type SeqGen struct {
	counter atomic.Uint64
}

// Next returns the next sequence number.
func (s *SeqGen) Next() uint64 {
	return s.counter.Add(1)
}

// Current returns the last sequence number handed out (0 if none).
func (s *SeqGen) Current() uint64 {
	return s.counter.Load()
}

// Observe moves the generator forward so that Next never returns a value
// at or below seq.
func (s *SeqGen) Observe(seq uint64) {
	for {
		cur := s.counter.Load()
		if seq <= cur || s.counter.CompareAndSwap(cur, seq) {
			return
		}
	}
}
