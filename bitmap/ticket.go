package bitmap

import "sync/atomic"

// TicketCounter hands out the monotonically increasing, non-zero op
// tickets stamped on segments participating in a merge or flush (spec §5,
// §8 property 6: "no two merge/flush ops share a non-zero ticket").
type TicketCounter struct {
	n uint64
}

// Next returns the next ticket, starting at 1.
func (t *TicketCounter) Next() uint64 {
	return atomic.AddUint64(&t.n, 1)
}
