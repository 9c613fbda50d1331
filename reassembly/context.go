package reassembly

import (
	"github.com/Mmx233/frag6d/protocol"
	"github.com/google/btree"
)

// fragment is one queued wire fragment. It owns pkt until take is called.
type fragment struct {
	offset     uint32 // byte offset of the payload within the original datagram
	length     uint32 // length of the fragmentable part carried
	more       bool
	nextHeader uint8 // next header declared by the Fragment header
	hdrOff     int   // offset of the Fragment header inside pkt
	prevNext   int   // offset of the byte naming the Fragment header
	pkt        *protocol.Packet
}

func (f *fragment) end() uint32 {
	return f.offset + f.length
}

// payload returns the fragmentable part carried by f.
func (f *fragment) payload() []byte {
	start := f.hdrOff + protocol.FragmentHeaderSize
	return f.pkt.Bytes()[start : start+int(f.length)]
}

// take moves the packet out of f.
func (f *fragment) take() *protocol.Packet {
	p := f.pkt
	f.pkt = nil
	return p
}

func fragmentLess(a, b *fragment) bool {
	return a.offset < b.offset
}

// reassemblyContext is the state of one datagram under reassembly.
// It is only touched with its shard lock held.
type reassemblyContext struct {
	key        Key
	seq        uint64 // creation order across the table
	ttl        int
	unfragLen  int // -1 until the offset 0 fragment is queued
	nextHeader uint8
	ecn        uint8
	frags      *btree.BTreeG[*fragment]
}

func newContext(key Key, seq uint64, ttl int, ecn uint8) *reassemblyContext {
	return &reassemblyContext{
		key:       key,
		seq:       seq,
		ttl:       ttl,
		unfragLen: -1,
		ecn:       ecn,
		frags:     btree.NewG[*fragment](8, fragmentLess),
	}
}

// neighbors returns the queued fragment with the largest offset below off
// and the one with the smallest offset at or above it.
func (c *reassemblyContext) neighbors(off uint32) (pred, succ *fragment) {
	pivot := &fragment{offset: off}
	c.frags.AscendGreaterOrEqual(pivot, func(f *fragment) bool {
		succ = f
		return false
	})
	c.frags.DescendLessOrEqual(pivot, func(f *fragment) bool {
		if f.offset == off {
			return true
		}
		pred = f
		return false
	})
	return pred, succ
}

// overlaps reports whether f intersects a queued fragment.
func (c *reassemblyContext) overlaps(f *fragment) bool {
	pred, succ := c.neighbors(f.offset)
	if pred != nil && pred.end() > f.offset {
		return true
	}
	if succ != nil && f.end() > succ.offset {
		return true
	}
	return false
}

// complete walks the fragments in offset order and returns the total
// fragmentable length once they cover [0, total) without gaps and the
// last one is final.
func (c *reassemblyContext) complete() (uint32, bool) {
	var (
		next uint32
		last *fragment
		gap  bool
	)
	c.frags.Ascend(func(f *fragment) bool {
		if f.offset != next {
			gap = true
			return false
		}
		next = f.end()
		last = f
		return true
	})
	if gap || last == nil || last.more {
		return 0, false
	}
	return next, true
}

// overflowing returns the queued fragments that exceed the maximum payload
// once unfragLen bytes of headers precede them.
func (c *reassemblyContext) overflowing(unfragLen int) []*fragment {
	var out []*fragment
	c.frags.Ascend(func(f *fragment) bool {
		if uint64(unfragLen)+uint64(f.end()) > protocol.IPv6MaximumPayload {
			out = append(out, f)
		}
		return true
	})
	return out
}

// detach empties the context and returns its fragments in offset order.
func (c *reassemblyContext) detach() []*fragment {
	frags := make([]*fragment, 0, c.frags.Len())
	c.frags.Ascend(func(f *fragment) bool {
		frags = append(frags, f)
		return true
	})
	c.frags.Clear(false)
	return frags
}
