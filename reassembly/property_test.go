package reassembly

import (
	"bytes"
	"testing"

	"github.com/Mmx233/frag6d/protocol"
	"pgregory.net/rapid"
)

// splitPayload cuts a payload of n > 8 bytes into at least two pieces whose
// sizes are multiples of 8, except for the last one. A single piece would be
// an atomic fragment and never enter the table.
func splitPayload(t *rapid.T, n int) []fragSpec {
	var specs []fragSpec
	for off := 0; off < n; {
		rest := n - off
		size := rest
		if off == 0 {
			units := rapid.IntRange(1, (rest-1)/8).Draw(t, "units")
			size = units * 8
		} else if rest > 8 {
			units := rapid.IntRange(1, (rest+7)/8).Draw(t, "units")
			size = min(units*8, rest)
		}
		specs = append(specs, fragSpec{offset: off, more: off+size < n})
		off += size
		specs[len(specs)-1].payload = make([]byte, size)
	}
	return specs
}

// Property: any arrival order of a complete fragment set yields exactly one
// datagram whose payload is byte-identical to the original.
func TestProperty_AnyOrderReassembles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		baseline := protocol.OutstandingPackets()
		n := rapid.IntRange(9, 4000).Draw(t, "len")
		data := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "data")
		id := rapid.Uint32().Draw(t, "id")
		destOpts := rapid.SampledFrom([]int{0, 8, 16}).Draw(t, "destOpts")

		specs := splitPayload(t, n)
		if len(specs) < 2 {
			t.Fatalf("split into %d pieces", len(specs))
		}
		for i := range specs {
			specs[i].id = id
			specs[i].nextHeader = protoUDP
			specs[i].destOpts = destOpts
			specs[i].payload = data[specs[i].offset : specs[i].offset+len(specs[i].payload)]
		}
		order := rapid.Permutation(specs).Draw(t, "order")

		cfg := DefaultConfig()
		cfg.MaxFragmentsPerDatagram = -1
		r, rec := newTestReassembler(cfg)

		var got []Datagram
		for _, s := range order {
			if dg, ok := submit(r, s); ok {
				got = append(got, dg)
			}
		}
		if len(got) != 1 {
			t.Fatalf("got %d datagrams, want 1", len(got))
		}
		dg := got[0]
		if dg.NextHeader != protoUDP {
			t.Fatalf("next header %d, want %d", dg.NextHeader, protoUDP)
		}
		if dg.PayloadOffset != protocol.IPv6HeaderSize+destOpts {
			t.Fatalf("payload offset %d, want %d", dg.PayloadOffset, protocol.IPv6HeaderSize+destOpts)
		}
		b := dg.Packet.Bytes()
		if !bytes.Equal(b[dg.PayloadOffset:], data) {
			t.Fatalf("payload differs from original")
		}
		if pl := int(protocol.IPv6(b).PayloadLength()); pl != destOpts+n {
			t.Fatalf("payload length %d, want %d", pl, destOpts+n)
		}
		if len(rec.sent()) != 0 {
			t.Fatalf("unexpected errors: %v", rec.sent())
		}
		if r.Contexts() != 0 || r.Fragments() != 0 {
			t.Fatalf("table not empty: %d contexts, %d fragments", r.Contexts(), r.Fragments())
		}
		dg.Packet.Release()
		if got := protocol.OutstandingPackets(); got != baseline {
			t.Fatalf("outstanding packets: got %d, want %d", got, baseline)
		}
	})
}

// Property: once an overlapping fragment arrives before completion, the
// datagram is never delivered.
func TestProperty_OverlapFailsShut(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		baseline := protocol.OutstandingPackets()
		n := rapid.IntRange(17, 2000).Draw(t, "len")
		data := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "data")

		specs := splitPayload(t, n)
		for i := range specs {
			specs[i].id = 99
			specs[i].payload = data[specs[i].offset : specs[i].offset+len(specs[i].payload)]
		}
		order := rapid.Permutation(specs).Draw(t, "order")

		// A piece shifted by a non-zero multiple of 8 that still intersects
		// queued data, delivered before the last piece of the set.
		shift := rapid.SampledFrom([]int{-8, 8}).Draw(t, "shift")
		base := rapid.IntRange(0, (n-9)/8).Draw(t, "base") * 8
		start := max(base+shift, 0)
		if start == base {
			start = base + 8
		}
		bad := fragSpec{id: 99, offset: start, payload: make([]byte, 16), more: true}
		at := rapid.IntRange(0, len(order)-1).Draw(t, "at")

		r, _ := newTestReassembler(DefaultConfig())
		delivered := 0
		injected := false
		for i, s := range order {
			if i == at {
				// Make sure the overlapped range is actually queued.
				for _, q := range order[:i] {
					if q.offset < bad.offset+16 && bad.offset < q.offset+len(q.payload) {
						injected = true
					}
				}
				if injected {
					if _, ok := submit(r, bad); ok {
						delivered++
					}
				}
			}
			if dg, ok := submit(r, s); ok {
				delivered++
				dg.Packet.Release()
			}
		}
		if injected && delivered != 0 {
			t.Fatalf("datagram delivered despite overlap")
		}
		r.Drain()
		if got := protocol.OutstandingPackets(); got != baseline {
			t.Fatalf("outstanding packets: got %d, want %d", got, baseline)
		}
	})
}

// Property: a fragment whose end exceeds the payload limit is never queued.
func TestProperty_SizeBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		units := rapid.IntRange(0, 8191).Draw(t, "offsetUnits")
		size := rapid.IntRange(1, 128).Draw(t, "size") * 8
		offset := units * 8

		r, rec := newTestReassembler(DefaultConfig())
		submit(r, fragSpec{id: 1, offset: offset, payload: make([]byte, size), more: true})

		over := offset+size > protocol.IPv6MaximumPayload
		if over {
			if r.Fragments() != 0 {
				t.Fatalf("oversized fragment queued")
			}
			if rec.count(ParamProblem) != 1 {
				t.Fatalf("want one parameter problem, got %v", rec.sent())
			}
		} else if r.Fragments() != 1 {
			t.Fatalf("fragment within bound not queued")
		}
		r.Drain()
	})
}

// Property: the number of contexts never exceeds the ceiling.
func TestProperty_ContextCeiling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(0, 20).Draw(t, "limit")
		ids := rapid.SliceOfN(rapid.Uint32Range(0, 50), 1, 100).Draw(t, "ids")

		cfg := DefaultConfig()
		cfg.MaxContexts = limit
		r, _ := newTestReassembler(cfg)
		for _, id := range ids {
			submit(r, fragSpec{id: id, offset: 8, payload: make([]byte, 8), more: true})
			if r.Contexts() > limit {
				t.Fatalf("%d contexts over limit %d", r.Contexts(), limit)
			}
		}
		r.Drain()
	})
}
