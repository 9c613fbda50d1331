package reassembly

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/Mmx233/frag6d/protocol"
	"github.com/rs/zerolog"
)

var (
	srcA = netip.MustParseAddr("2001:db8::a")
	dstB = netip.MustParseAddr("2001:db8::b")
)

const protoUDP = 17

// fragSpec describes one fragment to build.
type fragSpec struct {
	id         uint32
	src, dst   netip.Addr
	offset     int
	payload    []byte
	more       bool
	nextHeader uint8
	ecn        uint8
	// destOpts is the size of a Destination Options header placed before
	// the Fragment header, 0 for none.
	destOpts int
}

// buildFragment returns the packet for s and the offset of its Fragment header.
func buildFragment(s fragSpec) (*protocol.Packet, int) {
	if !s.src.IsValid() {
		s.src = srcA
	}
	if !s.dst.IsValid() {
		s.dst = dstB
	}
	fragOff := protocol.IPv6HeaderSize + s.destOpts
	total := fragOff + protocol.FragmentHeaderSize + len(s.payload)

	pkt := protocol.NewPacketSize(total)
	b := pkt.Bytes()
	first := uint8(protocol.ProtoFragment)
	if s.destOpts > 0 {
		first = protocol.ProtoDestOpts
	}
	protocol.IPv6(b).Encode(&protocol.IPv6Fields{
		TrafficClass:  s.ecn,
		PayloadLength: uint16(total - protocol.IPv6HeaderSize),
		NextHeader:    first,
		HopLimit:      64,
		Src:           s.src,
		Dst:           s.dst,
	})
	if s.destOpts > 0 {
		opts := b[protocol.IPv6HeaderSize:fragOff]
		clear(opts)
		opts[0] = protocol.ProtoFragment
		opts[1] = uint8(s.destOpts/8 - 1)
		opts[2] = 1 // PadN
		opts[3] = uint8(s.destOpts - 4)
	}
	protocol.Fragment(b[fragOff:]).Encode(&protocol.FragmentFields{
		NextHeader:     s.nextHeader,
		Offset:         uint16(s.offset / 8),
		More:           s.more,
		Identification: s.id,
	})
	copy(b[fragOff+protocol.FragmentHeaderSize:], s.payload)
	return pkt, fragOff
}

// payloadBytes returns n deterministic bytes.
func payloadBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}
	return b
}

// sentError is one error observed by the recorder.
type sentError struct {
	typ     ErrorType
	code    uint8
	pointer uint32
	src     netip.Addr
	dst     netip.Addr
	fragOff uint32
}

// recorder is an ErrorSender that remembers what it was asked to send.
type recorder struct {
	mu   sync.Mutex
	errs []sentError
}

func (r *recorder) SendError(pkt *protocol.Packet, typ ErrorType, code uint8, pointer uint32) {
	b := pkt.Bytes()
	e := sentError{typ: typ, code: code, pointer: pointer}
	if len(b) >= protocol.IPv6HeaderSize {
		e.src = protocol.IPv6(b).Src()
		e.dst = protocol.IPv6(b).Dst()
		if off, _, err := protocol.FindFragmentHeader(b); err == nil {
			e.fragOff = protocol.Fragment(b[off:]).ByteOffset()
		}
	}
	pkt.Release()

	r.mu.Lock()
	r.errs = append(r.errs, e)
	r.mu.Unlock()
}

func (r *recorder) sent() []sentError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentError(nil), r.errs...)
}

func (r *recorder) count(typ ErrorType) int {
	n := 0
	for _, e := range r.sent() {
		if e.typ == typ {
			n++
		}
	}
	return n
}

func newTestReassembler(cfg Config, opts ...Option) (*Reassembler, *recorder) {
	rec := &recorder{}
	return New(cfg, rec, zerolog.Nop(), opts...), rec
}

// submit builds and processes s.
func submit(r *Reassembler, s fragSpec) (Datagram, bool) {
	pkt, off := buildFragment(s)
	return r.Process(pkt, off)
}

// checkNoLeaks fails the test if packets other than those created before
// baseline are still alive.
func checkNoLeaks(t testing.TB, baseline int64) {
	t.Helper()
	if got := protocol.OutstandingPackets(); got != baseline {
		t.Fatalf("outstanding packets: got %d, want %d", got, baseline)
	}
}
