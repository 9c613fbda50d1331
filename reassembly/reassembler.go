package reassembly

import (
	"context"
	"sync"
	"time"

	"github.com/Mmx233/frag6d/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is the number of reaper ticks a context lives without completing
	DefaultTTL = 120
	// DefaultTickInterval gives DefaultTTL a lifetime of 60 seconds
	DefaultTickInterval = 500 * time.Millisecond

	DefaultMaxContexts             = 256
	DefaultMaxFragments            = 1024
	DefaultMaxFragmentsPerDatagram = 64
)

// Config holds the engine limits. For the Max fields a negative value means
// unlimited; zero disables reassembly for MaxContexts and MaxFragments.
type Config struct {
	MaxContexts  int
	MaxFragments int
	// MaxFragmentsPerDatagram caps an incomplete context. Negative or zero
	// means unlimited.
	MaxFragmentsPerDatagram int
	TTL                     int
	TickInterval            time.Duration
	Shards                  int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxContexts:             DefaultMaxContexts,
		MaxFragments:            DefaultMaxFragments,
		MaxFragmentsPerDatagram: DefaultMaxFragmentsPerDatagram,
		TTL:                     DefaultTTL,
		TickInterval:            DefaultTickInterval,
		Shards:                  DefaultShardCount,
	}
}

// Datagram is a datagram ready for upper layer dispatch.
type Datagram struct {
	Packet *protocol.Packet
	// NextHeader is the protocol of the header at PayloadOffset.
	NextHeader    uint8
	PayloadOffset int
}

// Option configures optional collaborators.
type Option func(*Reassembler)

// WithRouteStats attributes every counted event to a route.
func WithRouteStats(rs RouteStats) Option {
	return func(r *Reassembler) {
		if rs != nil {
			r.route = rs
		}
	}
}

// WithPressure installs a check run on every reaper tick; when it reports
// true every context is drained.
func WithPressure(fn func() bool) Option {
	return func(r *Reassembler) {
		r.pressure = fn
	}
}

// Reassembler rebuilds IPv6 datagrams from their fragments.
type Reassembler struct {
	cfg      Config
	table    *table
	stats    Stats
	errors   ErrorSender
	route    RouteStats
	pressure func() bool
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reassembler. sender receives every ICMPv6 error the engine
// generates; nil discards them.
func New(cfg Config, sender ErrorSender, logger zerolog.Logger, opts ...Option) *Reassembler {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if sender == nil {
		sender = DiscardErrors
	}
	r := &Reassembler{
		cfg:    cfg,
		table:  newTable(cfg.Shards, cfg.MaxContexts, cfg.MaxFragments),
		errors: sender,
		route:  nopRouteStats{},
		logger: logger.With().Str("com", "reassembly").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stats returns the engine counters.
func (r *Reassembler) Stats() *Stats {
	return &r.stats
}

// Contexts returns the number of live contexts.
func (r *Reassembler) Contexts() int {
	return int(r.table.contexts.Load())
}

// Fragments returns the number of queued fragments.
func (r *Reassembler) Fragments() int {
	return int(r.table.fragments.Load())
}

func (r *Reassembler) count(key Key, ev Event) {
	r.stats.inc(ev)
	r.route.Count(key, ev)
}

func (r *Reassembler) flush(errs []pendingError) {
	for _, e := range errs {
		r.errors.SendError(e.pkt, e.typ, e.code, e.pointer)
	}
}

// malformed drops pkt as malformed. With a valid fixed header a
// parameter problem pointing at pointer is generated.
func (r *Reassembler) malformed(pkt *protocol.Packet, pointer int) {
	r.stats.inc(EventMalformed)
	b := pkt.Bytes()
	if pointer < 0 || len(b) < protocol.IPv6HeaderSize {
		r.logger.Debug().Int("len", len(b)).Msg("dropping truncated fragment")
		pkt.Release()
		return
	}
	key := Key{Src: protocol.IPv6(b).Src(), Dst: protocol.IPv6(b).Dst()}
	r.route.Count(key, EventMalformed)
	r.logger.Debug().Object("key", key).Int("pointer", pointer).Msg("dropping malformed fragment")
	r.errors.SendError(pkt, ParamProblem, CodeErroneousHeader, uint32(pointer))
}

// Process takes ownership of pkt, an IPv6 packet whose Fragment header
// starts at fragOff. It returns the reassembled datagram and true once the
// datagram is complete; otherwise the packet was consumed (queued, dropped
// or handed to the error sender) and false is returned.
func (r *Reassembler) Process(pkt *protocol.Packet, fragOff int) (Datagram, bool) {
	r.stats.inc(EventReceived)

	b := pkt.Bytes()
	if len(b) < protocol.IPv6HeaderSize {
		r.malformed(pkt, -1)
		return Datagram{}, false
	}
	ip := protocol.IPv6(b)
	if fragOff < protocol.IPv6HeaderSize || fragOff+protocol.FragmentHeaderSize > len(b) {
		r.malformed(pkt, protocol.PayloadLengthOffset)
		return Datagram{}, false
	}
	plen := int(ip.PayloadLength())
	if plen == 0 {
		// Jumbograms cannot be fragmented.
		r.malformed(pkt, fragOff)
		return Datagram{}, false
	}
	if protocol.IPv6HeaderSize+plen > len(b) || fragOff+protocol.FragmentHeaderSize > protocol.IPv6HeaderSize+plen {
		r.malformed(pkt, protocol.PayloadLengthOffset)
		return Datagram{}, false
	}
	// Drop link layer padding.
	pkt.Truncate(protocol.IPv6HeaderSize + plen)
	b = pkt.Bytes()

	prevNext, err := protocol.PrevNextHeader(b, fragOff)
	if err != nil {
		r.malformed(pkt, fragOff)
		return Datagram{}, false
	}

	fh := protocol.Fragment(b[fragOff:])
	f := &fragment{
		offset:     fh.ByteOffset(),
		length:     uint32(len(b) - fragOff - protocol.FragmentHeaderSize),
		more:       fh.More(),
		nextHeader: fh.NextHeader(),
		hdrOff:     fragOff,
		prevNext:   prevNext,
		pkt:        pkt,
	}
	// Only the last fragment may carry a length that is not a multiple of 8.
	if f.length == 0 || (f.more && f.length%8 != 0) {
		r.malformed(pkt, protocol.PayloadLengthOffset)
		return Datagram{}, false
	}

	key := keyOf(ip, fh)
	if f.offset == 0 && !f.more {
		// An atomic fragment is a whole datagram; it never enters the table.
		r.count(key, EventAtomic)
		return Datagram{
			Packet:        pkt,
			NextHeader:    f.nextHeader,
			PayloadOffset: fragOff + protocol.FragmentHeaderSize,
		}, true
	}

	var errs []pendingError
	dg, ok := r.insert(key, f, ip.ECN(), &errs)
	r.flush(errs)
	return dg, ok
}

// overflowError builds the parameter problem for a fragment that would grow
// the datagram past the maximum payload. It takes the fragment's packet.
func overflowError(key Key, f *fragment) pendingError {
	pkt := f.take()
	ip := protocol.IPv6(pkt.Bytes())
	ip.SetSrc(key.Src)
	ip.SetDst(key.Dst)
	return pendingError{
		pkt:     pkt,
		typ:     ParamProblem,
		code:    CodeErroneousHeader,
		pointer: uint32(f.hdrOff + protocol.FragmentOffsetField),
	}
}

// insert queues f in the context for key and completes the datagram when
// possible. Errors to send are appended to errs.
func (r *Reassembler) insert(key Key, f *fragment, ecn uint8, errs *[]pendingError) (Datagram, bool) {
	s := r.table.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.contexts[key]
	unfragLen := -1
	if c != nil {
		unfragLen = c.unfragLen
	}
	if f.offset == 0 {
		unfragLen = f.hdrOff - protocol.IPv6HeaderSize
	}
	if uint64(max(unfragLen, 0))+uint64(f.end()) > protocol.IPv6MaximumPayload {
		r.count(key, EventOverflow)
		r.logger.Debug().Object("key", key).Uint32("offset", f.offset).Uint32("len", f.length).Msg("fragment exceeds maximum datagram size")
		*errs = append(*errs, overflowError(key, f))
		return Datagram{}, false
	}

	if !r.table.reserveFragment() {
		r.count(key, EventResourceExhausted)
		r.logger.Debug().Object("key", key).Msg("fragment limit reached")
		f.take().Release()
		return Datagram{}, false
	}
	if c == nil {
		var ok bool
		if c, ok = r.table.create(s, key, r.cfg.TTL, ecn); !ok {
			r.table.unreserveFragment()
			r.count(key, EventResourceExhausted)
			r.logger.Debug().Object("key", key).Msg("context limit reached")
			f.take().Release()
			return Datagram{}, false
		}
	}

	// The first fragment fixes the header length; recheck what is queued.
	if f.offset == 0 && c.unfragLen < 0 {
		for _, victim := range c.overflowing(unfragLen) {
			r.table.removeFragment(c, victim)
			r.count(key, EventOverflow)
			*errs = append(*errs, overflowError(key, victim))
		}
	}

	// CE must survive reassembly; CE and Not-ECT must not be mixed.
	switch {
	case ecn == protocol.ECNCE && c.ecn == protocol.ECNNotECT,
		ecn == protocol.ECNNotECT && c.ecn != protocol.ECNNotECT:
		r.table.unreserveFragment()
		f.take().Release()
		r.discard(s, c, EventECNMismatch)
		return Datagram{}, false
	case ecn == protocol.ECNCE:
		c.ecn = protocol.ECNCE
	}

	// Overlapping fragments invalidate the whole datagram (RFC 5722).
	if c.overlaps(f) {
		r.table.unreserveFragment()
		f.take().Release()
		r.discard(s, c, EventOverlap)
		return Datagram{}, false
	}

	c.frags.ReplaceOrInsert(f)
	if f.offset == 0 {
		c.unfragLen = unfragLen
		c.nextHeader = f.nextHeader
	}

	total, done := c.complete()
	if !done {
		if limit := r.cfg.MaxFragmentsPerDatagram; limit > 0 && c.frags.Len() > limit {
			r.discard(s, c, EventResourceExhausted)
		}
		return Datagram{}, false
	}

	frags := r.table.destroy(s, c)
	dg := reassemble(c, frags, total)
	r.count(key, EventReassembled)
	r.logger.Trace().Object("key", key).Int("fragments", len(frags)).Int("len", dg.Packet.Len()).Msg("datagram reassembled")
	return dg, true
}

// discard destroys c and releases every fragment it holds. s must be locked.
func (r *Reassembler) discard(s *shard, c *reassemblyContext, ev Event) {
	frags := r.table.destroy(s, c)
	for _, f := range frags {
		f.take().Release()
	}
	r.count(c.key, ev)
	r.logger.Debug().Object("key", c.key).Int("fragments", len(frags)).Str("reason", ev.String()).Msg("discarding datagram")
}

// reassemble concatenates frags, which cover [0, total) in order, into one
// packet. The fragment packets are released.
func reassemble(c *reassemblyContext, frags []*fragment, total uint32) Datagram {
	first := frags[0]
	hdrLen := first.hdrOff

	out := protocol.NewPacketSize(hdrLen + int(total))
	b := out.Bytes()
	n := copy(b, first.pkt.Bytes()[:hdrLen])
	for _, f := range frags {
		n += copy(b[n:], f.payload())
	}

	ip := protocol.IPv6(b)
	ip.SetPayloadLength(uint16(len(b) - protocol.IPv6HeaderSize))
	// The Fragment header is gone; the header before it now names the payload.
	b[first.prevNext] = c.nextHeader
	if c.ecn == protocol.ECNCE {
		ip.SetTrafficClass(ip.TrafficClass() | protocol.ECNCE)
	}
	out.Origin = first.pkt.Origin

	for _, f := range frags {
		f.take().Release()
	}
	return Datagram{
		Packet:        out,
		NextHeader:    c.nextHeader,
		PayloadOffset: hdrLen,
	}
}
