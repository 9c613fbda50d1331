// Package icmp6 generates ICMPv6 error messages for packets the reassembly
// engine rejects or gives up on.
package icmp6

import (
	"fmt"
	"net"

	"github.com/Mmx233/frag6d/protocol"
	"github.com/Mmx233/frag6d/reassembly"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"
)

const (
	icmpHeaderSize = 8
	// maxInvoking keeps the whole error within the minimum MTU
	maxInvoking = protocol.IPv6MinimumMTU - protocol.IPv6HeaderSize - icmpHeaderSize

	// codeUnrecognizedOption is the one parameter problem code that may be
	// sent in reply to multicast.
	codeUnrecognizedOption = 2

	typeRedirect = 137
)

// Default limiter settings
const (
	DefaultRateLimit = 100
	DefaultBurst     = 10
	DefaultHopLimit  = 64
)

// Emitter transmits a finished ICMPv6 packet and takes ownership of it.
// The packet's Origin is the transport address of the offending packet.
type Emitter interface {
	Emit(pkt *protocol.Packet)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(pkt *protocol.Packet)

func (f EmitterFunc) Emit(pkt *protocol.Packet) {
	f(pkt)
}

// Config controls error generation.
type Config struct {
	// RateLimit is the number of errors per second allowed per error type.
	// Negative means unlimited, zero suppresses every error.
	RateLimit float64
	Burst     int
	HopLimit  uint8
}

// DefaultConfig returns the default sender configuration.
func DefaultConfig() Config {
	return Config{
		RateLimit: DefaultRateLimit,
		Burst:     DefaultBurst,
		HopLimit:  DefaultHopLimit,
	}
}

// Sender implements reassembly.ErrorSender. It applies the RFC 4443
// section 2.4 suppression rules and a token bucket per error type before
// building the message.
type Sender struct {
	cfg      Config
	emitter  Emitter
	limiters map[reassembly.ErrorType]*rate.Limiter
	results  *prometheus.CounterVec
	logger   zerolog.Logger
}

// Results of SendError, used as the "result" metric label.
const (
	ResultSent       = "sent"
	ResultSuppressed = "suppressed"
	ResultRateLimit  = "rate_limited"
	ResultFailed     = "failed"
)

// NewSender creates a sender writing finished errors to emitter.
func NewSender(cfg Config, emitter Emitter, logger zerolog.Logger) *Sender {
	if cfg.HopLimit == 0 {
		cfg.HopLimit = DefaultHopLimit
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit < 0 {
		limit = rate.Inf
	}
	s := &Sender{
		cfg:      cfg,
		emitter:  emitter,
		limiters: make(map[reassembly.ErrorType]*rate.Limiter),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frag6_icmp_errors_total",
			Help: "ICMPv6 errors requested by the reassembly engine by type and result.",
		}, []string{"type", "result"}),
		logger: logger.With().Str("com", "icmp6").Logger(),
	}
	for _, typ := range []reassembly.ErrorType{reassembly.ParamProblem, reassembly.TimeExceeded} {
		s.limiters[typ] = rate.NewLimiter(limit, cfg.Burst)
	}
	return s
}

// Describe implements prometheus.Collector.
func (s *Sender) Describe(ch chan<- *prometheus.Desc) {
	s.results.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *Sender) Collect(ch chan<- prometheus.Metric) {
	s.results.Collect(ch)
}

// Results returns the counter for typ and result.
func (s *Sender) Results(typ reassembly.ErrorType, result string) prometheus.Counter {
	return s.results.WithLabelValues(typ.String(), result)
}

// SendError implements reassembly.ErrorSender.
func (s *Sender) SendError(pkt *protocol.Packet, typ reassembly.ErrorType, code uint8, pointer uint32) {
	defer pkt.Release()

	b := pkt.Bytes()
	if err := protocol.IPv6(b).Validate(); err != nil {
		s.Results(typ, ResultSuppressed).Inc()
		return
	}
	if reason := suppressed(b, typ, code); reason != "" {
		s.Results(typ, ResultSuppressed).Inc()
		s.logger.Trace().Str("type", typ.String()).Str("reason", reason).Msg("icmp error suppressed")
		return
	}
	if lim := s.limiters[typ]; s.cfg.RateLimit == 0 || (lim != nil && !lim.Allow()) {
		s.Results(typ, ResultRateLimit).Inc()
		return
	}

	out, err := s.build(b, typ, code, pointer)
	if err != nil {
		s.Results(typ, ResultFailed).Inc()
		s.logger.Debug().Err(err).Str("type", typ.String()).Msg("build icmp error failed")
		return
	}
	out.Origin = pkt.Origin
	s.Results(typ, ResultSent).Inc()
	s.emitter.Emit(out)
}

// suppressed returns why no error may be sent about b, or "" if one may.
func suppressed(b []byte, typ reassembly.ErrorType, code uint8) string {
	ip := protocol.IPv6(b)
	if ip.Dst().IsMulticast() && (typ != reassembly.ParamProblem || code != codeUnrecognizedOption) {
		return "multicast destination"
	}
	if src := ip.Src(); src.IsUnspecified() || src.IsMulticast() {
		return "invalid source"
	}
	off, proto, err := protocol.LastHeader(b)
	if err == nil && proto == protocol.ProtoICMPv6 && off+1 <= len(b) {
		if t := b[off]; t < uint8(ipv6.ICMPTypeEchoRequest) || t == typeRedirect {
			return "icmp error or redirect"
		}
	}
	return ""
}

// build returns the IPv6 packet carrying the error about b.
func (s *Sender) build(b []byte, typ reassembly.ErrorType, code uint8, pointer uint32) (*protocol.Packet, error) {
	invoking := b
	if len(invoking) > maxInvoking {
		invoking = invoking[:maxInvoking]
	}
	orig := protocol.IPv6(b)
	src, dst := orig.Dst(), orig.Src()

	msg := icmp.Message{Code: int(code)}
	switch typ {
	case reassembly.ParamProblem:
		msg.Type = ipv6.ICMPTypeParameterProblem
		msg.Body = &icmp.ParamProb{Pointer: uintptr(pointer), Data: invoking}
	case reassembly.TimeExceeded:
		msg.Type = ipv6.ICMPTypeTimeExceeded
		msg.Body = &icmp.TimeExceeded{Data: invoking}
	default:
		return nil, fmt.Errorf("unsupported error type %d", typ)
	}
	body, err := msg.Marshal(icmp.IPv6PseudoHeader(net.IP(src.AsSlice()), net.IP(dst.AsSlice())))
	if err != nil {
		return nil, fmt.Errorf("marshal icmp: %w", err)
	}

	out := protocol.NewPacketSize(protocol.IPv6HeaderSize + len(body))
	ob := out.Bytes()
	protocol.IPv6(ob).Encode(&protocol.IPv6Fields{
		PayloadLength: uint16(len(body)),
		NextHeader:    protocol.ProtoICMPv6,
		HopLimit:      s.cfg.HopLimit,
		Src:           src,
		Dst:           dst,
	})
	copy(ob[protocol.IPv6HeaderSize:], body)
	return out, nil
}
