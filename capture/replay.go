// Package capture replays packet captures through the reassembly engine.
//
// Capture time drives the engine clock: one reaper tick is taken for every
// tick interval that elapses between packet timestamps, so a replay expires
// contexts exactly as the daemon would have. Reassembled datagrams, and
// optionally ICMPv6 errors and unfragmented IPv6 packets, are written to an
// output capture with the raw IP link type.
package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Mmx233/frag6d/icmp6"
	"github.com/Mmx233/frag6d/protocol"
	"github.com/Mmx233/frag6d/reassembly"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
)

var ErrUnsupportedLinkType = errors.New("unsupported link type")

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Options controls a replay.
type Options struct {
	Engine reassembly.Config
	// ICMP enables writing ICMPv6 errors to the output. Nil discards them.
	ICMP *icmp6.Config
	// PassThrough copies IPv6 packets without a Fragment header to the output.
	PassThrough bool
	// Drain flushes the table at the end of the capture; contexts holding
	// their first fragment then produce time exceeded errors.
	Drain bool
}

// Summary describes a finished replay.
type Summary struct {
	Packets       int               `json:"packets"`
	IPv6          int               `json:"ipv6"`
	Fragments     int               `json:"fragments"`
	Reassembled   int               `json:"reassembled"`
	PassedThrough int               `json:"passed_through"`
	Errors        int               `json:"icmp_errors"`
	Skipped       int               `json:"skipped"`
	Ticks         int               `json:"ticks"` // reaper intervals elapsed in capture time
	Events        map[string]uint64 `json:"events"`
}

// packetSource abstracts the classic and ng pcap readers.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type replayer struct {
	opts   Options
	engine *reassembly.Reassembler
	out    *pcapgo.Writer
	logger zerolog.Logger

	now      time.Time
	lastTick time.Time
	summary  Summary
	writeErr error
}

// Replay reads a pcap or pcapng capture from in and writes a raw IP pcap to
// out.
func Replay(in io.Reader, out io.Writer, opts Options, logger zerolog.Logger) (*Summary, error) {
	src, err := openSource(in)
	if err != nil {
		return nil, err
	}
	switch src.LinkType() {
	case layers.LinkTypeEthernet, layers.LinkTypeRaw, layers.LinkTypeIPv6, layers.LinkTypeLinuxSLL:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLinkType, src.LinkType())
	}

	if opts.Engine.TickInterval <= 0 {
		opts.Engine.TickInterval = reassembly.DefaultTickInterval
	}

	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(uint32(protocol.MaxPacketSize), layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	r := &replayer{
		opts:   opts,
		out:    w,
		logger: logger.With().Str("com", "replay").Logger(),
	}
	var sender reassembly.ErrorSender = reassembly.DiscardErrors
	if opts.ICMP != nil {
		sender = icmp6.NewSender(*opts.ICMP, icmp6.EmitterFunc(r.emit), logger)
	}
	r.engine = reassembly.New(opts.Engine, sender, logger)

	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet %d: %w", r.summary.Packets+1, err)
		}
		r.summary.Packets++
		r.advance(ci.Timestamp)

		ip, ok := ipv6Payload(src.LinkType(), data)
		if !ok {
			r.summary.Skipped++
			continue
		}
		r.summary.IPv6++
		r.handle(ip)
		if r.writeErr != nil {
			return nil, r.writeErr
		}
	}

	if opts.Drain {
		r.engine.Drain()
	} else {
		// Discard what is left without errors.
		r.engine.SetLimits(0, 0)
	}
	if r.writeErr != nil {
		return nil, r.writeErr
	}

	r.summary.Events = r.engine.Stats().Snapshot()
	r.logger.Info().
		Int("packets", r.summary.Packets).
		Int("fragments", r.summary.Fragments).
		Int("reassembled", r.summary.Reassembled).
		Int("ticks", r.summary.Ticks).
		Msg("replay finished")
	return &r.summary, nil
}

func openSource(in io.Reader) (packetSource, error) {
	br := bufio.NewReader(in)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	return pr, nil
}

// advance moves the capture clock to ts, ticking the engine once per
// elapsed interval. Ticks on an empty table are skipped, so a gap costs at
// most TTL ticks however long it is.
func (r *replayer) advance(ts time.Time) {
	if r.lastTick.IsZero() {
		r.lastTick = ts
	}
	interval := r.opts.Engine.TickInterval
	steps := int64(ts.Sub(r.lastTick) / interval)
	for i := int64(1); i <= steps && r.engine.Contexts() > 0; i++ {
		r.now = r.lastTick.Add(time.Duration(i) * interval)
		r.engine.Tick()
	}
	if steps > 0 {
		r.lastTick = r.lastTick.Add(time.Duration(steps) * interval)
		r.summary.Ticks += int(steps)
	}
	r.now = ts
}

// ipv6Payload strips the link layer and returns the IPv6 packet in data.
func ipv6Payload(lt layers.LinkType, data []byte) ([]byte, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		if eth.EthernetType == layers.EthernetTypeDot1Q {
			var tag layers.Dot1Q
			if err := tag.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
				return nil, false
			}
			return checkIPv6(tag.Type, tag.Payload)
		}
		return checkIPv6(eth.EthernetType, eth.Payload)
	case layers.LinkTypeLinuxSLL:
		var sll layers.LinuxSLL
		if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		return checkIPv6(sll.EthernetType, sll.Payload)
	default:
		return data, protocol.IPv6(data).Validate() == nil
	}
}

func checkIPv6(et layers.EthernetType, payload []byte) ([]byte, bool) {
	if et != layers.EthernetTypeIPv6 {
		return nil, false
	}
	return payload, protocol.IPv6(payload).Validate() == nil
}

func (r *replayer) handle(data []byte) {
	pkt := protocol.NewPacket(data)
	fragOff, _, err := protocol.FindFragmentHeader(pkt.Bytes())
	switch {
	case errors.Is(err, protocol.ErrNoFragmentHeader):
		if r.opts.PassThrough {
			r.summary.PassedThrough++
			r.write(pkt)
			return
		}
		pkt.Release()
		return
	case err != nil:
		r.summary.Skipped++
		r.logger.Debug().Err(err).Int("packet", r.summary.Packets).Msg("skipping unparsable packet")
		pkt.Release()
		return
	}

	r.summary.Fragments++
	dg, ok := r.engine.Process(pkt, fragOff)
	if !ok {
		return
	}
	r.summary.Reassembled++
	r.write(dg.Packet)
}

func (r *replayer) emit(pkt *protocol.Packet) {
	r.summary.Errors++
	r.write(pkt)
}

// write appends pkt to the output at the current capture time and
// releases it.
func (r *replayer) write(pkt *protocol.Packet) {
	defer pkt.Release()
	if r.writeErr != nil {
		return
	}
	b := pkt.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     r.now,
		CaptureLength: len(b),
		Length:        len(b),
	}
	if err := r.out.WritePacket(ci, b); err != nil {
		r.writeErr = fmt.Errorf("write packet: %w", err)
	}
}
