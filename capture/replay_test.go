package capture

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/Mmx233/frag6d/icmp6"
	"github.com/Mmx233/frag6d/protocol"
	"github.com/Mmx233/frag6d/reassembly"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	src = netip.MustParseAddr("2001:db8::1")
	dst = netip.MustParseAddr("2001:db8::2")

	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func fragment(id uint32, offset int, payload []byte, more bool) []byte {
	b := make([]byte, protocol.IPv6HeaderSize+protocol.FragmentHeaderSize+len(payload))
	protocol.IPv6(b).Encode(&protocol.IPv6Fields{
		PayloadLength: uint16(len(b) - protocol.IPv6HeaderSize),
		NextHeader:    protocol.ProtoFragment,
		HopLimit:      64,
		Src:           src,
		Dst:           dst,
	})
	protocol.Fragment(b[protocol.IPv6HeaderSize:]).Encode(&protocol.FragmentFields{
		NextHeader:     17,
		Offset:         uint16(offset / 8),
		More:           more,
		Identification: id,
	})
	copy(b[protocol.IPv6HeaderSize+protocol.FragmentHeaderSize:], payload)
	return b
}

type frame struct {
	at   time.Duration
	data []byte
}

// ethernetCapture writes frames as an Ethernet pcap.
func ethernetCapture(t *testing.T, frames []frame) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	for _, f := range frames {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv6,
		}
		sb := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(sb, gopacket.SerializeOptions{}, eth, gopacket.Payload(f.data)))
		data := sb.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     epoch.Add(f.at),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return &buf
}

func readOutput(t *testing.T, out *bytes.Buffer) [][]byte {
	t.Helper()
	r, err := pcapgo.NewReader(out)
	require.NoError(t, err)
	require.Equal(t, layers.LinkTypeRaw, r.LinkType())

	var pkts [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return pkts
		}
		require.NoError(t, err)
		pkts = append(pkts, data)
	}
}

func TestReplay_Reassembles(t *testing.T) {
	baseline := protocol.OutstandingPackets()
	payload := bytes.Repeat([]byte{0xab}, 300)
	in := ethernetCapture(t, []frame{
		{0, fragment(1, 128, payload[128:], false)},
		{time.Millisecond, fragment(1, 0, payload[:128], true)},
		{2 * time.Millisecond, []byte{0xde, 0xad}},
	})

	var out bytes.Buffer
	sum, err := Replay(in, &out, Options{Engine: reassembly.DefaultConfig()}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Packets)
	assert.Equal(t, 2, sum.Fragments)
	assert.Equal(t, 1, sum.Reassembled)
	assert.Equal(t, uint64(1), sum.Events["reassembled"])

	pkts := readOutput(t, &out)
	require.Len(t, pkts, 1)
	ip := protocol.IPv6(pkts[0])
	assert.Equal(t, uint16(300), ip.PayloadLength())
	assert.Equal(t, payload, pkts[0][protocol.IPv6HeaderSize:])
	assert.Equal(t, baseline, protocol.OutstandingPackets())
}

func TestReplay_CaptureTimeExpires(t *testing.T) {
	cfg := reassembly.DefaultConfig()
	cfg.TTL = 4
	cfg.TickInterval = 100 * time.Millisecond
	icmpCfg := icmp6.DefaultConfig()

	in := ethernetCapture(t, []frame{
		{0, fragment(2, 0, make([]byte, 64), true)},
		// Arrives after the context has expired and starts a new one.
		{time.Second, fragment(2, 64, make([]byte, 8), false)},
	})

	var out bytes.Buffer
	sum, err := Replay(in, &out, Options{Engine: cfg, ICMP: &icmpCfg}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 10, sum.Ticks)
	assert.Equal(t, 0, sum.Reassembled)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, uint64(1), sum.Events["timeout"])
	assert.Equal(t, uint64(1), sum.Events["evicted"], "leftover context is discarded at the end")

	pkts := readOutput(t, &out)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(protocol.ProtoICMPv6), protocol.IPv6(pkts[0]).NextHeader())
	assert.Equal(t, src, protocol.IPv6(pkts[0]).Dst())
}

func TestReplay_LongCaptureGap(t *testing.T) {
	cfg := reassembly.DefaultConfig()
	cfg.TickInterval = 500 * time.Millisecond
	gap := 2 * 365 * 24 * time.Hour
	icmpCfg := icmp6.DefaultConfig()

	in := ethernetCapture(t, []frame{
		{0, fragment(5, 0, make([]byte, 64), true)},
		{gap, fragment(6, 0, make([]byte, 64), true)},
	})

	start := time.Now()
	var out bytes.Buffer
	sum, err := Replay(in, &out, Options{Engine: cfg, ICMP: &icmpCfg}, zerolog.Nop())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "idle ticks must not be replayed one by one")

	assert.Equal(t, int(gap/cfg.TickInterval), sum.Ticks)
	assert.Equal(t, uint64(1), sum.Events["timeout"])
	assert.Equal(t, uint64(1), sum.Events["evicted"])
	assert.Equal(t, 1, sum.Errors)

	pkts := readOutput(t, &out)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint8(protocol.ProtoICMPv6), protocol.IPv6(pkts[0]).NextHeader())
}

func TestReplay_DrainAndPassThrough(t *testing.T) {
	icmpCfg := icmp6.DefaultConfig()
	plain := make([]byte, protocol.IPv6HeaderSize+8)
	protocol.IPv6(plain).Encode(&protocol.IPv6Fields{PayloadLength: 8, NextHeader: 17, HopLimit: 1, Src: src, Dst: dst})

	in := ethernetCapture(t, []frame{
		{0, plain},
		{0, fragment(3, 0, make([]byte, 16), true)},
	})

	var out bytes.Buffer
	sum, err := Replay(in, &out, Options{
		Engine:      reassembly.DefaultConfig(),
		ICMP:        &icmpCfg,
		PassThrough: true,
		Drain:       true,
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.PassedThrough)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, uint64(1), sum.Events["drained"])

	pkts := readOutput(t, &out)
	require.Len(t, pkts, 2)
	assert.Equal(t, plain, pkts[0])
}

func TestReplay_RawLinkType(t *testing.T) {
	var in bytes.Buffer
	w := pcapgo.NewWriter(&in)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeRaw))
	for i, f := range [][]byte{
		fragment(4, 0, make([]byte, 8), true),
		fragment(4, 8, make([]byte, 8), false),
	} {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     epoch.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(f),
			Length:        len(f),
		}, f))
	}

	var out bytes.Buffer
	sum, err := Replay(&in, &out, Options{Engine: reassembly.DefaultConfig()}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reassembled)
	assert.Len(t, readOutput(t, &out), 1)
}

func TestReplay_UnsupportedLinkType(t *testing.T) {
	var in bytes.Buffer
	w := pcapgo.NewWriter(&in)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypePPP))

	_, err := Replay(&in, io.Discard, Options{Engine: reassembly.DefaultConfig()}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnsupportedLinkType)
}

func TestReplay_NotACapture(t *testing.T) {
	_, err := Replay(bytes.NewReader([]byte("definitely not a pcap")), io.Discard, Options{}, zerolog.Nop())
	assert.Error(t, err)
}
