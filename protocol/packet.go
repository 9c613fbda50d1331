package protocol

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// Packet buffer size constants for the two pool tiers
const (
	// SmallPacketSize covers a full-sized fragment on any common link MTU
	SmallPacketSize = 2048

	// MaxPacketSize is the largest IPv6 packet: fixed header plus maximum payload
	MaxPacketSize = IPv6HeaderSize + IPv6MaximumPayload

	// ReadBufferSize is the size for UDP read buffers
	ReadBufferSize = 65535
)

// packetBufferPool keeps two tiers of buffers:
// - small pool: 2048-byte buffers for single fragments
// - large pool: MaxPacketSize buffers for reassembled datagrams
// plus the read pool for socket reads.
type packetBufferPool struct {
	smallPool sync.Pool
	largePool sync.Pool
	readPool  sync.Pool
}

var pktPool = &packetBufferPool{
	smallPool: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, SmallPacketSize)
			return &buf
		},
	},
	largePool: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, MaxPacketSize)
			return &buf
		},
	},
	readPool: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, ReadBufferSize)
			return &buf
		},
	},
}

// outstanding counts packets handed out and not yet released.
var outstanding atomic.Int64

func getPacketBuffer(size int) *[]byte {
	switch {
	case size <= SmallPacketSize:
		return pktPool.smallPool.Get().(*[]byte)
	case size <= MaxPacketSize:
		return pktPool.largePool.Get().(*[]byte)
	default:
		// Larger than any IPv6 packet, allocate directly
		buf := make([]byte, size)
		return &buf
	}
}

func putPacketBuffer(buf *[]byte) {
	switch len(*buf) {
	case SmallPacketSize:
		pktPool.smallPool.Put(buf)
	case MaxPacketSize:
		pktPool.largePool.Put(buf)
	}
}

// GetReadBuffer returns a buffer for socket read operations.
// The returned buffer has a length of exactly ReadBufferSize.
// Callers must call PutReadBuffer when done to return the buffer to the pool.
func GetReadBuffer() *[]byte {
	return pktPool.readPool.Get().(*[]byte)
}

// PutReadBuffer returns a read buffer to the pool.
// If buf is nil or has incorrect size, it is silently discarded.
func PutReadBuffer(buf *[]byte) {
	if buf == nil || len(*buf) != ReadBufferSize {
		return
	}
	pktPool.readPool.Put(buf)
}

// Packet is a pooled IPv6 packet with exactly one owner at a time.
// Ownership moves by handing the pointer on and never touching it again;
// the final owner calls Release exactly once. Any access after Release
// panics, so a double free or a read after free is caught at the point
// it happens.
type Packet struct {
	buf  *[]byte
	data []byte

	// Origin is the transport address the packet arrived from, if any.
	// It travels with the packet so errors can be returned to the sender.
	Origin netip.AddrPort
}

// NewPacket copies b into a pooled packet.
func NewPacket(b []byte) *Packet {
	p := NewPacketSize(len(b))
	copy(p.data, b)
	return p
}

// NewPacketSize returns a pooled packet of n bytes. The content is not
// zeroed; callers overwrite every byte.
func NewPacketSize(n int) *Packet {
	buf := getPacketBuffer(n)
	outstanding.Add(1)
	return &Packet{
		buf:  buf,
		data: (*buf)[:n],
	}
}

// Bytes returns the packet content.
func (p *Packet) Bytes() []byte {
	if p.buf == nil {
		panic("protocol: use of released packet")
	}
	return p.data
}

// Len returns the packet length in bytes.
func (p *Packet) Len() int {
	return len(p.Bytes())
}

// Truncate shortens the packet to n bytes. It is a no-op if n is not
// shorter than the packet.
func (p *Packet) Truncate(n int) {
	b := p.Bytes()
	if n < len(b) {
		p.data = b[:n]
	}
}

// Release returns the buffer to the pool. The packet must not be used
// afterwards.
func (p *Packet) Release() {
	if p.buf == nil {
		panic("protocol: packet released twice")
	}
	putPacketBuffer(p.buf)
	p.buf = nil
	p.data = nil
	outstanding.Add(-1)
}

// OutstandingPackets returns the number of packets created and not yet
// released, for leak checks.
func OutstandingPackets() int64 {
	return outstanding.Load()
}
