package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestPacketSizeTiers_Property verifies that a packet of any legal size is
// served from a pool buffer large enough to hold it and keeps its content.
func TestPacketSizeTiers_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, MaxPacketSize).Draw(t, "size")
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i)
		}

		p := NewPacket(b)
		if p.Len() != n {
			t.Fatalf("packet length %d, want %d", p.Len(), n)
		}
		if cap(p.Bytes()) < n {
			t.Fatalf("packet capacity %d below size %d", cap(p.Bytes()), n)
		}
		want := SmallPacketSize
		if n > SmallPacketSize {
			want = MaxPacketSize
		}
		if len(*p.buf) != want {
			t.Fatalf("size %d served from %d byte tier, want %d", n, len(*p.buf), want)
		}
		for i, v := range p.Bytes() {
			if v != byte(i) {
				t.Fatalf("byte %d changed: %d", i, v)
			}
		}
		p.Release()
	})
}

// TestPacketOutstanding_Property verifies that the outstanding counter
// returns to its starting value once every packet is released.
func TestPacketOutstanding_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := OutstandingPackets()
		count := rapid.IntRange(1, 50).Draw(t, "count")

		pkts := make([]*Packet, count)
		for i := range pkts {
			pkts[i] = NewPacketSize(rapid.IntRange(1, 4096).Draw(t, "size"))
		}
		if got := OutstandingPackets() - base; got != int64(count) {
			t.Fatalf("outstanding %d, want %d", got, count)
		}
		for _, p := range pkts {
			p.Release()
		}
		if got := OutstandingPackets(); got != base {
			t.Fatalf("outstanding %d after release, want %d", got, base)
		}
	})
}

func TestPacketDoubleRelease(t *testing.T) {
	p := NewPacketSize(64)
	p.Release()
	assert.PanicsWithValue(t, "protocol: packet released twice", p.Release)
}

func TestPacketUseAfterRelease(t *testing.T) {
	p := NewPacketSize(64)
	p.Release()
	assert.PanicsWithValue(t, "protocol: use of released packet", func() { p.Bytes() })
	assert.Panics(t, func() { p.Len() })
	assert.Panics(t, func() { p.Truncate(10) })
}

func TestPacketTruncate(t *testing.T) {
	p := NewPacket([]byte{1, 2, 3, 4, 5})
	defer p.Release()

	p.Truncate(10)
	assert.Equal(t, 5, p.Len(), "truncate never grows")
	p.Truncate(3)
	assert.Equal(t, []byte{1, 2, 3}, p.Bytes())
}

func TestOversizedPacket(t *testing.T) {
	p := NewPacketSize(MaxPacketSize + 1)
	require.Equal(t, MaxPacketSize+1, p.Len())
	p.Release()
}

func TestReadBuffer(t *testing.T) {
	buf := GetReadBuffer()
	require.NotNil(t, buf)
	assert.Len(t, *buf, ReadBufferSize)
	PutReadBuffer(buf)

	// Wrong sizes and nil are dropped silently.
	short := make([]byte, 10)
	PutReadBuffer(&short)
	PutReadBuffer(nil)
	assert.Len(t, *GetReadBuffer(), ReadBufferSize)
}
