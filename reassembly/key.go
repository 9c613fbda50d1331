package reassembly

import (
	"net/netip"

	"github.com/Mmx233/frag6d/protocol"
	"github.com/rs/zerolog"
)

// Key identifies one original datagram. Two fragments belong to the same
// datagram iff their keys are equal.
type Key struct {
	ID  uint32
	Src netip.Addr
	Dst netip.Addr
}

func keyOf(ip protocol.IPv6, frag protocol.Fragment) Key {
	return Key{
		ID:  frag.ID(),
		Src: ip.Src(),
		Dst: ip.Dst(),
	}
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (k Key) MarshalZerologObject(e *zerolog.Event) {
	e.Uint32("id", k.ID).
		Str("src", k.Src.String()).
		Str("dst", k.Dst.String())
}
