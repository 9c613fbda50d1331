package protocol

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// IPv6 fixed header format:
// [4 bits version][8 bits traffic class][20 bits flow label]
// [2 bytes payload length][1 byte next header][1 byte hop limit]
// [16 bytes source][16 bytes destination]
const (
	IPv6HeaderSize     = 40
	FragmentHeaderSize = 8
	IPv6MaximumPayload = 65535 // Largest value of the payload length field
	IPv6MinimumMTU     = 1280

	// PayloadLengthOffset is the byte offset of the payload length field,
	// used as the ICMPv6 parameter problem pointer for length errors.
	PayloadLengthOffset = 4
	// NextHeaderOffset is the byte offset of the fixed header's next header field.
	NextHeaderOffset = 6
	// FragmentOffsetField is the byte offset of the offset/flags word
	// inside the Fragment header.
	FragmentOffsetField = 2
)

const (
	v6VersionTCFlow = 0
	v6HopLimit      = 7
	v6Src           = 8
	v6Dst           = 24
)

// Protocol numbers of the headers this package walks.
const (
	ProtoHopByHop = 0
	ProtoRouting  = 43
	ProtoFragment = 44
	ProtoICMPv6   = 58
	ProtoNoNext   = 59
	ProtoDestOpts = 60
)

// ECN codepoints, the low two bits of the traffic class.
const (
	ECNNotECT = 0x0
	ECNECT1   = 0x1
	ECNECT0   = 0x2
	ECNCE     = 0x3
	ECNMask   = 0x3
)

var (
	ErrPacketTooShort      = errors.New("packet too short")
	ErrNotIPv6             = errors.New("not an IPv6 packet")
	ErrBadExtensionHeader  = errors.New("malformed extension header chain")
	ErrNoFragmentHeader    = errors.New("no fragment header")
	ErrUnexpectedHeaderPos = errors.New("header not found at offset")
)

// IPv6 is a fixed IPv6 header stored in a byte slice. Accessors do not
// check bounds; call Validate first.
type IPv6 []byte

// IPv6Fields describes the fields of an IPv6 header to be encoded.
type IPv6Fields struct {
	TrafficClass  uint8
	FlowLabel     uint32
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	Src           netip.Addr
	Dst           netip.Addr
}

// Validate checks the length and version of the header.
func (b IPv6) Validate() error {
	if len(b) < IPv6HeaderSize {
		return ErrPacketTooShort
	}
	if b[0]>>4 != 6 {
		return ErrNotIPv6
	}
	return nil
}

// Encode writes all header fields.
func (b IPv6) Encode(f *IPv6Fields) {
	binary.BigEndian.PutUint32(b[v6VersionTCFlow:], 6<<28|uint32(f.TrafficClass)<<20|f.FlowLabel&0xfffff)
	b.SetPayloadLength(f.PayloadLength)
	b[NextHeaderOffset] = f.NextHeader
	b[v6HopLimit] = f.HopLimit
	b.SetSrc(f.Src)
	b.SetDst(f.Dst)
}

func (b IPv6) TrafficClass() uint8 {
	return uint8(binary.BigEndian.Uint16(b[v6VersionTCFlow:]) >> 4)
}

func (b IPv6) SetTrafficClass(tc uint8) {
	v := binary.BigEndian.Uint16(b[v6VersionTCFlow:])
	binary.BigEndian.PutUint16(b[v6VersionTCFlow:], v&0xf00f|uint16(tc)<<4)
}

// ECN returns the ECN codepoint of the traffic class.
func (b IPv6) ECN() uint8 {
	return b.TrafficClass() & ECNMask
}

func (b IPv6) PayloadLength() uint16 {
	return binary.BigEndian.Uint16(b[PayloadLengthOffset:])
}

func (b IPv6) SetPayloadLength(n uint16) {
	binary.BigEndian.PutUint16(b[PayloadLengthOffset:], n)
}

func (b IPv6) NextHeader() uint8 {
	return b[NextHeaderOffset]
}

func (b IPv6) HopLimit() uint8 {
	return b[v6HopLimit]
}

func (b IPv6) Src() netip.Addr {
	return netip.AddrFrom16([16]byte(b[v6Src:v6Dst]))
}

func (b IPv6) Dst() netip.Addr {
	return netip.AddrFrom16([16]byte(b[v6Dst:IPv6HeaderSize]))
}

func (b IPv6) SetSrc(a netip.Addr) {
	s := a.As16()
	copy(b[v6Src:v6Dst], s[:])
}

func (b IPv6) SetDst(a netip.Addr) {
	d := a.As16()
	copy(b[v6Dst:IPv6HeaderSize], d[:])
}

// Fragment is an IPv6 Fragment extension header:
// [1 byte next header][1 byte reserved][13 bits offset][2 bits reserved][1 bit M][4 bytes identification]
type Fragment []byte

// FragmentFields describes the fields of a Fragment header to be encoded.
type FragmentFields struct {
	NextHeader uint8
	// Offset is in units of 8 bytes.
	Offset         uint16
	More           bool
	Identification uint32
}

// Encode writes all header fields. The reserved bits are cleared.
func (b Fragment) Encode(f *FragmentFields) {
	b[0] = f.NextHeader
	b[1] = 0
	offlg := f.Offset << 3
	if f.More {
		offlg |= 1
	}
	binary.BigEndian.PutUint16(b[FragmentOffsetField:], offlg)
	binary.BigEndian.PutUint32(b[4:], f.Identification)
}

func (b Fragment) NextHeader() uint8 {
	return b[0]
}

// Offset returns the fragment offset in units of 8 bytes.
func (b Fragment) Offset() uint16 {
	return binary.BigEndian.Uint16(b[FragmentOffsetField:]) >> 3
}

// ByteOffset returns the fragment offset in bytes.
func (b Fragment) ByteOffset() uint32 {
	return uint32(b.Offset()) * 8
}

func (b Fragment) More() bool {
	return b[3]&1 != 0
}

func (b Fragment) ID() uint32 {
	return binary.BigEndian.Uint32(b[4:])
}

// walk follows the extension header chain from the fixed header and calls
// fn for every header with its offset, protocol number and the offset of the
// byte that named it. Walking stops when fn returns false or a header that
// is not a chainable extension header is reached.
func walk(pkt []byte, fn func(off int, proto uint8, prevNext int) bool) error {
	if err := IPv6(pkt).Validate(); err != nil {
		return err
	}
	off, prevNext := IPv6HeaderSize, NextHeaderOffset
	for {
		proto := pkt[prevNext]
		if !fn(off, proto, prevNext) {
			return nil
		}
		var size int
		switch proto {
		case ProtoHopByHop, ProtoRouting, ProtoDestOpts:
			if off+2 > len(pkt) {
				return ErrBadExtensionHeader
			}
			size = (int(pkt[off+1]) + 1) * 8
		case ProtoFragment:
			if off+FragmentHeaderSize > len(pkt) {
				return ErrBadExtensionHeader
			}
			if Fragment(pkt[off:]).Offset() != 0 {
				// Later headers are not visible in a non-first fragment.
				return nil
			}
			size = FragmentHeaderSize
		default:
			return nil
		}
		if off+size > len(pkt) {
			return ErrBadExtensionHeader
		}
		prevNext = off
		off += size
	}
}

// FindFragmentHeader returns the offset of the Fragment header in pkt and
// the offset of the next header byte that names it.
func FindFragmentHeader(pkt []byte) (fragOff, prevNext int, err error) {
	fragOff = -1
	err = walk(pkt, func(off int, proto uint8, pn int) bool {
		if proto == ProtoFragment {
			fragOff, prevNext = off, pn
			return false
		}
		return true
	})
	if err != nil {
		return 0, 0, err
	}
	if fragOff < 0 {
		return 0, 0, ErrNoFragmentHeader
	}
	if fragOff+FragmentHeaderSize > len(pkt) {
		return 0, 0, ErrPacketTooShort
	}
	return fragOff, prevNext, nil
}

// PrevNextHeader returns the offset of the next header byte that names the
// Fragment header located at fragOff. It fails unless the chain reaches a
// Fragment header exactly at fragOff.
func PrevNextHeader(pkt []byte, fragOff int) (int, error) {
	prevNext := -1
	err := walk(pkt, func(off int, proto uint8, pn int) bool {
		if off == fragOff && proto == ProtoFragment {
			prevNext = pn
		}
		return off < fragOff
	})
	if err != nil {
		return 0, err
	}
	if prevNext < 0 {
		return 0, ErrUnexpectedHeaderPos
	}
	return prevNext, nil
}

// LastHeader returns the offset and protocol number of the first header in
// pkt that is not a walkable extension header. For a non-first fragment
// the Fragment header itself is returned.
func LastHeader(pkt []byte) (int, uint8, error) {
	var last int
	var lastProto uint8
	err := walk(pkt, func(off int, proto uint8, _ int) bool {
		last, lastProto = off, proto
		return true
	})
	return last, lastProto, err
}
