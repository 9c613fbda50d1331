package server

import (
	"context"
	"errors"

	"github.com/Mmx233/frag6d/protocol"
)

// Results counted in frag6_server_packets_total
const (
	resultReceived    = "received"
	resultPassthrough = "passthrough"
	resultForwarded   = "forwarded"
	resultInvalid     = "invalid"
	resultICMP        = "icmp_emitted"
	resultWriteError  = "write_error"
)

// readLoop reads UDP packets using pooled buffers. Every datagram carries
// one raw IPv6 packet.
func (s *Server) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		bufPtr := protocol.GetReadBuffer()
		buf := *bufPtr

		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			protocol.PutReadBuffer(bufPtr)
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error().Err(err).Msg("read UDP packet failed")
				continue
			}
		}

		pkt := protocol.NewPacket(buf[:n])
		pkt.Origin = addr
		protocol.PutReadBuffer(bufPtr)

		s.handle(pkt)
	}
}

// handle dispatches one ingress packet. Unfragmented packets are forwarded
// unchanged, fragments go through the engine.
func (s *Server) handle(pkt *protocol.Packet) {
	s.packets.WithLabelValues(resultReceived).Inc()

	fragOff, _, err := protocol.FindFragmentHeader(pkt.Bytes())
	switch {
	case errors.Is(err, protocol.ErrNoFragmentHeader):
		s.packets.WithLabelValues(resultPassthrough).Inc()
		s.send(pkt)
		return
	case err != nil:
		s.packets.WithLabelValues(resultInvalid).Inc()
		s.logger.Debug().Err(err).Str("from", pkt.Origin.String()).Int("len", pkt.Len()).Msg("dropping unparsable packet")
		pkt.Release()
		return
	}

	dg, ok := s.engine.Process(pkt, fragOff)
	if !ok {
		return
	}
	s.packets.WithLabelValues(resultForwarded).Inc()
	s.send(dg.Packet)
}

// send writes a complete datagram to the forward sink and releases it.
func (s *Server) send(pkt *protocol.Packet) {
	defer pkt.Release()
	if _, err := s.conn.WriteToUDPAddrPort(pkt.Bytes(), s.forward); err != nil {
		s.packets.WithLabelValues(resultWriteError).Inc()
		s.logger.Debug().Err(err).Str("forward", s.forward.String()).Msg("forward datagram failed")
	}
}

// emit returns an ICMPv6 error to the peer the offending packet came from.
func (s *Server) emit(pkt *protocol.Packet) {
	defer pkt.Release()
	if !pkt.Origin.IsValid() || s.conn == nil {
		return
	}
	if _, err := s.conn.WriteToUDPAddrPort(pkt.Bytes(), pkt.Origin); err != nil {
		s.packets.WithLabelValues(resultWriteError).Inc()
		s.logger.Debug().Err(err).Str("to", pkt.Origin.String()).Msg("write icmp error failed")
		return
	}
	s.packets.WithLabelValues(resultICMP).Inc()
}
