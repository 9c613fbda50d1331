package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/Mmx233/frag6d/config"
	"github.com/Mmx233/frag6d/icmp6"
	"github.com/Mmx233/frag6d/reassembly"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Server is the frag6d daemon: it receives raw IPv6 packets over UDP,
// reassembles fragmented ones and forwards every complete datagram to the
// configured sink. ICMPv6 errors go back to the peer that sent the
// offending packet.
type Server struct {
	config   *config.Daemon
	engine   *reassembly.Reassembler
	sender   *icmp6.Sender
	registry *prometheus.Registry
	packets  *prometheus.CounterVec
	logger   zerolog.Logger

	conn    *net.UDPConn
	forward netip.AddrPort
	http    *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server for conf. Nothing is bound until Listen.
func New(conf *config.Daemon) (*Server, error) {
	// Apply defaults to ensure all required fields have values
	conf.ApplyDefaults()

	logger := log.With().Str("com", "server").Str("node_id", conf.NodeID).Logger()

	forward, err := resolveAddrPort(conf.Forward)
	if err != nil {
		return nil, fmt.Errorf("resolve forward address: %w", err)
	}

	s := &Server{
		config:   conf,
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "frag6_server_packets_total",
			Help:        "Packets handled by the daemon by result.",
			ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
		}, []string{"result"}),
		logger:  logger,
		forward: forward,
	}

	s.sender = icmp6.NewSender(conf.ICMP.SenderConfig(), icmp6.EmitterFunc(s.emit), logger)

	var opts []reassembly.Option
	if conf.Metrics.PerRoute {
		routes := newRouteCounter(conf.NodeID)
		s.registry.MustRegister(routes)
		opts = append(opts, reassembly.WithRouteStats(routes))
	}
	if limit := conf.Reassembly.DrainHeapBytes; limit > 0 {
		opts = append(opts, reassembly.WithPressure(reassembly.HeapAbove(limit)))
		logger.Info().Uint64("drain_heap_bytes", limit).Msg("memory pressure drain enabled")
	}
	s.engine = reassembly.New(conf.Reassembly.EngineConfig(), s.sender, logger, opts...)

	s.registry.MustRegister(
		reassembly.NewCollector(s.engine, prometheus.Labels{"node_id": conf.NodeID}),
		s.sender,
		s.packets,
	)
	return s, nil
}

// Engine returns the reassembly engine.
func (s *Server) Engine() *reassembly.Reassembler {
	return s.engine
}

// Addr returns the bound ingress address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Listen binds the ingress socket and the metrics endpoint and starts
// serving in the background. Close stops everything.
func (s *Server) Listen(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	lc := net.ListenConfig{Control: socketControl(s.config.SocketBuffer)}
	pc, err := lc.ListenPacket(ctx, "udp", s.config.Listen.Addr())
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen UDP: %w", err)
	}
	s.conn = pc.(*net.UDPConn)

	if s.config.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", s.config.Metrics.Listen)
		if err != nil {
			_ = s.conn.Close()
			s.cancel()
			return fmt.Errorf("listen metrics: %w", err)
		}
		s.http = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint started")
	}

	s.engine.Start(ctx)

	readDone := make(chan struct{})
	s.wg.Add(2)
	go func() {
		defer close(readDone)
		s.readLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		// Stop reading first so no fragment arrives after the drain, and
		// drain while the socket can still carry time exceeded errors.
		_ = s.conn.SetReadDeadline(time.Now())
		<-readDone
		s.engine.Close()
		_ = s.conn.Close()
	}()

	s.logger.Info().
		Str("listen", s.conn.LocalAddr().String()).
		Str("forward", s.forward.String()).
		Msg("daemon started")
	return nil
}

// Close stops the daemon and drains the reassembly table. Contexts still
// holding their first fragment are answered with time exceeded errors.
func (s *Server) Close() {
	if s.cancel == nil {
		return
	}
	if s.http != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = s.http.Shutdown(shutdownCtx)
		cancel()
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("daemon stopped")
}

// Start runs the daemon for conf until ctx is cancelled.
func Start(ctx context.Context, conf *config.Daemon) error {
	srv, err := New(conf)
	if err != nil {
		return err
	}
	if err := srv.Listen(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	srv.logger.Info().Msg("server shutting down")
	srv.Close()
	return ctx.Err()
}

func resolveAddrPort(addr string) (netip.AddrPort, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
