package config

import (
	"fmt"
	"time"

	"github.com/Mmx233/frag6d/icmp6"
	"github.com/Mmx233/frag6d/reassembly"
)

type Daemon struct {
	NodeID       string     `yaml:"node_id"`
	Listen       Listen     `yaml:"listen"`  // UDP ingress carrying raw IPv6 packets
	Forward      string     `yaml:"forward"` // host:port receiving dispatched datagrams
	SocketBuffer int        `yaml:"socket_buffer"`
	Metrics      Metrics    `yaml:"metrics"`
	Reassembly   Reassembly `yaml:"reassembly"`
	ICMP         ICMP       `yaml:"icmp"`
}

type Metrics struct {
	Listen   string `yaml:"listen"`    // host:port, empty disables the endpoint
	PerRoute bool   `yaml:"per_route"` // attribute events to the source /64
}

// Reassembly limits. Pointer fields distinguish "unset" from zero, which
// disables reassembly; negative values mean unlimited.
type Reassembly struct {
	MaxContexts             *int          `yaml:"max_contexts"`
	MaxFragments            *int          `yaml:"max_fragments"`
	MaxFragmentsPerDatagram *int          `yaml:"max_fragments_per_datagram"`
	TTLTicks                int           `yaml:"ttl_ticks"`
	TickInterval            time.Duration `yaml:"tick_interval"`
	Shards                  int           `yaml:"shards"`
	DrainHeapBytes          uint64        `yaml:"drain_heap_bytes"` // 0 disables the memory-pressure drain
}

type ICMP struct {
	RateLimit *float64 `yaml:"rate_limit"` // per second per type; negative unlimited, 0 suppresses
	Burst     int      `yaml:"burst"`
	HopLimit  uint8    `yaml:"hop_limit"`
}

// ApplyDefaults fills every unset field with its default.
func (d *Daemon) ApplyDefaults() {
	if d.NodeID == "" {
		d.NodeID = GenerateNodeID()
	}
	if d.SocketBuffer == 0 {
		d.SocketBuffer = DefaultSocketBuffer
	}
	d.Reassembly.ApplyDefaults()
	d.ICMP.ApplyDefaults()
}

func (r *Reassembly) ApplyDefaults() {
	if r.MaxContexts == nil {
		r.MaxContexts = intPtr(DefaultMaxContexts)
	}
	if r.MaxFragments == nil {
		r.MaxFragments = intPtr(DefaultMaxFragments)
	}
	if r.MaxFragmentsPerDatagram == nil {
		r.MaxFragmentsPerDatagram = intPtr(DefaultMaxFragmentsPerDatagram)
	}
	if r.TTLTicks == 0 {
		r.TTLTicks = DefaultTTLTicks
	}
	if r.TickInterval == 0 {
		r.TickInterval = DefaultTickInterval
	}
	if r.Shards == 0 {
		r.Shards = DefaultShards
	}
}

func (i *ICMP) ApplyDefaults() {
	if i.RateLimit == nil {
		i.RateLimit = float64Ptr(DefaultICMPRateLimit)
	}
	if i.Burst == 0 {
		i.Burst = DefaultICMPBurst
	}
	if i.HopLimit == 0 {
		i.HopLimit = DefaultICMPHopLimit
	}
}

// Validate checks a configuration that has had defaults applied.
func (d *Daemon) Validate() error {
	if err := d.Listen.Validate(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := ValidateAddress(d.Forward); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	if d.Metrics.Listen != "" {
		if err := ValidateAddress(d.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	if d.SocketBuffer < 0 {
		return fmt.Errorf("socket_buffer cannot be negative, got %d", d.SocketBuffer)
	}
	if err := d.Reassembly.Validate(); err != nil {
		return fmt.Errorf("reassembly: %w", err)
	}
	if d.ICMP.Burst < 0 {
		return fmt.Errorf("icmp: burst cannot be negative, got %d", d.ICMP.Burst)
	}
	return nil
}

func (r *Reassembly) Validate() error {
	if r.TTLTicks < 1 {
		return fmt.Errorf("ttl_ticks must be at least 1, got %d", r.TTLTicks)
	}
	if r.TickInterval < time.Millisecond {
		return fmt.Errorf("tick_interval must be at least 1ms, got %v", r.TickInterval)
	}
	if r.Shards < 1 || r.Shards > 4096 {
		return fmt.Errorf("shards must be between 1 and 4096, got %d", r.Shards)
	}
	return nil
}

// EngineConfig converts r to the engine configuration.
func (r *Reassembly) EngineConfig() reassembly.Config {
	return reassembly.Config{
		MaxContexts:             *r.MaxContexts,
		MaxFragments:            *r.MaxFragments,
		MaxFragmentsPerDatagram: *r.MaxFragmentsPerDatagram,
		TTL:                     r.TTLTicks,
		TickInterval:            r.TickInterval,
		Shards:                  r.Shards,
	}
}

// SenderConfig converts i to the ICMP sender configuration.
func (i *ICMP) SenderConfig() icmp6.Config {
	return icmp6.Config{
		RateLimit: *i.RateLimit,
		Burst:     i.Burst,
		HopLimit:  i.HopLimit,
	}
}
