package config

import (
	"time"

	"github.com/google/uuid"
)

// Default reassembly limits and timings
const (
	// DefaultMaxContexts is the default ceiling on datagrams under reassembly
	DefaultMaxContexts = 256

	// DefaultMaxFragments is the default ceiling on queued fragments
	DefaultMaxFragments = 1024

	// DefaultMaxFragmentsPerDatagram caps the fragments of one incomplete datagram
	DefaultMaxFragmentsPerDatagram = 64

	// DefaultTTLTicks is the number of reaper ticks before an incomplete datagram expires
	DefaultTTLTicks = 120

	// DefaultTickInterval is the reaper period; with DefaultTTLTicks a datagram lives 60s
	DefaultTickInterval = 500 * time.Millisecond

	// DefaultShards is the default number of table shards
	DefaultShards = 16
)

// Default ICMP error generation values
const (
	// DefaultICMPRateLimit is the number of errors per second per type
	DefaultICMPRateLimit = 100

	// DefaultICMPBurst is the token bucket depth per type
	DefaultICMPBurst = 10

	// DefaultICMPHopLimit is the hop limit of generated errors
	DefaultICMPHopLimit = 64
)

// DefaultSocketBuffer is the default size for the ingress socket buffers
const DefaultSocketBuffer = 4 * 1024 * 1024

// GenerateNodeID generates a new UUID for use as a node identifier.
// This is useful when several daemons report to the same metrics backend.
func GenerateNodeID() string {
	return uuid.New().String()
}

func intPtr(v int) *int {
	return &v
}

func float64Ptr(v float64) *float64 {
	return &v
}
