package reassembly

import "sync/atomic"

// Event identifies one counted outcome of the engine.
type Event int

const (
	EventReceived Event = iota
	EventMalformed
	EventResourceExhausted
	EventOverflow
	EventOverlap
	EventECNMismatch
	EventReassembled
	EventAtomic
	EventTimeout
	EventEvicted
	EventDrained
	numEvents
)

var eventNames = [numEvents]string{
	EventReceived:          "received",
	EventMalformed:         "malformed",
	EventResourceExhausted: "resource_exhausted",
	EventOverflow:          "overflow",
	EventOverlap:           "overlap_discard",
	EventECNMismatch:       "ecn_mismatch",
	EventReassembled:       "reassembled",
	EventAtomic:            "atomic",
	EventTimeout:           "timeout",
	EventEvicted:           "evicted",
	EventDrained:           "drained",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return "unknown"
	}
	return eventNames[e]
}

// Events returns every counted event in order.
func Events() []Event {
	events := make([]Event, numEvents)
	for i := range events {
		events[i] = Event(i)
	}
	return events
}

// Stats holds increment-only counters, one per Event. Received, malformed,
// resource, overflow, ecn and atomic count fragments; the rest count contexts
// or datagrams.
type Stats struct {
	counts [numEvents]atomic.Uint64
}

func (s *Stats) inc(ev Event) {
	s.counts[ev].Add(1)
}

// Load returns the current value of the counter for ev.
func (s *Stats) Load(ev Event) uint64 {
	return s.counts[ev].Load()
}

// Snapshot returns all counters keyed by event name.
func (s *Stats) Snapshot() map[string]uint64 {
	m := make(map[string]uint64, numEvents)
	for i := range s.counts {
		m[Event(i).String()] = s.counts[i].Load()
	}
	return m
}

// RouteStats attributes events to a route. It is optional; the engine never
// depends on it for correctness. Implementations must be safe for concurrent
// use and must not call back into the Reassembler.
type RouteStats interface {
	Count(key Key, ev Event)
}

type nopRouteStats struct{}

func (nopRouteStats) Count(Key, Event) {}
