package server

import (
	"net/http"

	"github.com/Mmx233/frag6d/reassembly"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// json is a drop-in replacement for encoding/json using jsoniter
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// routePrefixBits is the prefix length events are attributed to.
const routePrefixBits = 64

// routeCounter attributes engine events to the source /64 of the datagram.
type routeCounter struct {
	*prometheus.CounterVec
}

func newRouteCounter(nodeID string) *routeCounter {
	return &routeCounter{prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "frag6_route_events_total",
		Help:        "IPv6 reassembly events by source prefix.",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"prefix", "event"})}
}

// Count implements reassembly.RouteStats.
func (r *routeCounter) Count(key reassembly.Key, ev reassembly.Event) {
	if !key.Src.IsValid() {
		return
	}
	prefix, err := key.Src.Prefix(routePrefixBits)
	if err != nil {
		return
	}
	r.WithLabelValues(prefix.String(), ev.String()).Inc()
}

// StatsSnapshot is the body of /debug/stats.
type StatsSnapshot struct {
	NodeID    string            `json:"node_id"`
	Contexts  int               `json:"contexts"`
	Fragments int               `json:"fragments"`
	Events    map[string]uint64 `json:"events"`
}

// Snapshot returns the current engine state.
func (s *Server) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		NodeID:    s.config.NodeID,
		Contexts:  s.engine.Contexts(),
		Fragments: s.engine.Fragments(),
		Events:    s.engine.Stats().Snapshot(),
	}
}

// Handler returns the HTTP handler serving /metrics and /debug/stats.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(s.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	return mux
}
