package observability

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    registerOnce sync.Once

    packetsDropped = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "gocsp",
            Subsystem: "router",
            Name:      "packets_dropped_total",
            Help:      "Packets dropped before delivery.",
        },
        []string{"reason"},
    )
    framesRejected = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "gocsp",
            Subsystem: "transport",
            Name:      "frames_rejected_total",
            Help:      "Physical frames rejected by a binding.",
        },
        []string{"binding", "reason"},
    )
    sessionsEvicted = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "gocsp",
            Subsystem: "fragment",
            Name:      "sessions_evicted_total",
            Help:      "Stale reassembly sessions purged.",
        },
    )
    packetsForwarded = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "gocsp",
            Subsystem: "stack",
            Name:      "packets_forwarded_total",
            Help:      "Packets routed through towards another address.",
        },
    )
)

// RegisterMetrics installs the stack collectors into the default registry.
// Safe to call from multiple components.
func RegisterMetrics() {
    registerOnce.Do(func() {
        prometheus.MustRegister(packetsDropped, framesRejected, sessionsEvicted, packetsForwarded)
    })
}

// Drop reasons for RecordPacketDropped.
const (
    DropNoListener     = "no_listener"
    DropOptionMismatch = "option_mismatch"
    DropBadSecurity    = "bad_security"
    DropTooLarge       = "payload_too_large"
    DropNoRoute        = "no_route"
    DropNoBuffers      = "no_buffers"
)

func RecordPacketDropped(reason string) {
    RegisterMetrics()
    packetsDropped.WithLabelValues(reason).Inc()
}

func RecordFrameRejected(binding, reason string) {
    RegisterMetrics()
    framesRejected.WithLabelValues(binding, reason).Inc()
}

func RecordSessionEvicted() {
    RegisterMetrics()
    sessionsEvicted.Inc()
}

func RecordPacketForwarded() {
    RegisterMetrics()
    packetsForwarded.Inc()
}
