package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "natrelay_active_sessions", Help: "Sessions between connect and close"})
	NATEntries             = promauto.NewGauge(prometheus.GaugeOpts{Name: "natrelay_nat_entries", Help: "Forward entries in the translation table"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "natrelay_sessions_total", Help: "Sessions that reached the active state"})
	UpstreamDialFailsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "natrelay_upstream_dial_failures_total", Help: "Upstream dials that failed"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "natrelay_rejected_total", Help: "Inbound connections refused by the rate limiter"})
	RelayedBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "natrelay_relayed_bytes_total", Help: "Bytes written to the peer by direction"}, []string{"direction"})
	RelayFaultsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "natrelay_relay_faults_total", Help: "Relay loops ended by an I/O fault"}, []string{"direction", "op"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "natrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "natrelay_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
