package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livelookNamespace string = "livelook"

var (
	promSessionTotal        prometheus.Gauge
	promPeerLinks           prometheus.Gauge
	promRemoteRTPBytes      *prometheus.CounterVec
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "lesson",
		Name:      "total",
	})

	promPeerLinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "peer",
		Name:      "links",
	})

	promRemoteRTPBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "peer",
			Name:      "remote_rtp_bytes",
		},
		[]string{"kind"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "node",
			Name:      "service_operation",
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(promPeerLinks)
	prometheus.MustRegister(promRemoteRTPBytes)
	prometheus.MustRegister(ServiceOperationCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func PeerLinkOpened() {
	promPeerLinks.Inc()
}

func PeerLinkClosed() {
	promPeerLinks.Dec()
}

func RemoteRTPReceived(kind string, n int) {
	promRemoteRTPBytes.WithLabelValues(kind).Add(float64(n))
}

// Success counts a successful operation of the given type
func Success(op string) {
	ServiceOperationCounter.WithLabelValues(op, "success", "").Inc()
}

// Failure counts a failed operation of the given type
func Failure(op, errorType string) {
	ServiceOperationCounter.WithLabelValues(op, "error", errorType).Inc()
}
