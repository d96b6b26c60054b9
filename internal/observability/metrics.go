package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a zajel daemon or server.
type Metrics struct {
	// Rendezvous metrics
	RendezvousMatchesTotal prometheus.Counter
	RendezvousRegistrationsTotal *prometheus.CounterVec
	DeadDropsDeliveredTotal prometheus.Counter

	// Relay registry metrics
	RelayRegistrySize prometheus.Gauge
	RelayConnectionsTotal *prometheus.CounterVec
	RelayConnectionsActive prometheus.Gauge

	// Connection / handshake metrics
	HandshakesTotal *prometheus.CounterVec
	KeyRotationsTotal prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	// Chunk distribution metrics
	ChunksVerifiedTotal *prometheus.CounterVec
	ChunksPushedTotal   prometheus.Counter
	ChunksPulledTotal   prometheus.Counter
	ChunkCacheHitsTotal prometheus.Counter
	ChunkCacheMissesTotal prometheus.Counter
	ChunkCacheEvictionsTotal *prometheus.CounterVec
	ChunkCacheBytes     prometheus.Gauge

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RendezvousMatchesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zajel_rendezvous_matches_total",
				Help: "Live rendezvous matches pushed to peers",
			},
		),

		RendezvousRegistrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_rendezvous_registrations_total",
				Help: "Rendezvous registrations processed",
			},
			[]string{"kind"}, // "daily" or "hourly"
		),

		DeadDropsDeliveredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zajel_dead_drops_delivered_total",
				Help: "Dead drops returned to a registering peer",
			},
		),

		RelayRegistrySize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "zajel_relay_registry_size",
				Help: "Peers currently registered as available relays",
			},
		),

		RelayConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_relay_connections_total",
				Help: "Relay control connection attempts",
			},
			[]string{"result"},
		),

		RelayConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "zajel_relay_connections_active",
				Help: "Currently connected relay control connections",
			},
		),

		HandshakesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_handshakes_total",
				Help: "Per-peer handshakes completed or aborted",
			},
			[]string{"result"},
		),

		KeyRotationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zajel_key_rotations_total",
				Help: "Peer public key rotations detected",
			},
		),

		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "zajel_connections_active",
				Help: "Peer connections currently in the Connected state",
			},
		),

		ConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zajel_connection_duration_seconds",
				Help:    "Peer connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
			},
		),

		ChunksVerifiedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_chunks_verified_total",
				Help: "Chunk five-step verification outcomes",
			},
			[]string{"result"}, // "ok" or the failing step name
		),

		ChunksPushedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zajel_chunks_pushed_total",
				Help: "Chunks pushed to a relay or peer",
			},
		),

		ChunksPulledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zajel_chunks_pulled_total",
				Help: "chunk_pull requests issued to an online source",
			},
		),

		ChunkCacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zajel_chunk_cache_hits_total",
				Help: "chunk_request served directly from the server cache",
			},
		),

		ChunkCacheMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zajel_chunk_cache_misses_total",
				Help: "chunk_request that missed the server cache",
			},
		),

		ChunkCacheEvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_chunk_cache_evictions_total",
				Help: "Chunk cache entries evicted",
			},
			[]string{"reason"}, // "ttl" or "lru"
		),

		ChunkCacheBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "zajel_chunk_cache_bytes",
				Help: "Total bytes currently held in the chunk cache",
			},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zajel_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_database_operations_total",
				Help: "Database operation count",
			},
			[]string{"operation", "result"},
		),
	}
}

// RecordHandshake records a handshake outcome: "completed" or "aborted".
func (m *Metrics) RecordHandshake(result string) {
	m.HandshakesTotal.WithLabelValues(result).Inc()
}

// RecordKeyRotation increments the key rotation counter.
func (m *Metrics) RecordKeyRotation() {
	m.KeyRotationsTotal.Inc()
}

// RecordRelayConnection records a relay control connection attempt.
func (m *Metrics) RecordRelayConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.RelayConnectionsTotal.WithLabelValues(result).Inc()
	if success {
		m.RelayConnectionsActive.Inc()
	}
}

// RecordRelayDisconnect decrements the active relay connection gauge.
func (m *Metrics) RecordRelayDisconnect() {
	m.RelayConnectionsActive.Dec()
}

// RecordChunkVerification records a chunk verification outcome; result is
// "ok" or the name of the failed step (signature, authorization,
// manifest_signature, tofu_pin, decrypt).
func (m *Metrics) RecordChunkVerification(result string) {
	m.ChunksVerifiedTotal.WithLabelValues(result).Inc()
}

// RecordChunkCacheEviction records an eviction and its cause.
func (m *Metrics) RecordChunkCacheEviction(reason string) {
	m.ChunkCacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
