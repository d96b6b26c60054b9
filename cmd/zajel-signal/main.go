// Command zajel-signal is the central signaling server: it upgrades
// WebSocket connections, dispatches register/rendezvous/signal/chunk
// envelopes through server/dispatch, tracks candidate relays in
// server/relayregistry, and caches in-flight broadcast chunks in
// server/chunkrelay.
//
// Grounded on relay/main.go's flag-parse / TLS / health-metrics-pprof /
// signal-handling shape, with the QUIC accept loop replaced by an
// http.Server serving the WebSocket upgrade endpoint.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zajel/zajel/internal/observability"
	"github.com/zajel/zajel/internal/tlsutil"
	"github.com/zajel/zajel/internal/validation"
	"github.com/zajel/zajel/server/chunkrelay"
	"github.com/zajel/zajel/server/dispatch"
	"github.com/zajel/zajel/server/relayregistry"
)

func main() {
	listen := flag.String("listen", ":8443", "WebSocket/HTTP listen address")
	metricsAddr := flag.String("metrics-addr", ":9192", "metrics/health listen address")
	chunkDBPath := flag.String("chunk-db", "zajel-chunks.db", "path to the BoltDB chunk cache")
	chunkTTL := flag.Duration("chunk-ttl", 30*time.Minute, "default chunk cache retention")
	maxCacheBytes := flag.Int64("chunk-cache-bytes", 512*1024*1024, "chunk cache budget in bytes")
	tlsCert := flag.String("tls-cert", "", "PEM certificate path; if unset, TLS is generated self-signed when -tls is set")
	tlsKey := flag.String("tls-key", "", "PEM private key path, paired with -tls-cert")
	enableTLS := flag.Bool("tls", false, "terminate TLS (WSS) directly instead of behind a reverse proxy")
	flag.Parse()

	logger := observability.NewLogger("zajel-signal", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "zajel-signal"); err == nil {
		defer shutdown(context.Background())
	}

	if err := validation.ValidateAddr(*listen); err != nil {
		logger.Fatal(err, "invalid -listen address")
	}

	relays := relayregistry.New()
	health.RegisterCheck("relay_registry", observability.RegistrySizeCheck("relay_registry", relays.Count, 10000))

	chunkCfg := chunkrelay.Config{DefaultTTL: *chunkTTL, MaxCacheBytes: *maxCacheBytes}
	chunks, err := chunkrelay.Open(*chunkDBPath, chunkCfg, logger)
	if err != nil {
		logger.Fatal(err, "failed to open chunk cache")
	}
	defer chunks.Close()
	health.RegisterCheck("chunk_cache", observability.DatabaseCheck(*chunkDBPath))

	srv := dispatch.New(relays, chunks, metrics, logger)
	health.RegisterCheck("websocket_listener", observability.WebSocketListenerCheck(*listen))

	go evictLoop(chunks, logger)
	go startObservabilityServer(*metricsAddr, metrics, health, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	httpServer := &http.Server{
		Addr:         *listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	go func() {
		logger.Info("zajel signaling server listening on " + *listen)
		var err error
		if *enableTLS {
			certPEM, keyPEM, cerr := loadOrGenerateCert(*tlsCert, *tlsKey, logger)
			if cerr != nil {
				logger.Fatal(cerr, "failed to prepare TLS certificate")
			}
			tlsCfg, cerr := tlsutil.MakeTLSConfig(certPEM, keyPEM)
			if cerr != nil {
				logger.Fatal(cerr, "failed to build TLS config")
			}
			httpServer.TLSConfig = tlsCfg
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "http server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

// loadOrGenerateCert reads a cert/key pair from disk when both flags are
// set, otherwise mints a self-signed one for the lifetime of the process.
func loadOrGenerateCert(certPath, keyPath string, logger *observability.Logger) (certPEM, keyPEM []byte, err error) {
	if certPath != "" && keyPath != "" {
		certPEM, err = os.ReadFile(certPath)
		if err != nil {
			return nil, nil, err
		}
		keyPEM, err = os.ReadFile(keyPath)
		if err != nil {
			return nil, nil, err
		}
		return certPEM, keyPEM, nil
	}
	logger.Info("no -tls-cert/-tls-key given, generating a self-signed certificate")
	return tlsutil.GenerateSelfSignedCert()
}

// evictLoop runs the chunk cache's TTL+LRU eviction sweep on a fixed
// cadence, independent of request traffic.
func evictLoop(chunks *chunkrelay.Relay, logger *observability.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		removed, err := chunks.Evict(time.Now())
		if err != nil {
			logger.Error(err, "chunk eviction sweep failed")
			continue
		}
		if removed > 0 {
			logger.Info("evicted stale chunks")
		}
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", health.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(err, "observability server stopped")
	}
}
