// Command zajel-bootstrap runs the signed server-discovery directory: a
// small REST API new clients query for a list of signaling servers to
// register with, signed under a pinned Ed25519 key so a compromised
// directory can't silently substitute a malicious signaling server.
//
// Grounded on bootstrap/main.go's flag-parse / rate-limited-REST /
// signal-handling shape, with the token/username registries replaced by
// server/bootstrap's signed ServerEntry directory.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zajel/zajel/internal/crypto"
	"github.com/zajel/zajel/internal/observability"
	"github.com/zajel/zajel/internal/validation"
	"github.com/zajel/zajel/server/bootstrap"
)

func main() {
	listen := flag.String("listen", ":8444", "HTTP listen address")
	keystorePath := flag.String("keystore", "", "path to the Ed25519 signing keystore (generated on first run if absent)")
	passphraseEnv := flag.String("passphrase-env", "", "environment variable holding the keystore passphrase")
	flag.Parse()

	logger := observability.NewLogger("zajel-bootstrap", "1.0.0", os.Stdout)

	if err := validation.ValidateAddr(*listen); err != nil {
		logger.Fatal(err, "invalid -listen address")
	}
	if *keystorePath == "" {
		*keystorePath = crypto.GetDefaultKeystorePath() + "/bootstrap-signing.key"
	}
	passphrase := ""
	if *passphraseEnv != "" {
		passphrase = os.Getenv(*passphraseEnv)
	}

	signKey, err := loadOrCreateSigningKey(*keystorePath, passphrase)
	if err != nil {
		logger.Fatal(err, "failed to load or create signing key")
	}
	logger.Info(fmt.Sprintf("bootstrap signing key fingerprint: %s", crypto.ComputeFingerprint(signKey.PublicKey)))

	registry := bootstrap.NewRegistry()
	svc := bootstrap.NewService(registry, *signKey, func(format string, args ...any) {
		logger.Warn(fmt.Sprintf(format, args...))
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/servers", svc.HandleServers)
	mux.HandleFunc("/servers/", svc.HandleServerByID)
	mux.HandleFunc("/health", svc.HandleHealth)

	httpServer := &http.Server{
		Addr:         *listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("zajel bootstrap directory listening on " + *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "http server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down gracefully")
}

// loadOrCreateSigningKey loads the Ed25519 keystore at path, minting and
// persisting a fresh key on first run so the directory's identity is
// stable across restarts.
func loadOrCreateSigningKey(path, passphrase string) (*crypto.Ed25519KeyPair, error) {
	existing := path
	if _, err := os.Stat(existing); err != nil {
		existing = path + ".insecure"
	}
	if _, err := os.Stat(existing); err == nil {
		priv, err := crypto.LoadKey(existing, passphrase)
		if err != nil {
			return nil, err
		}
		pub := make([]byte, 32)
		copy(pub, priv[32:])
		return &crypto.Ed25519KeyPair{PublicKey: pub, PrivateKey: priv}, nil
	}

	kp, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKey(kp.PrivateKey, path, passphrase); err != nil {
		return nil, err
	}
	return kp, nil
}
