// Package bootstrap is the signed server-discovery REST API: a directory
// of signaling server endpoints that clients pin a public key for and
// refuse to trust unsigned.
//
// Grounded on bootstrap/main.go's TokenRegistry shape (mutex-guarded map,
// one method per operation) and its per-IP rate limiting; reused here for
// server-endpoint bookkeeping instead of transfer tokens.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zajel/zajel/internal/crypto"
	"github.com/zajel/zajel/internal/validation"
)

const (
	maxServerIDLen = 256
	maxEndpointLen = 2048
	maxPublicKeyLen = 256
	maxRegionLen = 64
)

// ServerEntry is one registered signaling server.
type ServerEntry struct {
	Endpoint string `json:"endpoint"`
	PublicKey string `json:"publicKey"`
	Region string `json:"region"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Registry is the mutex-guarded server directory.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ServerEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ServerEntry)}
}

// Register adds or refreshes serverId's entry.
func (r *Registry) Register(serverId string, entry ServerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.LastHeartbeat = time.Now()
	r.entries[serverId] = entry
}

// Unregister removes serverId's entry.
func (r *Registry) Unregister(serverId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, serverId)
}

// List returns every registered server, in no particular order.
func (r *Registry) List() []ServerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of registered servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// signedListResponse is the wire shape GET /servers returns.
type signedListResponse struct {
	Servers []ServerEntry `json:"servers"`
	Signature string `json:"signature"`
}

// Service is the HTTP handler set plus the Ed25519 key that signs
// discovery responses. A client pins SigningPublicKey in its binary and
// rejects any /servers response that doesn't verify under it.
type Service struct {
	registry *Registry
	signKey  crypto.Ed25519KeyPair

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	warnf func(format string, args ...any)
}

// NewService constructs a Service. warnf receives the "[]"-on-failure
// warning log the spec calls out as the only way to distinguish a failed
// list from a genuinely empty one; pass nil to discard it.
func NewService(registry *Registry, signKey crypto.Ed25519KeyPair, warnf func(string, ...any)) *Service {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	return &Service{
		registry: registry,
		signKey:  signKey,
		limiters: make(map[string]*rate.Limiter),
		warnf:    warnf,
	}
}

func (s *Service) limiterFor(ip string, limit rate.Limit, burst int) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(limit, burst)
		s.limiters[ip] = l
	}
	return l
}

func (s *Service) rateLimited(w http.ResponseWriter, r *http.Request, limit rate.Limit, burst int) bool {
	ip := clientIP(r)
	if !s.limiterFor(ip, limit, burst).Allow() {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return true
	}
	return false
}

// HandleServers serves GET /servers: a signed snapshot of the directory.
// A marshal failure degrades to an empty, still-signed-correctly list
// plus a warning log, never a silent unsigned response.
func (s *Service) HandleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.rateLimited(w, r, rate.Limit(200.0/60.0), 200) {
		return
	}

	servers := s.registry.List()
	canonical, err := json.Marshal(servers)
	if err != nil {
		s.warnf("bootstrap: marshal server list failed: %v", err)
		servers = nil
		canonical, _ = json.Marshal(servers)
	}
	sig := crypto.SignEd25519(s.signKey.PrivateKey, canonical)

	writeJSON(w, http.StatusOK, signedListResponse{
		Servers:   servers,
		Signature: fmt.Sprintf("%x", sig),
	})
}

// HandleServerByID serves POST/DELETE /servers/{id}. The id is everything
// after the "/servers/" prefix (strings.TrimPrefix), so a request to
// "/servers/" yields an empty id and is rejected with 400.
func (s *Service) HandleServerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/servers/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "server id required")
		return
	}
	if err := validation.ValidateMaxLen("id", id, maxServerIDLen); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleRegister(w, r, id)
	case http.MethodDelete:
		s.handleUnregister(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request, id string) {
	if s.rateLimited(w, r, rate.Limit(20.0/60.0), 20) {
		return
	}

	var req struct {
		Endpoint  string `json:"endpoint"`
		PublicKey string `json:"publicKey"`
		Region    string `json:"region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validateRegistration(req.Endpoint, req.PublicKey, req.Region); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.registry.Register(id, ServerEntry{Endpoint: req.Endpoint, PublicKey: req.PublicKey, Region: req.Region})
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func validateRegistration(endpoint, publicKey, region string) error {
	if err := validation.ValidateStringNonEmpty(endpoint); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if err := validation.ValidateMaxLen("endpoint", endpoint, maxEndpointLen); err != nil {
		return err
	}
	if err := validation.ValidateWSURL(endpoint, "ws", "wss"); err != nil {
		return err
	}
	if err := validation.ValidateMaxLen("publicKey", publicKey, maxPublicKeyLen); err != nil {
		return err
	}
	if err := validation.ValidateStringNonEmpty(publicKey); err != nil {
		return fmt.Errorf("publicKey: %w", err)
	}
	if err := validation.ValidateMaxLen("region", region, maxRegionLen); err != nil {
		return err
	}
	return nil
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request, id string) {
	if s.rateLimited(w, r, rate.Limit(20.0/60.0), 20) {
		return
	}
	s.registry.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth serves GET /health.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"serverCount": s.registry.Count(),
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
