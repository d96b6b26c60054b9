package bootstrap

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zajel/zajel/internal/crypto"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	kp, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	return NewService(NewRegistry(), *kp, nil)
}

func TestHandleServersReturnsValidSignature(t *testing.T) {
	kp, _ := crypto.GenerateEd25519()
	svc := NewService(NewRegistry(), *kp, nil)
	svc.registry.Register("srv-1", ServerEntry{Endpoint: "wss://relay.example:443", PublicKey: "pub", Region: "us"})

	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	w := httptest.NewRecorder()
	svc.HandleServers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var resp signedListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Servers) != 1 {
		t.Fatalf("want 1 server, got %d", len(resp.Servers))
	}

	canonical, _ := json.Marshal(resp.Servers)
	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		t.Fatalf("decode signature hex: %v", err)
	}
	if !crypto.VerifyEd25519(kp.PublicKey, canonical, sig) {
		t.Fatal("signature does not verify under the service's signing key")
	}
}

func TestHandleServerByIDRejectsEmptyID(t *testing.T) {
	svc := newTestService(t)
	req := httptest.NewRequest(http.MethodPost, "/servers/", nil)
	w := httptest.NewRecorder()
	svc.HandleServerByID(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for empty id, got %d", w.Code)
	}
}

func TestHandleServerByIDRejectsBadScheme(t *testing.T) {
	svc := newTestService(t)
	body := strings.NewReader(`{"endpoint":"http://relay.example","publicKey":"pub","region":"us"}`)
	req := httptest.NewRequest(http.MethodPost, "/servers/srv-1", body)
	w := httptest.NewRecorder()
	svc.HandleServerByID(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for non-ws(s) scheme, got %d", w.Code)
	}
}

func TestRegisterThenUnregister(t *testing.T) {
	svc := newTestService(t)
	body := strings.NewReader(`{"endpoint":"wss://relay.example","publicKey":"pub","region":"us"}`)
	req := httptest.NewRequest(http.MethodPost, "/servers/srv-1", body)
	w := httptest.NewRecorder()
	svc.HandleServerByID(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", w.Code, w.Body.String())
	}
	if svc.registry.Count() != 1 {
		t.Fatalf("want 1 registered server, got %d", svc.registry.Count())
	}

	req = httptest.NewRequest(http.MethodDelete, "/servers/srv-1", nil)
	w = httptest.NewRecorder()
	svc.HandleServerByID(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("want 204, got %d", w.Code)
	}
	if svc.registry.Count() != 0 {
		t.Fatalf("want 0 registered servers after delete, got %d", svc.registry.Count())
	}
}
