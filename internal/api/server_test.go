package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/rwsplit/rwsplit/internal/backendpool"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/loadbalance"
	"github.com/rwsplit/rwsplit/internal/reconcile"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/rule"
)

func testEndpoint() config.ReadWriteEndpoint {
	return config.ReadWriteEndpoint{
		ReadWrite: []config.Endpoint{{Name: "primary", Addr: "10.0.0.1:3306", Weight: 1}},
		Read:      []config.Endpoint{{Name: "replica1", Addr: "10.0.0.2:3306", Weight: 1}},
		ReadOnly:  []config.Endpoint{{Name: "replica1", Addr: "10.0.0.2:3306", Weight: 1}},
	}
}

func newTestServer(t *testing.T, admin config.AdminConfig) (*Server, *mux.Router) {
	t.Helper()

	matcher := rule.New(nil, config.TargetRead, loadbalance.NameRoundRobin)
	registry := loadbalance.NewRegistry()
	rtr := router.New(matcher, registry, testSource{endpoint: testEndpoint()})
	pools := backendpool.NewManager(backendpool.Options{})

	s := NewServer(testSource{endpoint: testEndpoint()}, matcher, rtr, pools, nil, admin)

	mr := mux.NewRouter()
	mr.Use(s.basicAuth)
	mr.HandleFunc("/endpoints", s.endpointsHandler).Methods("GET")
	mr.HandleFunc("/monitors", s.monitorsHandler).Methods("GET")
	mr.HandleFunc("/rules", s.rulesHandler).Methods("GET")
	mr.HandleFunc("/route", s.routeHandler).Methods("GET")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")

	return s, mr
}

type testSource struct {
	endpoint config.ReadWriteEndpoint
}

func (t testSource) Latest() config.ReadWriteEndpoint { return t.endpoint }
func (t testSource) Snapshots() reconcile.MonitorSnapshots {
	return reconcile.MonitorSnapshots{}
}
func (t testSource) Subscribe() <-chan config.ReadWriteEndpoint {
	return make(chan config.ReadWriteEndpoint)
}

func TestEndpointsHandlerReturnsLatest(t *testing.T) {
	_, mr := newTestServer(t, config.AdminConfig{})

	req := httptest.NewRequest("GET", "/endpoints", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got config.ReadWriteEndpoint
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got.ReadWrite) != 1 || got.ReadWrite[0].Addr != "10.0.0.1:3306" {
		t.Errorf("unexpected readwrite pool: %+v", got.ReadWrite)
	}
}

func TestHealthHandlerReportsHealthyWhenPrimaryPresent(t *testing.T) {
	_, mr := newTestServer(t, config.AdminConfig{})

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRouteHandlerReturnsEndpoint(t *testing.T) {
	_, mr := newTestServer(t, config.AdminConfig{})

	req := httptest.NewRequest("GET", "/route?sql=SELECT+1", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBasicAuthRejectsWithoutCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	_, mr := newTestServer(t, config.AdminConfig{Username: "admin", PasswordHash: string(hash)})

	req := httptest.NewRequest("GET", "/endpoints", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rr.Code)
	}
}

func TestBasicAuthAcceptsCorrectCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	_, mr := newTestServer(t, config.AdminConfig{Username: "admin", PasswordHash: string(hash)})

	req := httptest.NewRequest("GET", "/endpoints", nil)
	req.SetBasicAuth("admin", "s3cret")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct credentials, got %d", rr.Code)
	}
}

func TestBasicAuthSkippedForHealthEndpoint(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	_, mr := newTestServer(t, config.AdminConfig{Username: "admin", PasswordHash: string(hash)})

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected /health to bypass auth, got %d", rr.Code)
	}
}
