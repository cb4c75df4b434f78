package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"github.com/LEVOGNE/rush.sync.server/internal/routetable"
)

func testProxy(t *testing.T, cfg Config, routes *routetable.Table) *Proxy {
	t.Helper()
	return New(cfg, routes, nil, nil, zap.NewNop())
}

func TestForwardRoutesToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	host, portStr, _ := net.SplitHostPort(backend.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	routes := routetable.New()
	routes.Insert("app.example.com", routetable.Target{Scheme: "http", Address: host, Port: port}, "backend-1")

	p := testProxy(t, Config{ProductionDomain: "example.com"}, routes)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil)
	rec := httptest.NewRecorder()
	p.httpHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello from backend" {
		t.Fatalf("body = %q, want backend response", rec.Body.String())
	}
}

func TestUnknownHostReturns404(t *testing.T) {
	p := testProxy(t, Config{}, routetable.New())

	req := httptest.NewRequest(http.MethodGet, "http://nowhere.example.com/", nil)
	rec := httptest.NewRecorder()
	p.httpHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHTTPSRedirectForRoutedHost(t *testing.T) {
	routes := routetable.New()
	routes.Insert("app.example.com", routetable.Target{Scheme: "http", Address: "127.0.0.1", Port: 9000}, "backend-1")

	p := testProxy(t, Config{ProductionDomain: "example.com", EnableHTTPS: true, Port: 80, HTTPSPortOffset: 363}, routes)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/page", nil)
	rec := httptest.NewRecorder()
	p.httpHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if loc != "https://app.example.com:443/page" {
		t.Fatalf("Location = %q, want https redirect with offset port", loc)
	}
}

func TestACMEChallengeInterceptedBeforeRouting(t *testing.T) {
	routes := routetable.New()
	routes.Insert("app.example.com", routetable.Target{Scheme: "http", Address: "127.0.0.1", Port: 9000}, "backend-1")

	p := testProxy(t, Config{ProductionDomain: "example.com", EnableHTTPS: true, Port: 80, HTTPSPortOffset: 363}, routes)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/.well-known/acme-challenge/tok123", nil)
	rec := httptest.NewRecorder()
	p.httpHandler().ServeHTTP(rec, req)

	// No acme client configured, so the challenge branch answers 404. Had
	// the request reached host routing, this routed host would have been
	// redirected to HTTPS (301) instead.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
