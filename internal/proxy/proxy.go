// Package proxy implements the reverse proxy (component L): dual HTTP/HTTPS
// listeners, subdomain routing against the route table, ACME HTTP-01
// interception, and SNI-based certificate selection.
//
// The proxy uses net/http and net/http/httputil.ReverseProxy rather than
// Fiber/fasthttp (unlike the per-backend servers in internal/backend): no
// dependency here offers a reverse-proxy abstraction, and
// httputil.ReverseProxy is the same idiom haloydev-haloy's internal/proxy
// reaches for.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LEVOGNE/rush.sync.server/internal/acmeclient"
	"github.com/LEVOGNE/rush.sync.server/internal/certstore"
	"github.com/LEVOGNE/rush.sync.server/internal/routetable"
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Config configures the proxy's listeners and certificate policy.
type Config struct {
	BindAddress      string
	Port             int
	HTTPSPortOffset  int
	ProductionDomain string
	TimeoutMs        int
	EnableHTTPS      bool
	CertValidityDays int
}

// Proxy is the subdomain-routing reverse proxy.
type Proxy struct {
	cfg    Config
	routes *routetable.Table
	certs  *certstore.Store
	acme   *acmeclient.Client // nil when use_lets_encrypt is disabled
	log    *zap.Logger

	transport *http.Transport

	httpServer  *http.Server
	httpsServer *http.Server

	defaultCertMu sync.Mutex
}

// New builds a Proxy. acme may be nil.
func New(cfg Config, routes *routetable.Table, certs *certstore.Store, acme *acmeclient.Client, log *zap.Logger) *Proxy {
	return &Proxy{
		cfg:    cfg,
		routes: routes,
		certs:  certs,
		acme:   acme,
		log:    log,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Start binds the HTTP listener, and the HTTPS listener when enabled.
func (p *Proxy) Start() error {
	httpAddr := fmt.Sprintf("%s:%d", p.cfg.BindAddress, p.cfg.Port)
	p.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           p.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		if err := p.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy: http listener: %w", err)
		}
	}()

	if p.cfg.EnableHTTPS {
		httpsAddr := fmt.Sprintf("%s:%d", p.cfg.BindAddress, p.cfg.Port+p.cfg.HTTPSPortOffset)
		p.httpsServer = &http.Server{
			Addr:    httpsAddr,
			Handler: p.httpsHandler(),
			TLSConfig: &tls.Config{
				GetCertificate: p.getCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := p.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("proxy: https listener: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully stops both listeners within ctx's deadline.
func (p *Proxy) Shutdown(ctx context.Context) error {
	var errs []error
	if p.httpServer != nil {
		if err := p.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.httpsServer != nil {
		if err := p.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.transport.CloseIdleConnections()
	if len(errs) > 0 {
		return fmt.Errorf("proxy: shutdown errors: %v", errs)
	}
	return nil
}

// httpHandler serves the HTTP listener: ACME interception first, then, when
// HTTPS is enabled, a redirect for any host present in the route table,
// then a plain-HTTP forward.
func (p *Proxy) httpHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
			p.handleACMEChallenge(w, r)
			return
		}

		host := extractHost(r.Host)
		if p.cfg.EnableHTTPS {
			if _, ok := p.routes.Lookup(host); ok {
				p.redirectToHTTPS(w, r, host)
				return
			}
		}
		p.forward(w, r, host)
	})
}

// httpsHandler serves the already-TLS-terminated listener: ACME interception
// first (a direct HTTPS challenge probe is tolerated even though HTTP-01
// normally arrives on the HTTP listener), then forward.
func (p *Proxy) httpsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
			p.handleACMEChallenge(w, r)
			return
		}
		p.forward(w, r, extractHost(r.Host))
	})
}

func (p *Proxy) redirectToHTTPS(w http.ResponseWriter, r *http.Request, host string) {
	u := &url.URL{Scheme: "https", Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	if p.cfg.HTTPSPortOffset != 0 {
		u.Host = fmt.Sprintf("%s:%d", host, p.cfg.Port+p.cfg.HTTPSPortOffset)
	}
	http.Redirect(w, r, u.String(), http.StatusMovedPermanently)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, host string) {
	target, ok := p.routes.Lookup(host)
	if !ok {
		http.NotFound(w, r)
		return
	}

	targetURL := &url.URL{Scheme: target.Scheme, Host: fmt.Sprintf("%s:%d", target.Address, target.Port)}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(targetURL)
			pr.SetXForwarded()
			pr.Out.Host = r.Host
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn("proxy: backend unreachable", zap.String("host", host), zap.Error(err))
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func (p *Proxy) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	if p.acme == nil {
		http.NotFound(w, r)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	keyAuth, ok := p.acme.ChallengeResponse(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}

// getCertificate selects a certificate by SNI. An SNI ending in
// ".<production_domain>" or ".localhost" yields a name (the part before that
// suffix) whose self-signed pair is loaded or minted; the route table is not
// consulted, so this happens whether or not such a backend exists. Anything
// else falls back to the proxy's default certificate. Per the "ACME wins"
// precedence, a request for the production domain itself prefers an
// ACME-issued pair over a self-signed one of the same name.
func (p *Proxy) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	sni := strings.ToLower(hello.ServerName)

	if p.cfg.ProductionDomain != "" && sni == strings.ToLower(p.cfg.ProductionDomain) {
		if p.acme != nil && acmeclient.IsEligible(p.cfg.ProductionDomain) {
			if cert, err := p.certs.LoadAcme(p.cfg.ProductionDomain); err == nil {
				if tlsCert, err := cert.TLS(); err == nil {
					return &tlsCert, nil
				}
			}
		}
	}

	if name, ok := p.backendNameFromHost(sni); ok {
		if cert, err := p.certs.LoadOrMint(name, p.sansFor(name), p.cfg.CertValidityDays); err == nil {
			if tlsCert, err := cert.TLS(); err == nil {
				return &tlsCert, nil
			}
		}
	}

	return p.defaultCertificate()
}

func (p *Proxy) backendNameFromHost(host string) (string, bool) {
	if p.cfg.ProductionDomain != "" && strings.HasSuffix(host, "."+strings.ToLower(p.cfg.ProductionDomain)) {
		return strings.TrimSuffix(host, "."+strings.ToLower(p.cfg.ProductionDomain)), true
	}
	if strings.HasSuffix(host, ".localhost") {
		return strings.TrimSuffix(host, ".localhost"), true
	}
	return "", false
}

func (p *Proxy) sansFor(name string) []string {
	sans := []string{name + ".localhost"}
	if p.cfg.ProductionDomain != "" {
		sans = append(sans, fmt.Sprintf("%s.%s", name, p.cfg.ProductionDomain))
	}
	return sans
}

// defaultCertificate mints or loads the proxy's fallback certificate,
// CN = production_domain (or "localhost" with none configured) with SANs
// covering *.production_domain and localhost.
func (p *Proxy) defaultCertificate() (*tls.Certificate, error) {
	p.defaultCertMu.Lock()
	defer p.defaultCertMu.Unlock()

	name := "localhost"
	sans := []string{"localhost"}
	if p.cfg.ProductionDomain != "" {
		name = p.cfg.ProductionDomain
		sans = []string{"*." + p.cfg.ProductionDomain, "localhost"}
	}

	cert, err := p.certs.LoadOrMint(name, sans, p.cfg.CertValidityDays)
	if err != nil {
		return nil, fmt.Errorf("proxy: default certificate: %w", err)
	}
	tlsCert, err := cert.TLS()
	if err != nil {
		return nil, err
	}
	return &tlsCert, nil
}

func extractHost(hostPort string) string {
	host := hostPort
	if h, _, err := net.SplitHostPort(hostPort); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
