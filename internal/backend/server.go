// Package backend implements the per-site HTTP server (component K): static
// file serving with hot-reload injection, a small REST surface, a file
// upload API, and a WebSocket endpoint wired to the site's hot-reload hub.
package backend

import (
	"crypto/tls"
	"fmt"
	"html"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/LEVOGNE/rush.sync.server/internal/apikey"
	"github.com/LEVOGNE/rush.sync.server/internal/certstore"
	"github.com/LEVOGNE/rush.sync.server/internal/hub"
	"github.com/LEVOGNE/rush.sync.server/internal/ratelimit"
	"github.com/LEVOGNE/rush.sync.server/internal/reqlog"
	"github.com/LEVOGNE/rush.sync.server/internal/secdetect"
	"github.com/LEVOGNE/rush.sync.server/internal/watcher"
)

// Config configures one Server instance.
type Config struct {
	Name            string
	Port            int
	HTTPSPortOffset int
	BindAddress     string
	DocumentRoot    string
	LogPath         string
	ProductionDomain string
	ProxyHTTPPort   int
	ProxyHTTPSPort  int
	EnableHTTPS     bool

	APIKey      *apikey.Verifier
	RateLimiter *ratelimit.Limiter
	Detector    *secdetect.Detector
	ReqLog      *reqlog.Logger
	Hub         *hub.Hub
	Certs       *certstore.Store
	Log         *zap.Logger
}

// Server is one hosted site's bound listener(s).
type Server struct {
	cfg Config
	app *fiber.App

	httpLn  net.Listener
	httpsLn net.Listener

	watcher *watcher.Watcher

	requests int64
}

// placeholders is the closed set of template substitutions honored in
// served HTML (spec 4.K).
func (s *Server) placeholders() map[string]string {
	return map[string]string{
		"{{SERVER_NAME}}":        html.EscapeString(s.cfg.Name),
		"{{PORT}}":               strconv.Itoa(s.cfg.Port),
		"{{PROXY_HTTP_PORT}}":    strconv.Itoa(s.cfg.ProxyHTTPPort),
		"{{PROXY_HTTPS_PORT}}":   strconv.Itoa(s.cfg.ProxyHTTPSPort),
	}
}

const hotReloadBootstrap = `<script src="/rss.js"></script>`

// New builds a Server but does not bind any sockets yet.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}

	app := fiber.New(fiber.Config{
		AppName:               "rss-backend-" + cfg.Name,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	// Middleware order follows the request dataflow J->I->G->H: the
	// logger wraps every downstream stage (so even a 401 or 429 gets
	// logged), the detector inspects next, the rate limiter guards only
	// the /api surface, and the API key check runs last, closest to the
	// handlers it protects.
	app.Use(s.requestLogMiddleware())
	app.Use(s.securityDetectMiddleware())
	if cfg.RateLimiter != nil {
		app.Use("/api", cfg.RateLimiter.Middleware())
	}
	if cfg.APIKey != nil {
		app.Use(cfg.APIKey.Middleware())
	}

	app.Get("/rss.js", s.handleHotReloadScript)

	app.Get("/api/health", s.handleHealth)
	app.Get("/api/status", s.handleStatus)
	app.Get("/api/info", s.handleInfo)
	app.Get("/api/metrics", s.handleMetrics)
	app.Get("/api/stats", s.handleStats)
	app.Get("/api/ping", s.handlePing)
	app.Get("/api/logs/raw", s.handleLogsRaw)

	app.Get("/api/files", s.handleListFiles)
	app.Put("/api/files/*", s.handleUploadFile)
	app.Delete("/api/files/*", s.handleDeleteFile)

	app.Use("/ws/hot-reload", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/hot-reload", websocket.New(s.handleHotReloadWS))

	app.Get("/*", s.handleStatic)

	s.app = app
	return s
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"success": false, "message": err.Error()})
}

// requestLogMiddleware is the outermost middleware (J): it wraps every
// downstream stage so the logged record reflects whatever status the
// request finally resolved to, including a 401 from the API-key check or
// a 429 from the rate limiter.
func (s *Server) requestLogMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()
		if err != nil {
			// Turn a returned error into its response now, so the logged
			// status is the one the client receives.
			if herr := s.errorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}
		atomic.AddInt64(&s.requests, 1)

		if s.cfg.ReqLog != nil {
			werr := s.cfg.ReqLog.Write(reqlog.Record{
				Timestamp:      time.Now(),
				EventType:      reqlog.Request,
				IP:             c.IP(),
				Method:         c.Method(),
				Path:           c.Path(),
				Status:         c.Response().StatusCode(),
				Bytes:          int64(len(c.Response().Body())),
				ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
				Headers:        headerMap(c),
			})
			if werr != nil {
				s.cfg.Log.Warn("request log write failed", zap.String("backend", s.cfg.Name), zap.Error(werr))
			}
		}
		return err
	}
}

// securityDetectMiddleware runs next (I): it inspects the request before
// the rate limiter or API-key check see it, and never blocks — only logs.
func (s *Server) securityDetectMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.cfg.Detector != nil {
			alerts := s.cfg.Detector.Inspect(c.Path(), string(c.Request().URI().QueryString()))
			for _, a := range alerts {
				if s.cfg.ReqLog != nil {
					s.cfg.ReqLog.Write(reqlog.Record{
						Timestamp: time.Now(),
						EventType: reqlog.SecurityAlert,
						IP:        c.IP(),
						Path:      c.Path(),
						Message:   fmt.Sprintf("%s: %s", a.Kind, a.Detail),
					})
				}
			}
		}
		return c.Next()
	}
}

func headerMap(c *fiber.Ctx) map[string]string {
	out := make(map[string]string)
	c.Request().Header.VisitAll(func(k, v []byte) {
		out[string(k)] = string(v)
	})
	return out
}

// Start binds the HTTP listener, and the HTTPS listener if enabled. An
// HTTPS bind failure is logged and the server continues on HTTP only, per
// spec 4.K / 4.M failure semantics.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("backend %s: bind http: %w", s.cfg.Name, err)
	}
	s.httpLn = ln
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.cfg.Log.Warn("http listener stopped", zap.String("backend", s.cfg.Name), zap.Error(err))
		}
	}()

	if s.cfg.EnableHTTPS && s.cfg.Certs != nil {
		cert, err := s.cfg.Certs.LoadOrMint(s.cfg.Name, s.sans(), 365)
		if err != nil {
			s.cfg.Log.Warn("https bind skipped: cert mint failed", zap.String("backend", s.cfg.Name), zap.Error(err))
		} else if tlsCert, err := cert.TLS(); err != nil {
			s.cfg.Log.Warn("https bind skipped: cert parse failed", zap.String("backend", s.cfg.Name), zap.Error(err))
		} else {
			httpsAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port+s.cfg.HTTPSPortOffset)
			httpsLn, err := tls.Listen("tcp", httpsAddr, &tls.Config{Certificates: []tls.Certificate{tlsCert}})
			if err != nil {
				s.cfg.Log.Warn("https bind failed, continuing http-only", zap.String("backend", s.cfg.Name), zap.Error(err))
			} else {
				s.httpsLn = httpsLn
				go func() {
					if err := s.app.Listener(httpsLn); err != nil {
						s.cfg.Log.Warn("https listener stopped", zap.String("backend", s.cfg.Name), zap.Error(err))
					}
				}()
			}
		}
	}

	w, err := watcher.New(s.cfg.DocumentRoot, s.cfg.Log)
	if err == nil {
		if err := w.Start(); err == nil {
			s.watcher = w
			go s.pumpWatcherEvents()
		}
	}
	return nil
}

func (s *Server) sans() []string {
	sans := []string{fmt.Sprintf("%s.localhost", s.cfg.Name)}
	if s.cfg.ProductionDomain != "" {
		sans = append(sans, fmt.Sprintf("%s.%s", s.cfg.Name, s.cfg.ProductionDomain))
	}
	return sans
}

func (s *Server) pumpWatcherEvents() {
	for ev := range s.watcher.C {
		if s.cfg.Hub != nil {
			s.cfg.Hub.Broadcast(string(ev.Kind), ev.Path, ev.Extension)
		}
	}
}

// Stop drains in-flight requests (bounded by timeout), closes both
// listeners (fiber's ShutdownWithTimeout closes every listener attached to
// the app), and stops the watcher.
func (s *Server) Stop(timeout time.Duration) error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return s.app.ShutdownWithTimeout(timeout)
}

// RequestCount returns the number of requests served so far.
func (s *Server) RequestCount() int64 { return atomic.LoadInt64(&s.requests) }

// resolveServedPath canonicalizes requestPath against root and rejects
// traversal outside of it.
func resolveServedPath(root, requestPath string) (string, error) {
	clean := filepath.Clean("/" + requestPath)
	full := filepath.Join(root, clean)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("backend: path escapes document root")
	}
	return fullAbs, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
