// Command rss is the orchestrator entry (component N): it wires every
// subsystem together, runs recovery, optionally auto-starts marked
// backends, opens the proxy listeners, and waits for a shutdown signal.
//
// cmd/api/main.go wires its dependencies and its signal-driven graceful
// shutdown directly (config.Load -> database.Connect -> route registration
// -> signal.Notify -> goroutine stopping background services ->
// app.Listen); this entry keeps that same top-to-bottom wiring and
// signal-handling shape, substituted for this program's own component
// graph.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"

	"github.com/LEVOGNE/rush.sync.server/internal/acmeclient"
	"github.com/LEVOGNE/rush.sync.server/internal/admin"
	"github.com/LEVOGNE/rush.sync.server/internal/apikey"
	"github.com/LEVOGNE/rush.sync.server/internal/applog"
	"github.com/LEVOGNE/rush.sync.server/internal/certstore"
	"github.com/LEVOGNE/rush.sync.server/internal/config"
	"github.com/LEVOGNE/rush.sync.server/internal/manager"
	"github.com/LEVOGNE/rush.sync.server/internal/portalloc"
	"github.com/LEVOGNE/rush.sync.server/internal/proxy"
	"github.com/LEVOGNE/rush.sync.server/internal/ratelimit"
	"github.com/LEVOGNE/rush.sync.server/internal/routetable"
	"github.com/LEVOGNE/rush.sync.server/internal/secdetect"
)

func main() {
	os.Exit(run())
}

func run() int {
	headless := flag.Bool("headless", false, "run without a TUI, starting marked backends and waiting for a shutdown signal")
	daemon := flag.Bool("daemon", false, "alias for --headless")
	hashKey := flag.String("hash-key", "", "print the HMAC representation of <value> and exit")
	baseDirFlag := flag.String("base-dir", ".", "base directory containing .rss/ and www/")
	flag.Parse()

	if *hashKey != "" {
		fmt.Println(apikey.Hash(*hashKey))
		return 0
	}

	isDaemon := *headless || *daemon

	log, err := applog.New(isDaemon)
	if err != nil {
		fmt.Fprintln(os.Stderr, "applog:", err)
		return 1
	}
	defer log.Sync()

	absBase, err := filepath.Abs(*baseDirFlag)
	if err != nil {
		log.Error("resolve base directory", zap.Error(err))
		return 1
	}

	cfg, err := config.Load(filepath.Join(absBase, ".rss", "rush.toml"))
	if err != nil {
		log.Error("load configuration", zap.Error(err))
		return 1
	}

	// The base directory is process-wide; sync.OnceValue resolves it exactly
	// once. The directory layout and certificate store below are built from
	// that value, and manager.New reads the same value via cfg.BaseDir().
	resolveBaseDir := sync.OnceValue(cfg.BaseDir)
	base := resolveBaseDir()

	for _, dir := range []string{
		filepath.Join(base, ".rss", "servers"),
		filepath.Join(base, "www"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create base directory layout", zap.String("dir", dir), zap.Error(err))
			return 1
		}
	}

	certs, err := certstore.New(filepath.Join(base, ".rss", cfg.Server.CertDir))
	if err != nil {
		log.Error("open certificate store", zap.Error(err))
		return 1
	}

	var acmeClient *acmeclient.Client
	if cfg.Server.UseLetsEncrypt {
		acmeClient = acmeclient.New(log, certs, filepath.Join(base, ".rss", cfg.Server.CertDir), acme.LetsEncryptURL, cfg.Server.AcmeEmail)
		domains := func() []string {
			if cfg.Server.ProductionDomain == "" {
				return nil
			}
			return []string{cfg.Server.ProductionDomain}
		}
		acmeClient.StartRenewalScheduler(domains, func(domain string) {
			log.Info("certificate renewed", zap.String("domain", domain))
		})
		defer acmeClient.StopRenewalScheduler()
	}

	routes := routetable.New()

	alloc, err := portalloc.New(cfg.Server.PortRangeStart, cfg.Server.PortRangeEnd, cfg.Server.BindAddress)
	if err != nil {
		log.Error("build port allocator", zap.Error(err))
		return 1
	}

	px := proxy.New(proxy.Config{
		BindAddress:      cfg.Proxy.BindAddress,
		Port:             cfg.Proxy.Port,
		HTTPSPortOffset:  cfg.Proxy.HTTPSPortOffset,
		ProductionDomain: cfg.Server.ProductionDomain,
		TimeoutMs:        cfg.Proxy.TimeoutMs,
		EnableHTTPS:      cfg.Server.EnableHTTPS,
		CertValidityDays: cfg.Server.CertValidityDays,
	}, routes, certs, acmeClient, log)

	apiKeyVerifier := apikey.New(cfg.Server.APIKey)

	rps := 0
	if cfg.Server.RateLimitEnabled {
		rps = cfg.Server.RateLimitRPS
	}
	limiter := ratelimit.New(rps)
	defer limiter.Stop()

	detector := secdetect.New()

	mgr := manager.New(cfg, alloc, routes, certs, apiKeyVerifier, limiter, detector, log)
	dispatch := admin.New(mgr)
	go readAdminCommands(dispatch, log)

	if err := mgr.Recovery(); err != nil {
		log.Error("recovery", zap.Error(err))
		return 1
	}

	if isDaemon {
		for _, id := range mgr.AutoStartIDs() {
			if err := mgr.Start(id); err != nil {
				log.Warn("auto-start failed", zap.String("backend", id), zap.Error(err))
			}
		}
	}

	if cfg.Proxy.Enabled {
		if err := px.Start(); err != nil {
			log.Error("proxy bind failed", zap.Error(err))
			return 2
		}
	}

	log.Info("rss ready", zap.Bool("daemon", isDaemon), zap.String("base_dir", base))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", zap.String("signal", sig.String()))

	if err := mgr.Stop("all"); err != nil && !errors.Is(err, manager.ErrNoMatch) {
		log.Warn("stop(all) reported errors", zap.Error(err))
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cfg.Proxy.Enabled {
		if err := px.Shutdown(ctx); err != nil {
			log.Warn("proxy shutdown error", zap.Error(err))
		}
	}

	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}

// readAdminCommands is the command/event channel for administrative
// actions (component O's transport): one textual command per line on
// stdin, dispatched through admin.Dispatcher, with the Result echoed as
// JSON on stdout. Returns when stdin is closed.
func readAdminCommands(dispatch *admin.Dispatcher, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		res := dispatch.Dispatch(line)
		data, err := json.Marshal(res)
		if err != nil {
			log.Warn("encode admin result", zap.Error(err))
			continue
		}
		fmt.Println(string(data))
	}
	if err := scanner.Err(); err != nil {
		log.Warn("admin command stream closed with error", zap.Error(err))
	}
}
