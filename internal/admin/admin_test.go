package admin

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/LEVOGNE/rush.sync.server/internal/apikey"
	"github.com/LEVOGNE/rush.sync.server/internal/certstore"
	"github.com/LEVOGNE/rush.sync.server/internal/config"
	"github.com/LEVOGNE/rush.sync.server/internal/manager"
	"github.com/LEVOGNE/rush.sync.server/internal/portalloc"
	"github.com/LEVOGNE/rush.sync.server/internal/ratelimit"
	"github.com/LEVOGNE/rush.sync.server/internal/routetable"
	"github.com/LEVOGNE/rush.sync.server/internal/secdetect"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(filepath.Join(dir, ".rss", "rush.toml"))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.EnableHTTPS = false

	alloc, err := portalloc.New(20000, 20100, "127.0.0.1")
	if err != nil {
		t.Fatalf("portalloc.New() error = %v", err)
	}
	certs, err := certstore.New(filepath.Join(dir, ".rss", "certs"))
	if err != nil {
		t.Fatalf("certstore.New() error = %v", err)
	}

	mgr := manager.New(cfg, alloc, routetable.New(), certs, apikey.New(""), ratelimit.New(0), secdetect.New(), zap.NewNop())
	return New(mgr)
}

func TestCreateAndListCommands(t *testing.T) {
	d := newTestDispatcher(t)

	res := d.Dispatch("create mysite")
	if !res.Success {
		t.Fatalf("create failed: %s", res.Message)
	}

	res = d.Dispatch("list")
	if !res.Success {
		t.Fatalf("list failed: %s", res.Message)
	}
	if res.Message == "" {
		t.Fatalf("list returned empty output")
	}
}

func TestUnknownCommand(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Dispatch("frobnicate")
	if res.Success {
		t.Fatalf("expected failure for unknown command")
	}
}

func TestStartStopBySelector(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch("create site1")

	res := d.Dispatch("start 1")
	if !res.Success {
		t.Fatalf("start failed: %s", res.Message)
	}
	res = d.Dispatch("stop 1")
	if !res.Success {
		t.Fatalf("stop failed: %s", res.Message)
	}
}
