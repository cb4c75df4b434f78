package manager

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/LEVOGNE/rush.sync.server/internal/apikey"
	"github.com/LEVOGNE/rush.sync.server/internal/certstore"
	"github.com/LEVOGNE/rush.sync.server/internal/config"
	"github.com/LEVOGNE/rush.sync.server/internal/portalloc"
	"github.com/LEVOGNE/rush.sync.server/internal/ratelimit"
	"github.com/LEVOGNE/rush.sync.server/internal/routetable"
	"github.com/LEVOGNE/rush.sync.server/internal/secdetect"
)

func newTestManager(t *testing.T, maxConcurrent int) *Manager {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(filepath.Join(dir, ".rss", "rush.toml"))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.MaxConcurrent = maxConcurrent
	cfg.Server.EnableHTTPS = false
	cfg.Server.ShutdownTimeout = 2

	alloc, err := portalloc.New(19000, 19100, "127.0.0.1")
	if err != nil {
		t.Fatalf("portalloc.New() error = %v", err)
	}
	certs, err := certstore.New(filepath.Join(dir, ".rss", "certs"))
	if err != nil {
		t.Fatalf("certstore.New() error = %v", err)
	}

	return New(cfg, alloc, routetable.New(), certs, apikey.New(""), ratelimit.New(0), secdetect.New(), zap.NewNop())
}

func TestCreateAssignsDistinctPorts(t *testing.T) {
	m := newTestManager(t, 10)

	id1, err := m.Create("a", 0)
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	id2, err := m.Create("b", 0)
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}

	recs := m.List()
	var p1, p2 int
	for _, r := range recs {
		if r.ID == id1 {
			p1 = r.Port
		}
		if r.ID == id2 {
			p2 = r.Port
		}
	}
	if p1 == 0 || p2 == 0 || p1 == p2 {
		t.Fatalf("expected distinct nonzero ports, got %d and %d", p1, p2)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t, 10)
	if _, err := m.Create("dup", 0); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create("dup", 0); err == nil {
		t.Fatalf("Create() with duplicate name succeeded, want error")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestManager(t, 10)
	id, err := m.Create("site1", 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Start(id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec := findRecord(m, id)
	if rec.Status != Running {
		t.Fatalf("status after Start = %v, want Running", rec.Status)
	}
	if rec.StartCount != 1 {
		t.Fatalf("StartCount = %d, want 1", rec.StartCount)
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	rec = findRecord(m, id)
	if rec.Status != Stopped {
		t.Fatalf("status after Stop = %v, want Stopped", rec.Status)
	}
	if m.alloc.IsReserved(rec.Port) {
		t.Fatalf("port %d still reserved after Stop", rec.Port)
	}
}

func TestStartRespectsConcurrencyCap(t *testing.T) {
	m := newTestManager(t, 1)
	id1, _ := m.Create("cap1", 0)
	id2, _ := m.Create("cap2", 0)

	if err := m.Start(id1); err != nil {
		t.Fatalf("Start(id1) error = %v", err)
	}
	defer m.Stop(id1)

	err := m.startOne(id2)
	if err == nil {
		t.Fatalf("startOne(id2) succeeded, want ErrConcurrencyCap")
	}
}

func TestSelectorResolution(t *testing.T) {
	m := newTestManager(t, 10)
	idA, _ := m.Create("alpha", 0)
	_, _ = m.Create("beta", 0)
	_, _ = m.Create("gamma", 0)

	byName, err := m.resolveSelector("alpha")
	if err != nil || len(byName) != 1 || byName[0].ID != idA {
		t.Fatalf("resolveSelector(name) = %v, %v", byName, err)
	}

	byIndex, err := m.resolveSelector("1")
	if err != nil || len(byIndex) != 1 || byIndex[0].Name != "alpha" {
		t.Fatalf("resolveSelector(index) = %v, %v", byIndex, err)
	}

	byRange, err := m.resolveSelector("1-2")
	if err != nil || len(byRange) != 2 {
		t.Fatalf("resolveSelector(range) = %v, %v", byRange, err)
	}

	byPrefix, err := m.resolveSelector(idA[:8])
	if err != nil || len(byPrefix) != 1 || byPrefix[0].ID != idA {
		t.Fatalf("resolveSelector(id prefix) = %v, %v", byPrefix, err)
	}

	all, err := m.resolveSelector("all")
	if err != nil || len(all) != 3 {
		t.Fatalf("resolveSelector(all) = %v, %v", all, err)
	}

	if _, err := m.resolveSelector("nope"); err != ErrNoMatch {
		t.Fatalf("resolveSelector(unknown) error = %v, want ErrNoMatch", err)
	}
}

func TestCleanupRemovesTerminalRecords(t *testing.T) {
	m := newTestManager(t, 10)
	id, _ := m.Create("stopped1", 0)

	removed, err := m.Cleanup("stopped")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if rec := findRecord(m, id); rec != nil {
		t.Fatalf("record %s still present after cleanup", id)
	}
}

func findRecord(m *Manager, id string) *Record {
	for _, r := range m.List() {
		r := r
		if r.ID == id {
			return &r
		}
	}
	return nil
}
