// Package manager is the central coordinator (component M): it owns backend
// creation, the start/stop lifecycle state machine, registry persistence,
// selector resolution for administrative commands, and recovery after a
// restart.
package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LEVOGNE/rush.sync.server/internal/apikey"
	"github.com/LEVOGNE/rush.sync.server/internal/backend"
	"github.com/LEVOGNE/rush.sync.server/internal/certstore"
	"github.com/LEVOGNE/rush.sync.server/internal/config"
	"github.com/LEVOGNE/rush.sync.server/internal/hub"
	"github.com/LEVOGNE/rush.sync.server/internal/portalloc"
	"github.com/LEVOGNE/rush.sync.server/internal/ratelimit"
	"github.com/LEVOGNE/rush.sync.server/internal/reqlog"
	"github.com/LEVOGNE/rush.sync.server/internal/routetable"
	"github.com/LEVOGNE/rush.sync.server/internal/secdetect"
)

// bulkChunkSize bounds how many backends a single selector operation starts
// or stops concurrently, so a large range like "1-500" cannot starve other
// administrative commands contending for the registry mutex.
const bulkChunkSize = 16

var (
	ErrConcurrencyCap = errors.New("manager: max_concurrent backends already active")
	ErrNoMatch        = errors.New("manager: selector matched no backend")
	ErrNotFound       = errors.New("manager: backend not found")
	ErrDuplicateName  = errors.New("manager: name already in use")
)

var rangeSelector = regexp.MustCompile(`^(\d+)-(\d+)$`)

// running holds the live pieces of a started backend that do not belong in
// the persisted record.
type running struct {
	srv    *backend.Server
	reqLog *reqlog.Logger
	hub    *hub.Hub
}

// Manager is the backend lifecycle state machine.
type Manager struct {
	cfg          *config.File
	baseDir      string
	registryPath string

	alloc    *portalloc.Allocator
	routes   *routetable.Table
	certs    *certstore.Store
	apiKey   *apikey.Verifier
	limiter  *ratelimit.Limiter
	detector *secdetect.Detector
	log      *zap.Logger

	// mu serializes mutation of order/records/running. Held only across
	// short critical sections (lookup + status flip); never across the
	// network I/O of srv.Start()/srv.Stop().
	mu      sync.Mutex
	order   []string
	records map[string]*Record
	live    map[string]*running
}

// New builds a Manager. The shared middleware components (apiKey, limiter,
// detector, certs) are constructed once by the orchestrator entry and
// threaded into every backend this Manager starts.
func New(cfg *config.File, alloc *portalloc.Allocator, routes *routetable.Table, certs *certstore.Store, apiKey *apikey.Verifier, limiter *ratelimit.Limiter, detector *secdetect.Detector, log *zap.Logger) *Manager {
	base := cfg.BaseDir()
	return &Manager{
		cfg:          cfg,
		baseDir:      base,
		registryPath: filepath.Join(base, ".rss", "servers.list"),
		alloc:        alloc,
		routes:       routes,
		certs:        certs,
		apiKey:       apiKey,
		limiter:      limiter,
		detector:     detector,
		log:          log,
		records:      make(map[string]*Record),
		live:         make(map[string]*running),
	}
}

// Create reserves a port, creates the document root, and persists a new
// Stopped record. name and port are optional: a zero port allocates the
// next free one, an empty name generates one.
func (m *Manager) Create(name string, port int) (string, error) {
	m.mu.Lock()
	if name == "" {
		name = generateName()
	}
	for _, r := range m.records {
		if r.Name == name {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}
	m.mu.Unlock()

	id := uuid.NewString()

	var allocatedPort int
	var err error
	if port == 0 {
		allocatedPort, err = m.alloc.Allocate(id)
	} else {
		err = m.alloc.Reserve(port, id)
		allocatedPort = port
	}
	if err != nil {
		return "", err
	}

	docRoot := m.documentRoot(name, allocatedPort)
	if err := os.MkdirAll(docRoot, 0o755); err != nil {
		m.alloc.Release(allocatedPort)
		return "", fmt.Errorf("manager: create document root: %w", err)
	}

	rec := &Record{
		ID:           id,
		Name:         name,
		Port:         allocatedPort,
		Status:       Stopped,
		CreatedAt:    time.Now(),
		DocumentRoot: docRoot,
		LogPath:      m.logPath(name, allocatedPort),
	}

	m.mu.Lock()
	m.records[id] = rec
	m.order = append(m.order, id)
	err = m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return id, nil
}

// Start resolves selector and starts every matching backend, in chunks of
// bulkChunkSize run concurrently with a runtime yield between chunks.
func (m *Manager) Start(selector string) error {
	return m.runBulk(selector, m.startOne)
}

// Stop resolves selector and stops every matching backend the same way.
func (m *Manager) Stop(selector string) error {
	return m.runBulk(selector, m.stopOne)
}

func (m *Manager) runBulk(selector string, op func(id string) error) error {
	recs, err := m.resolveSelector(selector)
	if err != nil {
		return err
	}

	var errs []error
	for i := 0; i < len(recs); i += bulkChunkSize {
		end := i + bulkChunkSize
		if end > len(recs) {
			end = len(recs)
		}
		chunk := recs[i:end]

		var wg sync.WaitGroup
		errCh := make(chan error, len(chunk))
		for _, rec := range chunk {
			wg.Add(1)
			go func(id, name string) {
				defer wg.Done()
				if err := op(id); err != nil {
					errCh <- fmt.Errorf("%s: %w", name, err)
				}
			}(rec.ID, rec.Name)
		}
		wg.Wait()
		close(errCh)
		for e := range errCh {
			errs = append(errs, e)
		}

		if end < len(recs) {
			runtime.Gosched()
		}
	}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("manager: %d of %d failed: %s", len(errs), len(recs), strings.Join(msgs, "; "))
	}
	return nil
}

func (m *Manager) startOne(id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if rec.Status == Running || rec.Status == Starting {
		m.mu.Unlock()
		return nil
	}
	if m.countActiveLocked() >= m.cfg.Server.MaxConcurrent {
		m.mu.Unlock()
		return ErrConcurrencyCap
	}
	rec.Status = Starting
	m.mu.Unlock()

	rl, err := reqlog.New(rec.LogPath, m.cfg.Logging.MaxFileSizeMB, m.cfg.Logging.MaxArchiveFiles, m.cfg.Logging.CompressArchives)
	if err != nil {
		m.markFailedLocked(id)
		return err
	}
	h := hub.New(rec.Name, rec.Port)

	srv := backend.New(backend.Config{
		Name:             rec.Name,
		Port:             rec.Port,
		HTTPSPortOffset:  m.cfg.Server.HTTPSPortOffset,
		BindAddress:      m.cfg.Server.BindAddress,
		DocumentRoot:     rec.DocumentRoot,
		LogPath:          rec.LogPath,
		ProductionDomain: m.cfg.Server.ProductionDomain,
		ProxyHTTPPort:    m.cfg.Proxy.Port,
		ProxyHTTPSPort:   m.cfg.Proxy.Port + m.cfg.Proxy.HTTPSPortOffset,
		EnableHTTPS:      m.cfg.Server.EnableHTTPS,
		APIKey:           m.apiKey,
		RateLimiter:      m.limiter,
		Detector:         m.detector,
		ReqLog:           rl,
		Hub:              h,
		Certs:            m.certs,
		Log:              m.log,
	})

	if err := srv.Start(); err != nil {
		rl.Close()
		m.alloc.Release(rec.Port)
		m.markFailedLocked(id)
		return fmt.Errorf("manager: start %s: %w", rec.Name, err)
	}

	host := rec.Name + ".localhost"
	if m.cfg.Server.ProductionDomain != "" {
		host = fmt.Sprintf("%s.%s", rec.Name, m.cfg.Server.ProductionDomain)
	}
	m.routes.Insert(host, routetable.Target{Scheme: "http", Address: m.cfg.Server.BindAddress, Port: rec.Port}, id)

	m.mu.Lock()
	rec.Status = Running
	rec.StartCount++
	rec.LastStarted = time.Now()
	m.live[id] = &running{srv: srv, reqLog: rl, hub: h}
	err = m.persistLocked()
	m.mu.Unlock()
	return err
}

func (m *Manager) stopOne(id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if rec.Status != Running {
		m.mu.Unlock()
		return nil
	}
	rec.Status = Stopping
	live := m.live[id]
	m.mu.Unlock()

	if live != nil {
		timeout := time.Duration(m.cfg.Server.ShutdownTimeout) * time.Second
		if err := live.srv.Stop(timeout); err != nil {
			m.log.Warn("backend shutdown did not drain cleanly", zap.String("backend", rec.Name), zap.Error(err))
		}
		live.reqLog.Close()
	}

	m.routes.RemoveByBackend(id)
	m.alloc.Release(rec.Port)

	m.mu.Lock()
	rec.Status = Stopped
	delete(m.live, id)
	err := m.persistLocked()
	m.mu.Unlock()
	return err
}

// Cleanup removes records whose status matches scope ("stopped", "failed",
// or "all" meaning both) along with their registry entry; document roots on
// disk are left untouched.
func (m *Manager) Cleanup(scope string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.order[:0:0]
	for _, id := range m.order {
		rec := m.records[id]
		if matchesScope(rec.Status, scope) {
			delete(m.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept

	if err := m.persistLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

func matchesScope(s Status, scope string) bool {
	switch scope {
	case "stopped":
		return s == Stopped
	case "failed":
		return s == Failed
	case "all":
		return s == Stopped || s == Failed
	default:
		return false
	}
}

// Recovery reads the persisted registry and registers every entry in status
// Stopped, reserving its port so it cannot be handed to a new Create. It
// never starts anything; the caller starts auto_start entries afterward if
// headless auto-start was requested.
func (m *Manager) Recovery() error {
	recs, err := readRegistry(m.registryPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		rec.Status = Stopped
		if err := m.alloc.Reserve(rec.Port, rec.ID); err != nil {
			m.log.Warn("recovery: could not reserve port, skipping backend", zap.String("backend", rec.Name), zap.Int("port", rec.Port), zap.Error(err))
			continue
		}
		m.records[rec.ID] = &rec
		m.order = append(m.order, rec.ID)
	}
	return nil
}

// AutoStartIDs returns the ids of recovered records with auto_start set.
func (m *Manager) AutoStartIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.order {
		if m.records[id].AutoStart {
			ids = append(ids, id)
		}
	}
	return ids
}

// List returns a snapshot of every known record.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.records[id])
	}
	return out
}

func (m *Manager) countActiveLocked() int {
	n := 0
	for _, r := range m.records {
		if r.Status == Starting || r.Status == Running {
			n++
		}
	}
	return n
}

func (m *Manager) markFailedLocked(id string) {
	m.mu.Lock()
	if rec, ok := m.records[id]; ok {
		rec.Status = Failed
	}
	m.persistLocked()
	m.mu.Unlock()
}

// persistLocked writes the registry to disk. Caller must hold m.mu.
func (m *Manager) persistLocked() error {
	records := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		records = append(records, *m.records[id])
	}
	return writeRegistry(m.registryPath, records)
}

func (m *Manager) documentRoot(name string, port int) string {
	return filepath.Join(m.baseDir, "www", fmt.Sprintf("%s-[%d]", name, port))
}

func (m *Manager) logPath(name string, port int) string {
	return filepath.Join(m.baseDir, ".rss", "servers", fmt.Sprintf("%s-[%d].log", name, port))
}

func generateName() string {
	return "site-" + uuid.NewString()[:8]
}

// resolveSelector accepts a literal "all", an N-M range (span capped at
// 500), a 1-based index into creation order, an id prefix, or an exact
// name, and returns the matching records in creation order.
func (m *Manager) resolveSelector(selector string) ([]*Record, error) {
	selector = strings.TrimSpace(selector)

	m.mu.Lock()
	defer m.mu.Unlock()

	if selector == "all" {
		out := make([]*Record, 0, len(m.order))
		for _, id := range m.order {
			out = append(out, m.records[id])
		}
		if len(out) == 0 {
			return nil, ErrNoMatch
		}
		return out, nil
	}

	if sub := rangeSelector.FindStringSubmatch(selector); sub != nil {
		lo, _ := strconv.Atoi(sub[1])
		hi, _ := strconv.Atoi(sub[2])
		if lo < 1 || hi < lo {
			return nil, fmt.Errorf("manager: invalid range %q", selector)
		}
		if hi-lo+1 > 500 {
			hi = lo + 499
		}
		if lo > len(m.order) {
			return nil, ErrNoMatch
		}
		if hi > len(m.order) {
			hi = len(m.order)
		}
		out := make([]*Record, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			out = append(out, m.records[m.order[i-1]])
		}
		return out, nil
	}

	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 1 || idx > len(m.order) {
			return nil, ErrNoMatch
		}
		return []*Record{m.records[m.order[idx-1]]}, nil
	}

	if rec, ok := m.records[selector]; ok {
		return []*Record{rec}, nil
	}
	for _, id := range m.order {
		if strings.HasPrefix(id, selector) {
			return []*Record{m.records[id]}, nil
		}
	}
	for _, id := range m.order {
		if m.records[id].Name == selector {
			return []*Record{m.records[id]}, nil
		}
	}

	return nil, ErrNoMatch
}
