package reqlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAndStats(t *testing.T) {
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "app.log"), 10, 5, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer l.Close()

	if err := l.Write(Record{Timestamp: time.Now(), EventType: Request, IP: "1.2.3.4", Status: 200, ResponseTimeMs: 5}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := l.Write(Record{Timestamp: time.Now(), EventType: Request, IP: "1.2.3.4", Status: 500, ResponseTimeMs: 15}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	stats := l.Stats()
	if stats.TotalRequests != 2 {
		t.Fatalf("TotalRequests = %d, want 2", stats.TotalRequests)
	}
	if stats.ErrorRequests != 1 {
		t.Fatalf("ErrorRequests = %d, want 1", stats.ErrorRequests)
	}
	if stats.UniqueIPs != 1 {
		t.Fatalf("UniqueIPs = %d, want 1", stats.UniqueIPs)
	}
}

func TestRedactsSensitiveHeaders(t *testing.T) {
	out := RedactHeaders(map[string]string{
		"Authorization": "Bearer xyz",
		"X-Api-Key":     "secret",
		"Accept":        "application/json",
	})
	if out["Authorization"] != "[FILTERED]" {
		t.Fatalf("Authorization = %q, want [FILTERED]", out["Authorization"])
	}
	if out["X-Api-Key"] != "[FILTERED]" {
		t.Fatalf("X-Api-Key = %q, want [FILTERED]", out["X-Api-Key"])
	}
	if out["Accept"] != "application/json" {
		t.Fatalf("Accept was redacted, want passthrough")
	}
}

func TestRotationCreatesArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	// maxFileSizeMB=0 disables size-based rotation in Write, so size the
	// file in bytes directly via a tiny custom threshold instead.
	l, err := New(path, 0, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	l.maxFileSizeBytes = 10 // force rotation almost immediately
	defer l.Close()

	for i := 0; i < 5; i++ {
		if err := l.Write(Record{Timestamp: time.Now(), EventType: Request, IP: "1.1.1.1", Status: 200}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if _, err := os.Stat(l.archiveLogPath(1)); err != nil {
		t.Fatalf("expected archive .1.log to exist: %v", err)
	}
}
