package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".rss", "rush.toml")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Server.PortRangeStart != 8000 || f.Server.PortRangeEnd != 8999 {
		t.Fatalf("unexpected default port range: %+v", f.Server)
	}
	if f.BaseDir() != dir {
		t.Fatalf("BaseDir() = %q, want %q", f.BaseDir(), dir)
	}
}

func TestEnvOverrideNeverPersisted(t *testing.T) {
	dir := t.TempDir()
	rssDir := filepath.Join(dir, ".rss")
	if err := os.MkdirAll(rssDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(rssDir, "rush.toml")

	if err := os.WriteFile(path, []byte("[server]\napi_key = \"onfile\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RSS_API_KEY", "fromenv")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Server.APIKey != "fromenv" {
		t.Fatalf("APIKey = %q, want fromenv", f.Server.APIKey)
	}
	if !f.APIKeyFromEnv() {
		t.Fatalf("APIKeyFromEnv() = false, want true")
	}

	if err := f.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var reread File
	if _, err := toml.DecodeFile(path, &reread); err != nil {
		t.Fatalf("reread error = %v", err)
	}
	if reread.Server.APIKey != "onfile" {
		t.Fatalf("persisted api_key = %q, want onfile (env key must never be saved)", reread.Server.APIKey)
	}
}

func TestExtraSectionsPreservedOnSave(t *testing.T) {
	dir := t.TempDir()
	rssDir := filepath.Join(dir, ".rss")
	if err := os.MkdirAll(rssDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(rssDir, "rush.toml")

	const initial = "[general]\nstartup_animation = true\n\n[language]\nlocale = \"en\"\n\n[theme.dark]\naccent = \"#ff00ff\"\n\n[server]\nmax_concurrent = 7\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Server.MaxConcurrent != 7 {
		t.Fatalf("MaxConcurrent = %d, want 7", f.Server.MaxConcurrent)
	}

	f.Server.MaxConcurrent = 9
	if err := f.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var reread map[string]interface{}
	if _, err := toml.DecodeFile(path, &reread); err != nil {
		t.Fatalf("reread error = %v", err)
	}
	general, ok := reread["general"].(map[string]interface{})
	if !ok || general["startup_animation"] != true {
		t.Fatalf("general section not preserved: %+v", reread["general"])
	}
	language, ok := reread["language"].(map[string]interface{})
	if !ok || language["locale"] != "en" {
		t.Fatalf("language section not preserved: %+v", reread["language"])
	}
	theme, ok := reread["theme"].(map[string]interface{})
	if !ok {
		t.Fatalf("theme section not preserved: %+v", reread["theme"])
	}
	dark, ok := theme["dark"].(map[string]interface{})
	if !ok || dark["accent"] != "#ff00ff" {
		t.Fatalf("theme.dark section not preserved: %+v", theme["dark"])
	}

	server, ok := reread["server"].(map[string]interface{})
	if !ok || server["max_concurrent"] != int64(9) {
		t.Fatalf("server.max_concurrent not updated: %+v", reread["server"])
	}
}

func TestInvalidPortRangeRejected(t *testing.T) {
	dir := t.TempDir()
	rssDir := filepath.Join(dir, ".rss")
	if err := os.MkdirAll(rssDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(rssDir, "rush.toml")
	if err := os.WriteFile(path, []byte("[server]\nport_range_start = 9000\nport_range_end = 8000\nmax_concurrent=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("Load() error = nil, want error for inverted port range")
	}
}
