// Package config loads and persists rush.toml, the orchestrator's single
// configuration file.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Server holds [server] options.
type Server struct {
	BindAddress      string `toml:"bind_address"`
	PortRangeStart   int    `toml:"port_range_start"`
	PortRangeEnd     int    `toml:"port_range_end"`
	MaxConcurrent    int    `toml:"max_concurrent"`
	ShutdownTimeout  int    `toml:"shutdown_timeout"`
	Workers          int    `toml:"workers"`
	EnableHTTPS      bool   `toml:"enable_https"`
	HTTPSPortOffset  int    `toml:"https_port_offset"`
	CertDir          string `toml:"cert_dir"`
	AutoCert         bool   `toml:"auto_cert"`
	CertValidityDays int    `toml:"cert_validity_days"`
	UseLetsEncrypt   bool   `toml:"use_lets_encrypt"`
	ProductionDomain string `toml:"production_domain"`
	AcmeEmail        string `toml:"acme_email"`
	APIKey           string `toml:"api_key"`
	RateLimitRPS     int    `toml:"rate_limit_rps"`
	RateLimitEnabled bool   `toml:"rate_limit_enabled"`

	// apiKeyFromEnv is set when APIKey was overridden by RSS_API_KEY so
	// Save never writes an environment-sourced key back to disk.
	apiKeyFromEnv bool
}

// Proxy holds [proxy] options.
type Proxy struct {
	Enabled             bool   `toml:"enabled"`
	Port                int    `toml:"port"`
	HTTPSPortOffset     int    `toml:"https_port_offset"`
	BindAddress         string `toml:"bind_address"`
	HealthCheckInterval int    `toml:"health_check_interval"`
	TimeoutMs           int    `toml:"timeout_ms"`
}

// Logging holds [logging] options.
type Logging struct {
	MaxFileSizeMB     int  `toml:"max_file_size_mb"`
	MaxArchiveFiles   int  `toml:"max_archive_files"`
	CompressArchives  bool `toml:"compress_archives"`
	LogRequests       bool `toml:"log_requests"`
	LogSecurityAlerts bool `toml:"log_security_alerts"`
	LogPerformance    bool `toml:"log_performance"`
}

// File is the full rush.toml document. Sections the core doesn't interpret
// ([general], [language], [theme.*]) are decoded into extra as
// map[string]toml.Primitive and written back out verbatim on Save; the
// core only ever reads and mutates Server, Proxy and Logging.
type File struct {
	Server  Server  `toml:"server"`
	Proxy   Proxy   `toml:"proxy"`
	Logging Logging `toml:"logging"`

	baseDir string

	// extra holds every top-level table this package doesn't model
	// itself, keyed by section name, so a TUI-owned [general]/[language]/
	// [theme.*] block survives a core-initiated Save unchanged.
	extra map[string]toml.Primitive
}

var coreSections = map[string]bool{"server": true, "proxy": true, "logging": true}

func defaults() File {
	return File{
		Server: Server{
			BindAddress:      "0.0.0.0",
			PortRangeStart:   8000,
			PortRangeEnd:     8999,
			MaxConcurrent:    50,
			ShutdownTimeout:  10,
			Workers:          4,
			EnableHTTPS:      true,
			HTTPSPortOffset:  1000,
			CertDir:          "certs",
			AutoCert:         true,
			CertValidityDays: 365,
			RateLimitRPS:     20,
			RateLimitEnabled: true,
		},
		Proxy: Proxy{
			Enabled:             true,
			Port:                8080,
			HTTPSPortOffset:     363,
			BindAddress:         "0.0.0.0",
			HealthCheckInterval: 30,
			TimeoutMs:           10000,
		},
		Logging: Logging{
			MaxFileSizeMB:     10,
			MaxArchiveFiles:   5,
			CompressArchives:  true,
			LogRequests:       true,
			LogSecurityAlerts: true,
			LogPerformance:    true,
		},
	}
}

// Load reads rush.toml at path, filling defaults for anything the file
// omits, then applies the RSS_API_KEY environment override.
func Load(path string) (*File, error) {
	f := defaults()
	f.baseDir = filepath.Dir(filepath.Dir(path)) // {base}/.rss/rush.toml -> {base}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}

		var raw map[string]toml.Primitive
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		f.extra = make(map[string]toml.Primitive, len(raw))
		for section, prim := range raw {
			if !coreSections[section] {
				f.extra[section] = prim
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	} else {
		log.Printf("config: %s not found, using defaults", path)
	}

	if env, ok := os.LookupEnv("RSS_API_KEY"); ok && env != "" {
		f.Server.APIKey = env
		f.Server.apiKeyFromEnv = true
	}

	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.Server.PortRangeStart <= 0 || f.Server.PortRangeEnd < f.Server.PortRangeStart {
		return fmt.Errorf("config: invalid port range [%d, %d]", f.Server.PortRangeStart, f.Server.PortRangeEnd)
	}
	if f.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be positive")
	}
	return nil
}

// BaseDir returns the directory containing .rss/ and www/.
func (f *File) BaseDir() string { return f.baseDir }

// APIKeyFromEnv reports whether the active api_key came from RSS_API_KEY.
func (f *File) APIKeyFromEnv() bool { return f.Server.apiKeyFromEnv }

// Save re-serializes the config to path. A key sourced from the environment
// is restored to whatever was last persisted so it is never written back.
// Any non-core section captured by Load (extra) is re-emitted unchanged.
func (f *File) Save(path string) error {
	out := *f
	if out.Server.apiKeyFromEnv {
		var onDisk File
		if _, err := toml.DecodeFile(path, &onDisk); err == nil {
			out.Server.APIKey = onDisk.Server.APIKey
		} else {
			out.Server.APIKey = ""
		}
	}

	doc := map[string]interface{}{
		"server":  out.Server,
		"proxy":   out.Proxy,
		"logging": out.Logging,
	}
	for section, prim := range out.extra {
		var v interface{}
		if err := toml.PrimitiveDecode(prim, &v); err != nil {
			return fmt.Errorf("config: decode preserved section %q: %w", section, err)
		}
		doc[section] = v
	}

	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	enc := toml.NewEncoder(fh)
	if err := enc.Encode(doc); err != nil {
		fh.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: sync: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("config: close: %w", err)
	}
	return os.Rename(tmp, path)
}
