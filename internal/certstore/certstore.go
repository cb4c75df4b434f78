// Package certstore mints and loads TLS certificates: self-signed pairs
// for on-demand HTTPS, and ACME-issued pairs (written by internal/acmeclient).
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Source records where a Certificate came from. ACME-issued certificates
// take precedence over self-signed ones for a given domain.
type Source int

const (
	SelfSigned Source = iota
	Acme
)

// ErrIncomplete is returned when a cert file exists without its matching
// key file (or vice versa).
var ErrIncomplete = errors.New("certstore: incomplete certificate pair")

// Certificate is a loaded or minted TLS pair plus its metadata.
type Certificate struct {
	Subject   string
	SANs      []string
	NotBefore time.Time
	NotAfter  time.Time
	PEMChain  []byte
	PEMKey    []byte
	Source    Source
}

// TLS converts the Certificate into a tls.Certificate for use in a
// tls.Config.
func (c *Certificate) TLS() (tls.Certificate, error) {
	return tls.X509KeyPair(c.PEMChain, c.PEMKey)
}

// Store manages the on-disk certificate directory.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("certstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) selfSignedPaths(name string) (cert, key string) {
	return filepath.Join(s.dir, name+".cert"), filepath.Join(s.dir, name+".key")
}

func (s *Store) acmePaths(domain string) (chain, key string) {
	return filepath.Join(s.dir, domain+".fullchain.pem"), filepath.Join(s.dir, domain+".privkey.pem")
}

// LoadOrMint returns the on-disk self-signed certificate for name if
// present and parseable, otherwise mints, persists and returns a new one.
func (s *Store) LoadOrMint(name string, sans []string, validityDays int) (*Certificate, error) {
	certPath, keyPath := s.selfSignedPaths(name)

	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	if certExists && keyExists {
		cert, err := s.loadPair(certPath, keyPath, SelfSigned)
		if err == nil {
			return cert, nil
		}
		// Fall through to re-mint on parse failure.
	} else if certExists != keyExists {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, name)
	}

	return s.mint(name, sans, validityDays, certPath, keyPath)
}

// LoadAcme reads the ACME-managed pair for domain. ACME and self-signed
// pairs use distinct naming conventions so both can coexist on disk.
func (s *Store) LoadAcme(domain string) (*Certificate, error) {
	chainPath, keyPath := s.acmePaths(domain)

	chainExists := fileExists(chainPath)
	keyExists := fileExists(keyPath)
	if !chainExists && !keyExists {
		return nil, fmt.Errorf("certstore: no acme pair for %s: %w", domain, os.ErrNotExist)
	}
	if chainExists != keyExists {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, domain)
	}
	return s.loadPair(chainPath, keyPath, Acme)
}

// SaveAcme atomically persists an ACME-issued chain+key for domain.
func (s *Store) SaveAcme(domain string, chainPEM, keyPEM []byte) error {
	chainPath, keyPath := s.acmePaths(domain)
	if err := atomicWrite(chainPath, chainPEM, 0o644); err != nil {
		return fmt.Errorf("certstore: write chain: %w", err)
	}
	if err := atomicWrite(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("certstore: write key: %w", err)
	}
	return nil
}

func (s *Store) loadPair(certPath, keyPath string, source Source) (*Certificate, error) {
	chainPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("certstore: read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("certstore: read key: %w", err)
	}

	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return nil, fmt.Errorf("certstore: no PEM block in %s", certPath)
	}
	x509Cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certstore: parse cert: %w", err)
	}

	return &Certificate{
		Subject:   x509Cert.Subject.CommonName,
		SANs:      x509Cert.DNSNames,
		NotBefore: x509Cert.NotBefore,
		NotAfter:  x509Cert.NotAfter,
		PEMChain:  chainPEM,
		PEMKey:    keyPEM,
		Source:    source,
	}, nil
}

func (s *Store) mint(name string, sans []string, validityDays int, certPath, keyPath string) (*Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("certstore: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certstore: generate serial: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(0, 0, validityDays)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     sans,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certstore: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := atomicWrite(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("certstore: write cert: %w", err)
	}
	if err := atomicWrite(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("certstore: write key: %w", err)
	}

	return &Certificate{
		Subject:   name,
		SANs:      sans,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		PEMChain:  certPEM,
		PEMKey:    keyPEM,
		Source:    SelfSigned,
	}, nil
}

// NeedsRenewal reports whether c expires within the given horizon.
func (c *Certificate) NeedsRenewal(horizon time.Duration) bool {
	return time.Until(c.NotAfter) < horizon
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
