package certstore

import (
	"testing"
	"time"
)

func TestMintThenLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cert, err := s.LoadOrMint("app", []string{"app.example.com"}, 365)
	if err != nil {
		t.Fatalf("LoadOrMint() error = %v", err)
	}
	if cert.Source != SelfSigned {
		t.Fatalf("Source = %v, want SelfSigned", cert.Source)
	}
	if _, err := cert.TLS(); err != nil {
		t.Fatalf("TLS() error = %v", err)
	}

	again, err := s.LoadOrMint("app", []string{"app.example.com"}, 365)
	if err != nil {
		t.Fatalf("second LoadOrMint() error = %v", err)
	}
	if string(again.PEMChain) != string(cert.PEMChain) {
		t.Fatalf("second LoadOrMint minted a new cert instead of loading the existing one")
	}
}

func TestNeedsRenewal(t *testing.T) {
	c := &Certificate{NotAfter: time.Now().Add(10 * 24 * time.Hour)}
	if !c.NeedsRenewal(30 * 24 * time.Hour) {
		t.Fatalf("NeedsRenewal() = false for cert expiring in 10 days with 30-day horizon")
	}
	c2 := &Certificate{NotAfter: time.Now().Add(60 * 24 * time.Hour)}
	if c2.NeedsRenewal(30 * 24 * time.Hour) {
		t.Fatalf("NeedsRenewal() = true for cert expiring in 60 days with 30-day horizon")
	}
}

func TestIncompletePairError(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	certPath, _ := s.selfSignedPaths("partial")
	if err := atomicWrite(certPath, []byte("not a real cert"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadOrMint("partial", nil, 30); err == nil {
		t.Fatalf("LoadOrMint() error = nil, want ErrIncomplete for cert without key")
	}
}

func TestLoadAcmeMissing(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	if _, err := s.LoadAcme("example.com"); err == nil {
		t.Fatalf("LoadAcme() error = nil, want not-exist error")
	}
}

func TestSaveAndLoadAcme(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)

	mint, err := s.LoadOrMint("tmp", []string{"example.com"}, 90)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAcme("example.com", mint.PEMChain, mint.PEMKey); err != nil {
		t.Fatalf("SaveAcme() error = %v", err)
	}

	loaded, err := s.LoadAcme("example.com")
	if err != nil {
		t.Fatalf("LoadAcme() error = %v", err)
	}
	if loaded.Source != Acme {
		t.Fatalf("Source = %v, want Acme", loaded.Source)
	}
}
