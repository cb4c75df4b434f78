// Package acmeclient implements RFC 8555 HTTP-01 certificate issuance
// against a single pinned ACME directory, on top of the low-level wire
// client in golang.org/x/crypto/acme, the same building block komuw/ong's
// internal/acme layers its own HTTP-01 orchestration over.
package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
	"go.uber.org/zap"

	"github.com/LEVOGNE/rush.sync.server/internal/certstore"
)

// ErrLocalDomain is returned by Obtain when the domain is not eligible for
// ACME (empty, "localhost", or a bare IP address) — the Open Question
// decision in SPEC_FULL.md: ACME is disabled for non-public names.
var ErrLocalDomain = errors.New("acmeclient: domain is not publicly resolvable, refusing ACME")

const accountKeyFileName = "acme-account.key"

// Client drives HTTP-01 issuance and renewal against a single directory.
type Client struct {
	log        *zap.Logger
	store      *certstore.Store
	certDir    string
	directory  string
	contact    string
	wire       *acme.Client
	mu         sync.Mutex // serializes account registration
	registered bool

	challengeMu sync.RWMutex
	challenges  map[string]string // token -> key authorization

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Client. directoryURL is the pinned ACME directory endpoint
// (e.g. Let's Encrypt's production or staging directory).
func New(log *zap.Logger, store *certstore.Store, certDir, directoryURL, contactEmail string) *Client {
	return &Client{
		log:        log,
		store:      store,
		certDir:    certDir,
		directory:  directoryURL,
		contact:    contactEmail,
		challenges: make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

// IsEligible reports whether domain may be issued an ACME certificate,
// implementing the "ACME on localhost" Open Question decision.
func IsEligible(domain string) bool {
	if domain == "" || strings.EqualFold(domain, "localhost") {
		return false
	}
	if net.ParseIP(domain) != nil {
		return false
	}
	return true
}

// ChallengeResponse returns the key authorization for token, if one is
// currently published, for the proxy's well-known interception (4.L).
func (c *Client) ChallengeResponse(token string) (string, bool) {
	c.challengeMu.RLock()
	defer c.challengeMu.RUnlock()
	v, ok := c.challenges[token]
	return v, ok
}

func (c *Client) publishChallenge(token, keyAuth string) {
	c.challengeMu.Lock()
	defer c.challengeMu.Unlock()
	c.challenges[token] = keyAuth
}

func (c *Client) retireChallenge(token string) {
	c.challengeMu.Lock()
	defer c.challengeMu.Unlock()
	delete(c.challenges, token)
}

func (c *Client) ensureAccount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}

	keyPath := filepath.Join(c.certDir, accountKeyFileName)
	key, err := loadOrGenerateAccountKey(keyPath)
	if err != nil {
		return fmt.Errorf("acmeclient: account key: %w", err)
	}

	c.wire = &acme.Client{
		Key:          key,
		DirectoryURL: c.directory,
	}

	account := &acme.Account{}
	if c.contact != "" {
		account.Contact = []string{"mailto:" + c.contact}
	}
	if _, err := c.wire.Register(ctx, account, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return fmt.Errorf("acmeclient: register account: %w", err)
	}
	c.registered = true
	return nil
}

// Obtain runs the full HTTP-01 order/authorize/finalize flow for domain
// and persists the resulting chain+key via the certificate store.
func (c *Client) Obtain(ctx context.Context, domain string) (*certstore.Certificate, error) {
	if !IsEligible(domain) {
		return nil, ErrLocalDomain
	}
	if err := c.ensureAccount(ctx); err != nil {
		return nil, err
	}

	order, err := c.wire.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, fmt.Errorf("acmeclient: authorize order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := c.completeAuthorization(ctx, authzURL); err != nil {
			return nil, fmt.Errorf("acmeclient: authorization %s: %w", authzURL, err)
		}
	}

	csrKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: generate csr key: %w", err)
	}
	csr, err := certRequest(csrKey, domain)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: build csr: %w", err)
	}

	der, _, err := c.wire.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: finalize order: %w", err)
	}

	chainPEM := encodeChain(der)
	keyPEM, err := encodeECKey(csrKey)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: encode key: %w", err)
	}

	if err := c.store.SaveAcme(domain, chainPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("acmeclient: persist: %w", err)
	}
	c.log.Info("acme certificate issued", zap.String("domain", domain))

	return c.store.LoadAcme(domain)
}

func (c *Client) completeAuthorization(ctx context.Context, authzURL string) error {
	authz, err := c.wire.GetAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, ch := range authz.Challenges {
		if ch.Type == "http-01" {
			chal = ch
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", authzURL)
	}

	keyAuth, err := c.wire.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return err
	}
	c.publishChallenge(chal.Token, keyAuth)
	defer c.retireChallenge(chal.Token)

	if _, err := c.wire.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}

	_, err = c.wire.WaitAuthorization(ctx, authzURL)
	return err
}

// StartRenewalScheduler wakes every 24h and renews any domain in domains()
// whose certificate expires within 30 days, using the same ticker+stopChan
// background-service shape as services.BackupSchedulerService.
func (c *Client) StartRenewalScheduler(domains func() []string, onRenewed func(domain string)) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		c.renewDue(domains(), onRenewed)
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.renewDue(domains(), onRenewed)
			}
		}
	}()
}

// StopRenewalScheduler halts the background renewal goroutine.
func (c *Client) StopRenewalScheduler() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

const renewalHorizon = 30 * 24 * time.Hour

func (c *Client) renewDue(domains []string, onRenewed func(domain string)) {
	for _, domain := range domains {
		cert, err := c.store.LoadAcme(domain)
		if err == nil && !cert.NeedsRenewal(renewalHorizon) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		_, err = c.Obtain(ctx, domain)
		cancel()
		if err != nil {
			c.log.Warn("acme renewal failed, retrying next tick", zap.String("domain", domain), zap.Error(err))
			continue
		}
		if onRenewed != nil {
			onRenewed(domain)
		}
	}
}

func loadOrGenerateAccountKey(path string) (*ecdsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block != nil {
			if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
				return key, nil
			}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func encodeECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func encodeChain(der [][]byte) []byte {
	var out []byte
	for _, b := range der {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})...)
	}
	return out
}
