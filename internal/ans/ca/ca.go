// Package ca implements the CertificateAuthority: CSR
// issuance, revocation, and chain verification against an in-system
// self-signed root.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/cryptoutil"
	"ans/internal/ans/security"
)

// DefaultCertTTL is the certificate validity window when none is given.
const DefaultCertTTL = 365 * 24 * time.Hour

// agentIDPattern mirrors the ANS name agent_id token grammar: CNs
// submitted for issuance must be valid agent IDs.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RevocationReason is the RFC 5280 CRL reason code set.
type RevocationReason int

const (
	ReasonUnspecified RevocationReason = iota
	ReasonKeyCompromise
	ReasonCACompromise
	ReasonAffiliationChanged
	ReasonSuperseded
	ReasonCessationOfOperation
	ReasonCertificateHold
	ReasonRemoveFromCRL
	ReasonPrivilegeWithdrawn
	ReasonAACompromise
)

func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "caCompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aaCompromise"
	default:
		return "unknown"
	}
}

// RevocationEntry records a single revocation.
type RevocationEntry struct {
	Serial    string
	RevokedAt time.Time
	Reason    RevocationReason
}

// Certificate wraps an issued X.509 certificate with its PEM form.
type Certificate struct {
	X509   *x509.Certificate
	Serial string
	PEM    []byte
}

// Config configures a CA instance.
type Config struct {
	Name     string
	CertTTL  time.Duration
	Clock    func() time.Time
	Security *security.Config // nil uses security.DefaultConfig
}

// CA is the in-system Certificate Authority: a self-signed root key and
// certificate plus the serial/revocation bookkeeping needed to issue,
// revoke, and verify leaf certificates.
type CA struct {
	key     *rsa.PrivateKey
	cert    *x509.Certificate
	certTTL time.Duration
	clock   func() time.Time

	policy *security.Validator

	mu          sync.RWMutex
	issued      map[string]struct{}
	revocations map[string]*RevocationEntry
	serialCtr   uint64
}

// New creates a fresh CA with a freshly generated RSA key and
// self-signed root certificate.
func New(cfg Config) (*CA, error) {
	if cfg.Name == "" {
		cfg.Name = "ANS Root CA"
	}

	if cfg.CertTTL <= 0 {
		cfg.CertTTL = DefaultCertTTL
	}

	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	key, err := cryptoutil.GenerateKeyPair(cryptoutil.DefaultRSABits)
	if err != nil {
		return nil, err
	}

	rootSerial, err := randomSerial(0)
	if err != nil {
		return nil, err
	}

	cert, err := cryptoutil.BuildSelfSignedCA(cfg.Name, rootSerial, cfg.Clock(), 10*cfg.CertTTL, key)
	if err != nil {
		return nil, err
	}

	return &CA{
		key:         key,
		cert:        cert,
		certTTL:     cfg.CertTTL,
		clock:       cfg.Clock,
		policy:      security.NewValidator(cfg.Security),
		issued:      make(map[string]struct{}),
		revocations: make(map[string]*RevocationEntry),
	}, nil
}

// Certificate returns the CA's own root certificate.
func (c *CA) Certificate() *x509.Certificate { return c.cert }

// PrivateKey exposes the CA key so the OCSP responder can sign its
// responses with it.
func (c *CA) PrivateKey() *rsa.PrivateKey { return c.key }

// Issue validates csrPEM and, on success, signs and records a new leaf
// certificate. The CSR's CN must be a non-empty valid agent-id token,
// and the CSR and the resulting certificate must both satisfy the CA's
// security policy (key size, signature algorithm, validity window,
// required extensions) before issuance is committed.
func (c *CA) Issue(csrPEM []byte) (*Certificate, error) {
	csr, err := cryptoutil.ParseCSRPEM(csrPEM)
	if err != nil {
		return nil, err
	}

	cn := csr.Subject.CommonName
	if cn == "" || !agentIDPattern.MatchString(cn) {
		return nil, apperr.New(apperr.InvalidCSR, fmt.Sprintf("CSR common name %q is not a valid agent id", cn))
	}

	ctx := context.Background()

	csrResult, err := c.policy.ValidateCSR(ctx, csr)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidCSR, "validate CSR security policy", err)
	}

	if !csrResult.Valid {
		return nil, apperr.New(apperr.InvalidCSR, fmt.Sprintf("CSR violates security policy: %s", strings.Join(csrResult.Errors, "; ")))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	serial, err := c.freshSerialLocked()
	if err != nil {
		return nil, err
	}

	now := c.clock()

	x509Cert, err := cryptoutil.BuildAndSignCertificate(cn, csr.PublicKey, serial, now, c.certTTL, c.cert, c.key)
	if err != nil {
		return nil, err
	}

	certResult, err := c.policy.ValidateCertificate(ctx, x509Cert)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidCSR, "validate certificate security policy", err)
	}

	if !certResult.Valid {
		return nil, apperr.New(apperr.InvalidCSR, fmt.Sprintf("issued certificate violates security policy: %s", strings.Join(certResult.Errors, "; ")))
	}

	c.issued[serial.Text(16)] = struct{}{}

	return &Certificate{
		X509:   x509Cert,
		Serial: serial.Text(16),
		PEM:    cryptoutil.ToPEM(x509Cert),
	}, nil
}

// freshSerialLocked picks a fresh serial: a monotonic counter combined
// with a random 64-bit component to avoid collisions across restarts,
// Caller must hold c.mu.
func (c *CA) freshSerialLocked() (*big.Int, error) {
	for {
		c.serialCtr++

		candidate, err := randomSerial(c.serialCtr)
		if err != nil {
			return nil, err
		}

		key := candidate.Text(16)
		if _, exists := c.issued[key]; !exists {
			return candidate, nil
		}
	}
}

func randomSerial(counter uint64) (*big.Int, error) {
	randPart, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "generate random serial component", err)
	}

	serial := new(big.Int).Lsh(big.NewInt(0).SetUint64(counter), 64)
	serial.Or(serial, randPart)
	// Ensure strictly positive, non-zero serials.
	serial.SetBit(serial, 0, 1)

	return serial, nil
}

// Revoke adds a RevocationEntry for serial. Idempotent: a second call
// for an already-revoked serial returns the existing entry unchanged.
func (c *CA) Revoke(serial string, reason RevocationReason) (*RevocationEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.revocations[serial]; ok {
		return existing, nil
	}

	entry := &RevocationEntry{Serial: serial, RevokedAt: c.clock(), Reason: reason}
	c.revocations[serial] = entry

	return entry, nil
}

// IsRevoked reports whether serial has been revoked, and the entry if so.
func (c *CA) IsRevoked(serial string) (*RevocationEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.revocations[serial]

	return entry, ok
}

// WasIssued reports whether serial was issued by this CA.
func (c *CA) WasIssued(serial string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.issued[serial]

	return ok
}

// VerifyChain rejects cert if it was not signed by this CA, is expired
// per the CA's clock, or has been revoked. Revocation is consulted
// first so a revoked certificate is rejected without touching the
// signature/expiry checks.
func (c *CA) VerifyChain(cert *x509.Certificate) error {
	serial := cert.SerialNumber.Text(16)

	if entry, revoked := c.IsRevoked(serial); revoked {
		return apperr.New(apperr.CertificateRevoked, fmt.Sprintf("certificate %s revoked at %s (%s)", serial, entry.RevokedAt, entry.Reason))
	}

	if err := cryptoutil.VerifyCertSignature(cert, c.cert); err != nil {
		return err
	}

	now := c.clock()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return apperr.New(apperr.CertificateExpired, fmt.Sprintf("certificate %s not valid at %s", serial, now))
	}

	return nil
}
