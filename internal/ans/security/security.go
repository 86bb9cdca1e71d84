// Package security implements the certificate security policy the CA
// consults before it commits an issuance (the CSR before signing, the
// built certificate before it is recorded): minimum key sizes, a signature-algorithm
// allow-list, a maximum validity window, and the extension checks a
// well-formed leaf or CA certificate is expected to carry.
package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"ans/internal/ans/apperr"
)

// Config tunes what the Validator enforces as a hard error versus a
// warning, and which signature algorithms it accepts at all.
type Config struct {
	MinRSAKeySize                int
	MinECKeySize                 int
	MaxCertValidityDays          int
	RequireKeyUsage              bool
	RequireBasicConstraints      bool
	RequireSAN                   bool
	DisallowWeakAlgorithms       bool
	EnforcePathLengthConstraints bool
	AuditLoggingEnabled          bool
	AllowedSignatureAlgorithms   []x509.SignatureAlgorithm
}

// DefaultConfig returns the baseline policy: 2048-bit RSA / 256-bit EC
// minimums, a 398-day maximum validity (the CA/Browser Forum ceiling),
// and every check enabled.
func DefaultConfig() *Config {
	return &Config{
		MinRSAKeySize:                2048,
		MinECKeySize:                 256,
		MaxCertValidityDays:          398,
		RequireKeyUsage:              true,
		RequireBasicConstraints:      true,
		RequireSAN:                   true,
		DisallowWeakAlgorithms:       true,
		EnforcePathLengthConstraints: true,
		AuditLoggingEnabled:          true,
		AllowedSignatureAlgorithms: []x509.SignatureAlgorithm{
			x509.SHA256WithRSA,
			x509.SHA384WithRSA,
			x509.SHA512WithRSA,
			x509.ECDSAWithSHA256,
			x509.ECDSAWithSHA384,
			x509.ECDSAWithSHA512,
			x509.PureEd25519,
		},
	}
}

// Vulnerability is a named, machine-matchable weakness a check found.
type Vulnerability struct {
	ID     string
	Detail string
}

// Result is the outcome of one validation call. A non-empty Errors
// slice always means Valid is false; Warnings never affect Valid.
type Result struct {
	Valid           bool
	Errors          []string
	Warnings        []string
	Vulnerabilities []Vulnerability
}

func (r *Result) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator enforces a Config against certificates, private keys, and
// CSRs at the points the CA issues or re-issues them.
type Validator struct {
	config *Config
}

// NewValidator builds a Validator; a nil config falls back to DefaultConfig.
func NewValidator(config *Config) *Validator {
	if config == nil {
		config = DefaultConfig()
	}

	return &Validator{config: config}
}

// ValidateCertificate checks cert's key size, signature algorithm,
// validity window, and extensions against the configured policy.
func (v *Validator) ValidateCertificate(_ context.Context, cert *x509.Certificate) (*Result, error) {
	if cert == nil {
		return nil, apperr.New(apperr.InternalError, "certificate is nil")
	}

	result := &Result{Valid: true}

	v.checkKeySize(cert.PublicKey, result)
	v.checkSignatureAlgorithm(cert.SignatureAlgorithm, result)
	v.checkValidityPeriod(cert.NotBefore, cert.NotAfter, result)
	v.checkExtensions(cert, result)
	v.checkWeakAlgorithm(cert.SignatureAlgorithm, result)
	v.checkPathLength(cert, result)

	return result, nil
}

// ValidatePrivateKey checks key's size against the configured minimum.
// An unrecognized key type is accepted with a warning rather than
// rejected outright, since the CA only ever generates RSA keys today
// and a stricter stance would block legitimate future key types.
func (v *Validator) ValidatePrivateKey(_ context.Context, key any) (*Result, error) {
	if key == nil {
		return nil, apperr.New(apperr.InternalError, "private key is nil")
	}

	result := &Result{Valid: true}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		if bits := k.N.BitLen(); bits < v.config.MinRSAKeySize {
			result.addError("RSA key size %d is below minimum %d", bits, v.config.MinRSAKeySize)
		}
	case *ecdsa.PrivateKey:
		if bits := k.Curve.Params().BitSize; bits < v.config.MinECKeySize {
			result.addError("EC key size %d is below minimum %d", bits, v.config.MinECKeySize)
		}
	case ed25519.PrivateKey:
	default:
		result.addWarning("unrecognized private key type %T", key)
	}

	return result, nil
}

// ValidateCSR checks a certificate signing request's Subject Alternative
// Names against RequireSAN. A missing SAN is a warning: CSRs keyed only
// by CommonName (agent_id CNs, for instance) are otherwise well-formed.
func (v *Validator) ValidateCSR(_ context.Context, csr *x509.CertificateRequest) (*Result, error) {
	if csr == nil {
		return nil, apperr.New(apperr.InternalError, "certificate request is nil")
	}

	result := &Result{Valid: true}

	if v.config.RequireSAN && len(csr.DNSNames) == 0 && len(csr.IPAddresses) == 0 &&
		len(csr.EmailAddresses) == 0 && len(csr.URIs) == 0 {
		result.addWarning("certificate request carries no Subject Alternative Name")
	}

	return result, nil
}

func (v *Validator) checkKeySize(pub any, result *Result) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if bits := key.N.BitLen(); bits < v.config.MinRSAKeySize {
			result.addError("RSA key size %d is below minimum %d", bits, v.config.MinRSAKeySize)
		}
	case *ecdsa.PublicKey:
		if bits := key.Curve.Params().BitSize; bits < v.config.MinECKeySize {
			result.addError("EC key size %d is below minimum %d", bits, v.config.MinECKeySize)
		}
	case ed25519.PublicKey:
	default:
		result.addWarning("unrecognized public key type %T", pub)
	}
}

func (v *Validator) checkSignatureAlgorithm(alg x509.SignatureAlgorithm, result *Result) {
	if len(v.config.AllowedSignatureAlgorithms) == 0 {
		return
	}

	for _, allowed := range v.config.AllowedSignatureAlgorithms {
		if alg == allowed {
			return
		}
	}

	result.addError("signature algorithm %s is not in allowed list", alg)
}

func (v *Validator) checkValidityPeriod(notBefore, notAfter time.Time, result *Result) {
	now := time.Now().UTC()

	if v.config.MaxCertValidityDays > 0 {
		maxValidity := time.Duration(v.config.MaxCertValidityDays) * 24 * time.Hour
		if notAfter.Sub(notBefore) > maxValidity {
			result.addError("certificate validity period exceeds maximum of %d days", v.config.MaxCertValidityDays)
		}
	}

	if now.Before(notBefore) {
		result.addWarning("certificate is not yet valid (not before %s)", notBefore)
	}

	if now.After(notAfter) {
		result.addError("certificate has expired (not after %s)", notAfter)
	}
}

func (v *Validator) checkExtensions(cert *x509.Certificate, result *Result) {
	if cert.IsCA && v.config.RequireBasicConstraints && !cert.BasicConstraintsValid {
		result.addError("CA certificate missing valid basic constraints")
	}

	if v.config.RequireKeyUsage && cert.KeyUsage == 0 {
		result.addWarning("certificate carries no key usage extension")
	}

	if v.config.RequireSAN && len(cert.DNSNames) == 0 && len(cert.IPAddresses) == 0 &&
		len(cert.EmailAddresses) == 0 && len(cert.URIs) == 0 {
		result.addWarning("certificate carries no Subject Alternative Name")
	}
}

func (v *Validator) checkWeakAlgorithm(alg x509.SignatureAlgorithm, result *Result) {
	if !v.config.DisallowWeakAlgorithms {
		return
	}

	switch alg {
	case x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1, x509.MD2WithRSA, x509.MD5WithRSA:
		result.Valid = false
		result.Vulnerabilities = append(result.Vulnerabilities, Vulnerability{
			ID:     "WEAK-ALG-001",
			Detail: fmt.Sprintf("signature algorithm %s is considered cryptographically weak", alg),
		})
	}
}

func (v *Validator) checkPathLength(cert *x509.Certificate, result *Result) {
	if !v.config.EnforcePathLengthConstraints || !cert.IsCA || !cert.BasicConstraintsValid {
		return
	}

	if cert.MaxPathLen == 0 && !cert.MaxPathLenZero {
		result.addWarning("CA certificate carries no explicit path length constraint")
	}
}
