// Package cryptoutil implements CryptoPrimitives: RSA
// keypair generation, CSR parsing, X.509 certificate construction and
// verification, and canonical-byte signing for endpoint records.
package cryptoutil

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"sort"
	"time"

	"ans/internal/ans/apperr"
)

// DefaultRSABits is the default RSA key size new agent/CA keys use.
const DefaultRSABits = 2048

// GenerateKeyPair creates a new RSA private key of the given bit size
// (DefaultRSABits when bits <= 0).
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "generate RSA key", err)
	}

	return key, nil
}

// ParseCSRPEM decodes a PEM-encoded CSR and verifies its self-signature.
func ParseCSRPEM(pemBytes []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, apperr.New(apperr.InvalidCSR, "no PEM block found")
	}

	if block.Type != "CERTIFICATE REQUEST" {
		return nil, apperr.New(apperr.InvalidCSR, fmt.Sprintf("unexpected PEM block type %q", block.Type))
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidCSR, "parse certificate request", err)
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, apperr.Wrap(apperr.InvalidCSR, "CSR self-signature invalid", err)
	}

	return csr, nil
}

// BuildAndSignCertificate creates an X.509 v3 leaf certificate for
// subjectCN/publicKey, signed by caCert/caKey, valid for validity
// starting at now. Serial must be unique within the issuing CA.
func BuildAndSignCertificate(subjectCN string, publicKey any, serial *big.Int, notBefore time.Time, validity time.Duration, caCert *x509.Certificate, caKey *rsa.PrivateKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: subjectCN},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, publicKey, caKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "sign certificate", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "parse signed certificate", err)
	}

	return cert, nil
}

// BuildSelfSignedCA creates a self-signed CA certificate for caKey.
func BuildSelfSignedCA(commonName string, serial *big.Int, notBefore time.Time, validity time.Duration, caKey *rsa.PrivateKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "sign CA certificate", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "parse CA certificate", err)
	}

	return cert, nil
}

// ToPEM encodes an X.509 certificate as PEM.
func ToPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// VerifyCertSignature checks that cert was signed by issuer's key.
func VerifyCertSignature(cert, issuer *x509.Certificate) error {
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return apperr.Wrap(apperr.NotIssuedByThisCA, "certificate not signed by expected issuer", err)
	}
	return nil
}

// SignBytes signs an arbitrary byte slice with an RSA private key using
// SHA-256. Returned signature is raw PKCS#1 v1.5 bytes.
func SignBytes(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "sign bytes", err)
	}

	return sig, nil
}

// VerifyBytes verifies a signature produced by SignBytes.
func VerifyBytes(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)

	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return apperr.Wrap(apperr.SignatureInvalid, "signature verification failed", err)
	}

	return nil
}

// Canonicalize produces the sole, deterministic byte serialization used
// as sign/verify input for endpoint records: UTF-8
// JSON with lexicographically sorted object keys and no insignificant
// whitespace, applied recursively to any nested objects.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "marshal canonical input", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "unmarshal canonical input", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		buf.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}

			kb, err := json.Marshal(k)
			if err != nil {
				return apperr.Wrap(apperr.InternalError, "marshal canonical key", err)
			}

			buf.Write(kb)
			buf.WriteByte(':')

			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}

		buf.WriteByte('}')

		return nil
	case []any:
		buf.WriteByte('[')

		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}

		buf.WriteByte(']')

		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return apperr.Wrap(apperr.InternalError, "marshal canonical value", err)
		}

		buf.Write(b)

		return nil
	}
}
