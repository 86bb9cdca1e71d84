package cryptoutil

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"ans/internal/ans/apperr"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair_DefaultBits(t *testing.T) {
	t.Parallel()

	key, err := GenerateKeyPair(0)
	require.NoError(t, err)
	require.Equal(t, DefaultRSABits, key.N.BitLen())
}

func buildCSRPEM(t *testing.T, cn string) []byte {
	t.Helper()

	key, err := GenerateKeyPair(DefaultRSABits)
	require.NoError(t, err)

	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestParseCSRPEM_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	csrPEM := buildCSRPEM(t, "chat")

	csr, err := ParseCSRPEM(csrPEM)
	require.NoError(t, err)
	require.Equal(t, "chat", csr.Subject.CommonName)

	_, err = ParseCSRPEM([]byte("not pem"))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidCSR))

	wrongType := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("dummy")})
	_, err = ParseCSRPEM(wrongType)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidCSR))
}

func TestBuildSelfSignedCA_And_IssueLeaf(t *testing.T) {
	t.Parallel()

	caKey, err := GenerateKeyPair(DefaultRSABits)
	require.NoError(t, err)

	caCert, err := BuildSelfSignedCA("Test CA", big.NewInt(1), time.Now().UTC(), 365*24*time.Hour, caKey)
	require.NoError(t, err)
	require.True(t, caCert.IsCA)

	leafKey, err := GenerateKeyPair(DefaultRSABits)
	require.NoError(t, err)

	leaf, err := BuildAndSignCertificate("chat", &leafKey.PublicKey, big.NewInt(2), time.Now().UTC(), 365*24*time.Hour, caCert, caKey)
	require.NoError(t, err)
	require.Equal(t, "chat", leaf.Subject.CommonName)

	require.NoError(t, VerifyCertSignature(leaf, caCert))
}

func TestSignAndVerifyBytes(t *testing.T) {
	t.Parallel()

	key, err := GenerateKeyPair(DefaultRSABits)
	require.NoError(t, err)

	data := []byte("hello endpoint record")

	sig, err := SignBytes(key, data)
	require.NoError(t, err)
	require.NoError(t, VerifyBytes(&key.PublicKey, data, sig))

	require.Error(t, VerifyBytes(&key.PublicKey, []byte("tampered"), sig))
}

func TestCanonicalize_SortsKeysAndIsIdempotent(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"b": 1,
		"a": map[string]any{"z": 1, "y": 2},
		"c": []any{3, 1, 2},
	}

	out1, err := Canonicalize(in)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"y":2,"z":1},"b":1,"c":[3,1,2]}`, string(out1))

	var roundTrip any

	require.NoError(t, json.Unmarshal(out1, &roundTrip))

	out2, err := Canonicalize(roundTrip)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}
