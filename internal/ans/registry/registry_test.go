package registry

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"
	"ans/internal/ans/cryptoutil"
	"ans/internal/ans/name"
	"ans/internal/ans/ocsp"
	"ans/internal/ans/storage"

	"github.com/stretchr/testify/require"
)

func issueFor(t *testing.T, authority *ca.CA, cn string) *ca.Certificate {
	t.Helper()

	key, err := cryptoutil.GenerateKeyPair(cryptoutil.DefaultRSABits)
	require.NoError(t, err)

	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	cert, err := authority.Issue(csrPEM)
	require.NoError(t, err)

	return cert
}

func newTestRegistry(t *testing.T) (*Registry, *ca.CA, *ocsp.Client, *storage.MemoryStore) {
	t.Helper()

	authority, err := ca.New(ca.Config{})
	require.NoError(t, err)

	responder := ocsp.NewResponder(authority, 0)
	client := ocsp.NewClient(responder, authority.Certificate(), authority.VerifyChain, ocsp.ClientConfig{})

	store := storage.NewMemoryStore()

	reg, err := New(Config{}, authority, client, store)
	require.NoError(t, err)

	return reg, authority, client, store
}

func registerAgent(t *testing.T, reg *Registry, authority *ca.CA, ansName, cn string) *storage.Agent {
	t.Helper()

	parsed, err := name.Parse(ansName)
	require.NoError(t, err)

	cert := issueFor(t, authority, cn)

	agent, err := reg.Register(context.Background(), RegisterInput{
		Parsed:   parsed,
		Endpoint: "https://agents.example/" + cn,
		Certificate: cert,
	})
	require.NoError(t, err)

	return agent
}

func TestRegister_RejectsDuplicateANSName(t *testing.T) {
	t.Parallel()

	reg, authority, _, _ := newTestRegistry(t)

	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.0.0", "chat")

	parsed, err := name.Parse("a2a://chat.conversation.openai.v1.0.0")
	require.NoError(t, err)

	cert := issueFor(t, authority, "chat")
	_, err = reg.Register(context.Background(), RegisterInput{Parsed: parsed, Endpoint: "https://x", Certificate: cert})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.AlreadyRegistered))
}

func TestResolve_ExactVersion(t *testing.T) {
	t.Parallel()

	reg, authority, _, _ := newTestRegistry(t)
	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.2.3", "chat")

	record, err := reg.Resolve(context.Background(), "a2a://chat.conversation.openai.v1.2.3", "", "req-1")
	require.NoError(t, err)
	require.Equal(t, "chat", record.Data.AgentID)
	require.NotEmpty(t, record.Signature)

	require.NoError(t, VerifyEndpointRecord(context.Background(), record, authority.VerifyChain, nil, "req-1"))
}

func TestResolve_VersionRangeNegotiation(t *testing.T) {
	t.Parallel()

	reg, authority, _, _ := newTestRegistry(t)
	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.0.0", "chat")

	time.Sleep(time.Millisecond)
	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.2.3", "chat")

	time.Sleep(time.Millisecond)
	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v2.0.0", "chat")

	record, err := reg.Resolve(context.Background(), "a2a://chat.conversation.openai.v1.0.0", "^1.0.0", "req-1")
	require.NoError(t, err)
	require.Equal(t, "a2a://chat.conversation.openai.v1.2.3", record.Data.ANSName)

	record, err = reg.Resolve(context.Background(), "a2a://chat.conversation.openai.v1.0.0", "^2.0.0", "req-1")
	require.NoError(t, err)
	require.Equal(t, "a2a://chat.conversation.openai.v2.0.0", record.Data.ANSName)

	_, err = reg.Resolve(context.Background(), "a2a://chat.conversation.openai.v1.0.0", "^3.0.0", "req-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestResolve_SkipsRevokedCandidate(t *testing.T) {
	t.Parallel()

	reg, authority, _, _ := newTestRegistry(t)

	agent1 := registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.0.0", "chat")

	time.Sleep(time.Millisecond)
	agent2 := registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.2.3", "chat")

	_, err := authority.Revoke(agent2.CertificateSerial, ca.ReasonKeyCompromise)
	require.NoError(t, err)

	record, err := reg.Resolve(context.Background(), "a2a://chat.conversation.openai.v1.0.0", "^1.0.0", "req-1")
	require.NoError(t, err)
	require.Equal(t, agent1.ANSName, record.Data.ANSName)
}

func TestResolve_NotFoundWhenNoActiveCandidate(t *testing.T) {
	t.Parallel()

	reg, _, _, _ := newTestRegistry(t)

	_, err := reg.Resolve(context.Background(), "a2a://ghost.conversation.openai.v1.0.0", "", "req-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestResolve_AmbiguousOnWildcardAgentID(t *testing.T) {
	t.Parallel()

	reg, authority, _, _ := newTestRegistry(t)

	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.0.0", "chat")
	registerAgent(t, reg, authority, "a2a://summarize.conversation.openai.v1.0.0", "summarize")

	_, err := reg.Resolve(context.Background(), "a2a://*.conversation.openai", "", "req-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Ambiguous))
}

func TestList_FiltersAndOrdersStably(t *testing.T) {
	t.Parallel()

	reg, authority, _, _ := newTestRegistry(t)

	registerAgent(t, reg, authority, "a2a://summarize.conversation.openai.v1.0.0", "summarize")
	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.0.0", "chat")

	agents, err := reg.List(context.Background(), storage.QueryFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "a2a://chat.conversation.openai.v1.0.0", agents[0].ANSName)
}

func TestVerifyEndpointRecord_RejectsTamperedData(t *testing.T) {
	t.Parallel()

	reg, authority, _, _ := newTestRegistry(t)
	registerAgent(t, reg, authority, "a2a://chat.conversation.openai.v1.0.0", "chat")

	record, err := reg.Resolve(context.Background(), "a2a://chat.conversation.openai.v1.0.0", "", "req-1")
	require.NoError(t, err)

	record.Data.Endpoint = "https://evil.example/hijack"

	err = VerifyEndpointRecord(context.Background(), record, authority.VerifyChain, nil, "req-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.SignatureInvalid))
}
