package ra

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"
	"ans/internal/ans/cryptoutil"
	"ans/internal/ans/observability"
	"ans/internal/ans/ocsp"
	"ans/internal/ans/protocol"
	"ans/internal/ans/storage"

	"github.com/stretchr/testify/require"
)

func csrPEMFor(t *testing.T, cn string) []byte {
	t.Helper()

	key, err := cryptoutil.GenerateKeyPair(cryptoutil.DefaultRSABits)
	require.NoError(t, err)

	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func newTestRA(t *testing.T, cfg Config) *RegistrationAuthority {
	t.Helper()

	authority, err := ca.New(ca.Config{})
	require.NoError(t, err)

	responder := ocsp.NewResponder(authority, 0)

	return New(cfg, authority, responder, protocol.NewRegistry(), storage.NewMemoryStore(), observability.NewMetricsRegistry())
}

func validRequest(t *testing.T) RegistrationRequest {
	t.Helper()

	return RegistrationRequest{
		Protocol:      "a2a",
		AgentName:     "chat",
		AgentCategory: "conversation",
		ProviderName:  "openai",
		Version:       "1.2.3",
		ANSName:       "a2a://chat.conversation.openai.v1.2.3",
		Endpoint:      "https://agents.openai.example/chat",
		ProtocolExtensions: map[string]any{
			"spec_version": "1.0",
			"capabilities": []any{
				map[string]any{"name": "chat", "version": "1.0.0", "description": "chat capability"},
			},
			"routing":  map[string]any{"protocol": "http"},
			"security": map[string]any{"authentication": "apikey", "authorization": "rbac", "encryption": "tls"},
		},
		CSRPEM: csrPEMFor(t, "chat"),
	}
}

func TestSubmitRequest_Succeeds_PendingByDefault(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{})

	wf, err := authority.SubmitRequest(validRequest(t), "requester-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, wf.Status)
	require.Nil(t, wf.IssuedCertificate)
	require.NotEmpty(t, wf.ValidationResults)
}

func TestSubmitRequest_AutoApproveIssuesImmediately(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{AutoApproveProfiles: map[string]bool{"conversation": true}})

	wf, err := authority.SubmitRequest(validRequest(t), "requester-1")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, wf.Status)
	require.NotNil(t, wf.IssuedCertificate)
	require.Equal(t, "chat", wf.IssuedCertificate.X509.Subject.CommonName)
}

func TestSubmitRequest_NameMismatch(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{})

	req := validRequest(t)
	req.ProviderName = "anthropic"

	_, err := authority.SubmitRequest(req, "requester-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NameMismatch))
}

func TestSubmitRequest_ReservedName(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{ReservedNames: []string{"chat"}})

	_, err := authority.SubmitRequest(validRequest(t), "requester-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ReservedName))
}

func TestSubmitRequest_DomainBlocklisted(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{DomainBlocklist: []string{"agents.openai.example"}})

	_, err := authority.SubmitRequest(validRequest(t), "requester-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ReservedName))
}

func TestSubmitRequest_ExtensionInvalid(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{})

	req := validRequest(t)
	delete(req.ProtocolExtensions, "spec_version")

	_, err := authority.SubmitRequest(req, "requester-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ExtensionInvalid))
}

func TestApproveAndReject(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{})

	wf, err := authority.SubmitRequest(validRequest(t), "requester-1")
	require.NoError(t, err)

	approved, err := authority.Approve(wf.ID, "reviewer-1")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.IssuedCertificate)

	_, err = authority.Approve(wf.ID, "reviewer-1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.AlreadyRegistered))
}

func TestReject(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{})

	wf, err := authority.SubmitRequest(validRequest(t), "requester-1")
	require.NoError(t, err)

	require.NoError(t, authority.Reject(wf.ID, "reviewer-1", "policy violation"))

	got, err := authority.Get(wf.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)
}

func TestEscalateAndCancel(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{})

	wf, err := authority.SubmitRequest(validRequest(t), "requester-1")
	require.NoError(t, err)

	require.NoError(t, authority.EscalateRequest(wf.ID, "requester-1", "needs manual review"))

	err = authority.CancelRequest(wf.ID, "someone-else")
	require.Error(t, err)

	require.NoError(t, authority.CancelRequest(wf.ID, "requester-1"))

	got, err := authority.Get(wf.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, got.Status)
	require.Len(t, got.ApprovalHistory, 2)
}

func TestPending_OrdersByID(t *testing.T) {
	t.Parallel()

	authority := newTestRA(t, Config{})

	req1 := validRequest(t)
	req2 := validRequest(t)
	req2.AgentName = "summarize"
	req2.ANSName = "a2a://summarize.conversation.openai.v1.2.3"
	req2.CSRPEM = csrPEMFor(t, "summarize")

	_, err := authority.SubmitRequest(req1, "requester-1")
	require.NoError(t, err)
	_, err = authority.SubmitRequest(req2, "requester-1")
	require.NoError(t, err)

	pending := authority.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "req-1", pending[0].ID)
	require.Equal(t, "req-2", pending[1].ID)
}

func TestRenew_RejectsWrongOwnerAndRevoked(t *testing.T) {
	t.Parallel()

	authorityCA, err := ca.New(ca.Config{})
	require.NoError(t, err)

	responder := ocsp.NewResponder(authorityCA, 0)
	store := storage.NewMemoryStore()
	raInstance := New(Config{}, authorityCA, responder, protocol.NewRegistry(), store, nil)

	cert, err := authorityCA.Issue(csrPEMFor(t, "chat"))
	require.NoError(t, err)

	require.NoError(t, store.PutAgent(context.Background(), &storage.Agent{
		AgentID:           "chat",
		ANSName:           "a2a://chat.conversation.openai.v1.0.0",
		CertificateSerial: cert.Serial,
		CertificatePEM:    cert.PEM,
		IsActive:          true,
	}))

	ctx := context.Background()

	_, err = raInstance.Renew(ctx, NewCertRef(cert), csrPEMFor(t, "chat"), "someone-else")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InvalidCSR))

	renewed, err := raInstance.Renew(ctx, NewCertRef(cert), csrPEMFor(t, "chat"), "chat")
	require.NoError(t, err)
	require.NotEqual(t, cert.Serial, renewed.Serial)

	stored, err := store.GetByID(ctx, "chat")
	require.NoError(t, err)
	require.Equal(t, renewed.Serial, stored.CertificateSerial)
	require.Equal(t, renewed.PEM, stored.CertificatePEM)
	require.NotNil(t, stored.LastRenewalTime)

	_, err = authorityCA.Revoke(cert.Serial, ca.ReasonSuperseded)
	require.NoError(t, err)

	_, err = raInstance.Renew(ctx, NewCertRef(cert), csrPEMFor(t, "chat"), "chat")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.CertificateRevoked))
}

func TestRevoke_InvalidatesOCSPCacheSynchronously(t *testing.T) {
	t.Parallel()

	authorityCA, err := ca.New(ca.Config{})
	require.NoError(t, err)

	responder := ocsp.NewResponder(authorityCA, 0)
	metrics := observability.NewMetricsRegistry()
	raInstance := New(Config{}, authorityCA, responder, protocol.NewRegistry(), nil, metrics)

	cert, err := authorityCA.Issue(csrPEMFor(t, "chat"))
	require.NoError(t, err)

	resp, err := responder.Check(cert.Serial)
	require.NoError(t, err)
	require.Equal(t, ocsp.StatusGood, resp.Status)

	ctx := context.Background()

	_, err = raInstance.Revoke(ctx, cert.Serial, ca.ReasonKeyCompromise)
	require.NoError(t, err)

	resp2, err := responder.Check(cert.Serial)
	require.NoError(t, err)
	require.Equal(t, ocsp.StatusRevoked, resp2.Status)
	require.Equal(t, int64(1), metrics.GetCounter("revocations_total"))
}

func TestRevoke_DeactivatesStoredAgent(t *testing.T) {
	t.Parallel()

	authorityCA, err := ca.New(ca.Config{})
	require.NoError(t, err)

	responder := ocsp.NewResponder(authorityCA, 0)
	store := storage.NewMemoryStore()
	raInstance := New(Config{}, authorityCA, responder, protocol.NewRegistry(), store, nil)

	cert, err := authorityCA.Issue(csrPEMFor(t, "chat"))
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, store.PutAgent(ctx, &storage.Agent{
		AgentID:           "chat",
		ANSName:           "a2a://chat.conversation.openai.v1.0.0",
		CertificateSerial: cert.Serial,
		IsActive:          true,
	}))

	_, err = raInstance.Revoke(ctx, cert.Serial, ca.ReasonKeyCompromise)
	require.NoError(t, err)

	stored, err := store.GetByID(ctx, "chat")
	require.NoError(t, err)
	require.False(t, stored.IsActive)
}
