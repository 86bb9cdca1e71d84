// Package ocsp implements the OCSP Responder and Client:
// signed, cached certificate-status queries with a synchronous
// verify_chain fallback on transport or signature failure. Responses
// are real RFC 6960 DER-encoded OCSP responses built and parsed with
// golang.org/x/crypto/ocsp, not a bespoke wire format.
package ocsp

import (
	"context"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"
	"ans/internal/ans/observability"

	xocsp "golang.org/x/crypto/ocsp"
)

// DefaultResponderTTL is how long a signed response is valid for before
// the responder must re-attest status.
const DefaultResponderTTL = time.Hour

// DefaultClientTTL caps how long a client trusts its own cached "good"
// response, independent of the responder's NextUpdate.
const DefaultClientTTL = 10 * time.Minute

// DefaultTransportTimeout bounds each client->responder round trip.
const DefaultTransportTimeout = 2 * time.Second

// Status is the OCSP certificate status.
type Status string

const (
	StatusGood    Status = "good"
	StatusRevoked Status = "revoked"
	StatusUnknown Status = "unknown"
)

// Response is a signed OCSP status assertion. Raw carries the actual
// RFC 6960 DER encoding that a Client verifies; the other fields are
// decoded from Raw for convenient inspection (e.g. over the HTTP API)
// and are not themselves trusted input.
type Response struct {
	Status           Status               `json:"status"`
	Serial           string               `json:"serial"`
	ProducedAt       time.Time            `json:"produced_at"`
	NextUpdate       time.Time            `json:"next_update"`
	RevocationTime   *time.Time           `json:"revocation_time,omitempty"`
	RevocationReason *ca.RevocationReason `json:"revocation_reason,omitempty"`
	Raw              []byte               `json:"raw_der"`
}

// reasonToRFC5280 maps our RevocationReason enum onto the RFC 5280 CRL
// reason codes golang.org/x/crypto/ocsp expects. Value 7 is reserved
// and never produced by either enum.
func reasonToRFC5280(r ca.RevocationReason) int {
	switch r {
	case ca.ReasonKeyCompromise:
		return 1
	case ca.ReasonCACompromise:
		return 2
	case ca.ReasonAffiliationChanged:
		return 3
	case ca.ReasonSuperseded:
		return 4
	case ca.ReasonCessationOfOperation:
		return 5
	case ca.ReasonCertificateHold:
		return 6
	case ca.ReasonRemoveFromCRL:
		return 8
	case ca.ReasonPrivilegeWithdrawn:
		return 9
	case ca.ReasonAACompromise:
		return 10
	default:
		return 0
	}
}

// Responder signs OCSP responses for certificates issued by an
// authority, using the authority's own key (no delegation by default).
type Responder struct {
	authority    *ca.CA
	responderTTL time.Duration
	clock        func() time.Time

	mu    sync.Mutex
	cache map[string]*Response
}

// NewResponder creates a Responder backed by authority, signing with
// the authority's CA key.
func NewResponder(authority *ca.CA, responderTTL time.Duration) *Responder {
	if responderTTL <= 0 {
		responderTTL = DefaultResponderTTL
	}

	return &Responder{
		authority:    authority,
		responderTTL: responderTTL,
		clock:        func() time.Time { return time.Now().UTC() },
		cache:        make(map[string]*Response),
	}
}

// Check returns the current status for serial, using a cached response
// when one exists and has not reached its NextUpdate.
func (r *Responder) Check(serial string) (*Response, error) {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[serial]; ok && now.Before(cached.NextUpdate) {
		return cached, nil
	}

	serialInt, ok := new(big.Int).SetString(serial, 16)
	if !ok {
		return nil, apperr.New(apperr.SchemaError, fmt.Sprintf("serial %q is not valid hex", serial))
	}

	template := xocsp.ResponseTemplate{
		SerialNumber: serialInt,
		ThisUpdate:   now,
		NextUpdate:   now.Add(r.responderTTL),
	}

	resp := &Response{Serial: serial, ProducedAt: now, NextUpdate: template.NextUpdate}

	if entry, revoked := r.authority.IsRevoked(serial); revoked {
		resp.Status = StatusRevoked
		revokedAt := entry.RevokedAt
		resp.RevocationTime = &revokedAt
		reason := entry.Reason
		resp.RevocationReason = &reason
		template.Status = xocsp.Revoked
		template.RevokedAt = entry.RevokedAt
		template.RevocationReason = reasonToRFC5280(entry.Reason)
	} else if r.authority.WasIssued(serial) {
		resp.Status = StatusGood
		template.Status = xocsp.Good
	} else {
		resp.Status = StatusUnknown
		template.Status = xocsp.Unknown
	}

	der, err := xocsp.CreateResponse(r.authority.Certificate(), r.authority.Certificate(), template, r.authority.PrivateKey())
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "build ocsp response", err)
	}

	resp.Raw = der

	r.cache[serial] = resp

	return resp, nil
}

// Invalidate drops any cached "good" response for serial. Callers that
// revoke a certificate must call this synchronously, before their own
// revoke operation returns, so a subsequent Check (or a Client's cached
// copy) cannot report stale "good" status.
func (r *Responder) Invalidate(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[serial]; ok && cached.Status == StatusGood {
		delete(r.cache, serial)
	}
}

// VerifyChainFunc is the synchronous fallback check a Client uses when
// the responder is unreachable or its signature does not verify.
type VerifyChainFunc func(cert *x509.Certificate) error

// Client queries a Responder, caching "good" results and falling back
// to a synchronous chain-verification path on transport or signature
// failure.
type Client struct {
	responder        *Responder
	responderCert    *x509.Certificate
	verifyChain      VerifyChainFunc
	clientTTL        time.Duration
	transportTimeout time.Duration
	clock            func() time.Time
	audit            observability.AuditSink
	metrics          *observability.MetricsRegistry

	mu    sync.Mutex
	cache map[string]cachedGood
}

type cachedGood struct {
	expiresAt time.Time
}

// ClientConfig configures a Client.
type ClientConfig struct {
	ClientTTL        time.Duration
	TransportTimeout time.Duration
	Audit            observability.AuditSink
	Metrics          *observability.MetricsRegistry // shared with the RA and registry when set
}

// NewClient builds a Client around responder, using authorityCert to
// verify the responder's signature and verifyChain as the fallback.
func NewClient(responder *Responder, authorityCert *x509.Certificate, verifyChain VerifyChainFunc, cfg ClientConfig) *Client {
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = DefaultClientTTL
	}

	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = DefaultTransportTimeout
	}

	if cfg.Audit == nil {
		cfg.Audit = observability.NoopAuditSink{}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsRegistry()
	}

	return &Client{
		responder:        responder,
		responderCert:    authorityCert,
		verifyChain:      verifyChain,
		clientTTL:        cfg.ClientTTL,
		transportTimeout: cfg.TransportTimeout,
		clock:            func() time.Time { return time.Now().UTC() },
		audit:            cfg.Audit,
		metrics:          cfg.Metrics,
		cache:            make(map[string]cachedGood),
	}
}

// Metrics exposes the client's operational counter registry.
func (cl *Client) Metrics() *observability.MetricsRegistry { return cl.metrics }

// Check verifies cert's status. A nil error means cert is trusted
// (either OCSP-confirmed good, or trusted via the verify_chain
// fallback); a non-nil *apperr.Error means the caller should not trust
// cert and, for a candidate-selection context like resolve, should move
// on to the next candidate.
func (cl *Client) Check(ctx context.Context, cert *x509.Certificate, requestID string) error {
	serial := cert.SerialNumber.Text(16)
	now := cl.clock()

	cl.mu.Lock()
	if cached, ok := cl.cache[serial]; ok && now.Before(cached.expiresAt) {
		cl.mu.Unlock()
		return nil
	}
	cl.mu.Unlock()

	resp, err := cl.query(ctx, serial)
	if err != nil {
		cl.metrics.IncrementCounter("ocsp_fallbacks_total")
		cl.audit.Record(observability.Event{Kind: "ocsp_fallback", Subject: serial, RequestID: requestID, Detail: err.Error()})
		return cl.verifyChain(cert)
	}

	parsed, err := cl.parseAndVerify(resp)
	if err != nil {
		cl.metrics.IncrementCounter("ocsp_fallbacks_total")
		cl.audit.Record(observability.Event{Kind: "ocsp_fallback", Subject: serial, RequestID: requestID, Detail: err.Error()})
		return cl.verifyChain(cert)
	}

	switch parsed.Status {
	case xocsp.Good:
		ttl := cl.clientTTL
		if until := time.Until(parsed.NextUpdate); until < ttl {
			ttl = until
		}

		cl.mu.Lock()
		cl.cache[serial] = cachedGood{expiresAt: now.Add(ttl)}
		cl.mu.Unlock()

		return nil
	case xocsp.Revoked:
		return apperr.New(apperr.CertificateRevoked, fmt.Sprintf("ocsp reports certificate %s revoked", serial))
	default:
		return apperr.New(apperr.OCSPUnavailable, fmt.Sprintf("ocsp status unknown for certificate %s", serial))
	}
}

func (cl *Client) query(ctx context.Context, serial string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, cl.transportTimeout)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}

	ch := make(chan result, 1)

	go func() {
		resp, err := cl.responder.Check(serial)
		ch <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.OCSPUnavailable, "ocsp request timed out", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, apperr.Wrap(apperr.OCSPUnavailable, "ocsp transport error", r.err)
		}

		return r.resp, nil
	}
}

// parseAndVerify decodes resp.Raw as an RFC 6960 OCSP response and
// verifies its signature against the responder's certificate, exactly
// as a client of a network-deployed responder would.
func (cl *Client) parseAndVerify(resp *Response) (*xocsp.Response, error) {
	parsed, err := xocsp.ParseResponse(resp.Raw, cl.responderCert)
	if err != nil {
		return nil, apperr.Wrap(apperr.SignatureInvalid, "parse/verify ocsp response", err)
	}

	return parsed, nil
}
