// Package ra implements the RegistrationAuthority: the
// policy gate between an incoming registration request and the CA,
// plus the approval workflow and renewal/revocation orchestration.
package ra

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"
	"ans/internal/ans/cryptoutil"
	"ans/internal/ans/name"
	"ans/internal/ans/observability"
	"ans/internal/ans/ocsp"
	"ans/internal/ans/protocol"
	"ans/internal/ans/storage"

	validator "github.com/letsencrypt/validator/v10"
)

// Status is a submitted request's workflow state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
)

// ValidationResult records the outcome of one named policy check.
type ValidationResult struct {
	Check  string
	Passed bool
	Detail string
}

// ApprovalEvent is one entry in a request's approval history.
type ApprovalEvent struct {
	At     time.Time
	Actor  string
	Action string
	Detail string
}

// RegistrationRequest is the inbound registration payload
// (AgentRegistrationRequest), schema-validated via struct tags
// before any ANS-specific check runs.
type RegistrationRequest struct {
	Protocol           string         `validate:"required"`
	AgentName          string         `validate:"required"`
	AgentCategory      string         `validate:"required"`
	ProviderName       string         `validate:"required"`
	Version            string         `validate:"required"`
	ANSName            string         `validate:"required"`
	Endpoint           string         `validate:"required,url"`
	Capabilities       []string
	ProtocolExtensions map[string]any
	CSRPEM             []byte         `validate:"required"`
}

// WorkflowRequest is the RA's tracked state for one submitted request.
type WorkflowRequest struct {
	ID                string
	RequesterID       string
	Request           RegistrationRequest
	ParsedName        name.ANSName
	Status            Status
	ValidationResults []ValidationResult
	ApprovalHistory   []ApprovalEvent
	IssuedCertificate *ca.Certificate
}

// Config configures a RegistrationAuthority.
type Config struct {
	ReservedNames       []string
	DomainBlocklist     []string
	AutoApproveProfiles map[string]bool // keyed by agent_category/capability
	Audit               observability.AuditSink
	Clock               func() time.Time
}

// RegistrationAuthority is the policy gate in front of the CA: it
// validates, tracks approval state, and forwards accepted requests to
// issuance.
type RegistrationAuthority struct {
	authority   *ca.CA
	responder   *ocsp.Responder
	protocols   *protocol.Registry
	store       storage.Port
	metrics     *observability.MetricsRegistry
	validate    *validator.Validate
	audit       observability.AuditSink
	clock       func() time.Time

	reservedNames       map[string]bool
	domainBlocklist     map[string]bool
	autoApproveProfiles map[string]bool

	mu       sync.Mutex
	requests map[string]*WorkflowRequest
	nextID   uint64
}

// New builds a RegistrationAuthority bound to authority, responder (for
// synchronous OCSP cache invalidation on revoke), the protocol adapter
// registry used for extension validation, and store, so renewal and
// revocation can keep an agent's persisted record in sync with its
// certificate state. metrics may be nil, in which case the RA keeps its
// own private registry rather than sharing one with the registry/OCSP
// client.
func New(cfg Config, authority *ca.CA, responder *ocsp.Responder, protocols *protocol.Registry, store storage.Port, metrics *observability.MetricsRegistry) *RegistrationAuthority {
	if cfg.Audit == nil {
		cfg.Audit = observability.NoopAuditSink{}
	}

	if metrics == nil {
		metrics = observability.NewMetricsRegistry()
	}

	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	reserved := make(map[string]bool, len(cfg.ReservedNames))
	for _, n := range cfg.ReservedNames {
		reserved[n] = true
	}

	blocklist := make(map[string]bool, len(cfg.DomainBlocklist))
	for _, d := range cfg.DomainBlocklist {
		blocklist[d] = true
	}

	autoApprove := cfg.AutoApproveProfiles
	if autoApprove == nil {
		autoApprove = map[string]bool{}
	}

	return &RegistrationAuthority{
		authority:           authority,
		responder:           responder,
		protocols:           protocols,
		store:               store,
		metrics:             metrics,
		validate:            validator.New(),
		audit:               cfg.Audit,
		clock:               cfg.Clock,
		reservedNames:       reserved,
		domainBlocklist:     blocklist,
		autoApproveProfiles: autoApprove,
		requests:            make(map[string]*WorkflowRequest),
	}
}

// SubmitRequest runs the full policy gate,
// tracks the resulting WorkflowRequest, and — when the request's
// capability is auto-approve-eligible — immediately issues the
// certificate. Any gate failure returns the corresponding apperr.Kind
// and the request is not tracked.
func (r *RegistrationAuthority) SubmitRequest(req RegistrationRequest, requesterID string) (*WorkflowRequest, error) {
	results, parsed, err := r.runGate(req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("req-%d", r.nextID)
	r.mu.Unlock()

	wf := &WorkflowRequest{
		ID:                id,
		RequesterID:       requesterID,
		Request:           req,
		ParsedName:        parsed,
		Status:            StatusPending,
		ValidationResults: results,
	}

	if r.autoApproveProfiles[req.AgentCategory] {
		cert, err := r.issue(req, parsed)
		if err != nil {
			return nil, err
		}

		wf.Status = StatusApproved
		wf.IssuedCertificate = cert
		wf.ApprovalHistory = append(wf.ApprovalHistory, ApprovalEvent{
			At: r.clock(), Actor: "system", Action: "auto-approved", Detail: "agent_category auto-approve profile",
		})
	}

	r.mu.Lock()
	r.requests[id] = wf
	r.mu.Unlock()

	r.audit.Record(observability.Event{Kind: "registered", RequestID: id, Subject: parsed.AgentID, At: r.clock()})

	return wf, nil
}

// runGate executes the registration policy checks in order and returns the
// named ValidationResult for each, failing fast with the matching
// apperr.Kind on the first violated check.
func (r *RegistrationAuthority) runGate(req RegistrationRequest) ([]ValidationResult, name.ANSName, error) {
	var results []ValidationResult

	if err := r.validate.Struct(req); err != nil {
		return nil, name.ANSName{}, apperr.Wrap(apperr.SchemaError, "registration request failed schema validation", err)
	}

	results = append(results, ValidationResult{Check: "schema", Passed: true})

	parsed, err := name.Parse(req.ANSName)
	if err != nil {
		return nil, name.ANSName{}, err
	}

	if mismatch := nameMismatch(parsed, req); mismatch != "" {
		return nil, name.ANSName{}, apperr.New(apperr.NameMismatch, mismatch)
	}

	results = append(results, ValidationResult{Check: "name_consistency", Passed: true})

	if adapter, err := r.protocols.Get(req.Protocol); err != nil {
		return nil, name.ANSName{}, err
	} else if err := adapter.Validate(req.ProtocolExtensions); err != nil {
		return nil, name.ANSName{}, err
	}

	results = append(results, ValidationResult{Check: "extension_schema", Passed: true})

	if r.reservedNames[parsed.AgentID] {
		return nil, name.ANSName{}, apperr.New(apperr.ReservedName, fmt.Sprintf("agent_id %q is reserved", parsed.AgentID))
	}

	results = append(results, ValidationResult{Check: "naming_policy", Passed: true})

	if host := endpointHost(req.Endpoint); r.domainBlocklist[host] {
		return nil, name.ANSName{}, apperr.New(apperr.ReservedName, fmt.Sprintf("endpoint domain %q is blocklisted", host))
	}

	results = append(results, ValidationResult{Check: "domain_blocklist", Passed: true})

	return results, parsed, nil
}

func nameMismatch(parsed name.ANSName, req RegistrationRequest) string {
	switch {
	case parsed.Protocol != req.Protocol:
		return fmt.Sprintf("ans_name protocol %q does not match request protocol %q", parsed.Protocol, req.Protocol)
	case parsed.AgentID != req.AgentName:
		return fmt.Sprintf("ans_name agent_id %q does not match agent_name %q", parsed.AgentID, req.AgentName)
	case parsed.Capability != req.AgentCategory:
		return fmt.Sprintf("ans_name capability %q does not match agent_category %q", parsed.Capability, req.AgentCategory)
	case parsed.Provider != req.ProviderName:
		return fmt.Sprintf("ans_name provider %q does not match provider_name %q", parsed.Provider, req.ProviderName)
	case parsed.Version != req.Version:
		return fmt.Sprintf("ans_name version %q does not match version %q", parsed.Version, req.Version)
	default:
		return ""
	}
}

func endpointHost(endpoint string) string {
	const schemeSep = "://"

	idx := strings.Index(endpoint, schemeSep)
	if idx < 0 {
		return endpoint
	}

	rest := endpoint[idx+len(schemeSep):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}

	return rest
}

// issue validates the CSR's CN against the expected agent_id and
// forwards the CSR to the CA.
func (r *RegistrationAuthority) issue(req RegistrationRequest, parsed name.ANSName) (*ca.Certificate, error) {
	csr, err := cryptoutil.ParseCSRPEM(req.CSRPEM)
	if err != nil {
		return nil, err
	}

	if csr.Subject.CommonName != parsed.AgentID {
		return nil, apperr.New(apperr.InvalidCSR, fmt.Sprintf("CSR CN %q does not equal agent_id %q", csr.Subject.CommonName, parsed.AgentID))
	}

	return r.authority.Issue(req.CSRPEM)
}

// Approve manually approves a pending request and issues its certificate.
func (r *RegistrationAuthority) Approve(requestID, actor string) (*WorkflowRequest, error) {
	r.mu.Lock()
	wf, ok := r.requests[requestID]
	r.mu.Unlock()

	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("request %q not found", requestID))
	}

	if wf.Status != StatusPending {
		return nil, apperr.New(apperr.AlreadyRegistered, fmt.Sprintf("request %q is not pending (status %q)", requestID, wf.Status))
	}

	cert, err := r.issue(wf.Request, wf.ParsedName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	wf.Status = StatusApproved
	wf.IssuedCertificate = cert
	wf.ApprovalHistory = append(wf.ApprovalHistory, ApprovalEvent{At: r.clock(), Actor: actor, Action: "approved"})
	r.mu.Unlock()

	return wf, nil
}

// Reject marks a pending request rejected; no certificate is issued.
func (r *RegistrationAuthority) Reject(requestID, actor, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.requests[requestID]
	if !ok {
		return apperr.New(apperr.NotFound, fmt.Sprintf("request %q not found", requestID))
	}

	if wf.Status != StatusPending {
		return apperr.New(apperr.AlreadyRegistered, fmt.Sprintf("request %q is not pending (status %q)", requestID, wf.Status))
	}

	wf.Status = StatusRejected
	wf.ApprovalHistory = append(wf.ApprovalHistory, ApprovalEvent{At: r.clock(), Actor: actor, Action: "rejected", Detail: reason})

	return nil
}

// EscalateRequest appends an escalation entry to a pending request's
// approval history without changing its status; a human reviewer is
// expected to Approve or Reject it afterward.
func (r *RegistrationAuthority) EscalateRequest(requestID, actor, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.requests[requestID]
	if !ok {
		return apperr.New(apperr.NotFound, fmt.Sprintf("request %q not found", requestID))
	}

	if wf.Status != StatusPending {
		return apperr.New(apperr.AlreadyRegistered, fmt.Sprintf("request %q is not pending (status %q)", requestID, wf.Status))
	}

	wf.ApprovalHistory = append(wf.ApprovalHistory, ApprovalEvent{At: r.clock(), Actor: actor, Action: "escalated", Detail: reason})

	return nil
}

// CancelRequest cancels a pending request; only the original requester
// may cancel it.
func (r *RegistrationAuthority) CancelRequest(requestID, requesterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.requests[requestID]
	if !ok {
		return apperr.New(apperr.NotFound, fmt.Sprintf("request %q not found", requestID))
	}

	if wf.RequesterID != requesterID {
		return apperr.New(apperr.ReservedName, "only the original requester may cancel this request")
	}

	if wf.Status != StatusPending {
		return apperr.New(apperr.AlreadyRegistered, fmt.Sprintf("request %q is not pending (status %q)", requestID, wf.Status))
	}

	wf.Status = StatusCanceled
	wf.ApprovalHistory = append(wf.ApprovalHistory, ApprovalEvent{At: r.clock(), Actor: requesterID, Action: "canceled"})

	return nil
}

// Get returns a tracked request's current state.
func (r *RegistrationAuthority) Get(requestID string) (*WorkflowRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wf, ok := r.requests[requestID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("request %q not found", requestID))
	}

	return wf, nil
}

// Pending returns every request currently awaiting a decision, ordered
// by ID for determinism.
func (r *RegistrationAuthority) Pending() []*WorkflowRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*WorkflowRequest

	for _, wf := range r.requests {
		if wf.Status == StatusPending {
			pending = append(pending, wf)
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	return pending
}

// Renew verifies currentCert belongs to agentID and is not revoked,
// issues a fresh certificate via the CA, and updates the agent's
// persisted certificate fields and last_renewal_time. The previous
// certificate is left untouched: renewal never revokes it. A missing
// storage record (the registry's own self-issued certificate, for
// instance) is not an error — only a genuine storage failure is.
func (r *RegistrationAuthority) Renew(ctx context.Context, currentCert *CertRef, csrPEM []byte, agentID string) (*ca.Certificate, error) {
	if currentCert.CommonName != agentID {
		return nil, apperr.New(apperr.InvalidCSR, fmt.Sprintf("current certificate CN %q does not belong to agent_id %q", currentCert.CommonName, agentID))
	}

	if entry, revoked := r.authority.IsRevoked(currentCert.Serial); revoked {
		return nil, apperr.New(apperr.CertificateRevoked, fmt.Sprintf("certificate %s revoked at %s", currentCert.Serial, entry.RevokedAt))
	}

	csr, err := cryptoutil.ParseCSRPEM(csrPEM)
	if err != nil {
		return nil, err
	}

	if csr.Subject.CommonName != agentID {
		return nil, apperr.New(apperr.InvalidCSR, fmt.Sprintf("renewal CSR CN %q does not equal agent_id %q", csr.Subject.CommonName, agentID))
	}

	cert, err := r.authority.Issue(csrPEM)
	if err != nil {
		return nil, err
	}

	if err := r.recordRenewal(ctx, agentID, cert); err != nil {
		return nil, err
	}

	r.audit.Record(observability.Event{Kind: "renewed", Subject: agentID, Detail: cert.Serial, At: r.clock()})

	return cert, nil
}

// recordRenewal persists cert's serial, PEM, and renewal timestamp on
// agentID's stored record. It is a no-op when agentID has no persisted
// record at all.
func (r *RegistrationAuthority) recordRenewal(ctx context.Context, agentID string, cert *ca.Certificate) error {
	if r.store == nil {
		return nil
	}

	agent, err := r.store.GetByID(ctx, agentID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil
		}

		return err
	}

	now := r.clock()
	agent.CertificateSerial = cert.Serial
	agent.CertificatePEM = cert.PEM
	agent.LastRenewalTime = &now

	return r.store.UpdateAgent(ctx, agent)
}

// CertRef is the minimal shape Renew needs from an existing
// certificate: its subject common name and serial. Callers build one
// from a ca.Certificate or from a storage-held agent record, so Renew
// doesn't need a direct *x509.Certificate in hand.
type CertRef struct {
	CommonName string
	Serial     string
}

// NewCertRef adapts a ca.Certificate into the shape Renew expects.
func NewCertRef(cert *ca.Certificate) *CertRef {
	return &CertRef{CommonName: cert.X509.Subject.CommonName, Serial: cert.Serial}
}

// Revoke marks the agent's certificate revoked via the CA, deactivates
// its stored agent record (when one exists), and synchronously
// invalidates any cached OCSP "good" response for the serial before
// returning, so no stale good status or stale directory listing survives
// a revoke. Idempotent.
func (r *RegistrationAuthority) Revoke(ctx context.Context, serial string, reason ca.RevocationReason) (*ca.RevocationEntry, error) {
	entry, err := r.authority.Revoke(serial, reason)
	if err != nil {
		return nil, err
	}

	r.responder.Invalidate(serial)

	if err := r.deactivateAgent(ctx, serial); err != nil {
		return nil, err
	}

	r.metrics.IncrementCounter("revocations_total")

	r.audit.Record(observability.Event{Kind: "revoked", Subject: serial, Detail: reason.String(), At: r.clock()})

	return entry, nil
}

// deactivateAgent sets IsActive=false on whichever agent record
// currently holds serial. A serial with no matching agent (the
// registry's own self-issued certificate, for instance) is not an
// error.
func (r *RegistrationAuthority) deactivateAgent(ctx context.Context, serial string) error {
	if r.store == nil {
		return nil
	}

	agent, err := r.store.GetByCertificateSerial(ctx, serial)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil
		}

		return err
	}

	agent.IsActive = false

	return r.store.UpdateAgent(ctx, agent)
}
