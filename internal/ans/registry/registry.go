// Package registry implements the AgentRegistry: agent
// persistence, filtered listing, and resolve — including semantic
// version negotiation and endpoint-record signing.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"
	"ans/internal/ans/cryptoutil"
	"ans/internal/ans/name"
	"ans/internal/ans/observability"
	"ans/internal/ans/ocsp"
	"ans/internal/ans/storage"

	"github.com/Masterminds/semver/v3"
)

// patternGrammar is a looser variant of the ANSName grammar (name.go)
// that additionally accepts "*" in the agent_id/capability/provider
// positions and an omitted or "*" version, for resolve's pattern input.
// If the input omits trailing fields or uses "*", it is treated as a
// pattern rather than a fully-qualified name.
var patternGrammar = regexp.MustCompile(
	`^(?P<protocol>[a-z0-9]+)://(?P<id>[A-Za-z0-9_-]+|\*)\.(?P<cap>[A-Za-z0-9_-]+|\*)\.(?P<prov>[A-Za-z0-9_-]+|\*)(?:\.v(?P<ver>\d+\.\d+\.\d+|\*)(?:,(?P<ext>[^\s]+))?)?$`,
)

type pattern struct {
	Protocol   string
	AgentID    string
	Capability string
	Provider   string
	Version    string // "" if absent, "*" if wildcard, else an explicit semver
}

func parsePattern(s string) (pattern, error) {
	m := patternGrammar.FindStringSubmatch(s)
	if m == nil {
		return pattern{}, apperr.New(apperr.InvalidName, fmt.Sprintf("%q does not match the resolve pattern grammar", s))
	}

	groups := make(map[string]string, len(m))
	for i, g := range patternGrammar.SubexpNames() {
		if i == 0 || g == "" {
			continue
		}
		groups[g] = m[i]
	}

	return pattern{
		Protocol:   groups["protocol"],
		AgentID:    groups["id"],
		Capability: groups["cap"],
		Provider:   groups["prov"],
		Version:    groups["ver"],
	}, nil
}

// EndpointData is the signed payload of an EndpointRecord.
type EndpointData struct {
	AgentID            string         `json:"agent_id"`
	ANSName            string         `json:"ans_name"`
	Endpoint           string         `json:"endpoint"`
	Capabilities       []string       `json:"capabilities"`
	ProtocolExtensions map[string]any `json:"protocol_extensions"`
	Certificate        string         `json:"certificate"`
	IsActive           bool           `json:"is_active"`
}

// EndpointRecord is the ephemeral, signed result of a resolve call.
type EndpointRecord struct {
	Data                EndpointData `json:"data"`
	Signature           string       `json:"signature"`
	RegistryCertificate []byte       `json:"registry_certificate"`
}

// RegisterInput carries everything Register needs once the RA+CA have
// accepted a request and issued a certificate.
type RegisterInput struct {
	Parsed             name.ANSName
	Capabilities       []string
	ProtocolExtensions map[string]any
	Endpoint           string
	Certificate        *ca.Certificate
}

// Config configures a Registry.
type Config struct {
	Name    string // registry's own agent-id-like CN, default "registry"
	Clock   func() time.Time
	Audit   observability.AuditSink
	Metrics *observability.MetricsRegistry // shared with RA and the OCSP client when set
}

// Registry is the AgentRegistry: a storage-backed agent set, indexed
// only through the storage port, plus its own keypair/certificate used
// to sign endpoint records.
type Registry struct {
	store      storage.Port
	authority  *ca.CA
	ocspClient *ocsp.Client
	key        *rsa.PrivateKey
	cert       *ca.Certificate
	clock      func() time.Time
	audit      observability.AuditSink
	metrics    *observability.MetricsRegistry
}

// New builds a Registry, obtaining its own certificate from authority
// via the same CSR-issuance path agents use (the CA must start before RA
// before Registry). The registry signs endpoint records with its own
// key, not the CA's.
func New(cfg Config, authority *ca.CA, ocspClient *ocsp.Client, store storage.Port) (*Registry, error) {
	if cfg.Name == "" {
		cfg.Name = "registry"
	}

	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	if cfg.Audit == nil {
		cfg.Audit = observability.NoopAuditSink{}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsRegistry()
	}

	csrPEM, key, err := selfCSR(cfg.Name)
	if err != nil {
		return nil, err
	}

	cert, err := authority.Issue(csrPEM)
	if err != nil {
		return nil, err
	}

	return &Registry{
		store:      store,
		authority:  authority,
		ocspClient: ocspClient,
		key:        key,
		cert:       cert,
		clock:      cfg.Clock,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
	}, nil
}

func selfCSR(cn string) ([]byte, *rsa.PrivateKey, error) {
	key, err := cryptoutil.GenerateKeyPair(cryptoutil.DefaultRSABits)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.InternalError, "build registry CSR", err)
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	return csrPEM, key, nil
}

// Certificate returns the registry's own certificate.
func (reg *Registry) Certificate() *ca.Certificate { return reg.cert }

// Metrics exposes the registry's operational counter registry.
func (reg *Registry) Metrics() *observability.MetricsRegistry { return reg.metrics }

// Register persists a new Agent after the RA+CA have accepted the
// request and issued a certificate. Uniqueness conflicts on agent_id or
// ans_name fail AlreadyRegistered.
func (reg *Registry) Register(ctx context.Context, input RegisterInput) (*storage.Agent, error) {
	agent := &storage.Agent{
		AgentID:            input.Parsed.AgentID,
		ANSName:            name.Format(input.Parsed),
		Protocol:           input.Parsed.Protocol,
		Capability:         input.Parsed.Capability,
		Provider:           input.Parsed.Provider,
		Version:            input.Parsed.Version,
		Capabilities:       input.Capabilities,
		ProtocolExtensions: input.ProtocolExtensions,
		Endpoint:           input.Endpoint,
		CertificateSerial:  input.Certificate.Serial,
		CertificatePEM:     input.Certificate.PEM,
		RegistrationTime:   reg.clock(),
		IsActive:           true,
	}

	if err := reg.store.PutAgent(ctx, agent); err != nil {
		return nil, err
	}

	reg.metrics.IncrementCounter("agents_registered")
	reg.audit.Record(observability.Event{Kind: "registered", Subject: agent.AgentID, At: reg.clock()})

	return agent, nil
}

// List returns agents matching filter (inactive ones only when
// filter.IncludeInactive is set), ordered by ans_name ascending. max <= 0
// means 10; the store caps it at 100.
func (reg *Registry) List(ctx context.Context, filter storage.QueryFilter, max int) ([]*storage.Agent, error) {
	if max <= 0 {
		max = 10
	}

	return reg.store.Query(ctx, filter, max)
}

// Resolve parses ansNameOrPattern, negotiates a version (optionally
// constrained by versionRange), verifies the winning candidate's
// certificate, and returns a freshly signed EndpointRecord.
func (reg *Registry) Resolve(ctx context.Context, ansNameOrPattern, versionRange, requestID string) (*EndpointRecord, error) {
	pat, err := parsePattern(ansNameOrPattern)
	if err != nil {
		return nil, err
	}

	filter := storage.QueryFilter{
		AgentID:    wildcardOrExact(pat.AgentID),
		Protocol:   wildcardOrExact(pat.Protocol),
		Capability: wildcardOrExact(pat.Capability),
		Provider:   wildcardOrExact(pat.Provider),
	}

	candidates, err := reg.store.Query(ctx, filter, 100)
	if err != nil {
		return nil, err
	}

	if pat.AgentID == "*" && distinctAgentIDs(candidates) > 1 {
		return nil, apperr.New(apperr.Ambiguous, fmt.Sprintf("pattern %q matches multiple agents; narrow the agent_id", ansNameOrPattern))
	}

	candidates, err = filterByVersion(candidates, pat.Version, versionRange)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("no agent matches %q", ansNameOrPattern))
	}

	sortCandidatesBest(candidates)

	for _, candidate := range candidates {
		record, err := reg.buildRecord(ctx, candidate, requestID)
		if err == nil {
			reg.metrics.IncrementCounter("resolutions_total")
			reg.audit.Record(observability.Event{Kind: "resolved", Subject: candidate.AgentID, RequestID: requestID, At: reg.clock()})

			return record, nil
		}
	}

	return nil, apperr.New(apperr.NotFound, fmt.Sprintf("no trustworthy candidate for %q", ansNameOrPattern))
}

func wildcardOrExact(field string) string {
	if field == "*" {
		return ""
	}

	return field
}

func distinctAgentIDs(agents []*storage.Agent) int {
	seen := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		seen[a.AgentID] = struct{}{}
	}

	return len(seen)
}

// filterByVersion applies the negotiation rule: an explicit
// versionRange intersects candidates against the range; absent that, an
// explicit version in the parsed pattern filters to exact match;
// absent both, every candidate survives (caller then picks highest).
func filterByVersion(agents []*storage.Agent, patternVersion, versionRange string) ([]*storage.Agent, error) {
	if versionRange != "" {
		constraint, err := parseVersionRange(versionRange)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidName, fmt.Sprintf("invalid version_range %q", versionRange), err)
		}

		var survivors []*storage.Agent

		for _, a := range agents {
			v, err := semver.NewVersion(a.Version)
			if err != nil {
				continue
			}

			if constraint.Check(v) {
				survivors = append(survivors, a)
			}
		}

		return survivors, nil
	}

	if patternVersion != "" && patternVersion != "*" {
		var survivors []*storage.Agent

		for _, a := range agents {
			if a.Version == patternVersion {
				survivors = append(survivors, a)
			}
		}

		return survivors, nil
	}

	return agents, nil
}

// parseVersionRange adapts the registry's whitespace-AND range grammar
// (">=A <B", "^X.Y.Z", "~X.Y.Z", "*", comparison operators) onto
// Masterminds/semver's comma-AND constraint syntax.
func parseVersionRange(raw string) (*semver.Constraints, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	joined := strings.Join(fields, ",")

	return semver.NewConstraint(joined)
}

// sortCandidatesBest orders candidates by highest version first;
// ties break by latest registration_time, then lexicographically
// smallest agent_id.
func sortCandidatesBest(agents []*storage.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		vi, erri := semver.NewVersion(agents[i].Version)
		vj, errj := semver.NewVersion(agents[j].Version)

		if erri == nil && errj == nil {
			if cmp := vi.Compare(vj); cmp != 0 {
				return cmp > 0
			}
		}

		if !agents[i].RegistrationTime.Equal(agents[j].RegistrationTime) {
			return agents[i].RegistrationTime.After(agents[j].RegistrationTime)
		}

		return agents[i].AgentID < agents[j].AgentID
	})
}

// buildRecord verifies candidate's certificate (OCSP + chain fallback)
// and, on success, signs and returns its EndpointRecord.
func (reg *Registry) buildRecord(ctx context.Context, candidate *storage.Agent, requestID string) (*EndpointRecord, error) {
	if !candidate.IsActive {
		return nil, apperr.New(apperr.NotFound, "candidate is not active")
	}

	block, _ := pem.Decode(candidate.CertificatePEM)
	if block == nil {
		return nil, apperr.New(apperr.InternalError, "candidate certificate PEM is malformed")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "parse candidate certificate", err)
	}

	if err := reg.ocspClient.Check(ctx, cert, requestID); err != nil {
		return nil, err
	}

	data := EndpointData{
		AgentID:            candidate.AgentID,
		ANSName:            candidate.ANSName,
		Endpoint:           candidate.Endpoint,
		Capabilities:       candidate.Capabilities,
		ProtocolExtensions: candidate.ProtocolExtensions,
		Certificate:        string(candidate.CertificatePEM),
		IsActive:           candidate.IsActive,
	}

	canonical, err := cryptoutil.Canonicalize(data)
	if err != nil {
		return nil, err
	}

	sig, err := cryptoutil.SignBytes(reg.key, canonical)
	if err != nil {
		return nil, err
	}

	return &EndpointRecord{
		Data:                data,
		Signature:           hex.EncodeToString(sig),
		RegistryCertificate: reg.cert.PEM,
	}, nil
}

// VerifyEndpointRecord implements the client-side verification contract:
// §4.7: reconstruct record.Data canonically, verify the signature
// against the embedded registry_certificate's public key, verify that
// certificate chains to the CA, and check its OCSP status.
func VerifyEndpointRecord(ctx context.Context, record *EndpointRecord, verifyChain ocsp.VerifyChainFunc, ocspClient *ocsp.Client, requestID string) error {
	block, _ := pem.Decode(record.RegistryCertificate)
	if block == nil {
		return apperr.New(apperr.SignatureInvalid, "registry_certificate PEM is malformed")
	}

	registryCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return apperr.Wrap(apperr.SignatureInvalid, "parse registry_certificate", err)
	}

	canonical, err := cryptoutil.Canonicalize(record.Data)
	if err != nil {
		return err
	}

	sig, err := hex.DecodeString(record.Signature)
	if err != nil {
		return apperr.Wrap(apperr.SignatureInvalid, "decode endpoint record signature", err)
	}

	rsaPub, ok := registryCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return apperr.New(apperr.SignatureInvalid, "registry_certificate does not carry an RSA public key")
	}

	if err := cryptoutil.VerifyBytes(rsaPub, canonical, sig); err != nil {
		return err
	}

	if err := verifyChain(registryCert); err != nil {
		return err
	}

	if ocspClient != nil {
		return ocspClient.Check(ctx, registryCert, requestID)
	}

	return nil
}
