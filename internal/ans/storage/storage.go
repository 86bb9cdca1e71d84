// Package storage defines the StoragePort: the abstract
// CRUD contract the registry persists agents and revocation entries
// through, plus an in-memory reference implementation.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"
)

// Agent is the persisted record for a registered agent.
type Agent struct {
	AgentID            string         `json:"agent_id"`
	ANSName            string         `json:"ans_name"`
	Protocol           string         `json:"protocol"`
	Capability         string         `json:"capability"`
	Provider           string         `json:"provider"`
	Version            string         `json:"version"`
	Capabilities       []string       `json:"capabilities"`
	ProtocolExtensions map[string]any `json:"protocol_extensions"`
	Endpoint           string         `json:"endpoint"`
	CertificateSerial  string         `json:"certificate_serial"`
	CertificatePEM     []byte         `json:"-"`
	RegistrationTime   time.Time      `json:"registration_time"`
	LastRenewalTime    *time.Time     `json:"last_renewal_time,omitempty"`
	IsActive           bool           `json:"is_active"`
}

// QueryFilter selects agents by exact-or-wildcard field match
// for the list operation.
type QueryFilter struct {
	AgentID         string
	Protocol        string
	Capability      string
	Provider        string
	IncludeInactive bool
}

// Port is the abstract storage contract. Any backend honoring
// serializable writes on AgentID, a uniqueness constraint on ANSName,
// and deterministic listing order is acceptable.
type Port interface {
	PutAgent(ctx context.Context, agent *Agent) error
	GetByID(ctx context.Context, agentID string) (*Agent, error)
	GetByANSName(ctx context.Context, ansName string) (*Agent, error)
	Query(ctx context.Context, filter QueryFilter, limit int) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	GetByCertificateSerial(ctx context.Context, serial string) (*Agent, error)
	PutRevocation(ctx context.Context, entry *ca.RevocationEntry) error
	GetRevocation(ctx context.Context, serial string) (*ca.RevocationEntry, error)
	ListRevocations(ctx context.Context) ([]*ca.RevocationEntry, error)
}

// MemoryStore is the in-memory reference implementation of Port: a
// single write lock over the agent set plus indexed lookups, matching
// the "one writer / many readers" discipline agent persistence requires.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*Agent
	byANSName   map[string]*Agent
	byCertSerial map[string]*Agent
	revocations map[string]*ca.RevocationEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*Agent),
		byANSName:   make(map[string]*Agent),
		byCertSerial: make(map[string]*Agent),
		revocations: make(map[string]*ca.RevocationEntry),
	}
}

func (s *MemoryStore) PutAgent(_ context.Context, agent *Agent) error {
	if agent == nil {
		return apperr.New(apperr.InternalError, "nil agent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[agent.AgentID]; exists {
		return apperr.New(apperr.AlreadyRegistered, fmt.Sprintf("agent_id %q already registered", agent.AgentID))
	}

	if _, exists := s.byANSName[agent.ANSName]; exists {
		return apperr.New(apperr.AlreadyRegistered, fmt.Sprintf("ans_name %q already registered", agent.ANSName))
	}

	copyAgent := *agent
	s.byID[agent.AgentID] = &copyAgent
	s.byANSName[agent.ANSName] = &copyAgent

	if copyAgent.CertificateSerial != "" {
		s.byCertSerial[copyAgent.CertificateSerial] = &copyAgent
	}

	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.byID[agentID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("agent %q not found", agentID))
	}

	copyAgent := *agent

	return &copyAgent, nil
}

func (s *MemoryStore) GetByANSName(_ context.Context, ansName string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.byANSName[ansName]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("ans_name %q not found", ansName))
	}

	copyAgent := *agent

	return &copyAgent, nil
}

func (s *MemoryStore) GetByCertificateSerial(_ context.Context, serial string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.byCertSerial[serial]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("no agent holds certificate serial %q", serial))
	}

	copyAgent := *agent

	return &copyAgent, nil
}

func (s *MemoryStore) Query(_ context.Context, filter QueryFilter, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 10
	}

	if limit > 100 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*Agent, 0, len(s.byID))

	for _, agent := range s.byID {
		if !filter.IncludeInactive && !agent.IsActive {
			continue
		}

		if !wildcardMatch(filter.AgentID, agent.AgentID) ||
			!wildcardMatch(filter.Protocol, agent.Protocol) ||
			!wildcardMatch(filter.Capability, agent.Capability) ||
			!wildcardMatch(filter.Provider, agent.Provider) {
			continue
		}

		copyAgent := *agent
		matches = append(matches, &copyAgent)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].ANSName < matches[j].ANSName })

	if len(matches) > limit {
		matches = matches[:limit]
	}

	return matches, nil
}

func wildcardMatch(want, have string) bool {
	return want == "" || want == "*" || want == have
}

func (s *MemoryStore) UpdateAgent(_ context.Context, agent *Agent) error {
	if agent == nil {
		return apperr.New(apperr.InternalError, "nil agent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byID[agent.AgentID]
	if !exists {
		return apperr.New(apperr.NotFound, fmt.Sprintf("agent %q not found", agent.AgentID))
	}

	if existing.CertificateSerial != "" && existing.CertificateSerial != agent.CertificateSerial {
		delete(s.byCertSerial, existing.CertificateSerial)
	}

	copyAgent := *agent
	s.byID[agent.AgentID] = &copyAgent
	s.byANSName[agent.ANSName] = &copyAgent

	if copyAgent.CertificateSerial != "" {
		s.byCertSerial[copyAgent.CertificateSerial] = &copyAgent
	}

	return nil
}

func (s *MemoryStore) PutRevocation(_ context.Context, entry *ca.RevocationEntry) error {
	if entry == nil {
		return apperr.New(apperr.InternalError, "nil revocation entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revocations[entry.Serial] = entry

	return nil
}

func (s *MemoryStore) GetRevocation(_ context.Context, serial string) (*ca.RevocationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.revocations[serial]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("no revocation for serial %q", serial))
	}

	return entry, nil
}

func (s *MemoryStore) ListRevocations(_ context.Context) ([]*ca.RevocationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ca.RevocationEntry, 0, len(s.revocations))
	for _, entry := range s.revocations {
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })

	return out, nil
}

var _ Port = (*MemoryStore)(nil)
