// Package protocol implements the ProtocolAdapterRegistry:
// per-protocol validation and normalization of the
// `protocol_extensions` payload carried by a registration request.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"

	"ans/internal/ans/apperr"
)

// Adapter validates, parses, and formats a protocol's extension
// payload. New protocols register an Adapter without touching the RA
// or registry core.
type Adapter interface {
	Validate(payload map[string]any) error
	Parse(payload map[string]any) (any, error)
	Format(normalized any) (map[string]any, error)
}

// Registry maps a protocol token to its Adapter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry with the prescribed a2a and mcp
// adapters already registered.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register("a2a", NewA2AAdapter())
	r.Register("mcp", NewMCPAdapter())

	return r
}

// Register adds or replaces the adapter for protocol.
func (r *Registry) Register(protocol string, adapter Adapter) {
	r.adapters[protocol] = adapter
}

// Get returns the adapter for protocol, or UnsupportedProtocol.
func (r *Registry) Get(protocol string) (Adapter, error) {
	adapter, ok := r.adapters[protocol]
	if !ok {
		return nil, apperr.New(apperr.UnsupportedProtocol, fmt.Sprintf("no adapter registered for protocol %q", protocol))
	}

	return adapter, nil
}

// Protocols lists every registered protocol token, sorted.
func (r *Registry) Protocols() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}

	sort.Strings(out)

	return out
}

// validationError joins a set of reasons into an ExtensionInvalid error.
func validationError(reasons []string) error {
	sort.Strings(reasons)

	msg := reasons[0]
	for _, r := range reasons[1:] {
		msg += "; " + r
	}

	return apperr.New(apperr.ExtensionInvalid, msg)
}

func stringField(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

func listField(payload map[string]any, key string) ([]any, bool) {
	v, ok := payload[key]
	if !ok {
		return nil, false
	}

	l, ok := v.([]any)

	return l, ok
}

func objectField(payload map[string]any, key string) (map[string]any, bool) {
	v, ok := payload[key]
	if !ok {
		return nil, false
	}

	m, ok := v.(map[string]any)

	return m, ok
}

// --- a2a ---

var a2aRoutingProtocols = map[string]bool{"http": true, "grpc": true, "websocket": true}

var a2aAuthentication = map[string]bool{"none": true, "apikey": true, "oauth2": true, "mtls": true}
var a2aAuthorization = map[string]bool{"none": true, "rbac": true, "scopes": true}
var a2aEncryption = map[string]bool{"none": true, "tls": true, "e2e": true}

// A2ACapability describes one normalized a2a capability entry.
type A2ACapability struct {
	Name        string
	Version     string
	Description string
	Inputs      []string
	Outputs     []string
}

// A2ANormalized is the parsed shape of an a2a protocol_extensions payload.
type A2ANormalized struct {
	SpecVersion    string
	Capabilities   []A2ACapability
	RoutingProtocol string
	Authentication string
	Authorization  string
	Encryption     string
}

type a2aAdapter struct{}

// NewA2AAdapter returns the adapter for the "a2a" protocol.
func NewA2AAdapter() Adapter { return a2aAdapter{} }

func (a2aAdapter) Validate(payload map[string]any) error {
	var reasons []string

	if v, ok := stringField(payload, "spec_version"); !ok || v == "" {
		reasons = append(reasons, "spec_version is required")
	}

	caps, ok := listField(payload, "capabilities")
	if !ok || len(caps) == 0 {
		reasons = append(reasons, "capabilities[] is required and must be non-empty")
	} else {
		for i, raw := range caps {
			cm, ok := raw.(map[string]any)
			if !ok {
				reasons = append(reasons, fmt.Sprintf("capabilities[%d] must be an object", i))
				continue
			}

			for _, field := range []string{"name", "version", "description"} {
				if v, ok := stringField(cm, field); !ok || v == "" {
					reasons = append(reasons, fmt.Sprintf("capabilities[%d].%s is required", i, field))
				}
			}

			if iface, ok := objectField(cm, "interface"); ok {
				if _, ok := listField(iface, "inputs"); !ok {
					if _, present := iface["inputs"]; present {
						reasons = append(reasons, fmt.Sprintf("capabilities[%d].interface.inputs must be a list", i))
					}
				}

				if _, ok := listField(iface, "outputs"); !ok {
					if _, present := iface["outputs"]; present {
						reasons = append(reasons, fmt.Sprintf("capabilities[%d].interface.outputs must be a list", i))
					}
				}
			}
		}
	}

	routing, ok := objectField(payload, "routing")
	if !ok {
		reasons = append(reasons, "routing is required")
	} else {
		proto, _ := stringField(routing, "protocol")
		if !a2aRoutingProtocols[proto] {
			reasons = append(reasons, fmt.Sprintf("routing.protocol %q is not one of http, grpc, websocket", proto))
		}
	}

	security, ok := objectField(payload, "security")
	if !ok {
		reasons = append(reasons, "security is required")
	} else {
		auth, _ := stringField(security, "authentication")
		if !a2aAuthentication[auth] {
			reasons = append(reasons, fmt.Sprintf("security.authentication %q is not recognized", auth))
		}

		authz, _ := stringField(security, "authorization")
		if !a2aAuthorization[authz] {
			reasons = append(reasons, fmt.Sprintf("security.authorization %q is not recognized", authz))
		}

		enc, _ := stringField(security, "encryption")
		if !a2aEncryption[enc] {
			reasons = append(reasons, fmt.Sprintf("security.encryption %q is not recognized", enc))
		}
	}

	if len(reasons) > 0 {
		return validationError(reasons)
	}

	return nil
}

func (a a2aAdapter) Parse(payload map[string]any) (any, error) {
	if err := a.Validate(payload); err != nil {
		return nil, err
	}

	norm := A2ANormalized{}
	norm.SpecVersion, _ = stringField(payload, "spec_version")

	caps, _ := listField(payload, "capabilities")
	for _, raw := range caps {
		cm := raw.(map[string]any)

		cap := A2ACapability{}
		cap.Name, _ = stringField(cm, "name")
		cap.Version, _ = stringField(cm, "version")
		cap.Description, _ = stringField(cm, "description")

		if iface, ok := objectField(cm, "interface"); ok {
			cap.Inputs = toStringSlice(iface["inputs"])
			cap.Outputs = toStringSlice(iface["outputs"])
		}

		norm.Capabilities = append(norm.Capabilities, cap)
	}

	routing, _ := objectField(payload, "routing")
	norm.RoutingProtocol, _ = stringField(routing, "protocol")

	security, _ := objectField(payload, "security")
	norm.Authentication, _ = stringField(security, "authentication")
	norm.Authorization, _ = stringField(security, "authorization")
	norm.Encryption, _ = stringField(security, "encryption")

	return norm, nil
}

func (a2aAdapter) Format(normalized any) (map[string]any, error) {
	norm, ok := normalized.(A2ANormalized)
	if !ok {
		return nil, apperr.New(apperr.InternalError, "format: not an A2ANormalized value")
	}

	caps := make([]any, 0, len(norm.Capabilities))
	for _, c := range norm.Capabilities {
		caps = append(caps, map[string]any{
			"name":        c.Name,
			"version":     c.Version,
			"description": c.Description,
			"interface": map[string]any{
				"inputs":  c.Inputs,
				"outputs": c.Outputs,
			},
		})
	}

	return map[string]any{
		"spec_version": norm.SpecVersion,
		"capabilities": caps,
		"routing":      map[string]any{"protocol": norm.RoutingProtocol},
		"security": map[string]any{
			"authentication": norm.Authentication,
			"authorization":  norm.Authorization,
			"encryption":     norm.Encryption,
		},
	}, nil
}

func toStringSlice(v any) []string {
	l, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(l))
	for _, e := range l {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// --- mcp ---

// MCPContextSpec describes one normalized mcp context_specifications entry.
type MCPContextSpec struct {
	ContextType string
	Version     string
	Description string
	Schema      map[string]any
	MaxTokens   int
}

// MCPNormalized is the parsed shape of an mcp protocol_extensions payload.
type MCPNormalized struct {
	SchemaVersion         string
	ContextSpecifications []MCPContextSpec
	DocumentTypes         []string
	TokenLimit            int
}

type mcpAdapter struct{}

// NewMCPAdapter returns the adapter for the "mcp" protocol.
func NewMCPAdapter() Adapter { return mcpAdapter{} }

func (mcpAdapter) Validate(payload map[string]any) error {
	var reasons []string

	if v, ok := stringField(payload, "schema_version"); !ok || v == "" {
		reasons = append(reasons, "schema_version is required")
	}

	specs, ok := listField(payload, "context_specifications")
	if !ok || len(specs) == 0 {
		reasons = append(reasons, "context_specifications[] is required and must be non-empty")
	} else {
		for i, raw := range specs {
			sm, ok := raw.(map[string]any)
			if !ok {
				reasons = append(reasons, fmt.Sprintf("context_specifications[%d] must be an object", i))
				continue
			}

			for _, field := range []string{"context_type", "version", "description"} {
				if v, ok := stringField(sm, field); !ok || v == "" {
					reasons = append(reasons, fmt.Sprintf("context_specifications[%d].%s is required", i, field))
				}
			}

			if _, ok := objectField(sm, "schema"); !ok {
				reasons = append(reasons, fmt.Sprintf("context_specifications[%d].schema is required", i))
			}
		}
	}

	if _, present := payload["token_limit"]; !present {
		reasons = append(reasons, "token_limit is required")
	}

	if len(reasons) > 0 {
		return validationError(reasons)
	}

	return nil
}

func (m mcpAdapter) Parse(payload map[string]any) (any, error) {
	if err := m.Validate(payload); err != nil {
		return nil, err
	}

	norm := MCPNormalized{}
	norm.SchemaVersion, _ = stringField(payload, "schema_version")

	specs, _ := listField(payload, "context_specifications")
	for _, raw := range specs {
		sm := raw.(map[string]any)

		spec := MCPContextSpec{}
		spec.ContextType, _ = stringField(sm, "context_type")
		spec.Version, _ = stringField(sm, "version")
		spec.Description, _ = stringField(sm, "description")
		spec.Schema, _ = objectField(sm, "schema")

		if mt, ok := sm["max_tokens"]; ok {
			if f, ok := mt.(float64); ok {
				spec.MaxTokens = int(f)
			}
		}

		norm.ContextSpecifications = append(norm.ContextSpecifications, spec)
	}

	norm.DocumentTypes = toStringSlice(payload["document_types"])

	if tl, ok := payload["token_limit"].(float64); ok {
		norm.TokenLimit = int(tl)
	}

	return norm, nil
}

func (mcpAdapter) Format(normalized any) (map[string]any, error) {
	norm, ok := normalized.(MCPNormalized)
	if !ok {
		return nil, apperr.New(apperr.InternalError, "format: not an MCPNormalized value")
	}

	specs := make([]any, 0, len(norm.ContextSpecifications))
	for _, s := range norm.ContextSpecifications {
		specs = append(specs, map[string]any{
			"context_type": s.ContextType,
			"version":      s.Version,
			"description":  s.Description,
			"schema":       s.Schema,
			"max_tokens":   s.MaxTokens,
		})
	}

	out := map[string]any{
		"schema_version":         norm.SchemaVersion,
		"context_specifications": specs,
		"token_limit":            norm.TokenLimit,
	}

	if len(norm.DocumentTypes) > 0 {
		out["document_types"] = norm.DocumentTypes
	}

	return out, nil
}

// DecodePayload unmarshals a raw protocol_extensions JSON object into
// the map shape Adapter methods expect. Empty input yields an empty map;
// anything other than a JSON object fails SchemaError.
func DecodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Wrap(apperr.SchemaError, "protocol_extensions is not a JSON object", err)
	}

	return m, nil
}
