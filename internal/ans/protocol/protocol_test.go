package protocol

import (
	"testing"

	"ans/internal/ans/apperr"

	"github.com/stretchr/testify/require"
)

func validA2APayload() map[string]any {
	return map[string]any{
		"spec_version": "1.0",
		"capabilities": []any{
			map[string]any{
				"name":        "chat",
				"version":     "1.0.0",
				"description": "chat capability",
				"interface": map[string]any{
					"inputs":  []any{"text"},
					"outputs": []any{"text"},
				},
			},
		},
		"routing": map[string]any{"protocol": "http"},
		"security": map[string]any{
			"authentication": "apikey",
			"authorization":  "rbac",
			"encryption":     "tls",
		},
	}
}

func TestA2AAdapter_ValidPayload(t *testing.T) {
	t.Parallel()

	adapter := NewA2AAdapter()
	require.NoError(t, adapter.Validate(validA2APayload()))

	normalized, err := adapter.Parse(validA2APayload())
	require.NoError(t, err)

	formatted, err := adapter.Format(normalized)
	require.NoError(t, err)
	require.Equal(t, "1.0", formatted["spec_version"])
}

func TestA2AAdapter_MissingSpecVersion(t *testing.T) {
	t.Parallel()

	payload := validA2APayload()
	delete(payload, "spec_version")

	adapter := NewA2AAdapter()

	err := adapter.Validate(payload)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ExtensionInvalid))
	require.Contains(t, err.Error(), "spec_version")
}

func TestA2AAdapter_InvalidRoutingProtocol(t *testing.T) {
	t.Parallel()

	payload := validA2APayload()
	payload["routing"] = map[string]any{"protocol": "carrier-pigeon"}

	err := NewA2AAdapter().Validate(payload)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ExtensionInvalid))
}

func validMCPPayload() map[string]any {
	return map[string]any{
		"schema_version": "1.0",
		"context_specifications": []any{
			map[string]any{
				"context_type": "document",
				"version":      "1.0.0",
				"description":  "a document context",
				"schema":       map[string]any{"type": "object"},
				"max_tokens":   float64(1000),
			},
		},
		"token_limit": float64(4096),
	}
}

func TestMCPAdapter_ValidPayload(t *testing.T) {
	t.Parallel()

	adapter := NewMCPAdapter()
	require.NoError(t, adapter.Validate(validMCPPayload()))

	normalized, err := adapter.Parse(validMCPPayload())
	require.NoError(t, err)

	mcpNorm, ok := normalized.(MCPNormalized)
	require.True(t, ok)
	require.Equal(t, 4096, mcpNorm.TokenLimit)

	formatted, err := adapter.Format(normalized)
	require.NoError(t, err)
	require.Equal(t, float64(4096), toFloat(formatted["token_limit"]))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return -1
	}
}

func TestMCPAdapter_MissingRequiredFields(t *testing.T) {
	t.Parallel()

	payload := validMCPPayload()
	delete(payload, "token_limit")

	err := NewMCPAdapter().Validate(payload)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ExtensionInvalid))
	require.Contains(t, err.Error(), "token_limit")
}

func TestRegistry_UnsupportedProtocol(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	_, err := registry.Get("xmpp")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.UnsupportedProtocol))
}

func TestRegistry_RegisterCustomAdapter(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Register("a2a", NewA2AAdapter())

	adapter, err := registry.Get("a2a")
	require.NoError(t, err)
	require.NotNil(t, adapter)
}
