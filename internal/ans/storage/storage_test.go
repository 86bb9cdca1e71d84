package storage

import (
	"context"
	"testing"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"

	"github.com/stretchr/testify/require"
)

func sampleAgent(id, ansName string) *Agent {
	return &Agent{
		AgentID:           id,
		ANSName:           ansName,
		Protocol:          "a2a",
		Capability:        "chat",
		Provider:          "acme",
		Version:           "1.0.0",
		Endpoint:          "https://agents.acme.example/chat",
		CertificateSerial: "aa",
		RegistrationTime:  time.Unix(0, 0).UTC(),
		IsActive:          true,
	}
}

func TestMemoryStore_PutAndGet(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	agent := sampleAgent("agent-1", "a2a://agent-1.chat.acme.v1.0.0")
	require.NoError(t, store.PutAgent(ctx, agent))

	byID, err := store.GetByID(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, agent.ANSName, byID.ANSName)

	byName, err := store.GetByANSName(ctx, agent.ANSName)
	require.NoError(t, err)
	require.Equal(t, agent.AgentID, byName.AgentID)
}

func TestMemoryStore_PutAgent_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	agent := sampleAgent("agent-1", "a2a://agent-1.chat.acme.v1.0.0")
	require.NoError(t, store.PutAgent(ctx, agent))

	err := store.PutAgent(ctx, agent)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.AlreadyRegistered))

	other := sampleAgent("agent-2", agent.ANSName)
	err = store.PutAgent(ctx, other)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.AlreadyRegistered))
}

func TestMemoryStore_GetByID_NotFound(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	_, err := store.GetByID(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestMemoryStore_Query_FiltersAndClampsLimit(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	a := sampleAgent("agent-a", "a2a://agent-a.chat.acme.v1.0.0")
	b := sampleAgent("agent-b", "mcp://agent-b.summarize.acme.v1.0.0")
	b.Protocol = "mcp"
	b.Capability = "summarize"

	require.NoError(t, store.PutAgent(ctx, a))
	require.NoError(t, store.PutAgent(ctx, b))

	results, err := store.Query(ctx, QueryFilter{Protocol: "a2a"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "agent-a", results[0].AgentID)

	all, err := store.Query(ctx, QueryFilter{}, 500)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Deterministic ordering: sorted by ans_name ascending.
	require.Equal(t, "agent-a", all[0].AgentID)
}

func TestMemoryStore_Query_ExcludesInactiveByDefault(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	agent := sampleAgent("agent-1", "a2a://agent-1.chat.acme.v1.0.0")
	agent.IsActive = false
	require.NoError(t, store.PutAgent(ctx, agent))

	results, err := store.Query(ctx, QueryFilter{}, 10)
	require.NoError(t, err)
	require.Empty(t, results)

	withInactive, err := store.Query(ctx, QueryFilter{IncludeInactive: true}, 10)
	require.NoError(t, err)
	require.Len(t, withInactive, 1)
}

func TestMemoryStore_UpdateAgent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	agent := sampleAgent("agent-1", "a2a://agent-1.chat.acme.v1.0.0")
	require.NoError(t, store.PutAgent(ctx, agent))

	agent.IsActive = false
	require.NoError(t, store.UpdateAgent(ctx, agent))

	got, err := store.GetByID(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, got.IsActive)
}

func TestMemoryStore_UpdateAgent_NotFound(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	err := store.UpdateAgent(context.Background(), sampleAgent("ghost", "a2a://ghost.chat.acme.v1.0.0"))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))
}

func TestMemoryStore_GetByCertificateSerial(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	agent := sampleAgent("agent-1", "a2a://agent-1.chat.acme.v1.0.0")
	require.NoError(t, store.PutAgent(ctx, agent))

	byCert, err := store.GetByCertificateSerial(ctx, "aa")
	require.NoError(t, err)
	require.Equal(t, "agent-1", byCert.AgentID)

	_, err = store.GetByCertificateSerial(ctx, "missing")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))

	agent.CertificateSerial = "bb"
	require.NoError(t, store.UpdateAgent(ctx, agent))

	_, err = store.GetByCertificateSerial(ctx, "aa")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))

	byNewCert, err := store.GetByCertificateSerial(ctx, "bb")
	require.NoError(t, err)
	require.Equal(t, "agent-1", byNewCert.AgentID)
}

func TestMemoryStore_Revocations(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	entry := &ca.RevocationEntry{Serial: "aa", RevokedAt: time.Unix(100, 0).UTC(), Reason: ca.ReasonKeyCompromise}
	require.NoError(t, store.PutRevocation(ctx, entry))

	got, err := store.GetRevocation(ctx, "aa")
	require.NoError(t, err)
	require.Equal(t, ca.ReasonKeyCompromise, got.Reason)

	_, err = store.GetRevocation(ctx, "missing")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.NotFound))

	list, err := store.ListRevocations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
