package name

import (
	"testing"

	"ans/internal/ans/apperr"

	"github.com/stretchr/testify/require"
)

func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"no extension", "a2a://chat.conversation.openai.v1.2.3"},
		{"with extension", "mcp://assistant.summarize.anthropic.v2.0.0,beta"},
		{"underscores and dashes", "a2a://chat-bot_1.conv-cap.my-provider.v0.0.1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			n, err := Parse(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.in, Format(n))
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"missing scheme", "chat.conversation.openai.v1.2.3"},
		{"missing version prefix", "a2a://chat.conversation.openai.1.2.3"},
		{"bad semver", "a2a://chat.conversation.openai.v1.2"},
		{"uppercase protocol", "A2A://chat.conversation.openai.v1.2.3"},
		{"dot in agent id", "a2a://chat.bot.conversation.openai.v1.2.3.v1.2.3"},
		{"double scheme separator", "a2a://chat.conversation.openai.v1.2.3://extra"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tc.in)
			require.Error(t, err)
			require.True(t, apperr.Is(err, apperr.InvalidName))
		})
	}
}

func TestMatches_Wildcards(t *testing.T) {
	t.Parallel()

	n, err := Parse("a2a://chat.conversation.openai.v1.2.3")
	require.NoError(t, err)

	require.True(t, Matches(n, Filter{}))
	require.True(t, Matches(n, Filter{Protocol: "*"}))
	require.True(t, Matches(n, Filter{Protocol: "a2a", Capability: "conversation", Provider: "openai"}))
	require.False(t, Matches(n, Filter{Provider: "anthropic"}))
}
