package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStateRoundTrip(t *testing.T) {
	state, err := EncodeState("github")
	require.NoError(t, err)
	require.NotEmpty(t, state)

	server, err := DecodeState(state)
	require.NoError(t, err)
	assert.Equal(t, "github", server)
}

func TestStatesAreUnique(t *testing.T) {
	a, err := EncodeState("s")
	require.NoError(t, err)
	b, err := EncodeState("s")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "not-base64!!!", "aGVsbG8"} {
		_, err := DecodeState(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestStateRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-zA-Z0-9._-]{1,30}`).Draw(t, "name")
		state, err := EncodeState(name)
		require.NoError(t, err)

		back, err := DecodeState(state)
		require.NoError(t, err)
		assert.Equal(t, name, back)
	})
}
