package cloudrelay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator(nil)
	assert.False(t, a.HasUsers())
	_, ok := a.Authenticate("")
	assert.False(t, ok, "empty token never authenticates")

	a.Update([]User{
		{Name: "alice", Token: "alice-secret-token-0001"},
		{Name: "bob", Token: "bob-secret-token-00002"},
	})
	require.True(t, a.HasUsers())

	name, ok := a.Authenticate("bob-secret-token-00002")
	assert.True(t, ok)
	assert.Equal(t, "bob", name)

	_, ok = a.Authenticate("alice-secret-token-000")
	assert.False(t, ok, "a token prefix does not authenticate")
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", maskToken("short"))
	assert.Equal(t, "ya29.a0A...", maskToken("ya29.a0AfH6SMBx"))
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("chatty")
	assert.Error(t, err)

	logger, err := NewLogger("")
	require.NoError(t, err)
	_ = logger.Sync()
}
