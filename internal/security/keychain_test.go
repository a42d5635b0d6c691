package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeychainRoundTrip(t *testing.T) {
	keyring.MockInit()
	k := NewKeychain()
	account := Account("alice", "Libera")
	assert.Equal(t, "alice/Libera", account)

	got, err := k.GetPassword(account)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, k.StorePassword(account, "hunter2"))
	got, err = k.GetPassword(account)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	// storing an empty password removes the entry
	require.NoError(t, k.StorePassword(account, ""))
	got, err = k.GetPassword(account)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.NoError(t, k.DeletePassword(account))
}
