package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	local, err := GenerateLocalIdentity()
	require.NoError(t, err)

	sig := local.Sign([]byte("move 1"))
	remote := local.Remote()
	assert.True(t, remote.ValidateSignature([]byte("move 1"), sig))
	assert.False(t, remote.ValidateSignature([]byte("move 2"), sig))
	assert.False(t, remote.ValidateSignature([]byte("move 1"), sig[:10]))
	assert.True(t, strings.HasPrefix(local.IDHash(), "I"))
}

func TestRemoteFromKeyMatchesLocal(t *testing.T) {
	local, err := GenerateLocalIdentity()
	require.NoError(t, err)

	remote, err := NewRemoteIdentity(local.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, local.IDHash(), remote.IDHash())

	_, err = NewRemoteIdentity([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id_ed25519")

	first, created, err := LoadOrCreateLocalIdentity(path)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrCreateLocalIdentity(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.IDHash(), second.IDHash())
	assert.Equal(t, first.Sign([]byte("x")), second.Sign([]byte("x")))
}
