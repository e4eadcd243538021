package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSecretKeyDerivesPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(kp.Private)
	require.NoError(t, err)

	assert.Equal(t, kp.Public, restored.Public)
	assert.Equal(t, kp.Address(), restored.Address())
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.ErrorIs(t, err, ErrZeroKey)
}

func TestAddressFromPublicKeyIsStable(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.Equal(t, AddressFromPublicKey(kp.Public), kp.Address())

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Address(), other.Address())
}

func TestWipeKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, WipeKeyPair(kp))
	assert.Equal(t, [32]byte{}, kp.Private)
	assert.Error(t, WipeKeyPair(nil))
	assert.Error(t, SecureWipe(nil))
}
