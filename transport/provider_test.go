package transport

import (
	"errors"
	"testing"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestConnectionAddressString(t *testing.T) {
	a := keyPair(t).Address()
	ca := ConnectionAddress{Address: a, ID: -42}

	parsed, err := ParseConnectionAddress(ca.String())
	require.NoError(t, err)
	assert.Equal(t, ca, parsed)
}

func TestParseConnectionAddressRejects(t *testing.T) {
	a := keyPair(t).Address().String()
	for _, s := range []string{"", "nocolon", a + ":x", "abc:1", a + ":"} {
		_, err := ParseConnectionAddress(s)
		assert.ErrorIs(t, err, ErrInvalidConnectionAddress, s)
	}
}

func TestErrorUnwraps(t *testing.T) {
	err := error(&Error{Op: "open", Err: ErrNotRegistered})
	assert.ErrorIs(t, err, ErrNotRegistered)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "open", perr.Op)
}
