package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomAddressBytes(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, AddressSize)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestAddressBytesRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		raw := randomAddressBytes(t)

		a, err := AddressFromBytes(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, a.Bytes())
	}
}

func TestAddressStringRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		a, err := AddressFromBytes(randomAddressBytes(t))
		require.NoError(t, err)

		parsed, err := ParseAddress(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
}

func TestAddressFromBytesRejectsBadLength(t *testing.T) {
	for _, n := range []int{0, 1, 19, 21, 32} {
		_, err := AddressFromBytes(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidAddressLength, "length %d", n)
	}
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	_, err := ParseAddress("not*base64")
	assert.Error(t, err)

	_, err = ParseAddress("AAAA")
	assert.ErrorIs(t, err, ErrInvalidAddressLength)
}

func TestAddressBytesIsCopy(t *testing.T) {
	a, err := AddressFromBytes(randomAddressBytes(t))
	require.NoError(t, err)

	b := a.Bytes()
	b[0] ^= 0xff
	assert.NotEqual(t, b[0], a[0])
}

func TestAddressTextMarshaling(t *testing.T) {
	a, err := AddressFromBytes(randomAddressBytes(t))
	require.NoError(t, err)

	text, err := a.MarshalText()
	require.NoError(t, err)

	var decoded Address
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, a, decoded)
	assert.False(t, decoded.IsZero())
	assert.True(t, NullAddress.IsZero())
}
