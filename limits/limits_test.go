package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkSizeFitsPacket(t *testing.T) {
	assert.Equal(t, 1462, MaxChunkSize)
	assert.Equal(t, MaxPacketSize, MaxChunkSize+RMPHeaderSize)
}

func TestValidatePacket(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrEmptyPacket},
		{"single byte", 1, nil},
		{"exact limit", MaxPacketSize, nil},
		{"over limit", MaxPacketSize + 1, ErrPacketTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePacket(make([]byte, tt.size))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestValidateSecureMessage(t *testing.T) {
	assert.NoError(t, ValidateSecureMessage(nil))
	assert.NoError(t, ValidateSecureMessage(make([]byte, MaxSecureMessage)))

	err := ValidateSecureMessage(make([]byte, MaxSecureMessage+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestValidateRMPLength(t *testing.T) {
	assert.NoError(t, ValidateRMPLength(0))
	assert.NoError(t, ValidateRMPLength(MaxRMPMessage))
	assert.ErrorIs(t, ValidateRMPLength(MaxRMPMessage+1), ErrMessageTooLarge)
}

func TestValidateRMPMessage(t *testing.T) {
	assert.NoError(t, ValidateRMPMessage(nil))
	assert.NoError(t, ValidateRMPMessage(make([]byte, MaxRMPMessage)))
	assert.ErrorIs(t, ValidateRMPMessage(make([]byte, MaxRMPMessage+1)), ErrMessageTooLarge)
}
