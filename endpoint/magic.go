package endpoint

import "crypto/rand"

const magicSize = 8

var magic = [magicSize]byte{0xf2, 0xc5, 0x47, 0x87, 0x7a, 0xe0, 0xcc, 0xff}

// putMagic writes the magic OR-ed with random bits, so every control message
// differs while the magic bits stay recoverable.
func putMagic(dst []byte) {
	var m [magicSize]byte
	_, _ = rand.Read(m[:])
	for i := range m {
		dst[i] = m[i] | magic[i]
	}
}

func verifyMagic(src []byte) bool {
	if len(src) < magicSize {
		return false
	}
	for i := range magic {
		if src[i]&magic[i] != magic[i] {
			return false
		}
	}
	return true
}
