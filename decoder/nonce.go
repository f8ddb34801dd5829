package decoder

import (
	"crypto/aes"
	"encoding/binary"
)

// Nonce is the initial counter block handed to the CTR stream
type Nonce [aes.BlockSize]byte

// Seed extracts the little endian counter seed from manufacturer data
func Seed(data []byte) (uint16, bool) {
	if len(data) < seedOffset+2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data[seedOffset : seedOffset+2]), true
}

// DeriveNonce expands a counter seed into the device's initial counter block.
//
// The device firmware places the seed in the low bytes of a big endian
// counter and then uses the whole block in reverse order, so seed 0x1234
// yields 34 12 00 .. 00. Swapping the two seed bytes alone is not enough.
func DeriveNonce(seed uint16) Nonce {
	var counter Nonce
	binary.BigEndian.PutUint16(counter[aes.BlockSize-2:], seed)

	var nonce Nonce
	for i := range counter {
		nonce[i] = counter[aes.BlockSize-1-i]
	}
	return nonce
}
