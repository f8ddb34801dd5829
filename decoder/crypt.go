package decoder

import (
	"crypto/aes"
	"crypto/cipher"
)

// Decryptor applies the AES-128 CTR keystream for one device key.
// CTR is self-inverse, so the same call encrypts.
type Decryptor struct {
	block cipher.Block
}

// NewDecryptor expands the key schedule once per key
func NewDecryptor(key DeviceKey) *Decryptor {
	// DeviceKey is always 16 bytes, aes.NewCipher cannot fail for it
	block, _ := aes.NewCipher(key[:])
	return &Decryptor{block: block}
}

// Decrypt XORs the keystream starting at nonce into a new slice of the same length.
// There is no authentication tag; a wrong key produces garbage, not an error.
func (d *Decryptor) Decrypt(nonce Nonce, ciphertext []byte) []byte {
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(d.block, nonce[:]).XORKeyStream(plaintext, ciphertext)
	return plaintext
}
