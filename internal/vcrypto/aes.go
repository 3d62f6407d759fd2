// Package vcrypto implements the cryptographic primitives of the
// container format: AES-256-CBC block decryption with a fixed IV per
// call, the PBKDF2 configuration cascade used to unlock password-derived
// keys, RSA PKCS#1 v1.5 key unwrapping and the keyset dump file format.
//
// The stdlib AES implementation dispatches to AES-NI where available,
// which keeps whole-container decryption on the multi-GB/s path the
// scanner needs.
package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the CBC initialization vector length.
	IVSize = 16
)

// Key is AES key material together with its IV.
type Key struct {
	Key [KeySize]byte
	IV  [IVSize]byte
}

// Cipher is a ready-to-use AES-256-CBC decryptor. Every Decrypt call is
// a self-contained CBC run starting from the constructor IV; there is no
// streaming state, so a Cipher may be shared between readers.
type Cipher struct {
	block cipher.Block
	iv    [IVSize]byte
}

// NewCipher precomputes the AES key schedule for the given key material.
func NewCipher(key Key) (*Cipher, error) {
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, fmt.Errorf("aes key schedule: %w", err)
	}
	return &Cipher{block: block, iv: key.IV}, nil
}

// Decrypt runs CBC decryption over data in place. The input length must
// be a non-zero multiple of the AES block size (zero-length input is a
// no-op). When removePadding is set, PKCS#7 padding is validated and the
// returned slice excludes it; otherwise the full buffer is returned.
func (c *Cipher) Decrypt(data []byte, removePadding bool) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aes input size %#x is not a multiple of %d", len(data), aes.BlockSize)
	}

	iv := c.iv
	cipher.NewCBCDecrypter(c.block, iv[:]).CryptBlocks(data, data)

	if !removePadding {
		return data, nil
	}

	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid PKCS#7 padding byte %#x", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-pad], nil
}
