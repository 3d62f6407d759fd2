package vcrypto

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Config is one entry of the derivation cascade.
type pbkdf2Config struct {
	iterations int
	newHash    func() hash.Hash
}

// pbkdf2Cascade lists every key derivation configuration the format has
// shipped with, newest first. The first configuration whose derived key
// decrypts the blob wins.
var pbkdf2Cascade = []pbkdf2Config{
	{600000, sha256.New},
	{310000, sha256.New},
	{10000, sha1.New},
}

// derivedKeyLen covers a 32-byte AES key plus a 16-byte IV.
const derivedKeyLen = KeySize + IVSize

// utf16lePassword widens an ASCII password to UTF-16LE the way the
// agent hashes it. Non-ASCII passwords are not supported.
func utf16lePassword(password string) []byte {
	out := make([]byte, 0, len(password)*2)
	for i := 0; i < len(password); i++ {
		out = append(out, password[i], 0)
	}
	return out
}

// DeriveKey runs one PBKDF2 configuration over the password and salt.
func DeriveKey(password string, salt []byte, iterations, keyLen int, useSHA1 bool) []byte {
	h := sha256.New
	if useSHA1 {
		h = sha1.New
	}
	return pbkdf2.Key(utf16lePassword(password), salt, iterations, keyLen, h)
}

// DecryptPBKDF2Data walks the configuration cascade, deriving an AES
// key+IV from (password, salt) and attempting to decrypt the blob. The
// first attempt yielding valid PKCS#7 padding is returned.
func DecryptPBKDF2Data(password string, salt, encrypted []byte) ([]byte, error) {
	var lastErr error
	for _, cfg := range pbkdf2Cascade {
		derived := pbkdf2.Key(utf16lePassword(password), salt, cfg.iterations, derivedKeyLen, cfg.newHash)

		var key Key
		copy(key.Key[:], derived[:KeySize])
		copy(key.IV[:], derived[KeySize:])

		c, err := NewCipher(key)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, len(encrypted))
		copy(buf, encrypted)
		plain, err := c.Decrypt(buf, true)
		if err == nil {
			return plain, nil
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "all PBKDF2 decryption attempts failed")
}

// RSADecrypt unwraps a PKCS#1 v1.5 encrypted payload with a PEM-encoded
// RSA private key.
func RSADecrypt(privateKeyPEM, encrypted []byte) ([]byte, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}

	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else if k8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes); err8 == nil {
		rsaKey, ok := k8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		key = rsaKey
	} else {
		return nil, errors.Wrap(err, "parse RSA private key")
	}

	out, err := rsa.DecryptPKCS1v15(nil, key, encrypted)
	if err != nil {
		return nil, errors.Wrap(err, "rsa decrypt")
	}
	return out, nil
}

// ReverseBytes returns a reversed copy; agent key blobs store the RSA
// ciphertext back to front.
func ReverseBytes(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	return out
}

// TailKey extracts the AES key and IV from the tail of a decrypted key
// blob: the last 48 bytes are key then IV.
func TailKey(plain []byte) (Key, error) {
	var key Key
	if len(plain) < derivedKeyLen {
		return key, fmt.Errorf("decrypted key blob too short: %d bytes", len(plain))
	}
	copy(key.Key[:], plain[len(plain)-derivedKeyLen:len(plain)-IVSize])
	copy(key.IV[:], plain[len(plain)-IVSize:])
	return key, nil
}
