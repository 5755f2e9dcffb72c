// Package secrets provides the encrypt/decrypt capability for credentials and resolves them.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of a cipher key.
const KeySize = chacha20poly1305.KeySize

// Encrypt encrypts the input data using XChaCha20-Poly1305. The nonce is prepended to the ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create new xchacha20poly1305 cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create new xchacha20poly1305 cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext is too short")
	}

	nonce, ciphertext := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

// Cipher encrypts and decrypts credential strings. Ciphertexts are base64 encoded.
type Cipher struct {
	key []byte
}

// NewCipher creates a Cipher from a raw key of KeySize bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d, expected %d", len(key), KeySize)
	}
	return &Cipher{key: append([]byte(nil), key...)}, nil
}

// NewCipherFromPassphrase derives the key from a passphrase with BLAKE3.
func NewCipherFromPassphrase(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	key := blake3.Sum256([]byte(passphrase))
	return NewCipher(key[:])
}

// Encrypt returns the base64 ciphertext of plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	ciphertext, err := Encrypt(c.key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt returns the plaintext of a base64 ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	plaintext, err := Decrypt(c.key, raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
