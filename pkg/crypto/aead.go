package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the AES-GCM nonce length prefixed to every blob.
	NonceSize = 12

	// TagSize is the GCM authentication tag length suffixed to every blob.
	TagSize = 16

	// Overhead is the total ciphertext expansion: nonce + tag.
	Overhead = NonceSize + TagSize
)

var (
	// ErrAuthentication indicates the blob failed GCM authentication:
	// it was tampered with or the key is wrong.
	ErrAuthentication = errors.New("authentication failed: wrong key or corrupted data")

	// ErrMalformedBlob indicates the blob is too short to carry a nonce
	// and tag and was never a valid ciphertext.
	ErrMalformedBlob = errors.New("malformed encrypted blob")
)

// Encrypt seals plaintext with AES-256-GCM under key and returns
// nonce(12) || ciphertext || tag(16). A fresh random nonce is drawn per
// call; a (key, nonce) pair is never reused.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends ciphertext||tag to the nonce slice.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. It fails atomically: no partial
// plaintext is ever returned. Authentication failures are reported as
// ErrAuthentication, distinct from format errors (ErrMalformedBlob).
func Decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, ErrMalformedBlob
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
