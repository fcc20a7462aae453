package crypto

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256 of the empty string, the canonical hash of a zero-length file.
const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveFileKey(HashBytes([]byte("some content")))

	cases := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"small", 100},
		{"block aligned", 4096},
		{"large", 1 << 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plaintext := make([]byte, tc.size)
			_, err := rand.Read(plaintext)
			require.NoError(t, err)

			blob, err := Encrypt(plaintext, key)
			require.NoError(t, err)
			assert.Equal(t, tc.size+Overhead, len(blob), "blob must be plaintext + 28 bytes")

			decrypted, err := Decrypt(blob, key)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plaintext, decrypted))
		})
	}
}

func TestDecryptWrongKeyFailsAuthentication(t *testing.T) {
	key := DeriveFileKey(HashBytes([]byte("content a")))
	other := DeriveFileKey(HashBytes([]byte("content b")))

	blob, err := Encrypt([]byte("secret payload"), key)
	require.NoError(t, err)

	_, err = Decrypt(blob, other)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecryptTamperedBlobFailsAuthentication(t *testing.T) {
	key := DeriveFileKey(HashBytes([]byte("content")))

	blob, err := Encrypt([]byte("secret payload"), key)
	require.NoError(t, err)

	// Flip one bit in the ciphertext body.
	blob[NonceSize] ^= 0x01

	_, err = Decrypt(blob, key)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecryptShortBlobIsMalformed(t *testing.T) {
	key := DeriveFileKey(HashBytes([]byte("content")))

	_, err := Decrypt([]byte("too short"), key)
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestEncryptNonceIsFresh(t *testing.T) {
	key := DeriveFileKey(HashBytes([]byte("content")))

	a, err := Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a[:NonceSize], b[:NonceSize]), "nonces must differ between calls")
	assert.False(t, bytes.Equal(a, b))
}

func TestDeriveFileKeyDeterministic(t *testing.T) {
	hash := HashBytes([]byte("the file content"))

	k1 := DeriveFileKey(hash)
	k2 := DeriveFileKey(hash)
	assert.Equal(t, k1, k2, "same hash must derive the same key")
	assert.Len(t, k1, KeySize)

	k3 := DeriveFileKey(HashBytes([]byte("different content")))
	assert.NotEqual(t, k1, k3)
}

func TestDeriveUserKeyDeterministic(t *testing.T) {
	k1 := DeriveUserKey("alice")
	k2 := DeriveUserKey("alice")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, KeySize)

	k3 := DeriveUserKey("bob")
	assert.NotEqual(t, k1, k3)
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.bin")
		require.NoError(t, os.WriteFile(path, nil, 0644))

		hash, err := HashFile(path)
		require.NoError(t, err)
		assert.Equal(t, emptySHA256, hash)
	})

	t.Run("matches HashBytes", func(t *testing.T) {
		data := bytes.Repeat([]byte{0xAB}, 10_000)
		path := filepath.Join(dir, "data.bin")
		require.NoError(t, os.WriteFile(path, data, 0644))

		hash, err := HashFile(path)
		require.NoError(t, err)
		assert.Equal(t, HashBytes(data), hash)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := HashFile(filepath.Join(dir, "nope.bin"))
		assert.Error(t, err)
	})
}
