// Package crypto implements the key derivation, authenticated encryption,
// and content hashing primitives used by the transfer pipeline.
//
// Two key families exist:
//   - the user key, bound to the logged-in identity and the local machine,
//     protects the credential cache;
//   - per-file keys, derived deterministically from the content hash, protect
//     chunk payloads so that resumed and deduplicated uploads always encrypt
//     with the same key.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/denisbrodbeck/machineid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of all derived keys in bytes (AES-256).
	KeySize = 32

	// KDFIterations is the PBKDF2-SHA256 iteration count.
	KDFIterations = 480_000
)

// keyPepper is mixed into every user key derivation. It is not a secret:
// the machine-bound secret and the user identity provide the entropy.
const keyPepper = "chatvault-user-key-v1"

// machineSecretFallback is used when the OS machine id cannot be read.
// Degraded (keys are portable across machines) but deterministic, so a
// restored credential cache still decrypts.
const machineSecretFallback = "chatvault-no-machine-id"

// machineSecret returns a stable per-machine identifier.
func machineSecret() string {
	id, err := machineid.ProtectedID("chatvault")
	if err != nil {
		return machineSecretFallback
	}
	return id
}

// DeriveUserKey derives the 32-byte key protecting the credential cache.
// The key is deterministic for a given (identity, machine) pair.
func DeriveUserKey(identity string) []byte {
	password := []byte(keyPepper + identity)
	salt := sha256.Sum256([]byte(identity + machineSecret()))
	return pbkdf2.Key(password, salt[:], KDFIterations, KeySize, sha256.New)
}

// DeriveFileKey derives the 32-byte encryption key for a file from its hex
// SHA-256 content hash. Password and salt are non-overlapping halves of the
// hash, so the key is deterministic per content and resume/dedup re-derive
// the same key.
func DeriveFileKey(contentHash string) []byte {
	if len(contentHash) != hex.EncodedLen(sha256.Size) {
		// Tolerate odd inputs by hashing them into canonical form first.
		contentHash = HashString(contentHash)
	}
	password := []byte(contentHash[:32])
	salt := []byte(contentHash[32:])
	return pbkdf2.Key(password, salt, KDFIterations, KeySize, sha256.New)
}
