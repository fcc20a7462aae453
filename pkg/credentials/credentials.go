// Package credentials persists the backend login material between runs.
// The cache file keeps only the api id in the clear; everything else,
// including the cached storage channel id, lives inside an AEAD-encrypted
// blob keyed to the user identity and the local machine.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/chatvault/pkg/crypto"
)

// ErrNotFound indicates no credential cache exists at the given path.
var ErrNotFound = errors.New("no cached credentials")

// Credentials is the full login material for the messaging backend.
type Credentials struct {
	APIID     int64  `json:"api_id"`
	APIHash   string `json:"api_hash"`
	Identity  string `json:"identity"`
	Session   string `json:"session,omitempty"`
	ChannelID int64  `json:"channel_id,omitempty"`
}

// envelope is the on-disk shape. Only the api id is readable without the
// user key.
type envelope struct {
	APIID         int64  `json:"api_id"`
	EncryptedBlob string `json:"encrypted_blob"`
}

// Save writes the credential cache atomically with owner-only permissions.
// The encryption key is derived from the identity, so the cache only
// decrypts for the same user on the same machine.
func Save(path string, creds Credentials) error {
	if creds.Identity == "" {
		return errors.New("credentials identity is required")
	}

	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	blob, err := crypto.Encrypt(plain, crypto.DeriveUserKey(creds.Identity))
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	data, err := json.MarshalIndent(envelope{
		APIID:         creds.APIID,
		EncryptedBlob: base64.StdEncoding.EncodeToString(blob),
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads and decrypts the credential cache. Returns ErrNotFound when
// the file does not exist and crypto.ErrAuthentication when the cache was
// written by a different user or machine.
func Load(path, identity string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed credential cache: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(env.EncryptedBlob)
	if err != nil {
		return nil, fmt.Errorf("malformed credential cache: %w", err)
	}

	plain, err := crypto.Decrypt(blob, crypto.DeriveUserKey(identity))
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("malformed credential payload: %w", err)
	}
	if creds.APIID == 0 {
		creds.APIID = env.APIID
	}
	return &creds, nil
}

// Delete removes the credential cache. Missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
