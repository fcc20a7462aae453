package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// hashReadSize is the read window for streamed file hashing.
const hashReadSize = 4 * 1024

// HashFile computes the hex SHA-256 of a file's contents, streamed in
// 4 KiB reads so arbitrarily large files hash in constant memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashReadSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the hex SHA-256 of a byte slice.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString computes the hex SHA-256 of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}
