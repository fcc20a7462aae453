// Package chunk implements the fixed-size chunk codec for the transfer
// pipeline: streaming split-and-encrypt on upload, decrypt-and-write-at on
// download, and output pre-allocation for parallel chunk writers.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/marmos91/chatvault/pkg/crypto"
)

// Size is the plaintext chunk size: exactly 8 MiB. Existing chunks are
// indexed by part number which implies byte offset, so changing this
// constant is a wire-format break.
const Size = 8 * 1024 * 1024

// EncryptedSize returns the stored blob size for a plaintext window length.
func EncryptedSize(plaintextLen int64) int64 {
	return plaintextLen + crypto.Overhead
}

// Count returns the number of parts for a file of the given size.
// A zero-length file has zero parts.
func Count(size int64) int {
	return int((size + Size - 1) / Size)
}

// Part is one encrypted chunk produced by a Stream. Num is 1-based.
type Part struct {
	Num  int
	Blob []byte
}

// Stream reads a file in fixed-size windows and yields each remaining
// window encrypted. Windows whose part number is in the completed set are
// skipped by seeking past them: they are neither read nor re-encrypted.
//
// A Stream is consumed once per upload attempt and is not restartable.
type Stream struct {
	f         *os.File
	key       []byte
	completed map[int]bool
	size      int64
	total     int
	next      int
}

// NewStream opens path for streaming. completed may be nil.
func NewStream(path string, key []byte, completed map[int]bool) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return &Stream{
		f:         f,
		key:       key,
		completed: completed,
		size:      info.Size(),
		total:     Count(info.Size()),
		next:      1,
	}, nil
}

// TotalParts returns the number of parts the whole file splits into.
func (s *Stream) TotalParts() int {
	return s.total
}

// FileSize returns the plaintext size of the underlying file.
func (s *Stream) FileSize() int64 {
	return s.size
}

// Next returns the next remaining encrypted part. It returns io.EOF after
// the last part has been yielded.
func (s *Stream) Next() (Part, error) {
	for s.next <= s.total {
		num := s.next
		s.next++

		if s.completed[num] {
			// Skip the input window without reading it.
			if _, err := s.f.Seek(int64(num)*Size, io.SeekStart); err != nil {
				return Part{}, fmt.Errorf("seek past part %d: %w", num, err)
			}
			continue
		}

		window := make([]byte, Size)
		n, err := io.ReadFull(s.f, window)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return Part{}, fmt.Errorf("read part %d: %w", num, err)
		}
		if num < s.total && n < Size {
			return Part{}, fmt.Errorf("short read on part %d: got %d bytes", num, n)
		}

		blob, err := crypto.Encrypt(window[:n], s.key)
		if err != nil {
			return Part{}, fmt.Errorf("encrypt part %d: %w", num, err)
		}
		return Part{Num: num, Blob: blob}, nil
	}
	return Part{}, io.EOF
}

// Close releases the underlying file handle.
func (s *Stream) Close() error {
	return s.f.Close()
}

// Offset returns the plaintext byte offset of a 1-based part number.
func Offset(partNum int) int64 {
	return int64(partNum-1) * Size
}

// WriteDecrypted decrypts blob and writes the plaintext at the given byte
// offset of outPath. The output must already exist with its final size (see
// PrepareOutput). Safe for parallel callers as long as their offsets do not
// overlap.
func WriteDecrypted(blob []byte, outPath string, key []byte, offset int64) error {
	plaintext, err := crypto.Decrypt(blob, key)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(outPath, os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", outPath, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(plaintext, offset); err != nil {
		return fmt.Errorf("write %s at %d: %w", outPath, offset, err)
	}
	return nil
}

// PrepareOutput ensures the parent directory exists and pre-allocates path
// to expectedSize bytes. An existing file of the right size is left alone so
// resumed downloads keep their partial data; anything else is truncated and
// sparsely extended by writing a single zero byte at expectedSize-1.
func PrepareOutput(path string, expectedSize int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	if info, err := os.Stat(path); err == nil && info.Size() == expectedSize {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if expectedSize > 0 {
		if _, err := f.WriteAt([]byte{0}, expectedSize-1); err != nil {
			return fmt.Errorf("preallocate %s to %d bytes: %w", path, expectedSize, err)
		}
	}
	return nil
}
