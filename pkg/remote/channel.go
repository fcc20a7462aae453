// Package remote defines the narrow interface the transfer engine consumes
// from the messaging backend: a durable, addressable blob channel. The
// engine never assumes message-id ordering, blob size limits beyond one
// chunk plus AEAD overhead, or atomic multi-blob operations.
package remote

import (
	"context"
	"time"
)

// DeleteBatchSize is the maximum number of message ids per delete call.
const DeleteBatchSize = 100

// Message is a stored blob's addressable envelope as returned by searches.
type Message struct {
	ID      int64
	Caption string
	Date    time.Time
}

// Channel is the remote blob channel capability set.
//
// Implementations map these operations onto the actual backend: a private
// chat channel, an S3 bucket, or an in-memory fake for tests. Errors must
// use the package taxonomy so callers can classify them: ErrNotFound for
// permanently missing blobs, *RateLimitError when the backend demands a
// cool-down, *TransientError for retriable failures.
type Channel interface {
	// SendBlob stores data durably and returns its message id.
	SendBlob(ctx context.Context, channelID int64, data []byte, caption string) (int64, error)

	// FetchBlob returns the stored bytes for a message id.
	FetchBlob(ctx context.Context, channelID, messageID int64) ([]byte, error)

	// DeleteBlobs removes messages best-effort, batching internally by
	// DeleteBatchSize. Missing ids are not an error.
	DeleteBlobs(ctx context.Context, channelID int64, messageIDs []int64) error

	// SearchByCaption returns up to limit messages whose caption contains
	// substring, newest first.
	SearchByCaption(ctx context.Context, channelID int64, substring string, limit int) ([]Message, error)

	// EnsureChannel locates the dedicated storage channel for the given
	// identity, creating it if necessary, and disables any message TTL.
	EnsureChannel(ctx context.Context, identity string) (int64, error)
}

// DeleteAll removes messages in DeleteBatchSize batches. Helper for
// implementations and callers holding more ids than one call allows.
func DeleteAll(ctx context.Context, ch Channel, channelID int64, ids []int64) error {
	for len(ids) > 0 {
		n := min(len(ids), DeleteBatchSize)
		if err := ch.DeleteBlobs(ctx, channelID, ids[:n]); err != nil {
			return err
		}
		ids = ids[n:]
	}
	return nil
}
