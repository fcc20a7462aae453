// Package memory implements an in-memory remote blob channel. It backs unit
// tests and the offline mode: blobs live in process memory and disappear on
// exit. Fault injection hooks let tests exercise the engine's retry and
// integrity paths.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/chatvault/pkg/remote"
)

// Channel is an in-memory remote.Channel implementation.
//
// Thread safety: all operations are safe for concurrent use.
type Channel struct {
	mu       sync.Mutex
	nextID   int64
	channels map[int64]map[int64]*blob

	// SendHook and FetchHook, when set, run before the operation and may
	// return an error to inject (rate limits, transient failures). They
	// receive the channel id and, for fetches, the message id.
	SendHook  func(channelID int64, data []byte) error
	FetchHook func(channelID, messageID int64) ([]byte, error)

	sendCount  int64
	fetchCount int64
}

type blob struct {
	data    []byte
	caption string
	date    time.Time
}

// New creates an empty in-memory channel backend.
func New() *Channel {
	return &Channel{
		nextID:   1,
		channels: map[int64]map[int64]*blob{},
	}
}

// EnsureChannel returns a deterministic channel id per identity, creating
// the channel map on first use. TTL does not exist in memory, so there is
// nothing to disable.
func (c *Channel) EnsureChannel(_ context.Context, identity string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Stable small id derived from the identity string.
	var id int64 = 1
	for _, r := range identity {
		id = id*31 + int64(r)
	}
	if id < 0 {
		id = -id
	}
	if _, ok := c.channels[id]; !ok {
		c.channels[id] = map[int64]*blob{}
	}
	return id, nil
}

func (c *Channel) SendBlob(ctx context.Context, channelID int64, data []byte, caption string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.SendHook != nil {
		if err := c.SendHook(channelID, data); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[channelID]
	if !ok {
		ch = map[int64]*blob{}
		c.channels[channelID] = ch
	}

	id := c.nextID
	c.nextID++
	stored := make([]byte, len(data))
	copy(stored, data)
	ch[id] = &blob{data: stored, caption: caption, date: time.Now()}
	c.sendCount++
	return id, nil
}

func (c *Channel) FetchBlob(ctx context.Context, channelID, messageID int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.FetchHook != nil {
		if data, err := c.FetchHook(channelID, messageID); data != nil || err != nil {
			if err != nil {
				return nil, err
			}
			return data, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCount++

	b, ok := c.channels[channelID][messageID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (c *Channel) DeleteBlobs(ctx context.Context, channelID int64, messageIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.channels[channelID]
	for _, id := range messageIDs {
		delete(ch, id)
	}
	return nil
}

func (c *Channel) SearchByCaption(ctx context.Context, channelID int64, substring string, limit int) ([]remote.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []remote.Message
	for id, b := range c.channels[channelID] {
		if strings.Contains(b.caption, substring) {
			out = append(out, remote.Message{ID: id, Caption: b.caption, Date: b.date})
		}
	}
	// Newest first; memory ids are monotonic.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SendCount returns the number of successful sends, for test assertions.
func (c *Channel) SendCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCount
}

// FetchCount returns the number of fetches served, for test assertions.
func (c *Channel) FetchCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchCount
}

// BlobCount returns the number of stored blobs on a channel.
func (c *Channel) BlobCount(channelID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels[channelID])
}

var _ remote.Channel = (*Channel)(nil)
